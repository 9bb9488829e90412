package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabsync/internal/api"
	"collabsync/internal/config"
	"collabsync/internal/db"
	"collabsync/internal/repository"
	"collabsync/internal/session"
	"collabsync/internal/telemetry"
)

func main() {
	log.Println("starting collabsync server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	jaegerShutdown, err := telemetry.InitJaeger("collabsync", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	stateRepo := repository.NewSessionStateRepository(database.DB)

	hub := session.NewHub(stateRepo, session.Options{
		ConnectionCap: cfg.SessionConnectionCap,
		SweepInterval: cfg.SessionSweepInterval,
		IdleTimeout:   cfg.SessionIdleTimeout,
	})

	wsHandler := session.NewHandler(hub)
	handler := api.NewHandler(hub, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("server listening on http://%s", addr)
		log.Printf("   WS     /ws/session?session_id=..&participant_id=..")
		log.Printf("   GET    /api/sessions/{id}/state")
		log.Printf("   POST   /api/sessions/{id}/state")
		log.Printf("   GET    /api/sessions/{id}/presence")
		log.Printf("   POST   /api/sessions/{id}/broadcast")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	hub.Shutdown()

	log.Println("server shutdown complete")
}
