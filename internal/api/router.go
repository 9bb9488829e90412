package api

import (
	"net/http"

	"collabsync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// Trusted control surface: internal callers only, no live connection
	// required.
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions/{id}/state", h.GetSessionState).Methods("GET")
	api.HandleFunc("/sessions/{id}/state", h.PushSessionState).Methods("POST")
	api.HandleFunc("/sessions/{id}/presence", h.GetSessionPresence).Methods("GET")
	api.HandleFunc("/sessions/{id}/broadcast", h.BroadcastToSession).Methods("POST")

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// Participant upgrade endpoint.
	r.HandleFunc("/ws/session", h.HandleSessionWebSocket)

	return r
}
