package session

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate Origin against an allowlist once the deployment
		// domains are settled.
		return true
	},
}

// Handler upgrades HTTP requests into session connections.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new websocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// HandleSessionConnection admits one client into a session. Responses:
// 400 missing identifiers, 426 not an upgrade request, 503 connection cap
// exceeded, 101 otherwise.
func (h *Handler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	participantID := r.URL.Query().Get("participant_id")
	if sessionID == "" || participantID == "" {
		http.Error(w, "session_id and participant_id are required", http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	coord, err := h.hub.Coordinator(r.Context(), sessionID)
	if err != nil {
		log.Printf("session %s: hydration failed: %v", sessionID, err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	if coord.Full() {
		http.Error(w, "session at connection capacity", http.StatusServiceUnavailable)
		return
	}

	var metadata map[string]string
	if name := r.URL.Query().Get("name"); name != "" {
		metadata = map[string]string{"name": name}
		if color := r.URL.Query().Get("color"); color != "" {
			metadata["color"] = color
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session %s: upgrade failed: %v", sessionID, err)
		return
	}

	conn, err := coord.Admit(ws, participantID, metadata)
	if err != nil {
		// The cap was reached between the pre-upgrade check and admission.
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	// The request context dies when this handler returns; the pumps own the
	// connection for its whole lifetime.
	go conn.writePump()
	go conn.readPump(context.Background(), coord)
}
