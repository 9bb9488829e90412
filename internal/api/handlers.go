package api

import (
	"encoding/json"
	"io"
	"net/http"

	"collabsync/internal/session"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests for the trusted control surface.
type Handler struct {
	control   SessionControl
	wsHandler *session.Handler
}

func NewHandler(control SessionControl, wsHandler *session.Handler) *Handler {
	return &Handler{
		control:   control,
		wsHandler: wsHandler,
	}
}

// HandleSessionWebSocket is the upgrade endpoint for participants.
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleSessionConnection(w, r)
}

// GetSessionState returns the merged state of a session.
func (h *Handler) GetSessionState(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	state, updatedBy, updatedAt, err := h.control.State(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     sessionID,
		"state":         state,
		"lastUpdatedBy": updatedBy,
		"lastUpdatedAt": updatedAt,
	})
}

// PushSessionState merges an externally-sourced delta into a session. Unlike
// a participant's state_update, the broadcast goes to every connection.
func (h *Handler) PushSessionState(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var body struct {
		Changes   map[string]any `json:"changes"`
		UpdatedBy string         `json:"updatedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.Changes) == 0 {
		http.Error(w, "changes object is required", http.StatusBadRequest)
		return
	}

	merged, err := h.control.ApplyExternalUpdate(r.Context(), sessionID, body.Changes, body.UpdatedBy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"state":     merged,
	})
}

// GetSessionPresence lists the currently-connected participants.
func (h *Handler) GetSessionPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	participants, err := h.control.Presence(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":    sessionID,
		"participants": participants,
		"count":        len(participants),
	})
}

// BroadcastToSession relays an arbitrary JSON message to every connection.
func (h *Handler) BroadcastToSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		http.Error(w, "request body must be a JSON message", http.StatusBadRequest)
		return
	}

	delivered, err := h.control.Broadcast(r.Context(), sessionID, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"delivered": delivered,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
