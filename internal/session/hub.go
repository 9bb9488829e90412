package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"collabsync/protocol"
)

// Hub maps session ids to their coordinators. Coordinators are created
// lazily on first use, hydrated from the durable store before handling any
// message, and live for the rest of the process. Sessions share no state
// with each other.
type Hub struct {
	store SessionStore
	opts  Options

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

// NewHub creates a hub backed by the given store.
func NewHub(store SessionStore, opts Options) *Hub {
	return &Hub{
		store:    store,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Coordinator),
	}
}

// Coordinator returns the coordinator for a session, creating and hydrating
// it on first use. A coordinator whose hydration failed keeps its error and
// refuses all further use for the life of the process.
func (h *Hub) Coordinator(ctx context.Context, sessionID string) (*Coordinator, error) {
	h.mu.Lock()
	coord, ok := h.sessions[sessionID]
	if !ok {
		coord = newCoordinator(sessionID, h.store, h.opts)
		h.sessions[sessionID] = coord
	}
	h.mu.Unlock()

	if err := coord.hydrate(ctx); err != nil {
		return nil, err
	}
	return coord, nil
}

// State implements the trusted control surface read: the merged state plus
// its provenance, in epoch milliseconds.
func (h *Hub) State(ctx context.Context, sessionID string) (map[string]any, string, int64, error) {
	coord, err := h.Coordinator(ctx, sessionID)
	if err != nil {
		return nil, "", 0, err
	}
	state, updatedBy, updatedAt := coord.StateSnapshot()
	var millis int64
	if !updatedAt.IsZero() {
		millis = updatedAt.UnixMilli()
	}
	return state, updatedBy, millis, nil
}

// ApplyExternalUpdate merges and persists an externally-sourced delta and
// broadcasts it to all of the session's connections.
func (h *Hub) ApplyExternalUpdate(ctx context.Context, sessionID string, changes map[string]any, updatedBy string) (map[string]any, error) {
	coord, err := h.Coordinator(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return coord.ApplyExternalUpdate(ctx, changes, updatedBy)
}

// Presence returns the live presence snapshot for a session.
func (h *Hub) Presence(ctx context.Context, sessionID string) ([]protocol.PresenceEntry, error) {
	coord, err := h.Coordinator(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return coord.Presence(), nil
}

// Broadcast sends an arbitrary JSON message to every connection of a session
// and returns how many connections were addressed.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, message json.RawMessage) (int, error) {
	if !json.Valid(message) {
		return 0, fmt.Errorf("broadcast payload is not valid JSON")
	}
	coord, err := h.Coordinator(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return coord.BroadcastRaw(message), nil
}

// Shutdown closes every session's connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	coords := make([]*Coordinator, 0, len(h.sessions))
	for _, coord := range h.sessions {
		coords = append(coords, coord)
	}
	h.mu.Unlock()

	for _, coord := range coords {
		coord.Shutdown()
	}
	log.Printf("session hub shut down (%d sessions)", len(coords))
}
