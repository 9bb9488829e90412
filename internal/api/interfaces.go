package api

import (
	"context"
	"encoding/json"

	"collabsync/protocol"
)

// SessionControl is the trusted control surface over the session hub,
// defined here where it is consumed. Callers are internal services; none of
// these operations requires a live connection.
type SessionControl interface {
	// State returns the merged session state with its provenance
	// (lastUpdatedBy, lastUpdatedAt in epoch ms).
	State(ctx context.Context, sessionID string) (map[string]any, string, int64, error)

	// ApplyExternalUpdate merges, persists and broadcasts a delta to ALL
	// connections of the session.
	ApplyExternalUpdate(ctx context.Context, sessionID string, changes map[string]any, updatedBy string) (map[string]any, error)

	// Presence lists the currently-connected participants.
	Presence(ctx context.Context, sessionID string) ([]protocol.PresenceEntry, error)

	// Broadcast sends an arbitrary JSON message to all connections and
	// returns how many were addressed.
	Broadcast(ctx context.Context, sessionID string, message json.RawMessage) (int, error)
}
