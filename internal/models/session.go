package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionState is the durable snapshot of a session's merged state: one row
// per session, overwritten on every committed mutation. Only the last merged
// snapshot is kept; there is no per-patch replay log.
type SessionState struct {
	SessionID     string    `gorm:"primaryKey;size:255" json:"session_id"`
	State         []byte    `gorm:"type:jsonb" json:"state"`
	LastUpdatedBy string    `gorm:"size:255" json:"last_updated_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StateMap decodes the stored blob into a key-value map. An empty or absent
// blob yields an empty map.
func (s *SessionState) StateMap() (map[string]any, error) {
	state := make(map[string]any)
	if len(s.State) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(s.State, &state); err != nil {
		return nil, fmt.Errorf("decode session state blob: %w", err)
	}
	return state, nil
}

// SetStateMap encodes state into the stored blob.
func (s *SessionState) SetStateMap(state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state blob: %w", err)
	}
	s.State = data
	return nil
}
