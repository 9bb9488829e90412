package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the wire discriminator carried in every envelope.
type MessageType string

const (
	TypeConnect        MessageType = "connect"
	TypeDisconnect     MessageType = "disconnect"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeHeartbeatAck   MessageType = "heartbeat_ack"
	TypeStateUpdate    MessageType = "state_update"
	TypeCursorUpdate   MessageType = "cursor_update"
	TypePresenceUpdate MessageType = "presence_update"
	TypeError          MessageType = "error"
)

// Envelope is the mandatory header of every typed message: a string
// discriminator plus an epoch-millisecond timestamp.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// NowMillis returns the current time as epoch milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func newEnvelope(t MessageType) Envelope {
	return Envelope{Type: t, Timestamp: NowMillis()}
}

// PeekType extracts the discriminator without decoding the full message.
func PeekType(data []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message missing type")
	}
	return env.Type, nil
}

// ConnectAck acknowledges a successful admission. It is the first message a
// connection receives and carries the server-assigned connection id.
type ConnectAck struct {
	Envelope
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	ConnectionID  string `json:"connectionId"`
}

func NewConnectAck(sessionID, participantID, connectionID string) *ConnectAck {
	return &ConnectAck{
		Envelope:      newEnvelope(TypeConnect),
		SessionID:     sessionID,
		ParticipantID: participantID,
		ConnectionID:  connectionID,
	}
}

// Disconnect notifies survivors that a participant's connection went away.
type Disconnect struct {
	Envelope
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

func NewDisconnect(participantID, reason string) *Disconnect {
	return &Disconnect{
		Envelope:      newEnvelope(TypeDisconnect),
		ParticipantID: participantID,
		Reason:        reason,
	}
}

// Heartbeat is a pure liveness signal. It carries no payload and never
// mutates session state.
type Heartbeat struct {
	Envelope
}

func NewHeartbeat() *Heartbeat {
	return &Heartbeat{Envelope: newEnvelope(TypeHeartbeat)}
}

func NewHeartbeatAck() *Heartbeat {
	return &Heartbeat{Envelope: newEnvelope(TypeHeartbeatAck)}
}

// StateUpdate carries a set of top-level key changes. Client-to-server
// messages carry only Changes; server broadcasts additionally stamp who
// produced the merged delta and when.
type StateUpdate struct {
	Envelope
	Changes       map[string]any `json:"changes"`
	LastUpdatedBy string         `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt int64          `json:"lastUpdatedAt,omitempty"`
}

func NewStateUpdate(changes map[string]any, updatedBy string, updatedAt int64) *StateUpdate {
	return &StateUpdate{
		Envelope:      newEnvelope(TypeStateUpdate),
		Changes:       changes,
		LastUpdatedBy: updatedBy,
		LastUpdatedAt: updatedAt,
	}
}

// Position is a line/column location inside a document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a contiguous range between two positions.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// CursorUpdate relays a participant's cursor and optional selection.
// Ephemeral: relayed to the other connections, never persisted.
type CursorUpdate struct {
	Envelope
	ParticipantID string     `json:"participantId"`
	Position      Position   `json:"position"`
	Selection     *Selection `json:"selection,omitempty"`
}

func NewCursorUpdate(participantID string, position Position, selection *Selection) *CursorUpdate {
	return &CursorUpdate{
		Envelope:      newEnvelope(TypeCursorUpdate),
		ParticipantID: participantID,
		Position:      position,
		Selection:     selection,
	}
}

// PresenceEntry is one live connection in a presence snapshot. Timestamps
// are epoch milliseconds.
type PresenceEntry struct {
	ParticipantID string            `json:"participantId"`
	ConnectionID  string            `json:"connectionId"`
	ConnectedAt   int64             `json:"connectedAt"`
	LastActiveAt  int64             `json:"lastActiveAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PresenceUpdate is the derived snapshot of all live connections for a
// session, recomputed from the registry on every membership change.
type PresenceUpdate struct {
	Envelope
	Participants []PresenceEntry `json:"participants"`
	Count        int             `json:"count"`
}

func NewPresenceUpdate(participants []PresenceEntry) *PresenceUpdate {
	return &PresenceUpdate{
		Envelope:     newEnvelope(TypePresenceUpdate),
		Participants: participants,
		Count:        len(participants),
	}
}

// ErrorMessage answers a malformed or unknown inbound message. The
// connection stays open.
type ErrorMessage struct {
	Envelope
	Message string `json:"message"`
}

func NewErrorMessage(message string) *ErrorMessage {
	return &ErrorMessage{
		Envelope: newEnvelope(TypeError),
		Message:  message,
	}
}
