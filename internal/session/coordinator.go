package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSessionFull is returned when admission would exceed the connection cap.
var ErrSessionFull = errors.New("session at connection capacity")

// SessionStore is the durable backing for canonical session state. Load
// returns (nil, nil) for a session that has never been persisted.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*models.SessionState, error)
	Save(ctx context.Context, state *models.SessionState) error
}

// Coordinator owns one session's canonical state and connection registry.
// A single mutex serializes admission, inbound dispatch, control-surface
// calls and sweep ticks, so the session has exactly one logical writer.
// Socket writes go through per-connection buffered queues, never under the
// lock's network I/O.
type Coordinator struct {
	sessionID string
	store     SessionStore
	opts      Options

	hydrateOnce sync.Once
	hydrateErr  error

	mu            sync.Mutex
	state         map[string]any
	lastUpdatedBy string
	lastUpdatedAt time.Time
	conns         map[string]*Connection
	sweepTimer    *time.Timer
	closed        bool
}

func newCoordinator(sessionID string, store SessionStore, opts Options) *Coordinator {
	return &Coordinator{
		sessionID: sessionID,
		store:     store,
		opts:      opts,
		state:     make(map[string]any),
		conns:     make(map[string]*Connection),
	}
}

// hydrate loads canonical state from the durable store. Runs once; every
// entry point goes through it before touching the coordinator, so no message
// can observe partially-initialized state.
func (c *Coordinator) hydrate(ctx context.Context) error {
	c.hydrateOnce.Do(func() {
		snapshot, err := c.store.Load(ctx, c.sessionID)
		if err != nil {
			c.hydrateErr = fmt.Errorf("load session %s: %w", c.sessionID, err)
			return
		}
		if snapshot == nil {
			return
		}
		state, err := snapshot.StateMap()
		if err != nil {
			c.hydrateErr = fmt.Errorf("hydrate session %s: %w", c.sessionID, err)
			return
		}

		c.mu.Lock()
		c.state = state
		c.lastUpdatedBy = snapshot.LastUpdatedBy
		c.lastUpdatedAt = snapshot.UpdatedAt
		c.mu.Unlock()
	})
	return c.hydrateErr
}

// Full reports whether the registry is at its connection cap.
func (c *Coordinator) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns) >= c.opts.ConnectionCap
}

// ConnectionCount returns the current registry size.
func (c *Coordinator) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Admit registers an upgraded transport. On success the new connection has a
// connect ack queued, followed by a snapshot of the merged state (when
// non-empty) so late joiners catch up without a patch log, and presence is
// re-broadcast to the whole registry. Returns ErrSessionFull without
// mutating the registry when the cap is reached.
func (c *Coordinator) Admit(ws *websocket.Conn, participantID string, metadata map[string]string) (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("session coordinator is shut down")
	}
	if len(c.conns) >= c.opts.ConnectionCap {
		return nil, ErrSessionFull
	}

	now := time.Now()
	conn := &Connection{
		ID:            uuid.NewString(),
		SessionID:     c.sessionID,
		ParticipantID: participantID,
		ConnectedAt:   now,
		LastActiveAt:  now,
		Metadata:      metadata,
		ws:            ws,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
	}
	c.conns[conn.ID] = conn

	conn.trySend(mustMarshal(protocol.NewConnectAck(c.sessionID, participantID, conn.ID)))
	if len(c.state) > 0 {
		// Catch-up snapshot to the new connection only.
		conn.trySend(mustMarshal(protocol.NewStateUpdate(
			copyState(c.state), c.lastUpdatedBy, c.lastUpdatedAt.UnixMilli())))
	}
	c.broadcastLocked(mustMarshal(protocol.NewPresenceUpdate(c.presenceLocked())), nil)

	if c.sweepTimer == nil {
		c.scheduleSweepLocked()
	}

	log.Printf("session %s: participant %s connected (%s, total %d)",
		c.sessionID, participantID, conn.ID, len(c.conns))
	return conn, nil
}

// HandleMessage dispatches one inbound message. Malformed or unknown
// messages are answered with an error to the sender only; the connection
// stays open and the coordinator never tears down over a bad payload.
func (c *Coordinator) HandleMessage(ctx context.Context, conn *Connection, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, ok := c.conns[conn.ID]; !ok {
		return
	}
	conn.LastActiveAt = time.Now()

	msgType, err := protocol.PeekType(data)
	if err != nil {
		conn.trySend(mustMarshal(protocol.NewErrorMessage(err.Error())))
		return
	}

	switch msgType {
	case protocol.TypeHeartbeat:
		// Liveness only: last-activity was bumped above, state untouched.
		conn.trySend(mustMarshal(protocol.NewHeartbeatAck()))

	case protocol.TypeStateUpdate:
		var msg protocol.StateUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.trySend(mustMarshal(protocol.NewErrorMessage(fmt.Sprintf("malformed state_update: %v", err))))
			return
		}
		if len(msg.Changes) == 0 {
			conn.trySend(mustMarshal(protocol.NewErrorMessage("state_update requires a non-empty changes object")))
			return
		}
		if err := c.commitLocked(ctx, msg.Changes, conn.ParticipantID); err != nil {
			log.Printf("session %s: persist failed: %v", c.sessionID, err)
			middleware.AddSpanError(ctx, err)
			conn.trySend(mustMarshal(protocol.NewErrorMessage("failed to persist state update")))
			return
		}
		c.broadcastLocked(mustMarshal(protocol.NewStateUpdate(
			msg.Changes, c.lastUpdatedBy, c.lastUpdatedAt.UnixMilli())), conn)

	case protocol.TypeCursorUpdate:
		var msg protocol.CursorUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.trySend(mustMarshal(protocol.NewErrorMessage(fmt.Sprintf("malformed cursor_update: %v", err))))
			return
		}
		// Stamp the sender so relays cannot impersonate; never persisted.
		msg.ParticipantID = conn.ParticipantID
		c.broadcastLocked(mustMarshal(&msg), conn)

	default:
		conn.trySend(mustMarshal(protocol.NewErrorMessage(fmt.Sprintf("unknown message type %q", msgType))))
	}
}

// HandleClose removes a connection after its transport closed or errored,
// then notifies survivors and re-broadcasts presence.
func (c *Coordinator) HandleClose(conn *Connection, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(conn, reason)
}

// Touch bumps a connection's last-activity timestamp.
func (c *Coordinator) Touch(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[conn.ID]; ok {
		conn.LastActiveAt = time.Now()
	}
}

// commitLocked merges changes into canonical state with last-writer-wins per
// top-level key and persists the snapshot. The merge becomes visible (and
// broadcastable) only after the durable save succeeds, so a receiver can
// never be ahead of durable truth.
func (c *Coordinator) commitLocked(ctx context.Context, changes map[string]any, updatedBy string) error {
	next := copyState(c.state)
	for k, v := range changes {
		next[k] = v
	}

	snapshot := &models.SessionState{
		SessionID:     c.sessionID,
		LastUpdatedBy: updatedBy,
	}
	if err := snapshot.SetStateMap(next); err != nil {
		return err
	}
	if err := c.store.Save(ctx, snapshot); err != nil {
		return err
	}

	c.state = next
	c.lastUpdatedBy = updatedBy
	c.lastUpdatedAt = time.Now()
	return nil
}

// removeLocked deletes a connection from the registry, force-closes it, and
// tells the survivors. Stops the sweep timer when the registry empties.
func (c *Coordinator) removeLocked(conn *Connection, reason string) {
	if _, ok := c.conns[conn.ID]; !ok {
		return
	}
	delete(c.conns, conn.ID)
	conn.close()

	log.Printf("session %s: participant %s disconnected (%s, remaining %d): %s",
		c.sessionID, conn.ParticipantID, conn.ID, len(c.conns), reason)

	if len(c.conns) > 0 {
		c.broadcastLocked(mustMarshal(protocol.NewDisconnect(conn.ParticipantID, reason)), nil)
		c.broadcastLocked(mustMarshal(protocol.NewPresenceUpdate(c.presenceLocked())), nil)
	} else if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
}

// broadcastLocked queues data on every connection except the given one.
// Connections whose buffers are full are treated as dead and removed.
func (c *Coordinator) broadcastLocked(data []byte, except *Connection) {
	var stale []*Connection
	for _, conn := range c.conns {
		if conn == except {
			continue
		}
		if !conn.trySend(data) {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		c.removeLocked(conn, "send buffer overflow")
	}
}

// presenceLocked recomputes the presence snapshot from the live registry.
// Never cached: membership is the registry and nothing else.
func (c *Coordinator) presenceLocked() []protocol.PresenceEntry {
	entries := make([]protocol.PresenceEntry, 0, len(c.conns))
	for _, conn := range c.conns {
		entries = append(entries, protocol.PresenceEntry{
			ParticipantID: conn.ParticipantID,
			ConnectionID:  conn.ID,
			ConnectedAt:   conn.ConnectedAt.UnixMilli(),
			LastActiveAt:  conn.LastActiveAt.UnixMilli(),
			Metadata:      conn.Metadata,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ConnectedAt != entries[j].ConnectedAt {
			return entries[i].ConnectedAt < entries[j].ConnectedAt
		}
		return entries[i].ConnectionID < entries[j].ConnectionID
	})
	return entries
}

func (c *Coordinator) scheduleSweepLocked() {
	c.sweepTimer = time.AfterFunc(c.opts.SweepInterval, c.sweepTick)
}

// sweepTick evicts connections idle past the timeout, then reschedules
// itself only while connections remain, so an empty session costs nothing.
func (c *Coordinator) sweepTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.sweepTimer = nil

	cutoff := time.Now().Add(-c.opts.IdleTimeout)
	var stale []*Connection
	for _, conn := range c.conns {
		if conn.LastActiveAt.Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		c.removeLocked(conn, "heartbeat timeout")
	}

	if len(c.conns) > 0 {
		c.scheduleSweepLocked()
	}
}

// StateSnapshot returns a copy of the merged state with its provenance.
func (c *Coordinator) StateSnapshot() (map[string]any, string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyState(c.state), c.lastUpdatedBy, c.lastUpdatedAt
}

// ApplyExternalUpdate merges an externally-sourced delta: same semantics as
// an inbound state_update but with no connection as sender, so the broadcast
// goes to ALL connections. Lets trusted services inject updates without
// holding a live connection.
func (c *Coordinator) ApplyExternalUpdate(ctx context.Context, changes map[string]any, updatedBy string) (map[string]any, error) {
	if len(changes) == 0 {
		return nil, errors.New("external update requires a non-empty changes object")
	}
	if updatedBy == "" {
		updatedBy = "external"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.commitLocked(ctx, changes, updatedBy); err != nil {
		return nil, err
	}
	c.broadcastLocked(mustMarshal(protocol.NewStateUpdate(
		changes, c.lastUpdatedBy, c.lastUpdatedAt.UnixMilli())), nil)
	return copyState(c.state), nil
}

// Presence returns the current presence snapshot.
func (c *Coordinator) Presence() []protocol.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked()
}

// BroadcastRaw queues an arbitrary payload on every connection and returns
// the number of connections addressed.
func (c *Coordinator) BroadcastRaw(data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.conns)
	c.broadcastLocked(data, nil)
	return n
}

// Shutdown force-closes every connection and stops the sweep.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	for id, conn := range c.conns {
		conn.close()
		delete(c.conns, id)
	}
}

func copyState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with an unmarshalable value in a protocol struct,
		// which is a programming error.
		panic(fmt.Sprintf("marshal protocol message: %v", err))
	}
	return data
}
