package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"collabsync/internal/models"
	"collabsync/internal/session"
	"collabsync/protocol"

	"github.com/go-playground/assert/v2"
)

// stubStore is an in-memory session.SessionStore for end-to-end tests.
type stubStore struct {
	mu   sync.Mutex
	rows map[string]*models.SessionState
}

func newStubStore() *stubStore {
	return &stubStore{rows: make(map[string]*models.SessionState)}
}

func (s *stubStore) Load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *stubStore) Save(ctx context.Context, state *models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	copied.UpdatedAt = time.Now()
	s.rows[state.SessionID] = &copied
	return nil
}

func newSessionServer(opts session.Options) *httptest.Server {
	hub := session.NewHub(newStubStore(), opts)
	handler := session.NewHandler(hub)
	return httptest.NewServer(http.HandlerFunc(handler.HandleSessionConnection))
}

func connectClient(t *testing.T, opts SessionClientOptions) *SessionClient {
	t.Helper()
	sc, err := NewSessionClient(opts)
	assert.Equal(t, err, nil)
	assert.Equal(t, sc.Connect(context.Background()), nil)
	waitFor(t, func() bool {
		return sc.Status().State == StateConnected
	}, "client "+opts.ParticipantID+" to connect")
	return sc
}

func TestSessionClientRequiresIdentifiers(t *testing.T) {
	_, err := NewSessionClient(SessionClientOptions{})
	assert.NotEqual(t, err, nil)

	_, err = NewSessionClient(SessionClientOptions{Endpoint: "ws://example/ws/session", SessionID: "s1"})
	assert.NotEqual(t, err, nil)
}

func TestSessionClientStateSyncBetweenParticipants(t *testing.T) {
	srv := newSessionServer(session.Options{})
	defer srv.Close()

	updates := make(chan protocol.StateUpdate, 16)

	a := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
	})
	defer a.Close()

	b := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "B",
		OnStateUpdate: func(msg protocol.StateUpdate) { updates <- msg },
	})
	defer b.Close()

	assert.Equal(t, a.UpdateState(map[string]any{"x": 1}), true)

	select {
	case msg := <-updates:
		assert.Equal(t, msg.Changes["x"], float64(1))
		assert.Equal(t, msg.LastUpdatedBy, "A")
		assert.Equal(t, msg.LastUpdatedAt > 0, true)
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the state update")
	}
}

func TestSessionClientLateJoinerReceivesSnapshot(t *testing.T) {
	srv := newSessionServer(session.Options{})
	defer srv.Close()

	a := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
	})
	defer a.Close()

	assert.Equal(t, a.UpdateState(map[string]any{"x": 1, "title": "shared"}), true)

	// Give the coordinator time to commit before the late joiner arrives.
	snapshots := make(chan protocol.StateUpdate, 16)
	waitFor(t, func() bool {
		c, err := NewSessionClient(SessionClientOptions{
			Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "C",
			OnStateUpdate: func(msg protocol.StateUpdate) { snapshots <- msg },
		})
		assert.Equal(t, err, nil)
		defer c.Close()
		assert.Equal(t, c.Connect(context.Background()), nil)

		select {
		case msg := <-snapshots:
			assert.Equal(t, msg.Changes["x"], float64(1))
			assert.Equal(t, msg.Changes["title"], "shared")
			assert.Equal(t, msg.LastUpdatedBy, "A")
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, "late joiner to receive the merged snapshot")
}

func TestSessionClientCursorRelayStampsSender(t *testing.T) {
	srv := newSessionServer(session.Options{})
	defer srv.Close()

	cursors := make(chan protocol.CursorUpdate, 16)

	a := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
	})
	defer a.Close()

	b := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "B",
		OnCursorUpdate: func(msg protocol.CursorUpdate) { cursors <- msg },
	})
	defer b.Close()

	assert.Equal(t, a.UpdateCursor(protocol.Position{Line: 4, Column: 2}, nil), true)

	select {
	case msg := <-cursors:
		assert.Equal(t, msg.ParticipantID, "A")
		assert.Equal(t, msg.Position.Line, 4)
		assert.Equal(t, msg.Position.Column, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the cursor update")
	}
}

func TestSessionClientObservesPresence(t *testing.T) {
	srv := newSessionServer(session.Options{})
	defer srv.Close()

	var mu sync.Mutex
	var lastCount int
	onPresence := func(msg protocol.PresenceUpdate) {
		mu.Lock()
		lastCount = msg.Count
		mu.Unlock()
	}

	a := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
		OnPresenceUpdate: onPresence,
	})
	defer a.Close()

	b := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "B",
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastCount == 2
	}, "presence to reflect both participants")

	b.Disconnect()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastCount == 1
	}, "presence to shrink after B left")
}

func TestSessionClientBestEffortSendsBeforeConnect(t *testing.T) {
	sc, err := NewSessionClient(SessionClientOptions{
		Endpoint: "ws://example/ws/session", SessionID: "s1", ParticipantID: "A",
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, sc.UpdateState(map[string]any{"x": 1}), false)
	assert.Equal(t, sc.UpdateCursor(protocol.Position{Line: 1}, nil), false)
}

func TestSessionClientDisconnectIsCleanAndFinal(t *testing.T) {
	srv := newSessionServer(session.Options{})
	defer srv.Close()

	sc := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
	})
	defer sc.Close()

	sc.Disconnect()
	assert.Equal(t, sc.Status().State, StateDisconnected)
	assert.Equal(t, sc.ConnectionID(), "")

	// An intentional disconnect never schedules a reconnect.
	time.Sleep(100 * time.Millisecond)
	s := sc.Status()
	assert.Equal(t, s.State, StateDisconnected)
	assert.Equal(t, s.ReconnectAttempts, 0)
}

func TestSessionClientGivesUpAfterMaxAttempts(t *testing.T) {
	sc, err := NewSessionClient(SessionClientOptions{
		Endpoint: "ws://127.0.0.1:1/ws/session", SessionID: "s1", ParticipantID: "A",
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	assert.Equal(t, err, nil)
	defer sc.Close()

	assert.NotEqual(t, sc.Connect(context.Background()), nil)

	waitFor(t, func() bool {
		return sc.Status().State == StateError
	}, "terminal error state")

	s := sc.Status()
	assert.Equal(t, s.ReconnectAttempts, 2)
	assert.NotEqual(t, s.Err, nil)
}

func TestSessionClientGivesUpWhenServerNeverAcks(t *testing.T) {
	// The upgrade succeeds every time, but the server drops the socket
	// before sending the connect ack. A bare socket open must not reset the
	// attempt counter, so the retry budget still runs out.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	sc, err := NewSessionClient(SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	assert.Equal(t, err, nil)
	defer sc.Close()

	// Every dial succeeds, so Connect itself reports no error.
	assert.Equal(t, sc.Connect(context.Background()), nil)

	waitFor(t, func() bool {
		return sc.Status().State == StateError
	}, "terminal error despite successful upgrades")

	s := sc.Status()
	assert.Equal(t, s.ReconnectAttempts, 3)
	assert.NotEqual(t, s.Err, nil)
	// Connected means acked; this client never was.
	assert.Equal(t, s.LastConnectedAt.IsZero(), true)
}

func TestSessionClientManualReconnect(t *testing.T) {
	srv := newSessionServer(session.Options{})
	defer srv.Close()

	sc := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
		ReconnectDebounce: 20 * time.Millisecond,
	})
	defer sc.Close()

	firstConnID := sc.ConnectionID()
	assert.NotEqual(t, firstConnID, "")

	sc.Reconnect()
	waitFor(t, func() bool {
		return sc.Status().State == StateConnected && sc.ConnectionID() != firstConnID
	}, "fresh connection after manual reconnect")
	assert.Equal(t, sc.Status().ReconnectAttempts, 0)
}

func TestSessionClientHeartbeatsSurviveSweep(t *testing.T) {
	srv := newSessionServer(session.Options{
		SweepInterval: 20 * time.Millisecond,
		IdleTimeout:   80 * time.Millisecond,
	})
	defer srv.Close()

	sc := connectClient(t, SessionClientOptions{
		Endpoint: wsURL(srv), SessionID: "s1", ParticipantID: "A",
		HeartbeatInterval: 25 * time.Millisecond,
	})
	defer sc.Close()

	// Several sweep cycles pass; the heartbeats keep the registry entry warm.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, sc.Status().State, StateConnected)
}
