package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"collabsync/protocol"

	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultReconnectDebounce = 250 * time.Millisecond
	clientWriteWait          = 10 * time.Second
)

// SessionClientOptions configures a SessionClient.
type SessionClientOptions struct {
	// Endpoint is the ws:// or wss:// URL of the session upgrade endpoint,
	// without query parameters.
	Endpoint string

	SessionID     string
	ParticipantID string

	// Name and Color become presence metadata, when set.
	Name  string
	Color string

	// HeartbeatInterval must stay well below the server's idle timeout
	// (90s) so at least one missed tick is tolerated. Default 25s.
	HeartbeatInterval time.Duration

	// Reconnect tuning; zero values use 1s base, 30s max, 10 attempts.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// ReconnectDebounce is the fixed delay a manual Reconnect waits after
	// the clean disconnect, so it does not race the closing transport's own
	// cleanup. Default 250ms.
	ReconnectDebounce time.Duration

	Dialer *websocket.Dialer

	OnStateUpdate    func(protocol.StateUpdate)
	OnCursorUpdate   func(protocol.CursorUpdate)
	OnPresenceUpdate func(protocol.PresenceUpdate)

	// OnDisconnectNotice fires when the server reports another participant
	// leaving.
	OnDisconnectNotice func(protocol.Disconnect)

	// OnServerError fires for error messages answered by the server.
	OnServerError func(protocol.ErrorMessage)

	// OnStatus fires on every connection state transition and once per
	// second while a retry countdown is running.
	OnStatus func(Status)
}

// SessionClient speaks the typed session protocol: it receives state,
// presence and cursor traffic, emits heartbeats while connected, and
// reconnects with exponential backoff. The client counts as connected only
// once the server's connect ack arrives, so a flaky handshake keeps the
// retry loop alive.
type SessionClient struct {
	opts SessionClientOptions

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	status        Status
	recon         *reconnector
	retryTimer    *time.Timer
	debounceTimer *time.Timer
	countdownStop chan struct{}
	heartbeatStop chan struct{}
	retryAt       time.Time
	connectionID  string
	gen           int
	connecting    bool
	closed        bool
}

// NewSessionClient returns an idle client; call Connect to join the session.
func NewSessionClient(opts SessionClientOptions) (*SessionClient, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if opts.SessionID == "" || opts.ParticipantID == "" {
		return nil, errors.New("session id and participant id are required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReconnectDebounce <= 0 {
		opts.ReconnectDebounce = defaultReconnectDebounce
	}
	return &SessionClient{
		opts:   opts,
		recon:  newReconnector(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, opts.MaxReconnectAttempts),
		status: Status{State: StateDisconnected},
	}, nil
}

// Status returns a snapshot of the connection state machine.
func (sc *SessionClient) Status() Status {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.status
}

// ConnectionID returns the server-assigned connection id of the current
// connection, empty while not connected.
func (sc *SessionClient) ConnectionID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.connectionID
}

// Connect dials the upgrade endpoint. A dial failure schedules a backoff
// retry and is also returned. No-op while an attempt is in flight or the
// client is connected.
func (sc *SessionClient) Connect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return errors.New("session client is closed")
	}
	gen := sc.gen
	sc.mu.Unlock()
	return sc.dial(ctx, gen)
}

// UpdateState sends a set of top-level key changes. Best-effort: returns
// false without sending when the transport is not open.
func (sc *SessionClient) UpdateState(changes map[string]any) bool {
	conn, ok := sc.openConn()
	if !ok || len(changes) == 0 {
		return false
	}
	return sc.write(conn, protocol.NewStateUpdate(changes, "", 0))
}

// UpdateCursor relays the participant's cursor position and optional
// selection. Best-effort: returns false when the transport is not open.
func (sc *SessionClient) UpdateCursor(position protocol.Position, selection *protocol.Selection) bool {
	conn, ok := sc.openConn()
	if !ok {
		return false
	}
	return sc.write(conn, protocol.NewCursorUpdate(sc.opts.ParticipantID, position, selection))
}

// Disconnect closes the connection cleanly and suppresses reconnection.
func (sc *SessionClient) Disconnect() {
	sc.teardown(false)
}

// Reconnect disconnects cleanly, resets the attempt counter, and reconnects
// after a short fixed debounce.
func (sc *SessionClient) Reconnect() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.gen++
	gen := sc.gen
	sc.detachLocked()
	conn := sc.conn
	sc.conn = nil
	sc.connectionID = ""
	sc.connecting = false
	sc.recon.reset()
	sc.status = Status{State: StateConnecting, LastConnectedAt: sc.status.LastConnectedAt}
	s := sc.status
	sc.debounceTimer = time.AfterFunc(sc.opts.ReconnectDebounce, func() {
		sc.dial(context.Background(), gen)
	})
	sc.mu.Unlock()

	closeQuietly(conn)
	sc.emit(s)
}

// Close is Disconnect plus permanent teardown; the client cannot be reused.
func (sc *SessionClient) Close() {
	sc.teardown(true)
}

func (sc *SessionClient) teardown(permanent bool) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = permanent
	// Detach the read loop and timers before the transport closes so no
	// late callback can mutate state afterwards.
	sc.gen++
	sc.detachLocked()
	conn := sc.conn
	sc.conn = nil
	sc.connectionID = ""
	sc.connecting = false
	sc.status = Status{State: StateDisconnected, LastConnectedAt: sc.status.LastConnectedAt}
	s := sc.status
	sc.mu.Unlock()

	closeQuietly(conn)
	sc.emit(s)
}

// detachLocked cancels every timer owned by this client.
func (sc *SessionClient) detachLocked() {
	if sc.retryTimer != nil {
		sc.retryTimer.Stop()
		sc.retryTimer = nil
	}
	if sc.debounceTimer != nil {
		sc.debounceTimer.Stop()
		sc.debounceTimer = nil
	}
	sc.stopCountdownLocked()
	sc.stopHeartbeatLocked()
}

func (sc *SessionClient) dial(ctx context.Context, gen int) error {
	sc.mu.Lock()
	if sc.closed || gen != sc.gen || sc.connecting || sc.conn != nil {
		sc.mu.Unlock()
		return nil
	}
	sc.connecting = true
	if sc.status.State != StateReconnecting {
		sc.status.State = StateConnecting
	}
	sc.status.RetryIn = 0
	s := sc.status
	sc.mu.Unlock()
	sc.emit(s)

	dialer := sc.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, sc.endpointURL(), nil)

	sc.mu.Lock()
	sc.connecting = false
	if sc.closed || gen != sc.gen {
		sc.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		s := sc.scheduleRetryLocked(fmt.Errorf("dial %s: %w", sc.opts.Endpoint, err))
		sc.mu.Unlock()
		sc.emit(s)
		return err
	}

	// Socket open but not yet connected: that waits for the connect ack.
	sc.conn = conn
	sc.mu.Unlock()

	go sc.readLoop(conn, gen)
	return nil
}

func (sc *SessionClient) endpointURL() string {
	q := url.Values{}
	q.Set("session_id", sc.opts.SessionID)
	q.Set("participant_id", sc.opts.ParticipantID)
	if sc.opts.Name != "" {
		q.Set("name", sc.opts.Name)
	}
	if sc.opts.Color != "" {
		q.Set("color", sc.opts.Color)
	}
	return sc.opts.Endpoint + "?" + q.Encode()
}

func (sc *SessionClient) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			sc.handleReadError(gen, err)
			return
		}
		sc.handleMessage(conn, gen, data)
	}
}

func (sc *SessionClient) handleMessage(conn *websocket.Conn, gen int, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		// Best-effort: log and keep the stream.
		log.Printf("session client: %v", err)
		return
	}

	switch msgType {
	case protocol.TypeConnect:
		var ack protocol.ConnectAck
		if err := json.Unmarshal(data, &ack); err != nil {
			log.Printf("session client: malformed connect ack: %v", err)
			return
		}
		sc.mu.Lock()
		if sc.closed || gen != sc.gen {
			sc.mu.Unlock()
			return
		}
		sc.connectionID = ack.ConnectionID
		// Only an acknowledged handshake resets the attempt counter.
		sc.recon.reset()
		sc.status = Status{State: StateConnected, LastConnectedAt: time.Now()}
		s := sc.status
		sc.startHeartbeatLocked(conn)
		sc.mu.Unlock()
		sc.emit(s)

	case protocol.TypeHeartbeatAck:
		// Liveness echo; nothing to do.

	case protocol.TypeStateUpdate:
		var msg protocol.StateUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("session client: malformed state_update: %v", err)
			return
		}
		if sc.opts.OnStateUpdate != nil {
			sc.opts.OnStateUpdate(msg)
		}

	case protocol.TypeCursorUpdate:
		var msg protocol.CursorUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("session client: malformed cursor_update: %v", err)
			return
		}
		if sc.opts.OnCursorUpdate != nil {
			sc.opts.OnCursorUpdate(msg)
		}

	case protocol.TypePresenceUpdate:
		var msg protocol.PresenceUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("session client: malformed presence_update: %v", err)
			return
		}
		if sc.opts.OnPresenceUpdate != nil {
			sc.opts.OnPresenceUpdate(msg)
		}

	case protocol.TypeDisconnect:
		var msg protocol.Disconnect
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("session client: malformed disconnect: %v", err)
			return
		}
		if sc.opts.OnDisconnectNotice != nil {
			sc.opts.OnDisconnectNotice(msg)
		}

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("session client: malformed error message: %v", err)
			return
		}
		if sc.opts.OnServerError != nil {
			sc.opts.OnServerError(msg)
		}

	default:
		log.Printf("session client: ignoring unknown message type %q", msgType)
	}
}

func (sc *SessionClient) handleReadError(gen int, err error) {
	sc.mu.Lock()
	if sc.closed || gen != sc.gen {
		sc.mu.Unlock()
		return
	}
	sc.conn = nil
	sc.connectionID = ""
	sc.stopHeartbeatLocked()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		sc.status = Status{State: StateDisconnected, LastConnectedAt: sc.status.LastConnectedAt}
		s := sc.status
		sc.mu.Unlock()
		sc.emit(s)
		return
	}

	s := sc.scheduleRetryLocked(err)
	sc.mu.Unlock()
	sc.emit(s)
}

// scheduleRetryLocked mirrors the patch stream's backoff: arm the next
// attempt, or enter the terminal error state once the budget is spent.
func (sc *SessionClient) scheduleRetryLocked(cause error) Status {
	if sc.recon.exhausted() {
		if sc.status.State != StateError {
			sc.status = Status{
				State:             StateError,
				Err:               fmt.Errorf("gave up after %d reconnect attempts: %w", sc.recon.maxAttempts, cause),
				ReconnectAttempts: sc.recon.attempt,
				LastConnectedAt:   sc.status.LastConnectedAt,
			}
		}
		return sc.status
	}

	delay := sc.recon.nextDelay()
	sc.retryAt = time.Now().Add(delay)
	sc.status = Status{
		State:             StateReconnecting,
		Err:               cause,
		ReconnectAttempts: sc.recon.attempt,
		LastConnectedAt:   sc.status.LastConnectedAt,
		RetryIn:           delay,
	}

	gen := sc.gen
	sc.retryTimer = time.AfterFunc(delay, func() {
		sc.mu.Lock()
		if sc.closed || gen != sc.gen {
			sc.mu.Unlock()
			return
		}
		sc.stopCountdownLocked()
		sc.mu.Unlock()
		sc.dial(context.Background(), gen)
	})
	sc.startCountdownLocked(gen)
	return sc.status
}

func (sc *SessionClient) startCountdownLocked(gen int) {
	sc.stopCountdownLocked()
	stop := make(chan struct{})
	sc.countdownStop = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sc.mu.Lock()
				if sc.closed || gen != sc.gen || sc.status.State != StateReconnecting {
					sc.mu.Unlock()
					return
				}
				remaining := time.Until(sc.retryAt)
				if remaining < 0 {
					remaining = 0
				}
				sc.status.RetryIn = remaining
				s := sc.status
				sc.mu.Unlock()
				sc.emit(s)
			}
		}
	}()
}

func (sc *SessionClient) stopCountdownLocked() {
	if sc.countdownStop != nil {
		close(sc.countdownStop)
		sc.countdownStop = nil
	}
}

func (sc *SessionClient) startHeartbeatLocked(conn *websocket.Conn) {
	sc.stopHeartbeatLocked()
	stop := make(chan struct{})
	sc.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(sc.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !sc.write(conn, protocol.NewHeartbeat()) {
					// The read loop will observe the broken transport.
					conn.Close()
					return
				}
			}
		}
	}()
}

func (sc *SessionClient) stopHeartbeatLocked() {
	if sc.heartbeatStop != nil {
		close(sc.heartbeatStop)
		sc.heartbeatStop = nil
	}
}

func (sc *SessionClient) openConn() (*websocket.Conn, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.status.State != StateConnected || sc.conn == nil {
		return nil, false
	}
	return sc.conn, true
}

func (sc *SessionClient) write(conn *websocket.Conn, v any) bool {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return conn.WriteJSON(v) == nil
}

func (sc *SessionClient) emit(s Status) {
	if sc.opts.OnStatus != nil {
		sc.opts.OnStatus(s)
	}
}

func closeQuietly(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
}
