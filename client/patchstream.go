package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collabsync/protocol"

	"github.com/gorilla/websocket"
)

// PatchFilter runs over each inbound batch before application, typically to
// drop duplicate operations. Implementations must preserve the relative
// order of operations that target the same path.
type PatchFilter func(ops []protocol.Operation) []protocol.Operation

// PatchStreamOptions configures a PatchStream.
type PatchStreamOptions struct {
	// Endpoint is the ws:// or wss:// URL of the patch stream.
	Endpoint string

	// Initial seeds the local document before the stream starts. The seed
	// is used once: reconnects keep the current value and apply new batches
	// forward.
	Initial func() any

	// Filter, if set, runs before each batch is applied.
	Filter PatchFilter

	// Reconnect tuning; zero values use 1s base, 30s max, 10 attempts.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	Dialer *websocket.Dialer

	// OnChange fires after each successfully applied batch with the new
	// document value.
	OnChange func(value any)

	// OnStatus fires on every connection state transition and once per
	// second while a retry countdown is running.
	OnStatus func(Status)
}

// PatchStream mirrors a document from a continuous stream of RFC 6902 patch
// batches. Each batch applies atomically, in order, to a deep clone of the
// current value; the terminal finished frame ends the stream for good.
type PatchStream struct {
	opts PatchStreamOptions

	mu            sync.Mutex
	value         any
	status        Status
	conn          *websocket.Conn
	recon         *reconnector
	retryTimer    *time.Timer
	countdownStop chan struct{}
	retryAt       time.Time
	gen           int
	connecting    bool
	finished      bool
	closed        bool
}

// NewPatchStream seeds the local document and returns an idle consumer;
// call Connect to start the stream.
func NewPatchStream(opts PatchStreamOptions) *PatchStream {
	ps := &PatchStream{
		opts:   opts,
		recon:  newReconnector(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, opts.MaxReconnectAttempts),
		status: Status{State: StateDisconnected},
	}
	if opts.Initial != nil {
		ps.value = opts.Initial()
	}
	return ps
}

// Value returns the current materialized document. Callers must treat it as
// read-only; mutations are delivered only through patch batches.
func (ps *PatchStream) Value() any {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.value
}

// Status returns a snapshot of the connection state machine.
func (ps *PatchStream) Status() Status {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.status
}

// Connect dials the endpoint. A dial failure schedules a backoff retry and
// is also returned so the caller sees the first error. No-op while a
// connection attempt is in flight or the stream is open.
func (ps *PatchStream) Connect(ctx context.Context) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return errors.New("patch stream is closed")
	}
	gen := ps.gen
	ps.mu.Unlock()
	return ps.dial(ctx, gen)
}

// Reconnect cancels any scheduled retry, resets the attempt counter, and
// retries immediately. It also clears a terminal error or finished state.
func (ps *PatchStream) Reconnect() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.gen++
	gen := ps.gen
	ps.stopTimersLocked()
	conn := ps.conn
	ps.conn = nil
	ps.connecting = false
	ps.finished = false
	ps.recon.reset()
	ps.status = Status{State: StateConnecting, LastConnectedAt: ps.status.LastConnectedAt}
	s := ps.status
	ps.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	ps.emit(s)
	go ps.dial(context.Background(), gen)
}

// Close tears the consumer down on every exit path: detaches the read loop
// before closing the transport, cancels retry and countdown timers, and
// clears the local value. The consumer cannot be reused afterwards.
func (ps *PatchStream) Close() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.closed = true
	// Bumping the generation detaches the read loop and any late timer
	// callbacks before the transport goes away.
	ps.gen++
	ps.stopTimersLocked()
	conn := ps.conn
	ps.conn = nil
	ps.value = nil
	ps.status = Status{State: StateDisconnected}
	s := ps.status
	ps.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	ps.emit(s)
}

func (ps *PatchStream) dial(ctx context.Context, gen int) error {
	ps.mu.Lock()
	if ps.closed || gen != ps.gen || ps.connecting || ps.conn != nil {
		ps.mu.Unlock()
		return nil
	}
	ps.connecting = true
	if ps.status.State != StateReconnecting {
		ps.status.State = StateConnecting
	}
	ps.status.RetryIn = 0
	s := ps.status
	ps.mu.Unlock()
	ps.emit(s)

	dialer := ps.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, ps.opts.Endpoint, nil)

	ps.mu.Lock()
	ps.connecting = false
	if ps.closed || gen != ps.gen {
		ps.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		s := ps.scheduleRetryLocked(fmt.Errorf("dial %s: %w", ps.opts.Endpoint, err))
		ps.mu.Unlock()
		ps.emit(s)
		return err
	}

	ps.conn = conn
	ps.recon.reset()
	ps.status = Status{State: StateConnected, LastConnectedAt: time.Now()}
	s = ps.status
	ps.mu.Unlock()
	ps.emit(s)

	go ps.readLoop(conn, gen)
	return nil
}

func (ps *PatchStream) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ps.handleReadError(gen, err)
			return
		}
		if terminal := ps.handleFrame(gen, data); terminal {
			return
		}
	}
}

// handleFrame applies one stream frame; returns true when the stream is
// finished and the read loop should stop.
func (ps *PatchStream) handleFrame(gen int, data []byte) bool {
	msg, err := protocol.DecodeStreamMessage(data)
	if err != nil {
		// Best-effort: skip the frame, keep the stream.
		log.Printf("patch stream: %v", err)
		return false
	}

	if msg.Finished {
		ps.mu.Lock()
		if ps.closed || gen != ps.gen {
			ps.mu.Unlock()
			return true
		}
		ps.gen++
		ps.finished = true
		conn := ps.conn
		ps.conn = nil
		ps.stopTimersLocked()
		ps.status = Status{State: StateDisconnected, LastConnectedAt: ps.status.LastConnectedAt}
		s := ps.status
		ps.mu.Unlock()

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		ps.emit(s)
		return true
	}

	ops := msg.JsonPatch
	if ps.opts.Filter != nil {
		ops = ps.opts.Filter(ops)
	}

	ps.mu.Lock()
	if ps.closed || gen != ps.gen {
		ps.mu.Unlock()
		return true
	}
	next, err := protocol.ApplyOperations(ps.value, ops)
	if err != nil {
		// Atomic batch: the current value stays untouched.
		ps.mu.Unlock()
		log.Printf("patch stream: dropping batch: %v", err)
		return false
	}
	ps.value = next
	onChange := ps.opts.OnChange
	ps.mu.Unlock()

	if onChange != nil {
		onChange(next)
	}
	return false
}

func (ps *PatchStream) handleReadError(gen int, err error) {
	ps.mu.Lock()
	if ps.closed || ps.finished || gen != ps.gen {
		ps.mu.Unlock()
		return
	}
	ps.conn = nil

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ps.status = Status{State: StateDisconnected, LastConnectedAt: ps.status.LastConnectedAt}
		s := ps.status
		ps.mu.Unlock()
		ps.emit(s)
		return
	}

	s := ps.scheduleRetryLocked(err)
	ps.mu.Unlock()
	ps.emit(s)
}

// scheduleRetryLocked either arms the next backoff attempt or, once the
// attempt budget is spent, transitions to the terminal error state (at most
// once).
func (ps *PatchStream) scheduleRetryLocked(cause error) Status {
	if ps.recon.exhausted() {
		if ps.status.State != StateError {
			ps.status = Status{
				State:             StateError,
				Err:               fmt.Errorf("gave up after %d reconnect attempts: %w", ps.recon.maxAttempts, cause),
				ReconnectAttempts: ps.recon.attempt,
				LastConnectedAt:   ps.status.LastConnectedAt,
			}
		}
		return ps.status
	}

	delay := ps.recon.nextDelay()
	ps.retryAt = time.Now().Add(delay)
	ps.status = Status{
		State:             StateReconnecting,
		Err:               cause,
		ReconnectAttempts: ps.recon.attempt,
		LastConnectedAt:   ps.status.LastConnectedAt,
		RetryIn:           delay,
	}

	gen := ps.gen
	ps.retryTimer = time.AfterFunc(delay, func() {
		ps.mu.Lock()
		if ps.closed || gen != ps.gen {
			ps.mu.Unlock()
			return
		}
		ps.stopCountdownLocked()
		ps.mu.Unlock()
		ps.dial(context.Background(), gen)
	})
	ps.startCountdownLocked(gen)
	return ps.status
}

func (ps *PatchStream) startCountdownLocked(gen int) {
	ps.stopCountdownLocked()
	stop := make(chan struct{})
	ps.countdownStop = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ps.mu.Lock()
				if ps.closed || gen != ps.gen || ps.status.State != StateReconnecting {
					ps.mu.Unlock()
					return
				}
				remaining := time.Until(ps.retryAt)
				if remaining < 0 {
					remaining = 0
				}
				ps.status.RetryIn = remaining
				s := ps.status
				ps.mu.Unlock()
				ps.emit(s)
			}
		}
	}()
}

func (ps *PatchStream) stopCountdownLocked() {
	if ps.countdownStop != nil {
		close(ps.countdownStop)
		ps.countdownStop = nil
	}
}

func (ps *PatchStream) stopTimersLocked() {
	if ps.retryTimer != nil {
		ps.retryTimer.Stop()
		ps.retryTimer = nil
	}
	ps.stopCountdownLocked()
}

func (ps *PatchStream) emit(s Status) {
	if ps.opts.OnStatus != nil {
		ps.opts.OnStatus(s)
	}
}
