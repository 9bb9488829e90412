package client

import (
	"fmt"
	"math"
	"time"
)

// State is a consumer's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"

	// StateError is terminal: the reconnect attempt budget is spent. A
	// manual Reconnect resets the counter and leaves this state.
	StateError State = "error"
)

// Status is a snapshot of a consumer's connection state machine.
type Status struct {
	State             State
	Err               error
	ReconnectAttempts int
	LastConnectedAt   time.Time

	// RetryIn is the remaining wait before the next scheduled reconnect
	// attempt; zero when none is scheduled. Refreshed once per second while
	// reconnecting so UIs can show a countdown.
	RetryIn time.Duration
}

// Countdown renders the human-readable retry countdown, empty when no retry
// is scheduled.
func (s Status) Countdown() string {
	if s.State != StateReconnecting || s.RetryIn <= 0 {
		return ""
	}
	return fmt.Sprintf("retrying in %ds", int(math.Ceil(s.RetryIn.Seconds())))
}
