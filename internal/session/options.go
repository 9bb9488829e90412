package session

import "time"

// Options tunes a hub's coordinators. Zero values fall back to defaults.
type Options struct {
	// ConnectionCap is the per-session registry limit; admission beyond it
	// is refused with 503.
	ConnectionCap int

	// SweepInterval is how often a coordinator with live connections checks
	// for stale ones.
	SweepInterval time.Duration

	// IdleTimeout is the last-activity age past which a connection is
	// considered dead. Must exceed the client heartbeat interval (25s) by a
	// safety margin.
	IdleTimeout time.Duration
}

const (
	defaultConnectionCap = 100
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 90 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ConnectionCap <= 0 {
		o.ConnectionCap = defaultConnectionCap
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	return o
}
