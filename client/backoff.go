package client

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 10
)

// reconnector computes exponential-backoff-with-jitter delays. The delay for
// attempt k is min(maxDelay, baseDelay·2^k) perturbed by ±20% so herds of
// clients do not retry in lockstep.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(baseDelay, maxDelay time.Duration, maxAttempts int) *reconnector {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &reconnector{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

// exhausted reports whether the attempt budget is spent.
func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// nextDelay returns the delay for the current attempt and advances the
// counter. maxDelay is a hard ceiling: jitter never pushes past it.
func (r *reconnector) nextDelay() time.Duration {
	d := float64(r.baseDelay) * math.Pow(2, float64(r.attempt))
	if m := float64(r.maxDelay); d > m {
		d = m
	}
	jitter := (rand.Float64()*0.4 - 0.2) * d
	r.attempt++

	delay := time.Duration(d + jitter)
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
