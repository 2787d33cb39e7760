package session

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// DefaultMaxReconnectAttempts is the retry budget per disconnection.
	DefaultMaxReconnectAttempts = 5

	// DefaultReconnectDelay is the fixed delay between connect attempts.
	DefaultReconnectDelay = 3 * time.Second
)

// Reconnector hands out fixed-delay reconnect slots until the budget of one
// disconnection episode is spent. A successful connect calls Reset.
type Reconnector struct {
	max      int
	delay    time.Duration
	policy   backoff.BackOff
	attempts int
}

// NewReconnector creates a Reconnector. maxAttempts <= 0 means the first
// disconnection is final.
func NewReconnector(maxAttempts int, delay time.Duration) *Reconnector {
	if delay < 0 {
		delay = 0
	}
	n := maxAttempts
	if n < 0 {
		n = 0
	}
	// WithMaxRetries treats 0 as unlimited; Next guards that case itself.
	return &Reconnector{
		max:    n,
		delay:  delay,
		policy: backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(n)),
	}
}

// Next claims the next attempt. It returns the delay to wait before
// connecting, or false when the budget is exhausted.
func (r *Reconnector) Next() (time.Duration, bool) {
	if r.max <= 0 || r.attempts >= r.max {
		return 0, false
	}
	d := r.policy.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

// Reset starts a new disconnection episode.
func (r *Reconnector) Reset() {
	r.attempts = 0
	r.policy.Reset()
}

// Attempts returns the attempts claimed in the current episode.
func (r *Reconnector) Attempts() int {
	return r.attempts
}

// Max returns the per-episode budget.
func (r *Reconnector) Max() int {
	return r.max
}

// Exhausted reports whether Next would refuse.
func (r *Reconnector) Exhausted() bool {
	return r.attempts >= r.max
}
