package session

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMinRequestInterval is the minimum spacing of accepted requests.
	DefaultMinRequestInterval = time.Second

	// DefaultResponseTimeout is how long a request may stay pending.
	DefaultResponseTimeout = 5 * time.Second
)

// RequestGate throttles browser requests and tracks the single outstanding
// response of a session. Spacing is enforced by a one-token limiter refilled
// every minInterval; the pending flag is cleared by Complete, Expire, or
// lazily once its deadline has passed.
//
// A RequestGate is owned by one session dispatcher and is not safe for
// concurrent use.
type RequestGate struct {
	limiter  *rate.Limiter
	interval time.Duration
	timeout  time.Duration

	last     time.Time
	pending  bool
	deadline time.Time
}

// NewRequestGate creates a gate. minInterval <= 0 disables spacing;
// responseTimeout <= 0 selects DefaultResponseTimeout.
func NewRequestGate(minInterval, responseTimeout time.Duration) *RequestGate {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	return &RequestGate{
		limiter:  rate.NewLimiter(limit, 1),
		interval: minInterval,
		timeout:  responseTimeout,
	}
}

// TryAccept admits a request at now, or rejects it without changing any
// state. On acceptance the request becomes pending until Complete, Expire,
// or now+ResponseTimeout.
func (g *RequestGate) TryAccept(now time.Time) error {
	// Checked first: a successful limiter call consumes the token.
	if g.Pending(now) {
		return ErrResponsePending
	}
	if !g.limiter.AllowN(now, 1) {
		return ErrThrottled
	}

	g.last = now
	g.pending = true
	g.deadline = now.Add(g.timeout)
	return nil
}

// Pending reports whether a response is outstanding at now.
func (g *RequestGate) Pending(now time.Time) bool {
	if g.pending && !now.Before(g.deadline) {
		g.pending = false
	}
	return g.pending
}

// Complete clears the pending flag because a response arrived. It reports
// whether a request was pending.
func (g *RequestGate) Complete() bool {
	was := g.pending
	g.pending = false
	return was
}

// Expire clears the pending flag because the response timeout fired. It
// reports whether a request was pending.
func (g *RequestGate) Expire() bool {
	return g.Complete()
}

// LastRequest returns the time of the last accepted request.
func (g *RequestGate) LastRequest() time.Time {
	return g.last
}

// Interval returns the minimum request spacing.
func (g *RequestGate) Interval() time.Duration {
	return g.interval
}

// ResponseTimeout returns how long a request stays pending.
func (g *RequestGate) ResponseTimeout() time.Duration {
	return g.timeout
}
