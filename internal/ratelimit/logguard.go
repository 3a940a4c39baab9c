// Package ratelimit guards the hub's warning-log volume, so a single
// agent connection hammering the Ingress Server with malformed flows
// cannot flood the hub's logs (SPEC_FULL.md §1.1 "Log-volume guard").
package ratelimit

import (
	"golang.org/x/time/rate"
)

// LogGuard throttles how often a repeated warning is actually emitted,
// independent of the connection-level backpressure the Ingress Server's
// bounded channel already provides (spec.md §4.1/§5).
type LogGuard struct {
	limiter *rate.Limiter
}

// DefaultLogGuard allows up to 5 warning lines per second with a burst of
// 10, which is generous enough for normal operation but caps a malformed-
// flow storm to a readable rate.
func DefaultLogGuard() *LogGuard {
	return NewLogGuard(5, 10)
}

// NewLogGuard constructs a LogGuard admitting up to ratePerSecond log
// lines per second, with burst allowed to momentarily exceed that rate.
func NewLogGuard(ratePerSecond float64, burst int) *LogGuard {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	if burst <= 0 {
		burst = int(ratePerSecond * 2)
	}
	return &LogGuard{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether the caller may emit a log line now. Callers
// should skip the log call entirely when Allow returns false rather than
// queueing or blocking — this is a volume guard, not a buffer.
func (g *LogGuard) Allow() bool {
	return g.limiter.Allow()
}
