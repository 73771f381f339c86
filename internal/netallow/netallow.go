// Package netallow implements the channel-keyed network destination
// allowlist and a per-channel send-rate throttle, named in spec.md's
// data-model and external-interfaces sections alongside the lettered
// components.
package netallow

import (
	"path"
	"sync"

	"golang.org/x/time/rate"
)

// RuleNotAllowlisted is the stable rule id for a destination that matched no
// configured pattern for its channel.
const RuleNotAllowlisted = "network.not_allowlisted"

// Allowlist maps channel name to a set of glob-style destination patterns,
// matching the policy document's network.allowlist shape.
type Allowlist map[string][]string

// Allowed reports whether destination matches one of channel's configured
// patterns. An unconfigured channel allows nothing — absence of a channel
// entry is not an implicit allow-all.
func Allowed(list Allowlist, channel, destination string) bool {
	patterns, ok := list[channel]
	if !ok {
		return false
	}
	for _, pattern := range patterns {
		if matched, err := path.Match(pattern, destination); err == nil && matched {
			return true
		}
	}
	return false
}

// Limiter throttles outbound sends per channel, grounded on the teacher's
// gateway-wide rate limiter, here scoped down to one bucket per channel
// instead of one bucket for the whole process.
type Limiter struct {
	mu       sync.Mutex
	perMin   int
	burst    int
	limiters map[string]*rate.Limiter
}

// NewLimiter returns a Limiter allowing ratePerMinute sends per channel,
// with a burst capacity of burst.
func NewLimiter(ratePerMinute, burst int) *Limiter {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	if burst <= 0 {
		burst = 5
	}
	return &Limiter{
		perMin:   ratePerMinute,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a send on channel is permitted right now, consuming
// one token from that channel's bucket if so.
func (l *Limiter) Allow(channel string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.burst)
		l.limiters[channel] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
