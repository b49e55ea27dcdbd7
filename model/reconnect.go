package model

import (
	"time"
)

// ReconnectPolicy decides whether a lost transport is replaced automatically.
//
// Attempts are metered by a token bucket holding up to Burst tokens that
// refills at PerMinute tokens per minute. Once the bucket is empty the model
// reports a connection error and switches to the offline policy.
type ReconnectPolicy struct {
	Enabled   bool
	Burst     int
	PerMinute float64
}

// DefaultReconnectPolicy allows three quick attempts and one more every
// twenty seconds after that.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Burst: 3, PerMinute: 3}
}

type reconnectLimiter struct {
	policy    ReconnectPolicy
	tokens    float64
	lastCheck time.Time
}

func newReconnectLimiter(p ReconnectPolicy, now time.Time) *reconnectLimiter {
	if p.Burst <= 0 {
		p.Burst = 1
	}
	if p.PerMinute < 0 {
		p.PerMinute = 0
	}
	return &reconnectLimiter{policy: p, tokens: float64(p.Burst), lastCheck: now}
}

// allow takes one token if the policy is enabled and one is available.
func (l *reconnectLimiter) allow(now time.Time) bool {
	if !l.policy.Enabled {
		return false
	}
	elapsed := now.Sub(l.lastCheck).Minutes()
	l.lastCheck = now
	if elapsed > 0 {
		l.tokens += elapsed * l.policy.PerMinute
	}
	if l.tokens > float64(l.policy.Burst) {
		l.tokens = float64(l.policy.Burst)
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// reset refills the bucket, e.g. after the user brought the network back.
func (l *reconnectLimiter) reset(now time.Time) {
	l.tokens = float64(l.policy.Burst)
	l.lastCheck = now
}
