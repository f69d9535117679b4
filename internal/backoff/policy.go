// Package backoff computes reconnection delays. It owns no timers and does
// no I/O; the connection schedules the waits it computes.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultBase        = 1 * time.Second
	DefaultCap         = 30 * time.Second
	DefaultMaxAttempts = 10

	jitterMin = 0.8
	jitterMax = 1.2
)

// Policy maps an attempt number to a delay: exponential growth from Base,
// clamped at Cap, scaled by uniform jitter so a fleet of clients does not
// retry in lockstep.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int

	// Jitter returns a multiplier for a computed delay. Left nil, it draws
	// uniformly from [0.8, 1.2). Tests may pin it.
	Jitter func() float64
}

// Default returns the policy used when no configuration overrides it.
func Default() *Policy {
	return &Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// NextDelay returns the wait before reconnection attempt n (1-based).
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	// Shift with an explicit clamp loop so large attempt numbers cannot
	// overflow the duration.
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	return time.Duration(float64(d) * jitter())
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// attempts have already been made.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

func defaultJitter() float64 {
	return jitterMin + rand.Float64()*(jitterMax-jitterMin)
}

// State tracks reconnection progress for one connection.
type State struct {
	Attempt         int
	LastAttemptAt   time.Time
	BudgetExhausted bool
}

// Next records a new attempt and returns its 1-based number.
func (s *State) Next() int {
	s.Attempt++
	s.LastAttemptAt = time.Now()
	return s.Attempt
}

// Reset clears the attempt counter. Called on every successful transition
// into Connected and on externally signalled reachability changes.
func (s *State) Reset() {
	s.Attempt = 0
	s.BudgetExhausted = false
}
