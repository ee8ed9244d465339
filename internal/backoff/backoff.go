package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBaseDelay is the first retry delay when a policy does not set one.
	DefaultBaseDelay = time.Second

	// DefaultMaxDelay caps retry delays when a policy does not set a ceiling.
	// The portal starts rejecting clients that retry much slower than this
	// would allow, so five minutes is also the ceiling used in production.
	DefaultMaxDelay = 5 * time.Minute
)

// Policy computes retry delays for one class of failures.
// A Policy is immutable and may be shared; the mutable part lives in State.
type Policy struct {
	// BaseDelay is the delay after the first counted failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// JitterFraction perturbs each delay by a uniformly random factor
	// within ±JitterFraction, so many clients do not retry in lockstep.
	// Zero disables jitter.
	JitterFraction float64
	// Threshold is the number of attempts served at BaseDelay before
	// doubling begins. Zero means doubling starts immediately.
	Threshold int
}

// State tracks consecutive failures for one failure class.
// Each task owns its states outright, so no locking is involved.
type State struct {
	// Attempt counts failures since the last reset.
	Attempt int
	// Deadline, when set and in the future, pins the next delay to a fixed
	// instant regardless of the attempt count. The portal imposes such
	// deadlines through Retry-After responses and account lockouts.
	Deadline time.Time
}

// NextDelay returns the delay to wait before the next attempt and the
// advanced state. A pending deadline takes precedence over the exponential
// schedule. The attempt counter increments once per call; callers reset it
// after any successful remote interaction.
func (p Policy) NextDelay(s State) (time.Duration, State) {
	if remaining := time.Until(s.Deadline); remaining > 0 {
		s.Attempt++
		return remaining, s
	}

	delay := p.jitter(p.delayForAttempt(s.Attempt))
	s.Attempt++

	return delay, s
}

// Peek returns the delay NextDelay would produce, without advancing the
// state and without jitter.
func (p Policy) Peek(s State) time.Duration {
	if remaining := time.Until(s.Deadline); remaining > 0 {
		return remaining
	}

	return p.delayForAttempt(s.Attempt)
}

// delayForAttempt computes min(base * 2^(attempt-threshold), max) with the
// first Threshold attempts held flat at base.
func (p Policy) delayForAttempt(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}

	if base > ceiling {
		base = ceiling
	}

	if attempt <= p.Threshold {
		return base
	}

	delay := base
	for i := p.Threshold; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}

	return delay
}

// jitter perturbs the delay within ±JitterFraction.
func (p Policy) jitter(delay time.Duration) time.Duration {
	if p.JitterFraction <= 0 || delay <= 0 {
		return delay
	}

	factor := 1 + p.JitterFraction*(2*rand.Float64()-1)

	return time.Duration(float64(delay) * factor)
}

// Reset clears the attempt counter. A deadline that has not yet passed
// survives the reset: one successful request does not lift a portal-imposed
// retry suspension.
func (s State) Reset() State {
	if time.Until(s.Deadline) > 0 {
		return State{Deadline: s.Deadline}
	}

	return State{}
}

// WithDeadline pins the next delay to the given instant and clears the
// attempt counter.
func (s State) WithDeadline(t time.Time) State {
	return State{Deadline: t}
}

// DeadlinePending reports whether a portal-imposed deadline is still in
// the future.
func (s State) DeadlinePending() bool {
	return time.Until(s.Deadline) > 0
}
