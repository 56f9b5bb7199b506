package ws

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential growth from the initial
// delay, capped at the maximum, with jitter so a fleet of agents does
// not reconnect in lockstep. Not safe for concurrent use; the
// orchestrator owns exactly one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay before the next reconnect attempt and advances
// the sequence. The returned value is uniformly drawn from
// [base/2, base] where base doubles each attempt up to Max.
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	base := b.Initial << uint(shift)
	if base > b.Max || base <= 0 {
		base = b.Max
	}
	b.attempt++

	if base <= 1 {
		return base
	}
	half := base / 2
	return half + rand.N(base-half)
}

// Attempt reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the sequence after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }
