package session

import (
	"math/rand"
	"time"
)

// Backoff produces the reconnect delay sequence: exponential growth from
// Initial by Multiplier up to Max, with additive jitter that never
// breaks monotonicity. Once the cap is reached the delay is exactly Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	attempt int
	current time.Duration
	last    time.Duration
}

// Next returns the delay before the upcoming attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	if b.attempt == 1 {
		b.current = b.Initial
	} else {
		next := time.Duration(float64(b.current) * b.Multiplier)
		if next > b.Max || next < b.current {
			next = b.Max
		}
		b.current = next
	}

	if b.current >= b.Max {
		b.last = b.Max
		return b.Max
	}

	delay := b.current
	if b.Jitter > 0 {
		delay += time.Duration(rand.Float64() * b.Jitter * float64(b.current))
	}
	if delay > b.Max {
		delay = b.Max
	}
	// Jitter must not make the sequence dip below an earlier delay.
	if delay < b.last {
		delay = b.last
	}
	b.last = delay
	return delay
}

// Reset rewinds the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.current = 0
	b.last = 0
}

// Attempt reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
