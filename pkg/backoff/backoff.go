// Package backoff computes doubling retry delays.
package backoff

import "time"

// Exponential yields Initial, 2*Initial, 4*Initial, ... capped at Max.
// The zero value starts at one second with no cap. It is not safe for
// concurrent use; create one per retry loop.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// New returns a sequence starting at initial and never exceeding max.
// A max of zero disables the cap.
func New(initial, max time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: max}
}

// Next returns the delay to wait now and advances the sequence.
func (e *Exponential) Next() time.Duration {
	if e.current <= 0 {
		e.current = e.Initial
		if e.current <= 0 {
			e.current = time.Second
		}
	}
	d := e.current
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Max <= 0 || e.current < e.Max {
		e.current *= 2
	}
	return d
}

// Reset restarts the sequence at Initial.
func (e *Exponential) Reset() {
	e.current = 0
}
