// Package usage turns the token counts engines report into per-message
// deltas.
package usage

import (
	"sync"

	"github.com/kandev/streambridge/internal/unified"
)

// Accumulator tracks the last cumulative usage snapshot of one session.
type Accumulator struct {
	mu    sync.Mutex
	last  unified.Usage
	total unified.Usage
}

// New creates an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Observe folds one report into the accumulator and returns the delta to
// attribute to the message that carried it. An explicit delta wins; the
// snapshot then follows cumulative when given and last+delta otherwise.
// Without one the delta is now-last per counter, clamped at zero, so a
// counter reset by the engine never yields negative usage.
func (a *Accumulator) Observe(cumulative, explicitDelta *unified.Usage) unified.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	var delta unified.Usage
	switch {
	case explicitDelta != nil:
		delta = *explicitDelta
		if cumulative != nil {
			a.last = *cumulative
		} else {
			a.last = a.last.Add(delta)
		}
	case cumulative != nil:
		delta = cumulative.DeltaFrom(a.last)
		a.last = *cumulative
	default:
		return unified.Usage{}
	}
	a.total = a.total.Add(delta)
	return delta
}

// Last returns the latest cumulative snapshot.
func (a *Accumulator) Last() unified.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Total returns the sum of all deltas returned so far.
func (a *Accumulator) Total() unified.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Reset clears the snapshot and the running total.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = unified.Usage{}
	a.total = unified.Usage{}
}
