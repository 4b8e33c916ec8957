// Package latency tracks the process-wide response time as an exponential
// moving average.
package latency

import (
	"math"
	"sync/atomic"
	"time"
)

// Weight is the contribution of each new sample
const Weight = 0.001

// Tracker holds avg = (1-Weight)*avg + Weight*sample, in microseconds.
//
// Updates are a plain load followed by a store, with no compare-and-swap:
// concurrent updates may overwrite each other. The value is telemetry only
// and is never used for admission decisions.
type Tracker struct {
	bits atomic.Uint64
}

// New returns a tracker starting at zero
func New() *Tracker {
	return &Tracker{}
}

// Update folds one sample, in microseconds, into the average
func (t *Tracker) Update(sampleMicros float64) {
	avg := math.Float64frombits(t.bits.Load())
	avg = (1-Weight)*avg + Weight*sampleMicros
	t.bits.Store(math.Float64bits(avg))
}

// Observe folds one response time into the average
func (t *Tracker) Observe(elapsed time.Duration) {
	t.Update(float64(elapsed.Microseconds()))
}

// Value returns the current average in microseconds
func (t *Tracker) Value() float64 {
	return math.Float64frombits(t.bits.Load())
}

// Micros returns the average rounded to whole microseconds
func (t *Tracker) Micros() int64 {
	return int64(math.Round(t.Value()))
}
