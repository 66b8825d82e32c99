package capture

import (
	"math"
	"sync/atomic"
)

// Gain is a shared mutable float64 scalar read by audio callback
// threads and written by the outside world (UI, config). It stores
// the IEEE-754 bit pattern in an atomic.Uint64 so reads never observe
// a torn value, matching the narrowest atomic-float discipline: a
// relaxed 64-bit load/store, no lock.
type Gain struct {
	bits atomic.Uint64
}

// NewGain creates a Gain initialized to v.
func NewGain(v float64) *Gain {
	g := &Gain{}
	g.Store(v)
	return g
}

// Load returns the current value.
func (g *Gain) Load() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Store sets the current value. NaN is rejected in favor of unity gain
// per the configuration-invalid handling in the error taxonomy.
func (g *Gain) Store(v float64) {
	if math.IsNaN(v) {
		v = 1.0
	}
	g.bits.Store(math.Float64bits(v))
}
