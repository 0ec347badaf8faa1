// Package baseline learns per-(motor, operation-mode, parameter) statistical
// profiles from telemetry and keeps them current with incremental updates.
package baseline

import (
	"math"
	"math/rand"

	"github.com/intellimaint/intellimaint/util"
)

// Welford accumulates mean and variance online. A bounded reservoir keeps a
// uniform sample for the percentile estimates so memory stays constant no
// matter how long the learner runs.
type Welford struct {
	n    int64
	mean float64
	m2   float64
	min  float64
	max  float64

	reservoir []float64
	cap       int
	rng       *rand.Rand
}

// NewWelford builds an accumulator with the given reservoir capacity.
func NewWelford(reservoirCap int) *Welford {
	if reservoirCap <= 0 {
		reservoirCap = 2000
	}
	return &Welford{
		cap: reservoirCap,
		rng: rand.New(rand.NewSource(1)),
	}
}

// Add incorporates one sample.
func (w *Welford) Add(x float64) {
	w.n++
	if w.n == 1 {
		w.min, w.max = x, x
	} else {
		if x < w.min {
			w.min = x
		}
		if x > w.max {
			w.max = x
		}
	}
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)

	// Vitter's algorithm R.
	if len(w.reservoir) < w.cap {
		w.reservoir = append(w.reservoir, x)
	} else if j := w.rng.Int63n(w.n); j < int64(w.cap) {
		w.reservoir[j] = x
	}
}

// N returns the sample count.
func (w *Welford) N() int64 { return w.n }

// Mean returns the running mean.
func (w *Welford) Mean() float64 { return w.mean }

// Std returns the population standard deviation.
func (w *Welford) Std() float64 {
	if w.n < 1 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n))
}

// Min returns the smallest sample seen.
func (w *Welford) Min() float64 { return w.min }

// Max returns the largest sample seen.
func (w *Welford) Max() float64 { return w.max }

// Percentiles returns (p05, p50, p95) estimated from the reservoir.
func (w *Welford) Percentiles() (p05, p50, p95 float64) {
	return util.Percentile(w.reservoir, 0.05),
		util.Percentile(w.reservoir, 0.50),
		util.Percentile(w.reservoir, 0.95)
}
