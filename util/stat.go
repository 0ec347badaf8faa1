// Package util holds small numeric helpers shared by the analytics engines.
package util

import (
	"math"
	"sort"
)

// MeanStd returns the mean and population standard deviation of xs.
func MeanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// Percentile returns the p-quantile (0..1) of xs by linear interpolation.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// LinearFit is an ordinary least-squares line fit y = Slope*x + Intercept.
type LinearFit struct {
	Slope     float64
	Intercept float64
	R2        float64
	N         int
}

// LinReg fits a least-squares line through (xs, ys). Returns a zero fit when
// fewer than two points or when x has no spread.
func LinReg(xs, ys []float64) LinearFit {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return LinearFit{N: n}
	}
	var sx, sy, sxx, sxy, syy float64
	for i := 0; i < n; i++ {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
		syy += ys[i] * ys[i]
	}
	fn := float64(n)
	denom := fn*sxx - sx*sx
	if denom == 0 {
		return LinearFit{N: n}
	}
	slope := (fn*sxy - sx*sy) / denom
	intercept := (sy - slope*sx) / fn

	// R² = 1 − SSres/SStot
	meanY := sy / fn
	var ssRes, ssTot float64
	for i := 0; i < n; i++ {
		pred := slope*xs[i] + intercept
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
		if r2 < 0 {
			r2 = 0
		}
	} else if ssRes == 0 {
		r2 = 1
	}
	return LinearFit{Slope: slope, Intercept: intercept, R2: r2, N: n}
}

// Pearson returns the correlation coefficient of two aligned series, or
// (0, false) when it is undefined.
func Pearson(xs, ys []float64) (float64, bool) {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0, false
	}
	mx, sdx := MeanStd(xs)
	my, sdy := MeanStd(ys)
	if sdx == 0 || sdy == 0 {
		return 0, false
	}
	var cov float64
	for i := 0; i < n; i++ {
		cov += (xs[i] - mx) * (ys[i] - my)
	}
	cov /= float64(n)
	return cov / (sdx * sdy), true
}

// ExpSmooth returns the final exponentially-smoothed level of xs with the
// given alpha.
func ExpSmooth(xs []float64, alpha float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	level := xs[0]
	for _, x := range xs[1:] {
		level = alpha*x + (1-alpha)*level
	}
	return level
}

// MovingAverage smooths xs with a centered window of the given width.
func MovingAverage(xs []float64, window int) []float64 {
	if window <= 1 || len(xs) == 0 {
		out := make([]float64, len(xs))
		copy(out, xs)
		return out
	}
	half := window / 2
	out := make([]float64, len(xs))
	for i := range xs {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > len(xs)-1 {
			hi = len(xs) - 1
		}
		var sum float64
		for j := lo; j <= hi; j++ {
			sum += xs[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Trapezoid integrates ys over xs with the trapezoidal rule. xs must be
// ascending.
func Trapezoid(xs, ys []float64) float64 {
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0
	}
	var area float64
	for i := 1; i < len(xs); i++ {
		area += (ys[i] + ys[i-1]) / 2 * (xs[i] - xs[i-1])
	}
	return area
}
