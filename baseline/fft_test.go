package baseline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellimaint/intellimaint/model"
)

// On-bin frequencies avoid spectral leakage: bin k sits at k*rate/fftSize.
func binFreq(k int, rateHz float64) float64 {
	return float64(k) * rateHz / fftSize
}

func TestAnalyzeSpectrum(t *testing.T) {
	const rateHz = 1000.0
	fund := binFreq(100, rateHz) // ~48.8 Hz, inside the mains band

	samples := make([]float64, fftSize)
	for i := range samples {
		tSec := float64(i) / rateHz
		samples[i] = 7 + // DC offset is removed before the transform
			3*math.Sin(2*math.Pi*fund*tSec) +
			0.3*math.Sin(2*math.Pi*3*fund*tSec)
	}

	p := AnalyzeSpectrum(samples, rateHz, model.FaultFrequencies{BPFO: binFreq(250, rateHz)})
	require.NotNil(t, p)
	require.InDelta(t, fund, p.FundamentalHz, 1e-9)
	require.InDelta(t, 3, p.FundamentalAmp, 1e-6)

	require.Len(t, p.HarmonicAmps, 9)
	require.InDelta(t, 0, p.HarmonicAmps[0], 1e-6)   // 2nd harmonic absent
	require.InDelta(t, 0.1, p.HarmonicAmps[1], 1e-6) // 3rd at 10% of fundamental
	require.InDelta(t, 10, p.THDPct, 1e-3)

	require.Less(t, p.NoiseFloor, 1e-6)
	require.Less(t, p.BPFOAmp, 1e-6, "no energy at the fault frequency")
	require.Zero(t, p.BPFIAmp)
}

func TestAnalyzeSpectrumNoFundamental(t *testing.T) {
	// Flat signal: nothing in the mains band.
	samples := make([]float64, fftSize)
	for i := range samples {
		samples[i] = 5
	}
	require.Nil(t, AnalyzeSpectrum(samples, 1000, model.FaultFrequencies{}))

	// Wrong window size is rejected outright.
	require.Nil(t, AnalyzeSpectrum(make([]float64, 100), 1000, model.FaultFrequencies{}))
}

func TestResample(t *testing.T) {
	ts := []int64{0, 100, 200}
	vals := []float64{1, 2, 3}
	got := Resample(ts, vals, 20, 6) // 50ms step
	require.Equal(t, []float64{1, 1, 2, 2, 3, 3}, got)

	require.Nil(t, Resample(ts[:1], vals[:1], 20, 4))
}
