package baseline

import (
	"math"
	"sort"

	"github.com/intellimaint/intellimaint/model"
)

// fftSize is the fixed spectral window. Power of two for the radix-2
// transform; at a 200 Hz nominal rate this is a ~10 s window with ~0.1 Hz
// resolution.
const fftSize = 2048

// Mains fundamental search band in Hz.
const (
	fundamentalLoHz = 45.0
	fundamentalHiHz = 65.0
)

// Resample holds (ts, vals) onto a uniform grid of n samples at rateHz,
// last value held between source points. Returns nil when the series is too
// thin to be worth transforming.
func Resample(ts []int64, vals []float64, rateHz float64, n int) []float64 {
	if len(ts) < 2 || rateHz <= 0 {
		return nil
	}
	stepMs := 1000 / rateHz
	out := make([]float64, n)
	j := 0
	for i := 0; i < n; i++ {
		t := float64(ts[0]) + float64(i)*stepMs
		for j+1 < len(ts) && float64(ts[j+1]) <= t {
			j++
		}
		out[i] = vals[j]
	}
	return out
}

// AnalyzeSpectrum extracts the fundamental, its harmonics, THD and the
// bearing fault-frequency amplitudes from one uniform window. Returns nil
// when no fundamental is found in the mains band.
func AnalyzeSpectrum(samples []float64, rateHz float64, faults model.FaultFrequencies) *model.FrequencyProfile {
	if len(samples) != fftSize || rateHz <= 0 {
		return nil
	}
	re := make([]float64, fftSize)
	im := make([]float64, fftSize)

	// Remove DC so bin 0 does not leak into the low bins.
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= fftSize
	for i, s := range samples {
		re[i] = s - mean
	}
	fft(re, im)

	half := fftSize / 2
	amp := make([]float64, half)
	for k := 1; k < half; k++ {
		amp[k] = 2 * math.Hypot(re[k], im[k]) / fftSize
	}
	binHz := rateHz / fftSize

	loBin := int(math.Ceil(fundamentalLoHz / binHz))
	hiBin := int(math.Floor(fundamentalHiHz / binHz))
	if loBin < 1 {
		loBin = 1
	}
	if hiBin >= half {
		hiBin = half - 1
	}
	if loBin > hiBin {
		return nil
	}
	fundBin := loBin
	for k := loBin + 1; k <= hiBin; k++ {
		if amp[k] > amp[fundBin] {
			fundBin = k
		}
	}
	if amp[fundBin] == 0 {
		return nil
	}

	p := &model.FrequencyProfile{
		FundamentalHz:  float64(fundBin) * binHz,
		FundamentalAmp: amp[fundBin],
	}

	var harmSq float64
	for h := 2; h <= 10; h++ {
		k := h * fundBin
		var a float64
		if k < half {
			a = amp[k]
		}
		p.HarmonicAmps = append(p.HarmonicAmps, a/p.FundamentalAmp)
		harmSq += a * a
	}
	p.THDPct = math.Sqrt(harmSq) / p.FundamentalAmp * 100

	p.BPFOAmp = ampAt(amp, faults.BPFO, binHz)
	p.BPFIAmp = ampAt(amp, faults.BPFI, binHz)
	p.BSFAmp = ampAt(amp, faults.BSF, binHz)
	p.FTFAmp = ampAt(amp, faults.FTF, binHz)

	sorted := make([]float64, len(amp)-1)
	copy(sorted, amp[1:])
	sort.Float64s(sorted)
	p.NoiseFloor = sorted[len(sorted)/2]
	return p
}

// ampAt returns the amplitude at the bin nearest freqHz, 0 when out of band.
func ampAt(amp []float64, freqHz, binHz float64) float64 {
	if freqHz <= 0 {
		return 0
	}
	k := int(math.Round(freqHz / binHz))
	if k < 1 || k >= len(amp) {
		return 0
	}
	return amp[k]
}

// fft is an in-place iterative radix-2 transform.
func fft(re, im []float64) {
	n := len(re)
	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wRe, wIm := math.Cos(ang), math.Sin(ang)
		for start := 0; start < n; start += length {
			curRe, curIm := 1.0, 0.0
			for k := 0; k < length/2; k++ {
				i, j := start+k, start+k+length/2
				tRe := re[j]*curRe - im[j]*curIm
				tIm := re[j]*curIm + im[j]*curRe
				re[j], im[j] = re[i]-tRe, im[i]-tIm
				re[i], im[i] = re[i]+tRe, im[i]+tIm
				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}
