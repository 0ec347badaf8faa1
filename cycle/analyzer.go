// Package cycle segments angle-driven machine motion into work cycles and
// scores each cycle against a learned per-device baseline.
package cycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
	"github.com/intellimaint/intellimaint/util"
)

// TagSet names the three tags the default extractor reads.
type TagSet struct {
	AngleTag  string
	Motor1Tag string
	Motor2Tag string
}

// Window is the raw series inside one detected cycle, aligned on the angle
// tag's timestamps.
type Window struct {
	TS     []int64
	Angle  []float64
	Motor1 []float64
	Motor2 []float64
}

// FeatureExtractor derives per-cycle features from one window. The default
// is the angle/dual-motor extractor; other asset kinds plug in here.
type FeatureExtractor interface {
	Extract(c *model.WorkCycle, w Window)
}

// Analyzer detects cycles by angle threshold crossings and scores them.
type Analyzer struct {
	st      *store.Store
	cfg     config.CycleConfig
	log     *zap.SugaredLogger
	extract FeatureExtractor
}

// NewAnalyzer builds an analyzer with the default extractor.
func NewAnalyzer(st *store.Store, cfg config.CycleConfig, log *zap.SugaredLogger) *Analyzer {
	return &Analyzer{st: st, cfg: cfg, log: log, extract: dualMotorExtractor{}}
}

// SetExtractor swaps the feature extractor.
func (a *Analyzer) SetExtractor(fe FeatureExtractor) { a.extract = fe }

// Analyze detects and scores the cycles of one device in [startTS, endTS],
// persisting each resulting work cycle. Replays are idempotent because the
// cycle id derives from (device, start).
func (a *Analyzer) Analyze(ctx context.Context, deviceID, segmentID string, tags TagSet, startTS, endTS int64) ([]model.WorkCycle, error) {
	windows, err := a.windows(ctx, deviceID, tags, startTS, endTS)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, nil
	}

	var bl Baseline
	hasBL, err := a.st.LoadCycleBaseline(ctx, deviceID, &bl)
	if err != nil {
		return nil, err
	}

	out := make([]model.WorkCycle, 0, len(windows))
	for _, w := range windows {
		c := model.WorkCycle{
			CycleID:   uuid.NewString(),
			DeviceID:  deviceID,
			SegmentID: segmentID,
			StartTS:   w.TS[0],
			EndTS:     w.TS[len(w.TS)-1],
		}
		c.DurationS = float64(c.EndTS-c.StartTS) / 1000
		a.extract.Extract(&c, w)
		if hasBL {
			a.score(&c, w, &bl)
		}
		if err := a.st.SaveWorkCycle(ctx, c); err != nil {
			return out, err
		}
		out = append(out, c)
	}
	a.log.Infow("cycles analyzed", "device", deviceID,
		"cycles", len(out), "baseline", hasBL)
	return out, nil
}

// windows fetches the three series and cuts them into per-cycle windows.
func (a *Analyzer) windows(ctx context.Context, deviceID string, tags TagSet, startTS, endTS int64) ([]Window, error) {
	angleTS, angleV, err := a.st.NumericSeries(ctx, deviceID, tags.AngleTag, startTS, endTS)
	if err != nil {
		return nil, err
	}
	if len(angleTS) == 0 {
		return nil, nil
	}
	m1TS, m1V, err := a.st.NumericSeries(ctx, deviceID, tags.Motor1Tag, startTS, endTS)
	if err != nil {
		return nil, err
	}
	m2TS, m2V, err := a.st.NumericSeries(ctx, deviceID, tags.Motor2Tag, startTS, endTS)
	if err != nil {
		return nil, err
	}
	m1 := alignStep(angleTS, m1TS, m1V)
	m2 := alignStep(angleTS, m2TS, m2V)

	var out []Window
	for _, span := range detectCycles(angleTS, angleV, a.cfg) {
		out = append(out, Window{
			TS:     angleTS[span[0] : span[1]+1],
			Angle:  angleV[span[0] : span[1]+1],
			Motor1: m1[span[0] : span[1]+1],
			Motor2: m2[span[0] : span[1]+1],
		})
	}
	return out, nil
}

// detectCycles returns [startIdx, endIdx] index pairs. A cycle opens on an
// upward crossing of the angle threshold and closes on the downward one;
// candidates outside the duration gates are discarded.
func detectCycles(ts []int64, angle []float64, cfg config.CycleConfig) [][2]int {
	var spans [][2]int
	open := -1
	for i := 1; i < len(angle); i++ {
		up := angle[i-1] < cfg.AngleThreshold && angle[i] >= cfg.AngleThreshold
		down := angle[i-1] >= cfg.AngleThreshold && angle[i] < cfg.AngleThreshold
		switch {
		case up && open < 0:
			open = i
		case down && open >= 0:
			dur := float64(ts[i]-ts[open]) / 1000
			if dur >= cfg.MinCycleDuration && dur <= cfg.MaxCycleDuration {
				spans = append(spans, [2]int{open, i})
			}
			open = -1
		}
	}
	return spans
}

// alignStep resamples (srcTS, srcV) onto ts with last-value-holds semantics.
func alignStep(ts, srcTS []int64, srcV []float64) []float64 {
	out := make([]float64, len(ts))
	if len(srcTS) == 0 {
		return out
	}
	j := 0
	for i, t := range ts {
		for j+1 < len(srcTS) && srcTS[j+1] <= t {
			j++
		}
		if srcTS[j] <= t {
			out[i] = srcV[j]
		} else {
			out[i] = srcV[0]
		}
	}
	return out
}

// dualMotorExtractor is the default: max angle, per-motor peak and average
// current, trapezoidal energy and the M1/M2 balance ratio.
type dualMotorExtractor struct{}

func (dualMotorExtractor) Extract(c *model.WorkCycle, w Window) {
	secs := make([]float64, len(w.TS))
	for i, t := range w.TS {
		secs[i] = float64(t) / 1000
	}
	for i, ang := range w.Angle {
		if ang > c.MaxAngle {
			c.MaxAngle = ang
		}
		if w.Motor1[i] > c.Motor1PeakA {
			c.Motor1PeakA = w.Motor1[i]
		}
		if w.Motor2[i] > c.Motor2PeakA {
			c.Motor2PeakA = w.Motor2[i]
		}
	}
	c.Motor1AvgA, _ = util.MeanStd(w.Motor1)
	c.Motor2AvgA, _ = util.MeanStd(w.Motor2)
	c.EnergyAS = util.Trapezoid(secs, w.Motor1) + util.Trapezoid(secs, w.Motor2)
	if c.Motor2AvgA != 0 {
		c.BalanceRatio = c.Motor1AvgA / c.Motor2AvgA
	}
}

// score fills the anomaly fields from the three weighted components:
// baseline deviation 0.5, motor balance 0.3, cycle duration 0.2.
func (a *Analyzer) score(c *model.WorkCycle, w Window, bl *Baseline) {
	if bl.SampleCycles == 0 {
		return
	}

	// Per-angle deviation of total current against the quadratic model.
	var devSum float64
	var devN int
	var measSum, modelSum float64
	for i, ang := range w.Angle {
		pred := bl.Predict(ang)
		if pred <= 0 {
			continue
		}
		meas := w.Motor1[i] + w.Motor2[i]
		devSum += abs(meas-pred) / pred * 100
		measSum += meas
		modelSum += pred
		devN++
	}
	var devPct float64
	if devN > 0 {
		devPct = devSum / float64(devN)
	}
	c.BaselineDevPct = devPct

	refBalance := bl.MeanBalance
	if refBalance == 0 {
		refBalance = 1
	}
	balPct := abs(c.BalanceRatio-refBalance) / refBalance * 100

	var durPct float64
	if bl.MeanDurationS > 0 {
		durPct = abs(c.DurationS-bl.MeanDurationS) / bl.MeanDurationS * 100
	}

	dev := 0.5 * util.Clamp(devPct, 0, 100)
	bal := 0.3 * util.Clamp(balPct, 0, 100)
	dur := 0.2 * util.Clamp(durPct, 0, 100)
	c.AnomalyScore = dev + bal + dur
	c.IsAnomaly = c.AnomalyScore >= a.cfg.AnomalyThreshold
	if !c.IsAnomaly {
		return
	}

	// The type names the dominant weighted component. A cycle that never
	// reached the usual travel is a stall regardless of currents.
	if bl.TypicalMaxAngle > 0 && c.MaxAngle < 0.8*bl.TypicalMaxAngle {
		c.AnomalyType = model.AnomalyAngleStall
		return
	}
	switch {
	case dev >= bal && dev >= dur:
		if measSum > modelSum {
			c.AnomalyType = model.AnomalyOverCurrent
		} else {
			c.AnomalyType = model.AnomalyBaselineDev
		}
	case bal >= dur:
		c.AnomalyType = model.AnomalyMotorImbalance
	default:
		if c.DurationS > bl.MeanDurationS {
			c.AnomalyType = model.AnomalyCycleTimeout
		} else {
			c.AnomalyType = model.AnomalyCycleTooShort
		}
	}
}

// Learn rebuilds and persists the device's cycle baseline from the cycles
// found in [startTS, endTS]. Anomalous ranges should be excluded by the
// caller picking a known-good window.
func (a *Analyzer) Learn(ctx context.Context, deviceID string, tags TagSet, startTS, endTS int64) (*Baseline, error) {
	windows, err := a.windows(ctx, deviceID, tags, startTS, endTS)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, nil
	}
	bl := LearnBaseline(deviceID, windows)
	bl.UpdatedUTC = time.Now().UnixMilli()
	if err := a.st.SaveCycleBaseline(ctx, deviceID, bl); err != nil {
		return nil, err
	}
	a.log.Infow("cycle baseline learned", "device", deviceID,
		"cycles", bl.SampleCycles, "r2", bl.R2)
	return &bl, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
