package prognostics

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/store"
	"github.com/intellimaint/intellimaint/util"
)

// DegradationType classifies a confirmed slow drift.
type DegradationType string

const (
	DegradationNone       DegradationType = "none"
	GradualIncrease       DegradationType = "gradual_increase"
	GradualDecrease       DegradationType = "gradual_decrease"
	IncreasingVariance    DegradationType = "increasing_variance"
	CycleAnomalyDegrading DegradationType = "cycle_anomaly"
)

// DegradationResult is one evaluation of one tag.
type DegradationResult struct {
	DeviceID      string          `json:"device_id"`
	TagID         string          `json:"tag_id"`
	RatePctPerDay float64         `json:"rate_pct_per_day"`
	Confirmations int             `json:"confirmations"`
	Detected      bool            `json:"detected"`
	Type          DegradationType `json:"type"`
	TS            int64           `json:"ts"`
}

// DegradationDetector tracks per-tag confirmation streaks across
// evaluations; a single noisy pass never raises a finding.
type DegradationDetector struct {
	st      *store.Store
	cfg     config.DegradationConfig
	log     *zap.SugaredLogger
	now     func() int64
	streaks map[string]int // device \x00 tag
}

// NewDegradationDetector builds a detector.
func NewDegradationDetector(st *store.Store, cfg config.DegradationConfig, log *zap.SugaredLogger) *DegradationDetector {
	return &DegradationDetector{
		st:      st,
		cfg:     cfg,
		log:     log,
		now:     func() int64 { return time.Now().UnixMilli() },
		streaks: make(map[string]int),
	}
}

// Evaluate runs one detection pass for a tag over the detection window.
func (d *DegradationDetector) Evaluate(ctx context.Context, deviceID, tagID string) (*DegradationResult, error) {
	nowMs := d.now()
	startTS := nowMs - int64(d.cfg.DetectionWindowDays)*86_400_000
	rows, err := d.st.Downsampled(ctx, "telemetry_1m", deviceID, tagID, startTS, nowMs)
	if err != nil {
		return nil, err
	}
	res := &DegradationResult{DeviceID: deviceID, TagID: tagID, Type: DegradationNone, TS: nowMs}
	key := deviceID + "\x00" + tagID
	if len(rows) < 3 {
		d.streaks[key] = 0
		return res, nil
	}

	xs := make([]float64, len(rows)) // days since window start
	ys := make([]float64, len(rows))
	for i, r := range rows {
		xs[i] = float64(r.BucketTS-rows[0].BucketTS) / 86_400_000
		ys[i] = r.Avg
	}
	smoothed := util.MovingAverage(ys, d.noiseWindow(rows))

	fit := util.LinReg(xs, smoothed)
	mean, _ := util.MeanStd(smoothed)
	if mean == 0 {
		d.streaks[key] = 0
		return res, nil
	}
	res.RatePctPerDay = fit.Slope / math.Abs(mean) * 100

	if math.Abs(res.RatePctPerDay) >= d.cfg.DegradationRateThreshold {
		d.streaks[key]++
	} else {
		d.streaks[key] = 0
	}
	res.Confirmations = d.streaks[key]
	if res.Confirmations < d.cfg.ConfirmationCount {
		return res, nil
	}

	res.Detected = true
	switch {
	case varianceRising(smoothed, ys):
		res.Type = IncreasingVariance
	case res.RatePctPerDay > 0:
		res.Type = GradualIncrease
	default:
		res.Type = GradualDecrease
	}
	d.log.Warnw("degradation detected", "device", deviceID, "tag", tagID,
		"rate_pct_per_day", res.RatePctPerDay, "type", res.Type)
	return res, nil
}

// noiseWindow converts NoiseFilterWindowHours into a bucket count using the
// observed bucket spacing.
func (d *DegradationDetector) noiseWindow(rows []store.DownsampleRow) int {
	if len(rows) < 2 {
		return 1
	}
	stepMs := (rows[len(rows)-1].BucketTS - rows[0].BucketTS) / int64(len(rows)-1)
	if stepMs <= 0 {
		return 1
	}
	w := int(int64(d.cfg.NoiseFilterWindowHours) * 3_600_000 / stepMs)
	if w < 1 {
		w = 1
	}
	return w
}

// varianceRising compares the residual spread of the second half of the
// window against the first.
func varianceRising(smoothed, raw []float64) bool {
	n := len(raw)
	if n < 6 {
		return false
	}
	resid := make([]float64, n)
	for i := range raw {
		resid[i] = raw[i] - smoothed[i]
	}
	_, firstStd := util.MeanStd(resid[:n/2])
	_, secondStd := util.MeanStd(resid[n/2:])
	return firstStd > 0 && secondStd > 1.5*firstStd
}
