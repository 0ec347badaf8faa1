package prognostics

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/store"
	"github.com/intellimaint/intellimaint/util"
)

// RulStatus summarizes the health trajectory of a device.
type RulStatus string

const (
	StatusHealthy          RulStatus = "healthy"
	StatusNormal           RulStatus = "normal"
	StatusAccelerated      RulStatus = "accelerated_degradation"
	StatusNearFailure      RulStatus = "near_failure"
	StatusInsufficientData RulStatus = "insufficient_data"
)

// RiskLevel bins the remaining life.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// minRulSnapshots is the smallest health history considered fittable.
const minRulSnapshots = 10

// weibullShape is the fixed shape parameter of the Weibull curve family.
const weibullShape = 1.5

// RulFactor attributes part of the degradation to one tag.
type RulFactor struct {
	TagID        string  `json:"tag_id"`
	Weight       float64 `json:"weight"`       // z share, 0..1
	Contribution float64 `json:"contribution"` // signed by drift direction
}

// RulEstimate is one remaining-useful-life evaluation.
type RulEstimate struct {
	DeviceID       string          `json:"device_id"`
	Model          config.RulModel `json:"model"`
	CurrentIndex   float64         `json:"current_index"`
	RatePerDay     float64         `json:"rate_per_day"` // index points lost per day
	HasPrediction  bool            `json:"has_prediction"`
	RULHours       float64         `json:"rul_hours,omitempty"`
	FailureTS      int64           `json:"failure_ts,omitempty"`
	Confidence     float64         `json:"confidence"`
	Status         RulStatus       `json:"status"`
	Risk           RiskLevel       `json:"risk"`
	MaintenanceTS  int64           `json:"recommended_maintenance_ts,omitempty"`
	Factors        []RulFactor     `json:"factors,omitempty"`
	SnapshotCount  int             `json:"snapshot_count"`
	TS             int64           `json:"ts"`
}

// Estimator fits the configured degradation model over the persisted health
// history.
type Estimator struct {
	st  *store.Store
	cfg config.RulConfig
	log *zap.SugaredLogger
	now func() int64
}

// NewEstimator builds an estimator.
func NewEstimator(st *store.Store, cfg config.RulConfig, log *zap.SugaredLogger) *Estimator {
	return &Estimator{
		st:  st,
		cfg: cfg,
		log: log,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// Estimate computes the device's remaining useful life.
func (e *Estimator) Estimate(ctx context.Context, deviceID string) (*RulEstimate, error) {
	nowMs := e.now()
	startTS := nowMs - int64(e.cfg.HistoryWindowDays)*86_400_000
	history, err := e.st.HealthHistory(ctx, deviceID, startTS, nowMs)
	if err != nil {
		return nil, err
	}
	est := &RulEstimate{
		DeviceID: deviceID, Model: e.cfg.ModelType,
		Status: StatusInsufficientData, Risk: RiskLow,
		SnapshotCount: len(history), TS: nowMs,
	}
	if len(history) < minRulSnapshots {
		return est, nil
	}

	xs := make([]float64, len(history)) // days since the first snapshot
	ys := make([]float64, len(history))
	for i, h := range history {
		xs[i] = float64(h.TS-history[0].TS) / 86_400_000
		ys[i] = float64(h.Index)
	}
	est.CurrentIndex = ys[len(ys)-1]
	elapsedDays := xs[len(xs)-1]

	daysToFailure, ratePerDay, conf := e.fit(xs, ys, elapsedDays)
	est.RatePerDay = ratePerDay
	est.Confidence = conf

	if daysToFailure > 0 {
		est.HasPrediction = true
		est.RULHours = daysToFailure * 24
		est.FailureTS = nowMs + int64(est.RULHours*3_600_000)
		lead := 2 * e.cfg.AvgRepairLeadHours
		est.MaintenanceTS = nowMs + int64(math.Max(0, est.RULHours-lead)*3_600_000)
		if fs, err := e.factors(ctx, deviceID, nowMs); err == nil {
			est.Factors = fs
		}
	}

	est.Status = e.status(est)
	est.Risk = risk(est)
	return est, nil
}

// fit returns (days until the index reaches FailureThreshold, decline rate
// in points/day, confidence). daysToFailure is 0 when the device is not
// degrading toward the threshold.
func (e *Estimator) fit(xs, ys []float64, elapsedDays float64) (daysToFailure, ratePerDay, conf float64) {
	threshold := e.cfg.FailureThreshold
	current := ys[len(ys)-1]

	switch e.cfg.ModelType {
	case config.RulExponential:
		// H(t) = H0 * exp(-lambda t), fit on ln H.
		lx := make([]float64, 0, len(xs))
		ly := make([]float64, 0, len(ys))
		for i, y := range ys {
			if y > 0 {
				lx = append(lx, xs[i])
				ly = append(ly, math.Log(y))
			}
		}
		fit := util.LinReg(lx, ly)
		conf = fit.R2
		lambda := -fit.Slope
		ratePerDay = current * lambda // local decline rate
		if lambda <= 0 || threshold <= 0 || current <= threshold {
			if current <= threshold && lambda > 0 {
				daysToFailure = 0
			}
			return daysToFailure, ratePerDay, conf
		}
		h0 := math.Exp(fit.Intercept)
		tFail := math.Log(h0/threshold) / lambda
		daysToFailure = tFail - elapsedDays

	case config.RulWeibull:
		// H(t) = H0 * exp(-(t/eta)^beta) with fixed beta: linear through the
		// origin in transformed coordinates.
		h0 := ys[0]
		if h0 <= 0 {
			return 0, 0, 0
		}
		var sxx, sxy float64
		for i, y := range ys {
			if y <= 0 || y >= h0 || xs[i] <= 0 {
				continue
			}
			u := math.Pow(math.Log(h0/y), 1/weibullShape)
			sxx += xs[i] * xs[i]
			sxy += xs[i] * u
		}
		if sxx == 0 || sxy <= 0 {
			fit := util.LinReg(xs, ys)
			return 0, -fit.Slope, fit.R2
		}
		invEta := sxy / sxx
		eta := 1 / invEta
		lin := util.LinReg(xs, ys)
		conf = lin.R2
		ratePerDay = -lin.Slope
		if threshold <= 0 || threshold >= h0 {
			return 0, ratePerDay, conf
		}
		tFail := eta * math.Pow(math.Log(h0/threshold), 1/weibullShape)
		daysToFailure = tFail - elapsedDays

	default: // linear
		fit := util.LinReg(xs, ys)
		conf = fit.R2
		ratePerDay = -fit.Slope
		if fit.Slope >= 0 {
			return 0, ratePerDay, conf
		}
		daysToFailure = (threshold - current) / fit.Slope
	}

	if daysToFailure < 0 {
		daysToFailure = 0
	}
	return daysToFailure, ratePerDay, conf
}

func (e *Estimator) status(est *RulEstimate) RulStatus {
	switch {
	case est.HasPrediction && est.RULHours < 24:
		return StatusNearFailure
	case est.RatePerDay > e.cfg.NormalDegradation:
		return StatusAccelerated
	case est.CurrentIndex >= 2*e.cfg.FailureThreshold:
		return StatusHealthy
	}
	return StatusNormal
}

func risk(est *RulEstimate) RiskLevel {
	if !est.HasPrediction {
		return RiskLow
	}
	days := est.RULHours / 24
	switch {
	case days < 1:
		return RiskCritical
	case days < 7:
		return RiskHigh
	case days < 30:
		return RiskMedium
	}
	return RiskLow
}

// factors ranks the tags by how far their recent hour sits from baseline;
// each weight is the tag's share of the total z mass, signed by the drift
// direction.
func (e *Estimator) factors(ctx context.Context, deviceID string, nowMs int64) ([]RulFactor, error) {
	baselines, err := e.st.DeviceBaselines(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	type zTag struct {
		tag   string
		z     float64
		slope float64
	}
	var zs []zTag
	var total float64
	for tag, bl := range baselines {
		if bl.Std <= 0 {
			continue
		}
		ts, vals, err := e.st.NumericSeries(ctx, deviceID, tag, nowMs-3_600_000, nowMs)
		if err != nil || len(vals) == 0 {
			continue
		}
		mean, _ := util.MeanStd(vals)
		z := math.Abs(mean-bl.Mean) / bl.Std
		if z == 0 {
			continue
		}
		xs := make([]float64, len(ts))
		for i, t := range ts {
			xs[i] = float64(t-ts[0]) / 3_600_000
		}
		zs = append(zs, zTag{tag: tag, z: z, slope: util.LinReg(xs, vals).Slope})
		total += z
	}
	if total == 0 {
		return nil, nil
	}
	sort.Slice(zs, func(i, j int) bool { return zs[i].z > zs[j].z })
	out := make([]RulFactor, len(zs))
	for i, zt := range zs {
		w := zt.z / total
		contribution := w
		if zt.slope < 0 {
			contribution = -w
		}
		out[i] = RulFactor{TagID: zt.tag, Weight: w, Contribution: contribution}
	}
	return out, nil
}
