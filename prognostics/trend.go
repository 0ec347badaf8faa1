// Package prognostics projects telemetry and health trajectories forward:
// threshold ETAs, slow degradation and remaining useful life.
package prognostics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
	"github.com/intellimaint/intellimaint/util"
)

// AlertLevel grades how soon a trend crosses an alarm threshold.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertLow      AlertLevel = "low"
	AlertMedium   AlertLevel = "medium"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// TrendPrediction is the outcome of one tag's trend fit.
type TrendPrediction struct {
	DeviceID         string     `json:"device_id"`
	TagID            string     `json:"tag_id"`
	Current          float64    `json:"current"`
	SlopePerHour     float64    `json:"slope_per_hour"`
	Forecast         float64    `json:"forecast"` // at the prediction horizon
	Confidence       float64    `json:"confidence"`
	HoursToThreshold float64    `json:"hours_to_threshold,omitempty"`
	ThresholdRuleID  string     `json:"threshold_rule_id,omitempty"`
	Alert            AlertLevel `json:"alert"`
	SampleCount      int        `json:"sample_count"`
	TS               int64      `json:"ts"`
}

// Predictor fits linear trends over the minute-aggregate history.
type Predictor struct {
	st  *store.Store
	cfg config.TrendConfig
	log *zap.SugaredLogger
	now func() int64
}

// NewPredictor builds a predictor.
func NewPredictor(st *store.Store, cfg config.TrendConfig, log *zap.SugaredLogger) *Predictor {
	return &Predictor{
		st:  st,
		cfg: cfg,
		log: log,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// PredictTag fits one tag's minute averages over the history window and
// grades the result against the tag's alarm rules.
func (p *Predictor) PredictTag(ctx context.Context, deviceID, tagID string, rules []model.AlarmRule) (*TrendPrediction, error) {
	nowMs := p.now()
	startTS := nowMs - int64(p.cfg.HistoryWindowHours)*3_600_000
	rows, err := p.st.Downsampled(ctx, "telemetry_1m", deviceID, tagID, startTS, nowMs)
	if err != nil {
		return nil, err
	}
	pred := &TrendPrediction{
		DeviceID: deviceID, TagID: tagID,
		Alert: AlertNone, SampleCount: len(rows), TS: nowMs,
	}
	if len(rows) < 2 {
		return pred, nil
	}

	xs := make([]float64, len(rows))
	ys := make([]float64, len(rows))
	for i, r := range rows {
		xs[i] = float64(r.BucketTS-rows[0].BucketTS) / 3_600_000
		ys[i] = r.Avg
	}
	fit := util.LinReg(xs, ys)
	smoothed := util.ExpSmooth(ys, p.cfg.SmoothingAlpha)

	pred.Current = ys[len(ys)-1]
	pred.SlopePerHour = fit.Slope
	pred.Confidence = fit.R2
	pred.Forecast = smoothed + fit.Slope*float64(p.cfg.PredictionHorizonHours)

	rule, hours := p.thresholdETA(pred.Current, fit.Slope, tagID, deviceID, rules)
	if rule != nil {
		pred.ThresholdRuleID = rule.RuleID
		pred.HoursToThreshold = hours
	}
	pred.Alert = p.alert(rule, hours, pred.Confidence)
	return pred, nil
}

// thresholdETA finds the soonest threshold the trend is heading into. Rising
// trends are graded against gt/gte rules and falling trends against lt/lte.
func (p *Predictor) thresholdETA(current, slope float64, tagID, deviceID string, rules []model.AlarmRule) (*model.AlarmRule, float64) {
	var best *model.AlarmRule
	var bestHours float64
	for i, r := range rules {
		if !r.Enabled || r.RuleType != model.RuleThreshold || r.TagID != tagID {
			continue
		}
		if r.DeviceID != "" && r.DeviceID != deviceID {
			continue
		}
		var hours float64
		switch r.ConditionType {
		case model.CondGT, model.CondGTE:
			if slope <= 0 || current >= r.Threshold {
				continue
			}
			hours = (r.Threshold - current) / slope
		case model.CondLT, model.CondLTE:
			if slope >= 0 || current <= r.Threshold {
				continue
			}
			hours = (r.Threshold - current) / slope
		default:
			continue
		}
		if best == nil || hours < bestHours {
			best = &rules[i]
			bestHours = hours
		}
	}
	return best, bestHours
}

func (p *Predictor) alert(rule *model.AlarmRule, hours, conf float64) AlertLevel {
	if rule == nil || conf < p.cfg.ConfidenceThreshold {
		return AlertNone
	}
	switch {
	case hours < 24:
		return AlertCritical
	case hours < 48:
		return AlertHigh
	case hours < 72:
		return AlertMedium
	}
	return AlertLow
}
