package health

import (
	"fmt"
	"math"
	"sort"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/util"
)

// tagWindow is one tag's samples inside the assessment window.
type tagWindow struct {
	TagID string
	TS    []int64
	Vals  []float64
}

// components holds the four sub-scores before weighting.
type components struct {
	Deviation float64
	Trend     float64
	Stability float64
	Alarm     float64
	Samples   int
	Problems  []model.ProblemTag
}

// scoreComponents computes the four sub-scores of one window. Tags without
// samples contribute nothing; tags without a baseline skip the deviation
// component but still count for stability and trend.
func scoreComponents(cfg config.HealthConfig, windows []tagWindow, baselines map[string]model.DeviceBaseline, alarms []model.AlarmRecord, imp *ImportanceResolver, nowMs int64) components {
	var c components
	var devSum, devW float64
	var trendSum, trendW float64
	var stabSum, stabW float64

	for _, w := range windows {
		if len(w.Vals) == 0 {
			continue
		}
		c.Samples += len(w.Vals)
		weight := imp.Weight(w.TagID)
		mean, std := util.MeanStd(w.Vals)

		if bl, ok := baselines[w.TagID]; ok && bl.Std > 0 {
			z := math.Abs(mean-bl.Mean) / bl.Std
			penalty := math.Min(100, z*cfg.DeviationZScale)
			devSum += weight * (100 - penalty)
			devW += weight
			if penalty > 0 {
				c.Problems = append(c.Problems, model.ProblemTag{
					TagID: w.TagID, ZScore: z, Importance: weight,
					Description: problemNote(w.TagID, mean, bl),
				})
			}

			// Slope per hour normalized by the baseline range.
			if span := bl.Max - bl.Min; span > 0 && len(w.Vals) >= 2 {
				xs := make([]float64, len(w.TS))
				for i, ts := range w.TS {
					xs[i] = float64(ts-w.TS[0]) / 3_600_000
				}
				fit := util.LinReg(xs, w.Vals)
				penalty := math.Min(100, math.Abs(fit.Slope/span)*cfg.TrendSlopeScale)
				trendSum += weight * (100 - penalty)
				trendW += weight
			}
		}

		if mean != 0 {
			cv := std / math.Abs(mean)
			stabSum += weight * 100 * math.Exp(-cv*cfg.StabilityCvScale)
			stabW += weight
		}
	}

	c.Deviation = weightedOr(devSum, devW, 100)
	c.Trend = weightedOr(trendSum, trendW, 100)
	c.Stability = weightedOr(stabSum, stabW, 100)
	c.Alarm = alarmScore(cfg, alarms, nowMs)

	sort.Slice(c.Problems, func(i, j int) bool {
		return c.Problems[i].ZScore*c.Problems[i].Importance > c.Problems[j].ZScore*c.Problems[j].Importance
	})
	if limit := cfg.ProblemTagLimit; limit > 0 && len(c.Problems) > limit {
		c.Problems = c.Problems[:limit]
	}
	return c
}

func weightedOr(sum, w, fallback float64) float64 {
	if w == 0 {
		return fallback
	}
	return sum / w
}

// alarmScore starts at 100 and subtracts a severity penalty per open alarm,
// optionally scaled by how long the alarm has been standing.
func alarmScore(cfg config.HealthConfig, alarms []model.AlarmRecord, nowMs int64) float64 {
	score := 100.0
	for _, a := range alarms {
		p := severityPenalty(cfg, a.Severity)
		if cfg.Alarm.ConsiderDuration {
			hours := float64(nowMs-a.TS) / 3_600_000
			if hours > 0 {
				p *= math.Min(cfg.Alarm.MaxMultiplier, 1+cfg.Alarm.DurationFactorPerHour*hours)
			}
		}
		score -= p
	}
	if score < cfg.Alarm.MinScore {
		score = cfg.Alarm.MinScore
	}
	return score
}

func severityPenalty(cfg config.HealthConfig, severity int) float64 {
	switch {
	case severity >= 5:
		return cfg.Alarm.CriticalPenalty
	case severity == 4:
		return cfg.Alarm.ErrorPenalty
	case severity == 3:
		return cfg.Alarm.WarningPenalty
	}
	return cfg.Alarm.InfoPenalty
}

// composite folds the sub-scores into the 0..100 index.
func composite(cfg config.HealthConfig, c components) int {
	sum := cfg.Weights.Deviation*c.Deviation +
		cfg.Weights.Trend*c.Trend +
		cfg.Weights.Stability*c.Stability +
		cfg.Weights.Alarm*c.Alarm
	return int(util.Clamp(math.Round(sum), 0, 100))
}

// level buckets the index.
func level(cfg config.HealthConfig, index int) model.HealthLevel {
	switch {
	case index >= cfg.LevelThresholds.HealthyMin:
		return model.HealthHealthy
	case index >= cfg.LevelThresholds.AttentionMin:
		return model.HealthAttention
	case index >= cfg.LevelThresholds.WarningMin:
		return model.HealthWarning
	}
	return model.HealthCritical
}

// confidence reflects how much data backed the assessment.
func confidence(cfg config.HealthConfig, samples int) (float64, string) {
	if cfg.MinSampleCount <= 0 || samples >= cfg.MinSampleCount {
		return 1, ""
	}
	conf := util.Clamp(float64(samples)/float64(cfg.MinSampleCount), 0, 1)
	return conf, fmt.Sprintf("only %d of %d samples in window", samples, cfg.MinSampleCount)
}

func problemNote(tagID string, mean float64, bl model.DeviceBaseline) string {
	rel := "above"
	if mean < bl.Mean {
		rel = "below"
	}
	return fmt.Sprintf("%s mean %.2f is %s baseline %.2f", tagID, mean, rel, bl.Mean)
}
