package health

import (
	"github.com/gobwas/glob"

	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/util"
)

// correlationPenalty evaluates every enabled correlation rule against the
// device's windows and returns the total index penalty.
func correlationPenalty(rules []model.TagCorrelationRule, deviceID string, windows []tagWindow) float64 {
	var total float64
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !globMatch(rule.DevicePattern, deviceID) {
			continue
		}
		w1 := findWindow(windows, rule.Tag1Pattern)
		w2 := findWindow(windows, rule.Tag2Pattern)
		if w1 == nil || w2 == nil {
			continue
		}
		if correlationTriggers(rule, *w1, *w2) {
			total += rule.PenaltyScore
		}
	}
	return total
}

func correlationTriggers(rule model.TagCorrelationRule, w1, w2 tagWindow) bool {
	switch rule.Kind {
	case model.CorrThresholdCombo:
		if len(w1.Vals) == 0 || len(w2.Vals) == 0 {
			return false
		}
		return w1.Vals[len(w1.Vals)-1] > rule.Tag1Limit &&
			w2.Vals[len(w2.Vals)-1] > rule.Tag2Limit
	case model.CorrSameDirection, model.CorrOppositeDirection:
		aligned := alignWindow(w1, w2)
		r, ok := util.Pearson(w1.Vals, aligned)
		if !ok {
			return false
		}
		if rule.Kind == model.CorrSameDirection {
			return r >= rule.Threshold
		}
		return r <= -rule.Threshold
	}
	return false
}

// alignWindow resamples w2 onto w1's timestamps with last-value-holds.
func alignWindow(w1, w2 tagWindow) []float64 {
	out := make([]float64, len(w1.TS))
	if len(w2.TS) == 0 {
		return out
	}
	j := 0
	for i, t := range w1.TS {
		for j+1 < len(w2.TS) && w2.TS[j+1] <= t {
			j++
		}
		if w2.TS[j] <= t {
			out[i] = w2.Vals[j]
		} else {
			out[i] = w2.Vals[0]
		}
	}
	return out
}

func findWindow(windows []tagWindow, pattern string) *tagWindow {
	for i := range windows {
		if globMatch(pattern, windows[i].TagID) {
			return &windows[i]
		}
	}
	return nil
}

// globMatch treats an empty or invalid pattern as match-all.
func globMatch(pattern, s string) bool {
	if pattern == "" {
		return true
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return true
	}
	return g.Match(s)
}
