package health

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellimaint/intellimaint/model"
)

func rampWindow(tagID string, vals ...float64) tagWindow {
	w := tagWindow{TagID: tagID}
	for i, v := range vals {
		w.TS = append(w.TS, int64(i)*1000)
		w.Vals = append(w.Vals, v)
	}
	return w
}

func TestCorrelationSameDirection(t *testing.T) {
	rule := model.TagCorrelationRule{
		RuleID: "r1", Tag1Pattern: "temp", Tag2Pattern: "current",
		Kind: model.CorrSameDirection, Threshold: 0.9, PenaltyScore: 10, Enabled: true,
	}
	windows := []tagWindow{
		rampWindow("temp", 1, 2, 3, 4, 5),
		rampWindow("current", 10, 20, 30, 40, 50),
	}
	require.InDelta(t, 10, correlationPenalty([]model.TagCorrelationRule{rule}, "dev-1", windows), 1e-9)

	// Anticorrelated series do not trigger a same-direction rule.
	windows[1] = rampWindow("current", 50, 40, 30, 20, 10)
	require.Zero(t, correlationPenalty([]model.TagCorrelationRule{rule}, "dev-1", windows))
}

func TestCorrelationOppositeDirection(t *testing.T) {
	rule := model.TagCorrelationRule{
		RuleID: "r1", Tag1Pattern: "speed", Tag2Pattern: "torque",
		Kind: model.CorrOppositeDirection, Threshold: 0.9, PenaltyScore: 25, Enabled: true,
	}
	windows := []tagWindow{
		rampWindow("speed", 1, 2, 3, 4, 5),
		rampWindow("torque", 50, 40, 30, 20, 10),
	}
	require.InDelta(t, 25, correlationPenalty([]model.TagCorrelationRule{rule}, "dev-1", windows), 1e-9)
}

func TestCorrelationThresholdCombo(t *testing.T) {
	rule := model.TagCorrelationRule{
		RuleID: "r1", Tag1Pattern: "temp", Tag2Pattern: "current",
		Kind: model.CorrThresholdCombo, Tag1Limit: 80, Tag2Limit: 15,
		PenaltyScore: 30, Enabled: true,
	}
	windows := []tagWindow{
		rampWindow("temp", 70, 85),
		rampWindow("current", 10, 20),
	}
	require.InDelta(t, 30, correlationPenalty([]model.TagCorrelationRule{rule}, "dev-1", windows), 1e-9)

	// Only one side over its limit.
	windows[1] = rampWindow("current", 10, 12)
	require.Zero(t, correlationPenalty([]model.TagCorrelationRule{rule}, "dev-1", windows))
}

func TestCorrelationDevicePatternAndDisabled(t *testing.T) {
	rules := []model.TagCorrelationRule{
		{RuleID: "r1", DevicePattern: "press-*", Tag1Pattern: "temp", Tag2Pattern: "current",
			Kind: model.CorrSameDirection, Threshold: 0.5, PenaltyScore: 10, Enabled: true},
		{RuleID: "r2", Tag1Pattern: "temp", Tag2Pattern: "current",
			Kind: model.CorrSameDirection, Threshold: 0.5, PenaltyScore: 99, Enabled: false},
	}
	windows := []tagWindow{
		rampWindow("temp", 1, 2, 3),
		rampWindow("current", 1, 2, 3),
	}
	require.Zero(t, correlationPenalty(rules, "mill-1", windows), "device pattern excludes, rule disabled")
	require.InDelta(t, 10, correlationPenalty(rules, "press-7", windows), 1e-9)
}
