package health

import (
	"context"

	"github.com/intellimaint/intellimaint/model"
)

// trendEpsilon is the index difference below which the multi-scale trend
// counts as flat.
const trendEpsilon = 1.0

// multiScale blends the short, medium and long window components and derives
// the trend direction from short minus long.
func (a *Assessor) multiScale(ctx context.Context, deviceID string, baselines map[string]model.DeviceBaseline, imp *ImportanceResolver, nowMs int64) (components, int, error) {
	windows := []struct {
		minutes int
		weight  float64
	}{
		{a.ms.ShortTermMinutes, a.ms.ShortWeight},
		{a.ms.MediumTermMinutes, a.ms.MediumWeight},
		{a.ms.LongTermMinutes, a.ms.LongWeight},
	}

	var blended components
	var weightSum float64
	var shortIdx, longIdx float64
	for i, w := range windows {
		c, err := a.windowComponents(ctx, deviceID, w.minutes, baselines, imp, nowMs)
		if err != nil {
			return components{}, 0, err
		}
		blended.Deviation += w.weight * c.Deviation
		blended.Trend += w.weight * c.Trend
		blended.Stability += w.weight * c.Stability
		blended.Alarm += w.weight * c.Alarm
		weightSum += w.weight

		idx := float64(composite(a.cfg, c))
		switch i {
		case 0:
			shortIdx = idx
			// Problem tags and confidence come from the freshest window.
			blended.Problems = c.Problems
			blended.Samples = c.Samples
		case 2:
			longIdx = idx
		}
	}
	if weightSum > 0 {
		blended.Deviation /= weightSum
		blended.Trend /= weightSum
		blended.Stability /= weightSum
		blended.Alarm /= weightSum
	}

	dir := 0
	switch {
	case shortIdx > longIdx+trendEpsilon:
		dir = 1
	case shortIdx < longIdx-trendEpsilon:
		dir = -1
	}
	return blended, dir, nil
}
