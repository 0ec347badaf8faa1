package cycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
)

func newCycleStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db"), SlowQueryMs: 5000,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var testTags = TagSet{AngleTag: "angle", Motor1Tag: "m1_current", Motor2Tag: "m2_current"}

// writeCycle stores one 0→90→0 sweep starting at startMs, sampled every
// 500ms, with constant motor currents.
func writeCycle(t *testing.T, st *store.Store, startMs int64, m1, m2 float64) {
	t.Helper()
	angles := []float64{0, 20, 60, 90, 60, 20, 0}
	var pts []model.TelemetryPoint
	for i, ang := range angles {
		ts := startMs + int64(i)*500
		pts = append(pts,
			model.TelemetryPoint{DeviceID: "dev-1", TagID: "angle", TS: ts, Value: model.FloatValue(ang), Quality: model.QualityGood},
			model.TelemetryPoint{DeviceID: "dev-1", TagID: "m1_current", TS: ts, Value: model.FloatValue(m1), Quality: model.QualityGood},
			model.TelemetryPoint{DeviceID: "dev-1", TagID: "m2_current", TS: ts, Value: model.FloatValue(m2), Quality: model.QualityGood},
		)
	}
	_, err := st.AppendBatch(context.Background(), pts)
	require.NoError(t, err)
}

func TestDetectCycles(t *testing.T) {
	cfg := config.CycleConfig{AngleThreshold: 5, MinCycleDuration: 1, MaxCycleDuration: 120}
	ts := []int64{0, 500, 1000, 1500, 2000, 2500, 3000}
	angle := []float64{0, 20, 60, 90, 60, 20, 0}

	spans := detectCycles(ts, angle, cfg)
	require.Len(t, spans, 1)
	require.Equal(t, [2]int{1, 6}, spans[0])

	// Too short to count.
	cfg.MinCycleDuration = 10
	require.Empty(t, detectCycles(ts, angle, cfg))

	// A sweep that never comes down leaves no cycle.
	require.Empty(t, detectCycles(ts[:4], angle[:4], config.CycleConfig{
		AngleThreshold: 5, MinCycleDuration: 1, MaxCycleDuration: 120,
	}))
}

func TestAlignStep(t *testing.T) {
	got := alignStep(
		[]int64{100, 200, 300, 400},
		[]int64{150, 300},
		[]float64{1, 2})
	require.Equal(t, []float64{1, 1, 2, 2}, got)
}

func TestAnalyzeScoresAgainstBaseline(t *testing.T) {
	st := newCycleStore(t)
	ctx := context.Background()
	cfg := config.Default().Cycle

	// Two clean learning cycles, then one clean and one over-current cycle.
	writeCycle(t, st, 1000, 10, 10)
	writeCycle(t, st, 10_000, 10, 10)
	writeCycle(t, st, 20_000, 10, 10)
	writeCycle(t, st, 30_000, 30, 10)

	a := NewAnalyzer(st, cfg, zap.NewNop().Sugar())
	bl, err := a.Learn(ctx, "dev-1", testTags, 0, 15_000)
	require.NoError(t, err)
	require.NotNil(t, bl)
	require.Equal(t, int64(2), bl.SampleCycles)
	require.InDelta(t, 2.5, bl.MeanDurationS, 1e-9)
	require.InDelta(t, 1.0, bl.MeanBalance, 1e-9)
	require.InDelta(t, 90, bl.TypicalMaxAngle, 1e-9)

	cycles, err := a.Analyze(ctx, "dev-1", "", testTags, 18_000, 40_000)
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	clean, hot := cycles[0], cycles[1]
	require.False(t, clean.IsAnomaly)
	require.InDelta(t, 0, clean.AnomalyScore, 1e-6)
	require.InDelta(t, 1.0, clean.BalanceRatio, 1e-9)

	// Total current doubled: deviation 100% (→50) plus balance 3:1 (→30).
	require.True(t, hot.IsAnomaly)
	require.InDelta(t, 80, hot.AnomalyScore, 1e-6)
	require.Equal(t, model.AnomalyOverCurrent, hot.AnomalyType)
	require.InDelta(t, 30, hot.Motor1PeakA, 1e-9)

	stored, err := st.WorkCycles(ctx, "dev-1", 0, 50_000)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestAnalyzeWithoutBaselineSkipsScoring(t *testing.T) {
	st := newCycleStore(t)
	ctx := context.Background()

	writeCycle(t, st, 1000, 10, 10)
	a := NewAnalyzer(st, config.Default().Cycle, zap.NewNop().Sugar())

	cycles, err := a.Analyze(ctx, "dev-1", "seg-7", testTags, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.False(t, cycles[0].IsAnomaly)
	require.Zero(t, cycles[0].AnomalyScore)
	require.Equal(t, "seg-7", cycles[0].SegmentID)
	require.InDelta(t, 2.5, cycles[0].DurationS, 1e-9)
}

func TestImbalanceClassification(t *testing.T) {
	st := newCycleStore(t)
	ctx := context.Background()
	cfg := config.Default().Cycle
	cfg.AnomalyThreshold = 25

	writeCycle(t, st, 1000, 10, 10)
	writeCycle(t, st, 10_000, 15, 5) // same total, skewed split

	a := NewAnalyzer(st, cfg, zap.NewNop().Sugar())
	_, err := a.Learn(ctx, "dev-1", testTags, 0, 5000)
	require.NoError(t, err)

	cycles, err := a.Analyze(ctx, "dev-1", "", testTags, 8000, 15_000)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.True(t, cycles[0].IsAnomaly)
	require.Equal(t, model.AnomalyMotorImbalance, cycles[0].AnomalyType)
}
