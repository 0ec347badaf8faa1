package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/cycle"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
)

func newSweepStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db"), SlowQueryMs: 5000,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedSweepCycle writes one angle sweep with both motor currents starting at
// startMs, 500 ms apart.
func seedSweepCycle(t *testing.T, st *store.Store, startMs int64) {
	t.Helper()
	angles := []float64{0, 20, 60, 90, 60, 20, 0}
	var pts []model.TelemetryPoint
	for i, a := range angles {
		ts := startMs + int64(i)*500
		pts = append(pts,
			model.TelemetryPoint{DeviceID: "dev-1", TagID: "angle", TS: ts,
				Value: model.FloatValue(a), Quality: model.QualityGood},
			model.TelemetryPoint{DeviceID: "dev-1", TagID: "m1_current", TS: ts,
				Value: model.FloatValue(10), Quality: model.QualityGood},
			model.TelemetryPoint{DeviceID: "dev-1", TagID: "m2_current", TS: ts,
				Value: model.FloatValue(10), Quality: model.QualityGood},
		)
	}
	_, err := st.AppendBatch(context.Background(), pts)
	require.NoError(t, err)
}

func TestSweepAnalyzesCompletedSegments(t *testing.T) {
	st := newSweepStore(t)
	ctx := context.Background()
	cfg := config.Default()

	seedSweepCycle(t, st, 1000)
	require.NoError(t, st.UpsertCollectionRule(ctx, model.CollectionRule{
		RuleID: "r1", DeviceID: "dev-1", Start: model.And{}, Stop: model.And{}, Enabled: true,
	}))
	seg, err := st.OpenSegment(ctx, "r1", "dev-1", 500)
	require.NoError(t, err)
	require.NoError(t, st.CloseSegment(ctx, seg.ID, 5000, model.SegmentCompleted, 21, ""))

	sweep := &analyticsSweep{
		st:       st,
		cfg:      cfg,
		log:      zap.NewNop().Sugar(),
		analyzer: cycle.NewAnalyzer(st, cfg.Cycle, zap.NewNop().Sugar()),
	}
	sweep.cycles(ctx)

	cycles, err := st.WorkCycles(ctx, "dev-1", 0, 10_000)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, seg.ID, cycles[0].SegmentID)
	require.Equal(t, int64(5000), sweep.lastCycleTS)

	// A second pass starts past the watermark and finds nothing new.
	sweep.cycles(ctx)
	cycles, err = st.WorkCycles(ctx, "dev-1", 0, 10_000)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
}

func TestSweepSkipsWithoutAngleTag(t *testing.T) {
	st := newSweepStore(t)
	cfg := config.Default()
	cfg.Cycle.AngleTag = ""

	sweep := &analyticsSweep{st: st, cfg: cfg, log: zap.NewNop().Sugar()}
	sweep.cycles(context.Background())
	require.Zero(t, sweep.lastCycleTS)
}
