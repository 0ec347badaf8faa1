package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

func TestCleanupOnceEnforcesWindows(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()

	dayMs := int64(86_400_000)
	now := 10 * dayMs

	insertPressure(t, st, 1000, 50)       // old, past the raw window
	insertPressure(t, st, now-1000, 51)   // fresh, must survive
	_, err := st.InsertAlarm(ctx, model.AlarmRecord{
		AlarmID: "a-old", DeviceID: "dev-1", TagID: "pressure", TS: 1000,
		Severity: 3, Code: "THRESHOLD", Status: model.AlarmOpen,
		Created: 1000, Updated: 1000,
	})
	require.NoError(t, err)

	// Raw deletion is gated on the downsample watermark.
	_, err = st.Downsample1m(ctx, now)
	require.NoError(t, err)

	cfg := config.Default().DataCleanup
	cfg.TelemetryRetentionDays = 1
	cfg.Telemetry1mRetentionDays = 1
	cfg.AlarmRetentionDays = 1
	eng := NewRetentionEngine(st, cfg, zap.NewNop().Sugar())
	eng.now = func() int64 { return now }
	eng.CleanupOnce(ctx)

	ts, _, err := st.NumericSeries(ctx, "dev-1", "pressure", 0, now)
	require.NoError(t, err)
	require.Equal(t, []int64{now - 1000}, ts)

	_, alarms, err := st.QueryAlarms(ctx, model.AlarmQuery{DeviceID: "dev-1", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, alarms)
}

func TestCleanupOnceDefersRawUntilDownsampled(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()

	now := int64(10) * 86_400_000
	insertPressure(t, st, 1000, 50)

	cfg := config.Default().DataCleanup
	cfg.TelemetryRetentionDays = 1
	eng := NewRetentionEngine(st, cfg, zap.NewNop().Sugar())
	eng.now = func() int64 { return now }

	// No downsample pass has run, so the watermark guards the raw rows.
	eng.CleanupOnce(ctx)

	ts, _, err := st.NumericSeries(ctx, "dev-1", "pressure", 0, now)
	require.NoError(t, err)
	require.Equal(t, []int64{1000}, ts)
}
