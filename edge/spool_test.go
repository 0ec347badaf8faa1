package edge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

func newTestSpool(t *testing.T, maxMB int64) *Spool {
	t.Helper()
	s, err := OpenSpool(config.StoreForwardConfig{
		Dir:            t.TempDir(),
		MaxStoreSizeMB: maxMB,
		RetentionDays:  7,
	}, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	return s
}

func spoolBatch(ts int64, n int) []model.TelemetryPoint {
	out := make([]model.TelemetryPoint, n)
	for i := range out {
		out[i] = model.TelemetryPoint{
			DeviceID: "dev-1", TagID: "temp", TS: ts + int64(i), Seq: 0,
			Value: model.FloatValue(float64(i)), Quality: model.QualityGood,
		}
	}
	return out
}

func TestSpoolReplayOrder(t *testing.T) {
	s := newTestSpool(t, 64)

	id1, err := s.Store(spoolBatch(1000, 3))
	require.NoError(t, err)
	id2, err := s.Store(spoolBatch(2000, 2))
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	batches, err := s.Oldest(10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, id1, batches[0].ID)
	require.Len(t, batches[0].Points, 3)
	require.Equal(t, int64(1000), batches[0].Points[0].TS)

	s.Acknowledge(id1)
	batches, err = s.Oldest(10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, id2, batches[0].ID)
}

func TestSpoolSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.StoreForwardConfig{Dir: dir, MaxStoreSizeMB: 64, RetentionDays: 7}
	log := zap.NewNop().Sugar()

	s1, err := OpenSpool(cfg, log, nil)
	require.NoError(t, err)
	id1, err := s1.Store(spoolBatch(1000, 2))
	require.NoError(t, err)
	_, err = s1.Store(spoolBatch(2000, 2))
	require.NoError(t, err)

	s2, err := OpenSpool(cfg, log, nil)
	require.NoError(t, err)

	// Recovered entries report their point counts before any replay.
	n, points, bytes := s2.Pending()
	require.Equal(t, 2, n)
	require.Equal(t, int64(4), points)
	require.Positive(t, bytes)

	batches, err := s2.Oldest(10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, id1, batches[0].ID)

	// New ids continue past the recovered ones.
	id3, err := s2.Store(spoolBatch(3000, 1))
	require.NoError(t, err)
	require.Greater(t, id3, batches[1].ID)
}

func TestSpoolSweep(t *testing.T) {
	s := newTestSpool(t, 64)
	_, err := s.Store(spoolBatch(1000, 2))
	require.NoError(t, err)

	// Inside retention: kept.
	s.Sweep(time.Now())
	n, _, _ := s.Pending()
	require.Equal(t, 1, n)

	// Far future: aged out.
	s.Sweep(time.Now().Add(30 * 24 * time.Hour))
	n, _, _ = s.Pending()
	require.Equal(t, 0, n)
}

func TestSpoolDegradedRing(t *testing.T) {
	// An unusable directory forces memory mode at open.
	s, err := OpenSpool(config.StoreForwardConfig{
		Dir: "/dev/null/not-a-dir", MaxStoreSizeMB: 1, RetentionDays: 1,
	}, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	id, err := s.Store(spoolBatch(1000, 2))
	require.NoError(t, err)
	batches, err := s.Oldest(10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, id, batches[0].ID)

	s.Acknowledge(id)
	batches, err = s.Oldest(10)
	require.NoError(t, err)
	require.Empty(t, batches)

	// Overflow drops oldest and counts it.
	for i := 0; i < memoryRingCap+5; i++ {
		_, err := s.Store(spoolBatch(int64(i)*1000, 1))
		require.NoError(t, err)
	}
	require.Positive(t, s.Dropped())
	n, _, _ := s.Pending()
	require.Equal(t, memoryRingCap, n)
}
