package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DatabaseConfig{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "test.db"),
		SlowQueryMs: 5000,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func floatPoint(device, tag string, ts, seq int64, v float64) model.TelemetryPoint {
	return model.TelemetryPoint{
		DeviceID: device, TagID: tag, TS: ts, Seq: seq,
		Value: model.FloatValue(v), Quality: model.QualityGood,
	}
}

func TestAppendBatchIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []model.TelemetryPoint{
		floatPoint("dev-1", "temp", 1000, 0, 21.5),
		floatPoint("dev-1", "temp", 2000, 0, 21.7),
	}
	n, err := s.AppendBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Replay of the same batch stores nothing new.
	n, err = s.AppendBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.PointCount)
}

func TestAppendBatchRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	bad := []model.TelemetryPoint{
		floatPoint("dev-1", "temp", 1000, 0, 1),
		{DeviceID: "", TagID: "temp", TS: 2000, Value: model.FloatValue(2)},
	}
	_, err := s.AppendBatch(context.Background(), bad)
	require.Error(t, err)
	require.Equal(t, model.ErrValidation, ErrorCode(err))

	// Whole-batch rejection: nothing was written.
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), st.PointCount)
}

func TestQueryKeysetPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	points := make([]model.TelemetryPoint, 250)
	for i := range points {
		points[i] = floatPoint("dev-1", "pressure", int64(i+1), 0, float64(i))
	}
	n, err := s.AppendBatch(ctx, points)
	require.NoError(t, err)
	require.Equal(t, 250, n)

	q := model.HistoryQuery{DeviceID: "dev-1", TagID: "pressure", Sort: model.SortDesc, Limit: 100}

	page1, err := s.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, page1.Items, 100)
	require.True(t, page1.HasMore)
	require.Equal(t, int64(250), page1.TotalCount)
	require.Equal(t, int64(250), page1.Items[0].TS)
	require.Equal(t, int64(151), page1.Items[99].TS)
	require.NotNil(t, page1.NextToken)
	require.Equal(t, int64(151), page1.NextToken.LastTS)

	q.After = page1.NextToken
	page2, err := s.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, page2.Items, 100)
	require.True(t, page2.HasMore)
	require.Equal(t, int64(150), page2.Items[0].TS)
	require.Equal(t, int64(51), page2.Items[99].TS)

	q.After = page2.NextToken
	page3, err := s.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, page3.Items, 50)
	require.False(t, page3.HasMore)
	require.Nil(t, page3.NextToken)
	require.Equal(t, int64(1), page3.Items[49].TS)
}

func TestQuerySeqTieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three points in one millisecond, distinguished only by seq.
	_, err := s.AppendBatch(ctx, []model.TelemetryPoint{
		floatPoint("dev-1", "temp", 1000, 2, 3),
		floatPoint("dev-1", "temp", 1000, 0, 1),
		floatPoint("dev-1", "temp", 1000, 1, 2),
	})
	require.NoError(t, err)

	res, err := s.Query(ctx, model.HistoryQuery{DeviceID: "dev-1", Sort: model.SortAsc, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	for i, want := range []int64{0, 1, 2} {
		require.Equal(t, want, res.Items[i].Seq)
	}
}

func TestAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two one-second buckets: [0,1000) holds 10,20; [1000,2000) holds 30.
	_, err := s.AppendBatch(ctx, []model.TelemetryPoint{
		floatPoint("dev-1", "flow", 100, 0, 10),
		floatPoint("dev-1", "flow", 900, 0, 20),
		floatPoint("dev-1", "flow", 1500, 0, 30),
	})
	require.NoError(t, err)

	avg, err := s.Aggregate(ctx, "dev-1", "flow", 0, 2000, 1000, model.AggAvg)
	require.NoError(t, err)
	require.Len(t, avg, 2)
	require.Equal(t, int64(0), avg[0].BucketTS)
	require.InDelta(t, 15.0, avg[0].Value, 1e-9)
	require.InDelta(t, 30.0, avg[1].Value, 1e-9)

	first, err := s.Aggregate(ctx, "dev-1", "flow", 0, 2000, 1000, model.AggFirst)
	require.NoError(t, err)
	require.InDelta(t, 10.0, first[0].Value, 1e-9)

	last, err := s.Aggregate(ctx, "dev-1", "flow", 0, 2000, 1000, model.AggLast)
	require.NoError(t, err)
	require.InDelta(t, 20.0, last[0].Value, 1e-9)

	_, err = s.Aggregate(ctx, "dev-1", "flow", 0, 2000, 0, model.AggAvg)
	require.Error(t, err)
	require.Equal(t, model.ErrValidation, ErrorCode(err))
}

func TestLatestNumeric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendBatch(ctx, []model.TelemetryPoint{
		floatPoint("dev-1", "temp", 1000, 0, 20),
		floatPoint("dev-1", "temp", 2000, 0, 25),
		floatPoint("dev-1", "temp", 2000, 1, 26), // same ms, higher seq wins
		floatPoint("dev-1", "rpm", 1500, 0, 1480),
	})
	require.NoError(t, err)

	latest, err := s.LatestNumeric(ctx, "dev-1")
	require.NoError(t, err)
	byTag := map[string]LatestValue{}
	for _, lv := range latest {
		byTag[lv.TagID] = lv
	}
	require.InDelta(t, 26.0, byTag["temp"].Value, 1e-9)
	require.InDelta(t, 1480.0, byTag["rpm"].Value, 1e-9)
}

func TestAlarmLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := model.AlarmRecord{
		AlarmID: "a-1", DeviceID: "dev-1", TagID: "temp", TS: 1000,
		Severity: 3, Code: "rule-1", Message: "temp high",
		Status: model.AlarmOpen, Created: 1000, Updated: 1000,
	}
	inserted, err := s.InsertAlarm(ctx, a)
	require.NoError(t, err)
	require.True(t, inserted)

	// Duplicate delivery is dropped.
	inserted, err = s.InsertAlarm(ctx, a)
	require.NoError(t, err)
	require.False(t, inserted)

	st, err := s.AckAlarm(ctx, "a-1", "operator", "checking")
	require.NoError(t, err)
	require.Equal(t, model.AlarmAcknowledged, st)

	// Second ack keeps the first ack's metadata.
	st, err = s.AckAlarm(ctx, "a-1", "someone-else", "")
	require.NoError(t, err)
	require.Equal(t, model.AlarmAcknowledged, st)
	got, err := s.GetAlarm(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "operator", got.AckedBy)

	require.NoError(t, s.CloseAlarm(ctx, "a-1"))

	// Ack after close is a no-op, not an error.
	st, err = s.AckAlarm(ctx, "a-1", "late", "")
	require.NoError(t, err)
	require.Equal(t, model.AlarmClosed, st)

	n, err := s.OpenAlarmCount(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestAlarmGrouping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, ts int64, sev int) model.AlarmRecord {
		return model.AlarmRecord{
			AlarmID: id, DeviceID: "dev-1", TS: ts, Severity: sev,
			Code: "rule-1", Status: model.AlarmOpen, Created: ts, Updated: ts,
		}
	}

	_, err := s.InsertAlarm(ctx, mk("a-1", 1000, 2))
	require.NoError(t, err)
	g1, err := s.AttachOrCreateGroup(ctx, mk("a-1", 1000, 2))
	require.NoError(t, err)
	require.Equal(t, int64(1), g1.AlarmCount)
	require.Equal(t, 2, g1.Severity)

	_, err = s.InsertAlarm(ctx, mk("a-2", 2000, 4))
	require.NoError(t, err)
	g2, err := s.AttachOrCreateGroup(ctx, mk("a-2", 2000, 4))
	require.NoError(t, err)
	require.Equal(t, g1.GroupID, g2.GroupID)
	require.Equal(t, int64(2), g2.AlarmCount)
	require.Equal(t, 4, g2.Severity)
	require.Equal(t, int64(2000), g2.LastOccurred)

	// Lower severity never downgrades the group.
	_, err = s.InsertAlarm(ctx, mk("a-3", 3000, 1))
	require.NoError(t, err)
	g3, err := s.AttachOrCreateGroup(ctx, mk("a-3", 3000, 1))
	require.NoError(t, err)
	require.Equal(t, 4, g3.Severity)

	// Count always matches the attachment rows.
	ids, err := s.GroupAlarmIDs(ctx, g3.GroupID)
	require.NoError(t, err)
	require.Equal(t, int(g3.AlarmCount), len(ids))

	require.NoError(t, s.CloseGroup(ctx, g3.GroupID))
	for _, id := range ids {
		a, err := s.GetAlarm(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.AlarmClosed, a.Status)
	}

	// A new alarm after close opens a fresh group.
	_, err = s.InsertAlarm(ctx, mk("a-4", 4000, 2))
	require.NoError(t, err)
	g4, err := s.AttachOrCreateGroup(ctx, mk("a-4", 4000, 2))
	require.NoError(t, err)
	require.NotEqual(t, g3.GroupID, g4.GroupID)
	require.Equal(t, int64(1), g4.AlarmCount)
}

func TestAckGroupCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := model.AlarmRecord{
		AlarmID: "a-1", DeviceID: "dev-1", TS: 1000, Severity: 3,
		Code: "rule-1", Status: model.AlarmOpen, Created: 1000, Updated: 1000,
	}
	_, err := s.InsertAlarm(ctx, a)
	require.NoError(t, err)
	g, err := s.AttachOrCreateGroup(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s.AckGroup(ctx, g.GroupID, "op", "seen"))
	child, err := s.GetAlarm(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, model.AlarmAcknowledged, child.Status)
	require.Equal(t, "op", child.AckedBy)

	require.NoError(t, s.CloseGroup(ctx, g.GroupID))
	err = s.AckGroup(ctx, g.GroupID, "late", "")
	require.Error(t, err)
	require.Equal(t, model.ErrConflict, ErrorCode(err))
}

func TestSegmentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seg, err := s.OpenSegment(ctx, "rule-1", "dev-1", 1000)
	require.NoError(t, err)
	require.Equal(t, model.SegmentCollecting, seg.Status)

	// Only one collecting segment per rule.
	_, err = s.OpenSegment(ctx, "rule-1", "dev-1", 2000)
	require.Error(t, err)
	require.Equal(t, model.ErrConflict, ErrorCode(err))

	require.NoError(t, s.CloseSegment(ctx, seg.ID, 5000, model.SegmentCompleted, 42, ""))
	got, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	require.Equal(t, model.SegmentCompleted, got.Status)
	require.Equal(t, int64(42), got.DataPointCount)

	// Closing twice fails: the segment is no longer collecting.
	err = s.CloseSegment(ctx, seg.ID, 6000, model.SegmentCompleted, 42, "")
	require.Error(t, err)

	// A new segment may open now.
	_, err = s.OpenSegment(ctx, "rule-1", "dev-1", 7000)
	require.NoError(t, err)
}

func TestCollectionRuleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := model.CollectionRule{
		RuleID:   "rule-1",
		DeviceID: "dev-1",
		Start: model.And{Items: []model.Condition{
			model.TagPred{TagID: "current", Op: model.CondGT, Value: 5},
			model.Duration{Seconds: 3},
		}},
		Stop:    model.TagPred{TagID: "current", Op: model.CondLT, Value: 1},
		Config:  model.CollectionConfig{TagIDs: []string{"current", "angle"}, PreBufferSeconds: 5, PostBufferSeconds: 10},
		Enabled: true,
	}
	require.NoError(t, s.UpsertCollectionRule(ctx, rule))

	rules, err := s.ListCollectionRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	got := rules[0]
	require.Equal(t, rule.Config, got.Config)
	start, ok := got.Start.(model.And)
	require.True(t, ok)
	require.Len(t, start.Items, 2)
	require.Equal(t, 3, model.DurationSeconds(got.Start))

	rev, err := s.CollectionRevision(ctx)
	require.NoError(t, err)
	require.Positive(t, rev)
}

func TestDownsampleAndCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Minute 0 holds 10,20; minute 1 holds 30. now sits in minute 2 so both
	// source minutes are final.
	_, err := s.AppendBatch(ctx, []model.TelemetryPoint{
		floatPoint("dev-1", "temp", 10_000, 0, 10),
		floatPoint("dev-1", "temp", 50_000, 0, 20),
		floatPoint("dev-1", "temp", 70_000, 0, 30),
	})
	require.NoError(t, err)

	now := int64(150_000)
	n, err := s.Downsample1m(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := s.Downsampled(ctx, "telemetry_1m", "dev-1", "temp", 0, now)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(0), rows[0].BucketTS)
	require.InDelta(t, 10.0, rows[0].Min, 1e-9)
	require.InDelta(t, 20.0, rows[0].Max, 1e-9)
	require.InDelta(t, 15.0, rows[0].Avg, 1e-9)
	require.InDelta(t, 10.0, rows[0].First, 1e-9)
	require.InDelta(t, 20.0, rows[0].Last, 1e-9)
	require.Equal(t, int64(2), rows[0].SampleCount)

	// Rerun is a no-op: the watermark advanced.
	n, err = s.Downsample1m(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Raw deletion is guarded: the cutoff sits past the watermark, so the
	// pass defers instead of losing undownsampled rows. The minute tier is
	// guarded the same way by the hourly watermark.
	farFuture := now + 400*24*3_600_000
	res, err := s.Cleanup(ctx, farFuture, config.CleanupConfig{
		TelemetryRetentionDays: 7, Telemetry1mRetentionDays: 30,
		Telemetry1hRetentionDays: 365, AlarmRetentionDays: 365,
		AuditLogRetentionDays: 365, SnapshotRetentionDays: 365,
	})
	require.NoError(t, err)
	require.True(t, res.RawSkipped)
	require.True(t, res.MinuteSkipped)
	require.Zero(t, res.MinuteDeleted)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.PointCount)
	rows, err = s.Downsampled(ctx, "telemetry_1m", "dev-1", "temp", 0, now)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestCleanupGuardsMinuteTierAndTrimsHours(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dayMs := int64(24 * 3_600_000)
	now := 400 * dayMs
	cfg := config.CleanupConfig{
		TelemetryRetentionDays: 30, Telemetry1mRetentionDays: 30,
		Telemetry1hRetentionDays: 365, AlarmRetentionDays: 30,
		AuditLogRetentionDays: 30, SnapshotRetentionDays: 30,
	}

	// One point 40 days old: outside the raw and minute windows, inside the
	// hourly window.
	old := now - 40*dayMs
	_, err := s.AppendBatch(ctx, []model.TelemetryPoint{
		floatPoint("dev-1", "temp", old, 0, 10),
	})
	require.NoError(t, err)
	n, err := s.Downsample1m(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Minutes rolled up but hours not: the raw row may go, the minute bucket
	// must survive until the hourly rollup has consumed it.
	res, err := s.Cleanup(ctx, now, cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RawDeleted)
	require.True(t, res.MinuteSkipped)
	require.Zero(t, res.MinuteDeleted)
	rows, err := s.Downsampled(ctx, "telemetry_1m", "dev-1", "temp", 0, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err = s.Downsample1h(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Hour rollup caught up: the minute bucket is deletable and the hour
	// bucket carries the data forward.
	res, err = s.Cleanup(ctx, now, cfg)
	require.NoError(t, err)
	require.False(t, res.MinuteSkipped)
	require.Equal(t, int64(1), res.MinuteDeleted)
	rows, err = s.Downsampled(ctx, "telemetry_1h", "dev-1", "temp", 0, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// An hour bucket past its own window is trimmed.
	require.NoError(t, s.writeBuckets(ctx, "telemetry_1h", []DownsampleRow{{
		DeviceID: "dev-1", TagID: "temp", BucketTS: now - 399*dayMs,
		Min: 1, Max: 1, Avg: 1, First: 1, Last: 1, SampleCount: 1,
	}}))
	res, err = s.Cleanup(ctx, now, cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.HourDeleted)
	rows, err = s.Downsampled(ctx, "telemetry_1h", "dev-1", "temp", 0, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCleanupSnapshotAndAuditWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dayMs := int64(24 * 3_600_000)
	now := time.Now().UnixMilli() + 400*dayMs
	cfg := config.CleanupConfig{
		TelemetryRetentionDays: 365, Telemetry1mRetentionDays: 365,
		Telemetry1hRetentionDays: 365, AlarmRetentionDays: 365,
		AuditLogRetentionDays: 180, SnapshotRetentionDays: 90,
	}

	require.NoError(t, s.SaveHealthSnapshot(ctx, model.DeviceHealthSnapshot{
		DeviceID: "dev-1", TS: now - 100*dayMs, Index: 80, Level: model.HealthHealthy,
	}))
	require.NoError(t, s.SaveHealthSnapshot(ctx, model.DeviceHealthSnapshot{
		DeviceID: "dev-1", TS: now - 10*dayMs, Index: 81, Level: model.HealthHealthy,
	}))
	require.NoError(t, s.Audit(ctx, "op", "rule_update", "r1"))

	res, err := s.Cleanup(ctx, now, cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.HealthDeleted)
	require.Equal(t, int64(1), res.AuditDeleted)
	hist, err := s.HealthHistory(ctx, "dev-1", 0, now)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, 81, hist[0].Index)
}

func TestDownsample1hComposes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two minute buckets inside hour 0.
	_, err := s.AppendBatch(ctx, []model.TelemetryPoint{
		floatPoint("dev-1", "temp", 10_000, 0, 10),
		floatPoint("dev-1", "temp", 70_000, 0, 30),
		floatPoint("dev-1", "temp", 80_000, 0, 50),
	})
	require.NoError(t, err)

	now := int64(2 * 3_600_000)
	_, err = s.Downsample1m(ctx, now)
	require.NoError(t, err)
	n, err := s.Downsample1h(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := s.Downsampled(ctx, "telemetry_1h", "dev-1", "temp", 0, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.InDelta(t, 10.0, rows[0].Min, 1e-9)
	require.InDelta(t, 50.0, rows[0].Max, 1e-9)
	// Sample-weighted mean of {10} and {30,50}.
	require.InDelta(t, 30.0, rows[0].Avg, 1e-9)
	require.InDelta(t, 10.0, rows[0].First, 1e-9)
	require.InDelta(t, 50.0, rows[0].Last, 1e-9)
	require.Equal(t, int64(3), rows[0].SampleCount)
}

func TestDeviceAndTagConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDevice(ctx, model.Device{DeviceID: "dev-1", EdgeID: "edge-1", Name: "Press 1", Enabled: true}))
	db := 0.5
	require.NoError(t, s.UpsertTag(ctx, model.Tag{
		TagID: "temp", DeviceID: "dev-1", DataType: model.TypeFloat64,
		Enabled: true, Deadband: &db,
	}))

	devices, err := s.ListDevices(ctx, "edge-1")
	require.NoError(t, err)
	require.Len(t, devices, 1)

	tags, err := s.ListTags(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.NotNil(t, tags[0].Deadband)
	require.InDelta(t, 0.5, *tags[0].Deadband, 1e-9)

	rev1, err := s.ConfigRevision(ctx)
	require.NoError(t, err)
	require.Positive(t, rev1)
}
