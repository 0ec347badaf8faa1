package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

const (
	minuteMs = int64(60_000)
	hourMs   = int64(3_600_000)
)

// DownsampleRow is one rolled-up bucket.
type DownsampleRow struct {
	DeviceID    string  `db:"device_id"`
	TagID       string  `db:"tag_id"`
	BucketTS    int64   `db:"bucket_ts"`
	Min         float64 `db:"min_value"`
	Max         float64 `db:"max_value"`
	Avg         float64 `db:"avg_value"`
	First       float64 `db:"first_value"`
	Last        float64 `db:"last_value"`
	SampleCount int64   `db:"sample_count"`
}

func (s *Store) watermark(ctx context.Context, table string) (int64, error) {
	started := time.Now()
	var ts int64
	err := s.db.GetContext(ctx, &ts, s.db.Rebind(
		"SELECT COALESCE(MAX(last_processed_ts), 0) FROM aggregate_state WHERE table_name = ?"), table)
	if err != nil {
		return 0, s.wrap("watermark", started, err)
	}
	return ts, nil
}

func (s *Store) setWatermark(ctx context.Context, table string, ts int64) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO aggregate_state (table_name, last_processed_ts) VALUES (?,?) "+
			"ON CONFLICT (table_name) DO UPDATE SET last_processed_ts = excluded.last_processed_ts"),
		table, ts)
	return s.wrap("set_watermark", started, err)
}

// Downsample1m rolls raw telemetry into 1-minute buckets, resuming from the
// stored watermark. The bucket containing nowMs is held back so a bucket is
// only written once it can no longer receive points, making the pass
// idempotent and restartable. Returns the number of buckets written.
func (s *Store) Downsample1m(ctx context.Context, nowMs int64) (int, error) {
	from, err := s.watermark(ctx, "telemetry_1m")
	if err != nil {
		return 0, err
	}
	// Process only buckets strictly before the open one.
	upTo := (nowMs / minuteMs) * minuteMs
	if from >= upTo {
		return 0, nil
	}

	started := time.Now()
	type srcRow struct {
		DeviceID string  `db:"device_id"`
		TagID    string  `db:"tag_id"`
		TS       int64   `db:"ts"`
		Num      float64 `db:"num"`
	}
	var rows []srcRow
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT device_id, tag_id, ts, COALESCE(float_value, int_value, uint_value, time_value) AS num "+
			"FROM telemetry WHERE ts >= ? AND ts < ? "+
			"AND COALESCE(float_value, int_value, uint_value, time_value) IS NOT NULL "+
			"ORDER BY device_id, tag_id, ts ASC, seq ASC"),
		from, upTo)
	if err != nil {
		return 0, s.wrap("downsample_1m", started, err)
	}

	// Ordered fold: rows arrive grouped per key and time-ordered, so first
	// and last fall out of scan order.
	var buckets []DownsampleRow
	for _, r := range rows {
		b := (r.TS / minuteMs) * minuteMs
		if n := len(buckets); n > 0 {
			cur := &buckets[n-1]
			if cur.DeviceID == r.DeviceID && cur.TagID == r.TagID && cur.BucketTS == b {
				if r.Num < cur.Min {
					cur.Min = r.Num
				}
				if r.Num > cur.Max {
					cur.Max = r.Num
				}
				cur.Avg += r.Num
				cur.Last = r.Num
				cur.SampleCount++
				continue
			}
		}
		buckets = append(buckets, DownsampleRow{
			DeviceID: r.DeviceID, TagID: r.TagID, BucketTS: b,
			Min: r.Num, Max: r.Num, Avg: r.Num, First: r.Num, Last: r.Num, SampleCount: 1,
		})
	}
	for i := range buckets {
		buckets[i].Avg /= float64(buckets[i].SampleCount)
	}

	if err := s.writeBuckets(ctx, "telemetry_1m", buckets); err != nil {
		return 0, err
	}
	if err := s.setWatermark(ctx, "telemetry_1m", upTo); err != nil {
		return 0, err
	}
	return len(buckets), nil
}

// Downsample1h rolls the 1-minute table into 1-hour buckets. min/max/count
// compose exactly; avg is the sample-weighted mean; first/last come from the
// edge minute buckets of each hour.
func (s *Store) Downsample1h(ctx context.Context, nowMs int64) (int, error) {
	from, err := s.watermark(ctx, "telemetry_1h")
	if err != nil {
		return 0, err
	}
	upTo := (nowMs / hourMs) * hourMs
	// Stay behind the 1m watermark so every source minute is final.
	oneMinWM, err := s.watermark(ctx, "telemetry_1m")
	if err != nil {
		return 0, err
	}
	if wmHour := (oneMinWM / hourMs) * hourMs; wmHour < upTo {
		upTo = wmHour
	}
	if from >= upTo {
		return 0, nil
	}

	started := time.Now()
	var rows []DownsampleRow
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT device_id, tag_id, bucket_ts, min_value, max_value, avg_value, first_value, last_value, sample_count "+
			"FROM telemetry_1m WHERE bucket_ts >= ? AND bucket_ts < ? "+
			"ORDER BY device_id, tag_id, bucket_ts ASC"),
		from, upTo)
	if err != nil {
		return 0, s.wrap("downsample_1h", started, err)
	}

	var buckets []DownsampleRow
	for _, r := range rows {
		b := (r.BucketTS / hourMs) * hourMs
		if n := len(buckets); n > 0 {
			cur := &buckets[n-1]
			if cur.DeviceID == r.DeviceID && cur.TagID == r.TagID && cur.BucketTS == b {
				if r.Min < cur.Min {
					cur.Min = r.Min
				}
				if r.Max > cur.Max {
					cur.Max = r.Max
				}
				cur.Avg += r.Avg * float64(r.SampleCount)
				cur.Last = r.Last
				cur.SampleCount += r.SampleCount
				continue
			}
		}
		buckets = append(buckets, DownsampleRow{
			DeviceID: r.DeviceID, TagID: r.TagID, BucketTS: b,
			Min: r.Min, Max: r.Max, Avg: r.Avg * float64(r.SampleCount),
			First: r.First, Last: r.Last, SampleCount: r.SampleCount,
		})
	}
	for i := range buckets {
		buckets[i].Avg /= float64(buckets[i].SampleCount)
	}

	if err := s.writeBuckets(ctx, "telemetry_1h", buckets); err != nil {
		return 0, err
	}
	if err := s.setWatermark(ctx, "telemetry_1h", upTo); err != nil {
		return 0, err
	}
	return len(buckets), nil
}

func (s *Store) writeBuckets(ctx context.Context, table string, buckets []DownsampleRow) error {
	if len(buckets) == 0 {
		return nil
	}
	started := time.Now()
	const chunk = 100
	for off := 0; off < len(buckets); off += chunk {
		end := off + chunk
		if end > len(buckets) {
			end = len(buckets)
		}
		var sb strings.Builder
		sb.WriteString("INSERT INTO " + table + " (device_id, tag_id, bucket_ts, min_value, max_value, avg_value, first_value, last_value, sample_count) VALUES ")
		args := make([]any, 0, (end-off)*9)
		for i, b := range buckets[off:end] {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString("(?,?,?,?,?,?,?,?,?)")
			args = append(args, b.DeviceID, b.TagID, b.BucketTS,
				b.Min, b.Max, b.Avg, b.First, b.Last, b.SampleCount)
		}
		sb.WriteString(" ON CONFLICT (device_id, tag_id, bucket_ts) DO UPDATE SET ")
		sb.WriteString("min_value = excluded.min_value, max_value = excluded.max_value, avg_value = excluded.avg_value, ")
		sb.WriteString("first_value = excluded.first_value, last_value = excluded.last_value, sample_count = excluded.sample_count")
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(sb.String()), args...); err != nil {
			return s.wrap("write_buckets", started, err)
		}
	}
	return nil
}

// Downsampled reads rolled-up buckets from telemetry_1m or telemetry_1h.
func (s *Store) Downsampled(ctx context.Context, table, deviceID, tagID string, startTS, endTS int64) ([]DownsampleRow, error) {
	if table != "telemetry_1m" && table != "telemetry_1h" {
		return nil, &Error{Code: model.ErrValidation, Op: "downsampled",
			Err: fmt.Errorf("table %q", table)}
	}
	started := time.Now()
	var rows []DownsampleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT device_id, tag_id, bucket_ts, min_value, max_value, avg_value, first_value, last_value, sample_count "+
			"FROM "+table+" WHERE device_id = ? AND tag_id = ? AND bucket_ts >= ? AND bucket_ts <= ? ORDER BY bucket_ts ASC"),
		deviceID, tagID, startTS, endTS)
	if err != nil {
		return nil, s.wrap("downsampled", started, err)
	}
	return rows, nil
}

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	RawDeleted      int64 `json:"raw_deleted"`
	MinuteDeleted   int64 `json:"minute_deleted"`
	HourDeleted     int64 `json:"hour_deleted"`
	AlarmsDeleted   int64 `json:"alarms_deleted"`
	SegmentsDeleted int64 `json:"segments_deleted"`
	HealthDeleted   int64 `json:"health_deleted"`
	AuditDeleted    int64 `json:"audit_deleted"`
	RawSkipped      bool  `json:"raw_skipped"`
	MinuteSkipped   bool  `json:"minute_skipped"`
}

// Cleanup enforces the retention windows. Deletion of a tier is guarded by
// the watermark of the tier above it: raw rows wait for the 1m rollup and
// minute buckets wait for the 1h rollup, so not-yet-aggregated data is never
// lost. A deferred tier reports its skip flag and retries next round.
func (s *Store) Cleanup(ctx context.Context, nowMs int64, cfg config.CleanupConfig) (CleanupResult, error) {
	var res CleanupResult
	dayMs := 24 * hourMs

	rawCutoff := nowMs - int64(cfg.TelemetryRetentionDays)*dayMs
	wm1m, err := s.watermark(ctx, "telemetry_1m")
	if err != nil {
		return res, err
	}
	if wm1m >= rawCutoff {
		n, err := s.DeleteBefore(ctx, rawCutoff)
		if err != nil {
			return res, err
		}
		res.RawDeleted = n
	} else {
		res.RawSkipped = true
		s.log.Warnw("raw cleanup deferred, downsampling behind",
			"watermark", wm1m, "cutoff", rawCutoff)
	}

	minuteCutoff := nowMs - int64(cfg.Telemetry1mRetentionDays)*dayMs
	wm1h, err := s.watermark(ctx, "telemetry_1h")
	if err != nil {
		return res, err
	}
	if wm1h < minuteCutoff {
		res.MinuteSkipped = true
		s.log.Warnw("minute cleanup clamped, hourly rollup behind",
			"watermark", wm1h, "cutoff", minuteCutoff)
		minuteCutoff = wm1h
	}
	started := time.Now()
	r, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM telemetry_1m WHERE bucket_ts < ?"), minuteCutoff)
	if err != nil {
		return res, s.wrap("cleanup_1m", started, err)
	}
	res.MinuteDeleted, _ = r.RowsAffected()

	hourCutoff := nowMs - int64(cfg.Telemetry1hRetentionDays)*dayMs
	started = time.Now()
	r, err = s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM telemetry_1h WHERE bucket_ts < ?"), hourCutoff)
	if err != nil {
		return res, s.wrap("cleanup_1h", started, err)
	}
	res.HourDeleted, _ = r.RowsAffected()

	// Segments share the alarm window: both are derived incident records.
	alarmCutoff := nowMs - int64(cfg.AlarmRetentionDays)*dayMs
	if res.AlarmsDeleted, err = s.DeleteAlarmsBefore(ctx, alarmCutoff); err != nil {
		return res, err
	}
	if res.SegmentsDeleted, err = s.DeleteSegmentsBefore(ctx, alarmCutoff); err != nil {
		return res, err
	}
	snapCutoff := nowMs - int64(cfg.SnapshotRetentionDays)*dayMs
	if res.HealthDeleted, err = s.DeleteHealthBefore(ctx, snapCutoff); err != nil {
		return res, err
	}

	auditCutoff := nowMs - int64(cfg.AuditLogRetentionDays)*dayMs
	started = time.Now()
	r, err = s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM audit_log WHERE ts < ?"), auditCutoff)
	if err != nil {
		return res, s.wrap("cleanup_audit", started, err)
	}
	res.AuditDeleted, _ = r.RowsAffected()
	return res, nil
}
