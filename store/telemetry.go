package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/intellimaint/intellimaint/model"
)

// appendChunk bounds the parameter count of one multi-row insert.
const appendChunk = 200

type pointRow struct {
	DeviceID  string          `db:"device_id"`
	TagID     string          `db:"tag_id"`
	TS        int64           `db:"ts"`
	Seq       int64           `db:"seq"`
	ValueType string          `db:"value_type"`
	Bool      sql.NullInt64   `db:"bool_value"`
	Int       sql.NullInt64   `db:"int_value"`
	Uint      sql.NullInt64   `db:"uint_value"`
	Float     sql.NullFloat64 `db:"float_value"`
	Str       sql.NullString  `db:"string_value"`
	Bytes     []byte          `db:"bytes_value"`
	TimeMs    sql.NullInt64   `db:"time_value"`
	Quality   int             `db:"quality"`
	Protocol  string          `db:"protocol"`
	Source    string          `db:"source"`
}

func toRow(p model.TelemetryPoint) pointRow {
	r := pointRow{
		DeviceID: p.DeviceID, TagID: p.TagID, TS: p.TS, Seq: p.Seq,
		ValueType: string(p.Value.Type), Quality: p.Quality,
		Protocol: p.Protocol, Source: p.Source,
	}
	switch p.Value.Type {
	case model.TypeBool:
		b := int64(0)
		if p.Value.Bool {
			b = 1
		}
		r.Bool = sql.NullInt64{Int64: b, Valid: true}
	case model.TypeInt8, model.TypeInt16, model.TypeInt32, model.TypeInt64:
		r.Int = sql.NullInt64{Int64: p.Value.Int, Valid: true}
	case model.TypeUInt8, model.TypeUInt16, model.TypeUInt32, model.TypeUInt64:
		r.Uint = sql.NullInt64{Int64: int64(p.Value.Uint), Valid: true}
	case model.TypeFloat32, model.TypeFloat64:
		r.Float = sql.NullFloat64{Float64: p.Value.Float, Valid: true}
	case model.TypeString:
		r.Str = sql.NullString{String: p.Value.Str, Valid: true}
	case model.TypeByteArray:
		r.Bytes = p.Value.Bytes
	case model.TypeDateTime:
		r.TimeMs = sql.NullInt64{Int64: p.Value.TimeMs, Valid: true}
	}
	return r
}

func fromRow(r pointRow) model.TelemetryPoint {
	v := model.Value{Type: model.ValueType(r.ValueType)}
	switch v.Type {
	case model.TypeBool:
		v.Bool = r.Bool.Int64 != 0
	case model.TypeInt8, model.TypeInt16, model.TypeInt32, model.TypeInt64:
		v.Int = r.Int.Int64
	case model.TypeUInt8, model.TypeUInt16, model.TypeUInt32, model.TypeUInt64:
		v.Uint = uint64(r.Uint.Int64)
	case model.TypeFloat32, model.TypeFloat64:
		v.Float = r.Float.Float64
	case model.TypeString:
		v.Str = r.Str.String
	case model.TypeByteArray:
		v.Bytes = r.Bytes
	case model.TypeDateTime:
		v.TimeMs = r.TimeMs.Int64
	}
	return model.TelemetryPoint{
		DeviceID: r.DeviceID, TagID: r.TagID, TS: r.TS, Seq: r.Seq,
		Value: v, Quality: r.Quality, Protocol: r.Protocol, Source: r.Source,
	}
}

// AppendBatch stores points idempotently (primary key collisions are silent)
// and returns the count actually stored. Invalid points are rejected whole-
// batch before any write.
func (s *Store) AppendBatch(ctx context.Context, points []model.TelemetryPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	for i := range points {
		if !points[i].IsValid() {
			return 0, &Error{Code: model.ErrValidation, Op: "append",
				Err: fmt.Errorf("point %d (%s/%s) invalid", i, points[i].DeviceID, points[i].TagID)}
		}
	}
	started := time.Now()
	stored := 0
	for off := 0; off < len(points); off += appendChunk {
		end := off + appendChunk
		if end > len(points) {
			end = len(points)
		}
		n, err := s.appendChunk(ctx, points[off:end])
		if err != nil {
			return stored, s.wrap("append", started, err)
		}
		stored += n
	}
	return stored, nil
}

func (s *Store) appendChunk(ctx context.Context, points []model.TelemetryPoint) (int, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO telemetry (device_id, tag_id, ts, seq, value_type, bool_value, int_value, uint_value, float_value, string_value, bytes_value, time_value, quality, protocol, source) VALUES ")
	args := make([]any, 0, len(points)*15)
	for i, p := range points {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)")
		r := toRow(p)
		args = append(args, r.DeviceID, r.TagID, r.TS, r.Seq, r.ValueType,
			r.Bool, r.Int, r.Uint, r.Float, r.Str, r.Bytes, r.TimeMs,
			r.Quality, r.Protocol, r.Source)
	}
	sb.WriteString(" ON CONFLICT (device_id, tag_id, ts, seq) DO NOTHING")
	res, err := s.db.ExecContext(ctx, s.db.Rebind(sb.String()), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Query pages through telemetry with keyset pagination on (ts, seq),
// overfetching by one row to detect whether more pages exist.
func (s *Store) Query(ctx context.Context, q model.HistoryQuery) (model.PagedResult, error) {
	if q.DeviceID == "" {
		return model.PagedResult{}, &Error{Code: model.ErrValidation, Op: "query",
			Err: errors.New("device id required")}
	}
	limit := q.Limit
	if limit <= 0 || limit > 10_000 {
		limit = 1000
	}
	sort := q.Sort
	if sort == "" {
		sort = model.SortAsc
	}

	var sb strings.Builder
	sb.WriteString("SELECT device_id, tag_id, ts, seq, value_type, bool_value, int_value, uint_value, float_value, string_value, bytes_value, time_value, quality, protocol, source FROM telemetry WHERE device_id = ?")
	args := []any{q.DeviceID}
	if q.TagID != "" {
		sb.WriteString(" AND tag_id = ?")
		args = append(args, q.TagID)
	}
	if q.StartTS > 0 {
		sb.WriteString(" AND ts >= ?")
		args = append(args, q.StartTS)
	}
	if q.EndTS > 0 {
		sb.WriteString(" AND ts <= ?")
		args = append(args, q.EndTS)
	}
	if q.MinQuality > 0 {
		sb.WriteString(" AND quality >= ?")
		args = append(args, q.MinQuality)
	}
	if q.After != nil {
		// Cursor predicate follows the scan direction.
		if sort == model.SortAsc {
			sb.WriteString(" AND (ts > ? OR (ts = ? AND seq > ?))")
		} else {
			sb.WriteString(" AND (ts < ? OR (ts = ? AND seq < ?))")
		}
		args = append(args, q.After.LastTS, q.After.LastTS, q.After.LastSeq)
	}
	if sort == model.SortAsc {
		sb.WriteString(" ORDER BY ts ASC, seq ASC")
	} else {
		sb.WriteString(" ORDER BY ts DESC, seq DESC")
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit+1)

	started := time.Now()
	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(sb.String()), args...); err != nil {
		return model.PagedResult{}, s.wrap("query", started, err)
	}

	res := model.PagedResult{}
	if len(rows) > limit {
		res.HasMore = true
		rows = rows[:limit]
	}
	res.Items = make([]model.TelemetryPoint, len(rows))
	for i, r := range rows {
		res.Items[i] = fromRow(r)
	}
	if res.HasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		res.NextToken = &model.PageToken{LastTS: last.TS, LastSeq: last.Seq}
	}

	// TotalCount mirrors the filter without the cursor or limit.
	var cb strings.Builder
	cb.WriteString("SELECT COUNT(*) FROM telemetry WHERE device_id = ?")
	cargs := []any{q.DeviceID}
	if q.TagID != "" {
		cb.WriteString(" AND tag_id = ?")
		cargs = append(cargs, q.TagID)
	}
	if q.StartTS > 0 {
		cb.WriteString(" AND ts >= ?")
		cargs = append(cargs, q.StartTS)
	}
	if q.EndTS > 0 {
		cb.WriteString(" AND ts <= ?")
		cargs = append(cargs, q.EndTS)
	}
	if q.MinQuality > 0 {
		cb.WriteString(" AND quality >= ?")
		cargs = append(cargs, q.MinQuality)
	}
	if err := s.db.GetContext(ctx, &res.TotalCount, s.db.Rebind(cb.String()), cargs...); err != nil {
		return model.PagedResult{}, s.wrap("query_count", started, err)
	}
	return res, nil
}

// GetLatest returns the newest point for (device, tag), or nil when none.
func (s *Store) GetLatest(ctx context.Context, deviceID, tagID string) (*model.TelemetryPoint, error) {
	started := time.Now()
	var r pointRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		"SELECT device_id, tag_id, ts, seq, value_type, bool_value, int_value, uint_value, float_value, string_value, bytes_value, time_value, quality, protocol, source "+
			"FROM telemetry WHERE device_id = ? AND tag_id = ? ORDER BY ts DESC, seq DESC LIMIT 1"),
		deviceID, tagID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("get_latest", started, err)
	}
	p := fromRow(r)
	return &p, nil
}

// LatestValue is one (device, tag) → newest numeric value row.
type LatestValue struct {
	DeviceID string
	TagID    string
	TS       int64
	Value    float64
}

// LatestNumeric returns the newest numeric value per (device, tag). With a
// non-empty deviceID the snapshot is limited to that device. It feeds the
// collection rule engine's current-values snapshot.
func (s *Store) LatestNumeric(ctx context.Context, deviceID string) ([]LatestValue, error) {
	started := time.Now()
	query := `
		SELECT t.device_id, t.tag_id, t.ts,
		       COALESCE(t.float_value, t.int_value, t.uint_value, t.time_value) AS num
		FROM telemetry t
		JOIN (
			SELECT device_id, tag_id, MAX(ts) AS max_ts
			FROM telemetry
			WHERE COALESCE(float_value, int_value, uint_value, time_value) IS NOT NULL`
	args := []any{}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += `
			GROUP BY device_id, tag_id
		) m ON m.device_id = t.device_id AND m.tag_id = t.tag_id AND m.max_ts = t.ts
		WHERE COALESCE(t.float_value, t.int_value, t.uint_value, t.time_value) IS NOT NULL
		ORDER BY t.device_id, t.tag_id, t.seq DESC`

	type latestRow struct {
		DeviceID string  `db:"device_id"`
		TagID    string  `db:"tag_id"`
		TS       int64   `db:"ts"`
		Num      float64 `db:"num"`
	}
	var rows []latestRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, s.wrap("latest_numeric", started, err)
	}
	// Rows are ordered seq DESC within a key; keep the first per key.
	out := make([]LatestValue, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		key := r.DeviceID + "\x00" + r.TagID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, LatestValue{DeviceID: r.DeviceID, TagID: r.TagID, TS: r.TS, Value: r.Num})
	}
	return out, nil
}

// NumericSeries returns the (ts, value) series of numeric points for a tag
// in [startTS, endTS], ordered by (ts, seq). It feeds the analytics engines.
func (s *Store) NumericSeries(ctx context.Context, deviceID, tagID string, startTS, endTS int64) ([]int64, []float64, error) {
	started := time.Now()
	type numRow struct {
		TS  int64   `db:"ts"`
		Num float64 `db:"num"`
	}
	var rows []numRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT ts, COALESCE(float_value, int_value, uint_value, time_value) AS num FROM telemetry "+
			"WHERE device_id = ? AND tag_id = ? AND ts >= ? AND ts <= ? "+
			"AND COALESCE(float_value, int_value, uint_value, time_value) IS NOT NULL "+
			"ORDER BY ts ASC, seq ASC"),
		deviceID, tagID, startTS, endTS)
	if err != nil {
		return nil, nil, s.wrap("numeric_series", started, err)
	}
	ts := make([]int64, len(rows))
	vals := make([]float64, len(rows))
	for i, r := range rows {
		ts[i] = r.TS
		vals[i] = r.Num
	}
	return ts, vals, nil
}

// Aggregate buckets numeric points into fixed intervals:
// bucket = (ts / intervalMs) * intervalMs.
func (s *Store) Aggregate(ctx context.Context, deviceID, tagID string, startTS, endTS, intervalMs int64, fn model.AggregateFunc) ([]model.AggregateBucket, error) {
	if intervalMs <= 0 {
		return nil, &Error{Code: model.ErrValidation, Op: "aggregate", Err: errors.New("interval must be positive")}
	}
	if !fn.Valid() {
		return nil, &Error{Code: model.ErrValidation, Op: "aggregate", Err: fmt.Errorf("function %q", fn)}
	}
	started := time.Now()

	switch fn {
	case model.AggFirst, model.AggLast:
		// Resolve ties by (ts, seq) ordering with an ordered scan fold.
		type ordRow struct {
			Bucket int64   `db:"bucket"`
			Num    float64 `db:"num"`
		}
		var rows []ordRow
		err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
			"SELECT (ts / ?) * ? AS bucket, COALESCE(float_value, int_value, uint_value, time_value) AS num "+
				"FROM telemetry WHERE device_id = ? AND tag_id = ? AND ts >= ? AND ts <= ? "+
				"AND COALESCE(float_value, int_value, uint_value, time_value) IS NOT NULL "+
				"ORDER BY ts ASC, seq ASC"),
			intervalMs, intervalMs, deviceID, tagID, startTS, endTS)
		if err != nil {
			return nil, s.wrap("aggregate", started, err)
		}
		var out []model.AggregateBucket
		for _, r := range rows {
			if len(out) == 0 || out[len(out)-1].BucketTS != r.Bucket {
				out = append(out, model.AggregateBucket{BucketTS: r.Bucket, Value: r.Num, Count: 1})
				continue
			}
			b := &out[len(out)-1]
			b.Count++
			if fn == model.AggLast {
				b.Value = r.Num
			}
		}
		return out, nil
	}

	var agg string
	switch fn {
	case model.AggAvg:
		agg = "AVG(num)"
	case model.AggMin:
		agg = "MIN(num)"
	case model.AggMax:
		agg = "MAX(num)"
	case model.AggSum:
		agg = "SUM(num)"
	case model.AggCount:
		agg = "COUNT(*)"
	}
	query := fmt.Sprintf(
		"SELECT bucket, %s AS value, COUNT(*) AS cnt FROM ("+
			"SELECT (ts / ?) * ? AS bucket, COALESCE(float_value, int_value, uint_value, time_value) AS num "+
			"FROM telemetry WHERE device_id = ? AND tag_id = ? AND ts >= ? AND ts <= ? "+
			"AND COALESCE(float_value, int_value, uint_value, time_value) IS NOT NULL"+
			") sub GROUP BY bucket ORDER BY bucket ASC", agg)

	type aggRow struct {
		Bucket int64   `db:"bucket"`
		Value  float64 `db:"value"`
		Cnt    int64   `db:"cnt"`
	}
	var rows []aggRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		intervalMs, intervalMs, deviceID, tagID, startTS, endTS)
	if err != nil {
		return nil, s.wrap("aggregate", started, err)
	}
	out := make([]model.AggregateBucket, len(rows))
	for i, r := range rows {
		out[i] = model.AggregateBucket{BucketTS: r.Bucket, Value: r.Value, Count: r.Cnt}
	}
	return out, nil
}

// DeleteBefore removes raw telemetry strictly older than cutoff, returning
// the number of rows deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	started := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM telemetry WHERE ts < ?"), cutoff)
	if err != nil {
		return 0, s.wrap("delete_before", started, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats summarizes the telemetry table.
func (s *Store) Stats(ctx context.Context) (model.StoreStats, error) {
	started := time.Now()
	var st model.StoreStats
	err := s.db.GetContext(ctx, &st.PointCount, "SELECT COUNT(*) FROM telemetry")
	if err != nil {
		return st, s.wrap("stats", started, err)
	}
	type span struct {
		Oldest  sql.NullInt64 `db:"oldest"`
		Newest  sql.NullInt64 `db:"newest"`
		Devices int64         `db:"devices"`
	}
	var sp span
	err = s.db.GetContext(ctx, &sp,
		"SELECT MIN(ts) AS oldest, MAX(ts) AS newest, COUNT(DISTINCT device_id) AS devices FROM telemetry")
	if err != nil {
		return st, s.wrap("stats", started, err)
	}
	st.OldestTS = sp.Oldest.Int64
	st.NewestTS = sp.Newest.Int64
	st.DeviceCount = sp.Devices
	return st, nil
}
