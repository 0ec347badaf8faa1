package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/intellimaint/intellimaint/model"
)

// Health and cycle analytics persistence.

func (s *Store) SaveDeviceBaseline(ctx context.Context, b model.DeviceBaseline) error {
	if b.UpdatedUTC == 0 {
		b.UpdatedUTC = time.Now().UnixMilli()
	}
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO device_baselines (device_id, tag_id, mean, std, min_value, max_value, p05, p95, sample_count, learning_hours, updated_utc) "+
			"VALUES (?,?,?,?,?,?,?,?,?,?,?) "+
			"ON CONFLICT (device_id, tag_id) DO UPDATE SET mean = excluded.mean, std = excluded.std, "+
			"min_value = excluded.min_value, max_value = excluded.max_value, p05 = excluded.p05, p95 = excluded.p95, "+
			"sample_count = excluded.sample_count, learning_hours = excluded.learning_hours, updated_utc = excluded.updated_utc"),
		b.DeviceID, b.TagID, b.Mean, b.Std, b.Min, b.Max, b.P05, b.P95,
		b.SampleCount, b.LearningHours, b.UpdatedUTC)
	return s.wrap("save_device_baseline", started, err)
}

type deviceBaselineRow struct {
	DeviceID      string  `db:"device_id"`
	TagID         string  `db:"tag_id"`
	Mean          float64 `db:"mean"`
	Std           float64 `db:"std"`
	Min           float64 `db:"min_value"`
	Max           float64 `db:"max_value"`
	P05           float64 `db:"p05"`
	P95           float64 `db:"p95"`
	SampleCount   int64   `db:"sample_count"`
	LearningHours float64 `db:"learning_hours"`
	UpdatedUTC    int64   `db:"updated_utc"`
}

// DeviceBaselines returns the per-tag baselines of one device keyed by tag.
func (s *Store) DeviceBaselines(ctx context.Context, deviceID string) (map[string]model.DeviceBaseline, error) {
	started := time.Now()
	var rows []deviceBaselineRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT device_id, tag_id, mean, std, min_value, max_value, p05, p95, sample_count, learning_hours, updated_utc "+
			"FROM device_baselines WHERE device_id = ?"), deviceID)
	if err != nil {
		return nil, s.wrap("device_baselines", started, err)
	}
	out := make(map[string]model.DeviceBaseline, len(rows))
	for _, r := range rows {
		out[r.TagID] = model.DeviceBaseline{
			DeviceID: r.DeviceID, TagID: r.TagID, Mean: r.Mean, Std: r.Std,
			Min: r.Min, Max: r.Max, P05: r.P05, P95: r.P95,
			SampleCount: r.SampleCount, LearningHours: r.LearningHours, UpdatedUTC: r.UpdatedUTC,
		}
	}
	return out, nil
}

func (s *Store) SaveHealthSnapshot(ctx context.Context, h model.DeviceHealthSnapshot) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO health_snapshots (device_id, ts, idx, level, deviation_score, trend_score, stability_score, alarm_score) "+
			"VALUES (?,?,?,?,?,?,?,?) ON CONFLICT (device_id, ts) DO NOTHING"),
		h.DeviceID, h.TS, h.Index, string(h.Level),
		h.DeviationScore, h.TrendScore, h.StabilityScore, h.AlarmScore)
	return s.wrap("save_health_snapshot", started, err)
}

type healthSnapshotRow struct {
	DeviceID       string  `db:"device_id"`
	TS             int64   `db:"ts"`
	Index          int     `db:"idx"`
	Level          string  `db:"level"`
	DeviationScore float64 `db:"deviation_score"`
	TrendScore     float64 `db:"trend_score"`
	StabilityScore float64 `db:"stability_score"`
	AlarmScore     float64 `db:"alarm_score"`
}

// HealthHistory returns snapshots for a device in [startTS, endTS], oldest
// first; feeds trend and degradation analysis.
func (s *Store) HealthHistory(ctx context.Context, deviceID string, startTS, endTS int64) ([]model.DeviceHealthSnapshot, error) {
	started := time.Now()
	var rows []healthSnapshotRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT device_id, ts, idx, level, deviation_score, trend_score, stability_score, alarm_score "+
			"FROM health_snapshots WHERE device_id = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC"),
		deviceID, startTS, endTS)
	if err != nil {
		return nil, s.wrap("health_history", started, err)
	}
	out := make([]model.DeviceHealthSnapshot, len(rows))
	for i, r := range rows {
		out[i] = model.DeviceHealthSnapshot{
			DeviceID: r.DeviceID, TS: r.TS, Index: r.Index, Level: model.HealthLevel(r.Level),
			DeviationScore: r.DeviationScore, TrendScore: r.TrendScore,
			StabilityScore: r.StabilityScore, AlarmScore: r.AlarmScore,
		}
	}
	return out, nil
}

// LatestHealth returns the newest snapshot for a device, nil when none.
func (s *Store) LatestHealth(ctx context.Context, deviceID string) (*model.DeviceHealthSnapshot, error) {
	started := time.Now()
	var r healthSnapshotRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		"SELECT device_id, ts, idx, level, deviation_score, trend_score, stability_score, alarm_score "+
			"FROM health_snapshots WHERE device_id = ? ORDER BY ts DESC LIMIT 1"), deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("latest_health", started, err)
	}
	return &model.DeviceHealthSnapshot{
		DeviceID: r.DeviceID, TS: r.TS, Index: r.Index, Level: model.HealthLevel(r.Level),
		DeviationScore: r.DeviationScore, TrendScore: r.TrendScore,
		StabilityScore: r.StabilityScore, AlarmScore: r.AlarmScore,
	}, nil
}

func (s *Store) SaveWorkCycle(ctx context.Context, c model.WorkCycle) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return &Error{Code: model.ErrValidation, Op: "save_work_cycle", Err: err}
	}
	started := time.Now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO work_cycles (cycle_id, device_id, payload, start_ts) VALUES (?,?,?,?) "+
			"ON CONFLICT (cycle_id) DO NOTHING"),
		c.CycleID, c.DeviceID, string(payload), c.StartTS)
	return s.wrap("save_work_cycle", started, err)
}

// WorkCycles returns cycles of a device in [startTS, endTS], oldest first.
func (s *Store) WorkCycles(ctx context.Context, deviceID string, startTS, endTS int64) ([]model.WorkCycle, error) {
	started := time.Now()
	var payloads []string
	err := s.db.SelectContext(ctx, &payloads, s.db.Rebind(
		"SELECT payload FROM work_cycles WHERE device_id = ? AND start_ts >= ? AND start_ts <= ? ORDER BY start_ts ASC"),
		deviceID, startTS, endTS)
	if err != nil {
		return nil, s.wrap("work_cycles", started, err)
	}
	out := make([]model.WorkCycle, 0, len(payloads))
	for _, p := range payloads {
		var c model.WorkCycle
		if err := json.Unmarshal([]byte(p), &c); err != nil {
			return nil, fmt.Errorf("work cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// SaveCycleBaseline persists the fitted duration curve payload for a device.
func (s *Store) SaveCycleBaseline(ctx context.Context, deviceID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &Error{Code: model.ErrValidation, Op: "save_cycle_baseline", Err: err}
	}
	started := time.Now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO cycle_baselines (device_id, payload, updated_utc) VALUES (?,?,?) "+
			"ON CONFLICT (device_id) DO UPDATE SET payload = excluded.payload, updated_utc = excluded.updated_utc"),
		deviceID, string(raw), time.Now().UnixMilli())
	return s.wrap("save_cycle_baseline", started, err)
}

// LoadCycleBaseline fills out with the stored payload; returns false when no
// baseline exists yet.
func (s *Store) LoadCycleBaseline(ctx context.Context, deviceID string, out any) (bool, error) {
	started := time.Now()
	var payload string
	err := s.db.GetContext(ctx, &payload, s.db.Rebind(
		"SELECT payload FROM cycle_baselines WHERE device_id = ?"), deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("load_cycle_baseline", started, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("cycle baseline %s: %w", deviceID, err)
	}
	return true, nil
}

func (s *Store) UpsertImportanceRule(ctx context.Context, r model.TagImportanceRule) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO tag_importance_rules (pattern, importance, priority, enabled) VALUES (?,?,?,?) "+
			"ON CONFLICT (pattern) DO UPDATE SET importance = excluded.importance, priority = excluded.priority, enabled = excluded.enabled"),
		r.Pattern, r.Importance, r.Priority, r.Enabled)
	return s.wrap("upsert_importance_rule", started, err)
}

// ListImportanceRules returns enabled rules in descending priority.
func (s *Store) ListImportanceRules(ctx context.Context) ([]model.TagImportanceRule, error) {
	started := time.Now()
	var out []model.TagImportanceRule
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		"SELECT pattern, importance, priority, enabled FROM tag_importance_rules "+
			"WHERE enabled = ? ORDER BY priority DESC, pattern ASC"), true)
	if err != nil {
		return nil, s.wrap("list_importance_rules", started, err)
	}
	return out, nil
}

func (s *Store) UpsertCorrelationRule(ctx context.Context, r model.TagCorrelationRule) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return &Error{Code: model.ErrValidation, Op: "upsert_correlation_rule", Err: err}
	}
	started := time.Now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO tag_correlation_rules (rule_id, payload, enabled) VALUES (?,?,?) "+
			"ON CONFLICT (rule_id) DO UPDATE SET payload = excluded.payload, enabled = excluded.enabled"),
		r.RuleID, string(payload), r.Enabled)
	return s.wrap("upsert_correlation_rule", started, err)
}

// ListCorrelationRules returns every enabled correlation rule.
func (s *Store) ListCorrelationRules(ctx context.Context) ([]model.TagCorrelationRule, error) {
	started := time.Now()
	var payloads []string
	err := s.db.SelectContext(ctx, &payloads, s.db.Rebind(
		"SELECT payload FROM tag_correlation_rules WHERE enabled = ? ORDER BY rule_id"), true)
	if err != nil {
		return nil, s.wrap("list_correlation_rules", started, err)
	}
	out := make([]model.TagCorrelationRule, 0, len(payloads))
	for _, p := range payloads {
		var r model.TagCorrelationRule
		if err := json.Unmarshal([]byte(p), &r); err != nil {
			return nil, fmt.Errorf("correlation rule: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteHealthBefore trims old health snapshots and work cycles.
func (s *Store) DeleteHealthBefore(ctx context.Context, cutoff int64) (int64, error) {
	started := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM health_snapshots WHERE ts < ?"), cutoff)
	if err != nil {
		return 0, s.wrap("delete_health", started, err)
	}
	n, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM work_cycles WHERE start_ts < ?"), cutoff)
	if err != nil {
		return n, s.wrap("delete_health", started, err)
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}
