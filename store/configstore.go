package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/intellimaint/intellimaint/model"
)

// Devices, tags and alarm rules. All upserts stamp updated_utc so the
// engines' revision polling picks changes up within one reload interval.

func (s *Store) UpsertDevice(ctx context.Context, d model.Device) error {
	if d.UpdatedUTC == 0 {
		d.UpdatedUTC = time.Now().UnixMilli()
	}
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO devices (device_id, edge_id, name, enabled, updated_utc) VALUES (?,?,?,?,?) "+
			"ON CONFLICT (device_id) DO UPDATE SET edge_id = excluded.edge_id, name = excluded.name, "+
			"enabled = excluded.enabled, updated_utc = excluded.updated_utc"),
		d.DeviceID, d.EdgeID, d.Name, d.Enabled, d.UpdatedUTC)
	return s.wrap("upsert_device", started, err)
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	started := time.Now()
	var d model.Device
	err := s.db.GetContext(ctx, &d, s.db.Rebind(
		"SELECT device_id, edge_id, name, enabled, updated_utc FROM devices WHERE device_id = ?"), deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Code: model.ErrNotFound, Op: "get_device", Err: err}
	}
	if err != nil {
		return nil, s.wrap("get_device", started, err)
	}
	return &d, nil
}

// ListDevices returns enabled devices, optionally scoped to one edge.
func (s *Store) ListDevices(ctx context.Context, edgeID string) ([]model.Device, error) {
	started := time.Now()
	query := "SELECT device_id, edge_id, name, enabled, updated_utc FROM devices WHERE enabled = ?"
	args := []any{true}
	if edgeID != "" {
		query += " AND edge_id = ?"
		args = append(args, edgeID)
	}
	query += " ORDER BY device_id"
	var out []model.Device
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, s.wrap("list_devices", started, err)
	}
	return out, nil
}

func (s *Store) UpsertTag(ctx context.Context, t model.Tag) error {
	if t.UpdatedUTC == 0 {
		t.UpdatedUTC = time.Now().UnixMilli()
	}
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO tags (tag_id, device_id, name, data_type, enabled, deadband, deadband_percent, bypass, updated_utc) "+
			"VALUES (?,?,?,?,?,?,?,?,?) "+
			"ON CONFLICT (device_id, tag_id) DO UPDATE SET name = excluded.name, data_type = excluded.data_type, "+
			"enabled = excluded.enabled, deadband = excluded.deadband, deadband_percent = excluded.deadband_percent, "+
			"bypass = excluded.bypass, updated_utc = excluded.updated_utc"),
		t.TagID, t.DeviceID, t.Name, string(t.DataType), t.Enabled, t.Deadband, t.DeadbandPercent, t.Bypass, t.UpdatedUTC)
	return s.wrap("upsert_tag", started, err)
}

type tagRow struct {
	TagID           string           `db:"tag_id"`
	DeviceID        string           `db:"device_id"`
	Name            string           `db:"name"`
	DataType        string           `db:"data_type"`
	Enabled         bool             `db:"enabled"`
	Deadband        *float64         `db:"deadband"`
	DeadbandPercent *float64         `db:"deadband_percent"`
	Bypass          bool             `db:"bypass"`
	UpdatedUTC      int64            `db:"updated_utc"`
}

// ListTags returns enabled tags, optionally scoped to one device.
func (s *Store) ListTags(ctx context.Context, deviceID string) ([]model.Tag, error) {
	started := time.Now()
	query := "SELECT tag_id, device_id, name, data_type, enabled, deadband, deadband_percent, bypass, updated_utc FROM tags WHERE enabled = ?"
	args := []any{true}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY device_id, tag_id"
	var rows []tagRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, s.wrap("list_tags", started, err)
	}
	out := make([]model.Tag, len(rows))
	for i, r := range rows {
		out[i] = model.Tag{
			TagID: r.TagID, DeviceID: r.DeviceID, Name: r.Name,
			DataType: model.ValueType(r.DataType), Enabled: r.Enabled,
			Deadband: r.Deadband, DeadbandPercent: r.DeadbandPercent,
			Bypass: r.Bypass, UpdatedUTC: r.UpdatedUTC,
		}
	}
	return out, nil
}

func (s *Store) UpsertAlarmRule(ctx context.Context, r model.AlarmRule) error {
	if r.UpdatedUTC == 0 {
		r.UpdatedUTC = time.Now().UnixMilli()
	}
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO alarm_rules (rule_id, tag_id, device_id, condition_type, threshold, duration_ms, severity, roc_window_ms, rule_type, message_template, enabled, updated_utc) "+
			"VALUES (?,?,?,?,?,?,?,?,?,?,?,?) "+
			"ON CONFLICT (rule_id) DO UPDATE SET tag_id = excluded.tag_id, device_id = excluded.device_id, "+
			"condition_type = excluded.condition_type, threshold = excluded.threshold, duration_ms = excluded.duration_ms, "+
			"severity = excluded.severity, roc_window_ms = excluded.roc_window_ms, rule_type = excluded.rule_type, "+
			"message_template = excluded.message_template, enabled = excluded.enabled, updated_utc = excluded.updated_utc"),
		r.RuleID, r.TagID, r.DeviceID, string(r.ConditionType), r.Threshold, r.DurationMs,
		r.Severity, r.ROCWindowMs, string(r.RuleType), r.MessageTemplate, r.Enabled, r.UpdatedUTC)
	return s.wrap("upsert_alarm_rule", started, err)
}

type alarmRuleRow struct {
	RuleID          string  `db:"rule_id"`
	TagID           string  `db:"tag_id"`
	DeviceID        string  `db:"device_id"`
	ConditionType   string  `db:"condition_type"`
	Threshold       float64 `db:"threshold"`
	DurationMs      int64   `db:"duration_ms"`
	Severity        int     `db:"severity"`
	ROCWindowMs     int64   `db:"roc_window_ms"`
	RuleType        string  `db:"rule_type"`
	MessageTemplate string  `db:"message_template"`
	Enabled         bool    `db:"enabled"`
	UpdatedUTC      int64   `db:"updated_utc"`
}

// ListAlarmRules returns every enabled alarm rule.
func (s *Store) ListAlarmRules(ctx context.Context) ([]model.AlarmRule, error) {
	started := time.Now()
	var rows []alarmRuleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT rule_id, tag_id, device_id, condition_type, threshold, duration_ms, severity, roc_window_ms, rule_type, message_template, enabled, updated_utc "+
			"FROM alarm_rules WHERE enabled = ? ORDER BY rule_id"), true)
	if err != nil {
		return nil, s.wrap("list_alarm_rules", started, err)
	}
	out := make([]model.AlarmRule, len(rows))
	for i, r := range rows {
		out[i] = model.AlarmRule{
			RuleID: r.RuleID, TagID: r.TagID, DeviceID: r.DeviceID,
			ConditionType: model.ConditionType(r.ConditionType), Threshold: r.Threshold,
			DurationMs: r.DurationMs, Severity: r.Severity, ROCWindowMs: r.ROCWindowMs,
			RuleType: model.RuleType(r.RuleType), MessageTemplate: r.MessageTemplate,
			Enabled: r.Enabled, UpdatedUTC: r.UpdatedUTC,
		}
	}
	return out, nil
}

// AlarmRuleRevision returns the newest updated_utc across alarm rules.
func (s *Store) AlarmRuleRevision(ctx context.Context) (int64, error) {
	started := time.Now()
	var rev sql.NullInt64
	err := s.db.GetContext(ctx, &rev, "SELECT MAX(updated_utc) FROM alarm_rules")
	if err != nil {
		return 0, s.wrap("alarm_rule_revision", started, err)
	}
	return rev.Int64, nil
}

// ConfigRevision returns the newest updated_utc across devices and tags;
// the edge pulls fresh config when it changes.
func (s *Store) ConfigRevision(ctx context.Context) (int64, error) {
	started := time.Now()
	var rev sql.NullInt64
	err := s.db.GetContext(ctx, &rev,
		"SELECT MAX(u) FROM (SELECT MAX(updated_utc) AS u FROM devices UNION ALL SELECT MAX(updated_utc) FROM tags) x")
	if err != nil {
		return 0, s.wrap("config_revision", started, err)
	}
	return rev.Int64, nil
}

// Audit appends one audit record.
func (s *Store) Audit(ctx context.Context, actor, action, detail string) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO audit_log (ts, actor, action, detail) VALUES (?,?,?,?)"),
		time.Now().UnixMilli(), actor, action, detail)
	return s.wrap("audit", started, err)
}
