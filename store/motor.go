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

// Motor catalog entities. Models and complex learned profiles are stored as
// JSON payloads; instances, mappings and modes are flat columns because the
// engines filter on them.

func (s *Store) UpsertMotorModel(ctx context.Context, m model.MotorModel) error {
	if m.UpdatedUTC == 0 {
		m.UpdatedUTC = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return &Error{Code: model.ErrValidation, Op: "upsert_motor_model", Err: err}
	}
	started := time.Now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO motor_models (model_id, payload, updated_utc) VALUES (?,?,?) "+
			"ON CONFLICT (model_id) DO UPDATE SET payload = excluded.payload, updated_utc = excluded.updated_utc"),
		m.ModelID, string(payload), m.UpdatedUTC)
	return s.wrap("upsert_motor_model", started, err)
}

func (s *Store) GetMotorModel(ctx context.Context, modelID string) (*model.MotorModel, error) {
	started := time.Now()
	var payload string
	err := s.db.GetContext(ctx, &payload, s.db.Rebind(
		"SELECT payload FROM motor_models WHERE model_id = ?"), modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Code: model.ErrNotFound, Op: "get_motor_model", Err: err}
	}
	if err != nil {
		return nil, s.wrap("get_motor_model", started, err)
	}
	var m model.MotorModel
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("motor model %s: %w", modelID, err)
	}
	return &m, nil
}

func (s *Store) UpsertMotorInstance(ctx context.Context, m model.MotorInstance) error {
	if m.UpdatedUTC == 0 {
		m.UpdatedUTC = time.Now().UnixMilli()
	}
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO motor_instances (instance_id, model_id, device_id, name, enabled, updated_utc) VALUES (?,?,?,?,?,?) "+
			"ON CONFLICT (instance_id) DO UPDATE SET model_id = excluded.model_id, device_id = excluded.device_id, "+
			"name = excluded.name, enabled = excluded.enabled, updated_utc = excluded.updated_utc"),
		m.InstanceID, m.ModelID, m.DeviceID, m.Name, m.Enabled, m.UpdatedUTC)
	return s.wrap("upsert_motor_instance", started, err)
}

// ListMotorInstances returns enabled instances.
func (s *Store) ListMotorInstances(ctx context.Context) ([]model.MotorInstance, error) {
	started := time.Now()
	var out []model.MotorInstance
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		"SELECT instance_id, model_id, device_id, name, enabled, updated_utc "+
			"FROM motor_instances WHERE enabled = ? ORDER BY instance_id"), true)
	if err != nil {
		return nil, s.wrap("list_motor_instances", started, err)
	}
	return out, nil
}

func (s *Store) UpsertParameterMapping(ctx context.Context, m model.MotorParameterMapping) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO motor_param_mappings (instance_id, parameter, tag_id, scale, offset_val, nominal_rate_hz) VALUES (?,?,?,?,?,?) "+
			"ON CONFLICT (instance_id, parameter) DO UPDATE SET tag_id = excluded.tag_id, scale = excluded.scale, "+
			"offset_val = excluded.offset_val, nominal_rate_hz = excluded.nominal_rate_hz"),
		m.InstanceID, string(m.Parameter), m.TagID, m.Scale, m.Offset, m.NominalRateHz)
	return s.wrap("upsert_param_mapping", started, err)
}

type mappingRow struct {
	InstanceID    string  `db:"instance_id"`
	Parameter     string  `db:"parameter"`
	TagID         string  `db:"tag_id"`
	Scale         float64 `db:"scale"`
	Offset        float64 `db:"offset_val"`
	NominalRateHz float64 `db:"nominal_rate_hz"`
}

// ParameterMappings returns the mappings of one instance keyed by parameter.
func (s *Store) ParameterMappings(ctx context.Context, instanceID string) (map[model.MotorParameter]model.MotorParameterMapping, error) {
	started := time.Now()
	var rows []mappingRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT instance_id, parameter, tag_id, scale, offset_val, nominal_rate_hz "+
			"FROM motor_param_mappings WHERE instance_id = ?"), instanceID)
	if err != nil {
		return nil, s.wrap("param_mappings", started, err)
	}
	out := make(map[model.MotorParameter]model.MotorParameterMapping, len(rows))
	for _, r := range rows {
		p := model.MotorParameter(r.Parameter)
		out[p] = model.MotorParameterMapping{
			InstanceID: r.InstanceID, Parameter: p, TagID: r.TagID,
			Scale: r.Scale, Offset: r.Offset, NominalRateHz: r.NominalRateHz,
		}
	}
	return out, nil
}

func (s *Store) UpsertOperationMode(ctx context.Context, m model.OperationMode) error {
	if m.UpdatedUTC == 0 {
		m.UpdatedUTC = time.Now().UnixMilli()
	}
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO operation_modes (mode_id, instance_id, name, trigger_tag_id, trigger_min, trigger_max, min_duration_ms, max_duration_ms, priority, enabled, updated_utc) "+
			"VALUES (?,?,?,?,?,?,?,?,?,?,?) "+
			"ON CONFLICT (mode_id) DO UPDATE SET instance_id = excluded.instance_id, name = excluded.name, "+
			"trigger_tag_id = excluded.trigger_tag_id, trigger_min = excluded.trigger_min, trigger_max = excluded.trigger_max, "+
			"min_duration_ms = excluded.min_duration_ms, max_duration_ms = excluded.max_duration_ms, "+
			"priority = excluded.priority, enabled = excluded.enabled, updated_utc = excluded.updated_utc"),
		m.ModeID, m.InstanceID, m.Name, m.TriggerTagID, m.TriggerMin, m.TriggerMax,
		m.MinDurationMs, m.MaxDurationMs, m.Priority, m.Enabled, m.UpdatedUTC)
	return s.wrap("upsert_operation_mode", started, err)
}

type modeRow struct {
	ModeID        string  `db:"mode_id"`
	InstanceID    string  `db:"instance_id"`
	Name          string  `db:"name"`
	TriggerTagID  string  `db:"trigger_tag_id"`
	TriggerMin    float64 `db:"trigger_min"`
	TriggerMax    float64 `db:"trigger_max"`
	MinDurationMs int64   `db:"min_duration_ms"`
	MaxDurationMs int64   `db:"max_duration_ms"`
	Priority      int     `db:"priority"`
	Enabled       bool    `db:"enabled"`
	UpdatedUTC    int64   `db:"updated_utc"`
}

// OperationModes returns the enabled modes of one instance ordered by
// descending priority, then mode id.
func (s *Store) OperationModes(ctx context.Context, instanceID string) ([]model.OperationMode, error) {
	started := time.Now()
	var rows []modeRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT mode_id, instance_id, name, trigger_tag_id, trigger_min, trigger_max, min_duration_ms, max_duration_ms, priority, enabled, updated_utc "+
			"FROM operation_modes WHERE instance_id = ? AND enabled = ? ORDER BY priority DESC, mode_id ASC"),
		instanceID, true)
	if err != nil {
		return nil, s.wrap("operation_modes", started, err)
	}
	out := make([]model.OperationMode, len(rows))
	for i, r := range rows {
		out[i] = model.OperationMode{
			ModeID: r.ModeID, InstanceID: r.InstanceID, Name: r.Name,
			TriggerTagID: r.TriggerTagID, TriggerMin: r.TriggerMin, TriggerMax: r.TriggerMax,
			MinDurationMs: r.MinDurationMs, MaxDurationMs: r.MaxDurationMs,
			Priority: r.Priority, Enabled: r.Enabled, UpdatedUTC: r.UpdatedUTC,
		}
	}
	return out, nil
}

// SaveBaselineProfile persists a learned profile, bumping the stored version.
func (s *Store) SaveBaselineProfile(ctx context.Context, p model.BaselineProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return &Error{Code: model.ErrValidation, Op: "save_baseline_profile", Err: err}
	}
	started := time.Now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO baseline_profiles (instance_id, mode_id, parameter, payload, version) VALUES (?,?,?,?,?) "+
			"ON CONFLICT (instance_id, mode_id, parameter) DO UPDATE SET payload = excluded.payload, version = excluded.version"),
		p.InstanceID, p.ModeID, string(p.Parameter), string(payload), p.Version)
	return s.wrap("save_baseline_profile", started, err)
}

// GetBaselineProfile loads one learned profile, nil when never learned.
func (s *Store) GetBaselineProfile(ctx context.Context, instanceID, modeID string, param model.MotorParameter) (*model.BaselineProfile, error) {
	started := time.Now()
	var payload string
	err := s.db.GetContext(ctx, &payload, s.db.Rebind(
		"SELECT payload FROM baseline_profiles WHERE instance_id = ? AND mode_id = ? AND parameter = ?"),
		instanceID, modeID, string(param))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("get_baseline_profile", started, err)
	}
	var p model.BaselineProfile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("baseline profile %s/%s/%s: %w", instanceID, modeID, param, err)
	}
	return &p, nil
}
