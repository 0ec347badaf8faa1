// Package store is the persistence layer: telemetry time series, alarm
// records and groups, configuration entities and retention bookkeeping,
// on sqlx over sqlite (embedded) or postgres (pgx).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

// Store wraps the database handle.
type Store struct {
	db     *sqlx.DB
	log    *zap.SugaredLogger
	slowMs int64
}

// Error is a storage failure classified with a stable error code.
type Error struct {
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("store %s: %s: %v", e.Op, e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrorCode extracts the stable code from a store error, defaulting to
// E_DB_UNAVAILABLE for unclassified failures.
func ErrorCode(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return model.ErrDBUnavailable
}

// Open connects using the configured driver ("sqlite" or "pgx") and DSN.
func Open(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	slow := cfg.SlowQueryMs
	if slow <= 0 {
		slow = 2000
	}
	return &Store{db: db, log: log, slowMs: slow}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// wrap classifies a failed operation: cancellation propagates unchanged,
// slow operations surface E_DB_SLOW, everything else E_DB_UNAVAILABLE.
func (s *Store) wrap(op string, started time.Time, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := model.ErrDBUnavailable
	if time.Since(started).Milliseconds() >= s.slowMs || errors.Is(err, context.DeadlineExceeded) {
		code = model.ErrDBSlow
	}
	return &Error{Code: code, Op: op, Err: err}
}

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
	device_id   TEXT NOT NULL,
	tag_id      TEXT NOT NULL,
	ts          BIGINT NOT NULL,
	seq         BIGINT NOT NULL,
	value_type  TEXT NOT NULL,
	bool_value  INTEGER,
	int_value   BIGINT,
	uint_value  BIGINT,
	float_value DOUBLE PRECISION,
	string_value TEXT,
	bytes_value BLOB,
	time_value  BIGINT,
	quality     INTEGER NOT NULL DEFAULT 192,
	protocol    TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (device_id, tag_id, ts, seq)
);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry (ts);

CREATE TABLE IF NOT EXISTS telemetry_1m (
	device_id TEXT NOT NULL,
	tag_id    TEXT NOT NULL,
	bucket_ts BIGINT NOT NULL,
	min_value DOUBLE PRECISION NOT NULL,
	max_value DOUBLE PRECISION NOT NULL,
	avg_value DOUBLE PRECISION NOT NULL,
	first_value DOUBLE PRECISION NOT NULL,
	last_value  DOUBLE PRECISION NOT NULL,
	sample_count BIGINT NOT NULL,
	PRIMARY KEY (device_id, tag_id, bucket_ts)
);

CREATE TABLE IF NOT EXISTS telemetry_1h (
	device_id TEXT NOT NULL,
	tag_id    TEXT NOT NULL,
	bucket_ts BIGINT NOT NULL,
	min_value DOUBLE PRECISION NOT NULL,
	max_value DOUBLE PRECISION NOT NULL,
	avg_value DOUBLE PRECISION NOT NULL,
	first_value DOUBLE PRECISION NOT NULL,
	last_value  DOUBLE PRECISION NOT NULL,
	sample_count BIGINT NOT NULL,
	PRIMARY KEY (device_id, tag_id, bucket_ts)
);

CREATE TABLE IF NOT EXISTS aggregate_state (
	table_name        TEXT PRIMARY KEY,
	last_processed_ts BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	edge_id    TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	enabled    INTEGER NOT NULL DEFAULT 1,
	updated_utc BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tags (
	tag_id     TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	data_type  TEXT NOT NULL DEFAULT 'float64',
	enabled    INTEGER NOT NULL DEFAULT 1,
	deadband   DOUBLE PRECISION,
	deadband_percent DOUBLE PRECISION,
	bypass     INTEGER NOT NULL DEFAULT 0,
	updated_utc BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, tag_id)
);

CREATE TABLE IF NOT EXISTS alarm_rules (
	rule_id        TEXT PRIMARY KEY,
	tag_id         TEXT NOT NULL,
	device_id      TEXT NOT NULL DEFAULT '',
	condition_type TEXT NOT NULL,
	threshold      DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	severity       INTEGER NOT NULL DEFAULT 3,
	roc_window_ms  BIGINT NOT NULL DEFAULT 0,
	rule_type      TEXT NOT NULL DEFAULT 'threshold',
	message_template TEXT NOT NULL DEFAULT '',
	enabled        INTEGER NOT NULL DEFAULT 1,
	updated_utc    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS alarms (
	rowid_key  INTEGER PRIMARY KEY AUTOINCREMENT,
	alarm_id   TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	tag_id     TEXT NOT NULL DEFAULT '',
	ts         BIGINT NOT NULL,
	severity   INTEGER NOT NULL,
	code       TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	status     INTEGER NOT NULL DEFAULT 0,
	created    BIGINT NOT NULL,
	updated    BIGINT NOT NULL,
	acked_by   TEXT NOT NULL DEFAULT '',
	acked_ts   BIGINT NOT NULL DEFAULT 0,
	ack_note   TEXT NOT NULL DEFAULT '',
	UNIQUE (alarm_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_alarms_device_ts ON alarms (device_id, ts);
CREATE INDEX IF NOT EXISTS idx_alarms_status ON alarms (status);

CREATE TABLE IF NOT EXISTS alarm_groups (
	group_id       TEXT PRIMARY KEY,
	device_id      TEXT NOT NULL,
	rule_id        TEXT NOT NULL,
	status         INTEGER NOT NULL DEFAULT 0,
	alarm_count    BIGINT NOT NULL DEFAULT 0,
	first_occurred BIGINT NOT NULL,
	last_occurred  BIGINT NOT NULL,
	severity       INTEGER NOT NULL,
	acked_by       TEXT NOT NULL DEFAULT '',
	acked_ts       BIGINT NOT NULL DEFAULT 0,
	ack_note       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_groups_key ON alarm_groups (device_id, rule_id, status);

CREATE TABLE IF NOT EXISTS alarm_to_group (
	group_id TEXT NOT NULL,
	alarm_id TEXT NOT NULL,
	PRIMARY KEY (group_id, alarm_id)
);

CREATE TABLE IF NOT EXISTS collection_rules (
	rule_id        TEXT PRIMARY KEY,
	device_id      TEXT NOT NULL,
	start_condition TEXT NOT NULL DEFAULT '',
	stop_condition  TEXT NOT NULL DEFAULT '',
	collection_config TEXT NOT NULL DEFAULT '',
	post_actions   TEXT NOT NULL DEFAULT '',
	enabled        INTEGER NOT NULL DEFAULT 1,
	trigger_count  BIGINT NOT NULL DEFAULT 0,
	updated_utc    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS collection_segments (
	id         TEXT PRIMARY KEY,
	rule_id    TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	start_ts   BIGINT NOT NULL,
	end_ts     BIGINT NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'collecting',
	data_point_count BIGINT NOT NULL DEFAULT 0,
	metadata   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_segments_rule ON collection_segments (rule_id, status);

CREATE TABLE IF NOT EXISTS motor_models (
	model_id TEXT PRIMARY KEY,
	payload  TEXT NOT NULL,
	updated_utc BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS motor_instances (
	instance_id TEXT PRIMARY KEY,
	model_id    TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	updated_utc BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS motor_param_mappings (
	instance_id TEXT NOT NULL,
	parameter   TEXT NOT NULL,
	tag_id      TEXT NOT NULL,
	scale       DOUBLE PRECISION NOT NULL DEFAULT 1,
	offset_val  DOUBLE PRECISION NOT NULL DEFAULT 0,
	nominal_rate_hz DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (instance_id, parameter)
);
CREATE TABLE IF NOT EXISTS operation_modes (
	mode_id     TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	trigger_tag_id TEXT NOT NULL,
	trigger_min DOUBLE PRECISION NOT NULL,
	trigger_max DOUBLE PRECISION NOT NULL,
	min_duration_ms BIGINT NOT NULL DEFAULT 0,
	max_duration_ms BIGINT NOT NULL DEFAULT 0,
	priority    INTEGER NOT NULL DEFAULT 0,
	enabled     INTEGER NOT NULL DEFAULT 1,
	updated_utc BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS baseline_profiles (
	instance_id TEXT NOT NULL,
	mode_id     TEXT NOT NULL,
	parameter   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	version     BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (instance_id, mode_id, parameter)
);

CREATE TABLE IF NOT EXISTS device_baselines (
	device_id TEXT NOT NULL,
	tag_id    TEXT NOT NULL,
	mean      DOUBLE PRECISION NOT NULL DEFAULT 0,
	std       DOUBLE PRECISION NOT NULL DEFAULT 0,
	min_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	p05       DOUBLE PRECISION NOT NULL DEFAULT 0,
	p95       DOUBLE PRECISION NOT NULL DEFAULT 0,
	sample_count BIGINT NOT NULL DEFAULT 0,
	learning_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_utc BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, tag_id)
);

CREATE TABLE IF NOT EXISTS health_snapshots (
	device_id TEXT NOT NULL,
	ts        BIGINT NOT NULL,
	idx       INTEGER NOT NULL,
	level     TEXT NOT NULL,
	deviation_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	trend_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	stability_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	alarm_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, ts)
);

CREATE TABLE IF NOT EXISTS work_cycles (
	cycle_id  TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	payload   TEXT NOT NULL,
	start_ts  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS cycle_baselines (
	device_id TEXT PRIMARY KEY,
	payload   TEXT NOT NULL,
	updated_utc BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tag_importance_rules (
	pattern    TEXT PRIMARY KEY,
	importance DOUBLE PRECISION NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	enabled    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS tag_correlation_rules (
	rule_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS audit_log (
	rowid_key INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      BIGINT NOT NULL,
	actor   TEXT NOT NULL DEFAULT '',
	action  TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT ''
);
`

// Migrate creates the embedded schema. Central postgres deployments manage
// their DDL (partitioning, hypertables) out of band.
func (s *Store) Migrate(ctx context.Context) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, schema)
	return s.wrap("migrate", started, err)
}

// Writable reports whether the store accepts writes; backs /health/live.
func (s *Store) Writable(ctx context.Context) bool {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO aggregate_state (table_name, last_processed_ts) VALUES ('health_probe', 0) "+
			"ON CONFLICT (table_name) DO UPDATE SET last_processed_ts = excluded.last_processed_ts")
	return err == nil
}

// Maintenance runs the store maintenance hook after large deletions.
func (s *Store) Maintenance(ctx context.Context) error {
	started := time.Now()
	stmt := "VACUUM"
	if s.db.DriverName() != "sqlite" {
		stmt = "ANALYZE"
	}
	_, err := s.db.ExecContext(ctx, stmt)
	return s.wrap("maintenance", started, err)
}
