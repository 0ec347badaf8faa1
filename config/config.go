// Package config holds the user-facing configuration tree.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full IntelliMaint configuration.
type Config struct {
	Edge             EdgeConfig         `yaml:"edge"`
	Processing       ProcessingConfig   `yaml:"processing"`
	StoreForward     StoreForwardConfig `yaml:"store_forward"`
	Network          NetworkConfig      `yaml:"network"`
	Server           ServerConfig       `yaml:"server"`
	Database         DatabaseConfig     `yaml:"database"`
	HealthAssessment HealthConfig       `yaml:"health_assessment"`
	DynamicBaseline  BaselineConfig     `yaml:"dynamic_baseline"`
	MultiScale       MultiScaleConfig   `yaml:"multi_scale"`
	TrendPrediction  TrendConfig        `yaml:"trend_prediction"`
	Degradation      DegradationConfig  `yaml:"degradation"`
	RulPrediction    RulConfig          `yaml:"rul_prediction"`
	DataCleanup      CleanupConfig      `yaml:"data_cleanup"`
	Cycle            CycleConfig        `yaml:"cycle"`
	Retry            RetryConfig        `yaml:"retry"`
}

// EdgeConfig bounds the edge pipeline and the store write batcher.
type EdgeConfig struct {
	EdgeID              string `yaml:"edge_id"`
	QueueCapacityGlobal int    `yaml:"queue_capacity_global"`
	WriterBatchSize     int    `yaml:"writer_batch_size"`
	WriterFlushMs       int    `yaml:"writer_flush_ms"`
	WriterMaxRetries    int    `yaml:"writer_max_retries"`
	WriterRetryDelayMs  int    `yaml:"writer_retry_delay_ms"`
}

// OutlierAction selects what the edge filter does with outliers.
type OutlierAction string

const (
	OutlierDrop OutlierAction = "drop"
	OutlierMark OutlierAction = "mark"
	OutlierPass OutlierAction = "pass"
)

// ProcessingConfig drives the edge deadband and outlier filter.
type ProcessingConfig struct {
	DefaultDeadband        float64       `yaml:"default_deadband"`
	DefaultDeadbandPercent float64       `yaml:"default_deadband_percent"`
	MinIntervalMs          int64         `yaml:"min_interval_ms"`
	ForceUploadIntervalMs  int64         `yaml:"force_upload_interval_ms"`
	OutlierSigmaThreshold  float64       `yaml:"outlier_sigma_threshold"`
	OutlierAction          OutlierAction `yaml:"outlier_action"`
}

// CompressionAlgorithm selects batch compression on the uplink.
type CompressionAlgorithm string

const (
	CompressionNone   CompressionAlgorithm = "none"
	CompressionGzip   CompressionAlgorithm = "gzip"
	CompressionBrotli CompressionAlgorithm = "brotli"
)

// StoreForwardConfig bounds the offline spill buffer.
type StoreForwardConfig struct {
	Dir                  string               `yaml:"dir"`
	MaxStoreSizeMB       int64                `yaml:"max_store_size_mb"`
	RetentionDays        int                  `yaml:"retention_days"`
	CompressionAlgorithm CompressionAlgorithm `yaml:"compression_algorithm"`
}

// NetworkConfig drives the store-and-forward transport and liveness checks.
type NetworkConfig struct {
	IngestURL             string `yaml:"ingest_url"`
	HealthCheckIntervalMs int64  `yaml:"health_check_interval_ms"`
	HealthCheckTimeoutMs  int64  `yaml:"health_check_timeout_ms"`
	OfflineThreshold      int    `yaml:"offline_threshold"`
	SendBatchSize         int    `yaml:"send_batch_size"`
	SendIntervalMs        int64  `yaml:"send_interval_ms"`
}

// ServerConfig holds the central HTTP listener options.
type ServerConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
	// PrognosticsIntervalMin spaces the trend/degradation/RUL sweeps.
	PrognosticsIntervalMin int `yaml:"prognostics_interval_min"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "pgx"
	DSN    string `yaml:"dsn"`
	// SlowQueryMs is the latency above which errors surface as E_DB_SLOW.
	SlowQueryMs int64 `yaml:"slow_query_ms"`
	QueryTimeoutS int64 `yaml:"query_timeout_s"`
}

// HealthConfig weights the composite health score.
type HealthConfig struct {
	Weights struct {
		Deviation float64 `yaml:"deviation"`
		Trend     float64 `yaml:"trend"`
		Stability float64 `yaml:"stability"`
		Alarm     float64 `yaml:"alarm"`
	} `yaml:"weights"`
	LevelThresholds struct {
		HealthyMin   int `yaml:"healthy_min"`
		AttentionMin int `yaml:"attention_min"`
		WarningMin   int `yaml:"warning_min"`
	} `yaml:"level_thresholds"`
	DefaultWindowMinutes int     `yaml:"default_window_minutes"`
	DefaultTagImportance float64 `yaml:"default_tag_importance"`
	MinSampleCount       int     `yaml:"min_sample_count"`
	ProblemTagLimit      int     `yaml:"problem_tag_limit"`
	// DeviationZScale maps z to penalty: min(100, z*DeviationZScale).
	DeviationZScale float64 `yaml:"deviation_z_scale"`
	// TrendSlopeScale scales the baseline-normalized slope into a penalty.
	TrendSlopeScale float64 `yaml:"trend_slope_scale"`
	// StabilityCvScale is k in 100*exp(-cv*k).
	StabilityCvScale float64 `yaml:"stability_cv_scale"`
	Alarm            struct {
		CriticalPenalty       float64 `yaml:"critical_penalty"`
		ErrorPenalty          float64 `yaml:"error_penalty"`
		WarningPenalty        float64 `yaml:"warning_penalty"`
		InfoPenalty           float64 `yaml:"info_penalty"`
		ConsiderDuration      bool    `yaml:"consider_duration"`
		DurationFactorPerHour float64 `yaml:"duration_factor_per_hour"`
		MaxMultiplier         float64 `yaml:"max_multiplier"`
		MinScore              float64 `yaml:"min_score"`
	} `yaml:"alarm"`
	EvalIntervalS int `yaml:"eval_interval_s"`
}

// BaselineConfig tunes the dynamic baseline learner.
type BaselineConfig struct {
	IncrementalWeight      float64 `yaml:"incremental_weight"`
	AnomalyFilterThreshold float64 `yaml:"anomaly_filter_threshold"`
	MinSampleCount         int64   `yaml:"min_sample_count"`
	AgingFactor            float64 `yaml:"aging_factor"`
	ReservoirSize          int     `yaml:"reservoir_size"`
}

// MultiScaleConfig drives the three health windows.
type MultiScaleConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ShortTermMinutes  int     `yaml:"short_term_minutes"`
	MediumTermMinutes int     `yaml:"medium_term_minutes"`
	LongTermMinutes   int     `yaml:"long_term_minutes"`
	ShortWeight       float64 `yaml:"short_weight"`
	MediumWeight      float64 `yaml:"medium_weight"`
	LongWeight        float64 `yaml:"long_weight"`
}

// TrendConfig drives trend prediction.
type TrendConfig struct {
	HistoryWindowHours     int     `yaml:"history_window_hours"`
	PredictionHorizonHours int     `yaml:"prediction_horizon_hours"`
	SmoothingAlpha         float64 `yaml:"smoothing_alpha"`
	ConfidenceThreshold    float64 `yaml:"confidence_threshold"`
}

// DegradationConfig drives slow-degradation detection.
type DegradationConfig struct {
	NoiseFilterWindowHours   int     `yaml:"noise_filter_window_hours"`
	DetectionWindowDays      int     `yaml:"detection_window_days"`
	DegradationRateThreshold float64 `yaml:"degradation_rate_threshold"` // %/day
	ConfirmationCount        int     `yaml:"confirmation_count"`
}

// RulModel selects the RUL curve family.
type RulModel string

const (
	RulLinear      RulModel = "linear"
	RulExponential RulModel = "exponential"
	RulWeibull     RulModel = "weibull"
)

// RulConfig drives remaining-useful-life estimation.
type RulConfig struct {
	FailureThreshold   float64  `yaml:"failure_threshold"`
	ModelType          RulModel `yaml:"model_type"`
	HistoryWindowDays  int      `yaml:"history_window_days"`
	NormalDegradation  float64  `yaml:"normal_degradation"` // index points/day
	AvgRepairLeadHours float64  `yaml:"avg_repair_lead_hours"`
}

// CleanupConfig holds the TTL windows for derived and raw data.
type CleanupConfig struct {
	CleanupIntervalHours     int `yaml:"cleanup_interval_hours"`
	TelemetryRetentionDays   int `yaml:"telemetry_retention_days"`
	Telemetry1mRetentionDays int `yaml:"telemetry_1m_retention_days"`
	Telemetry1hRetentionDays int `yaml:"telemetry_1h_retention_days"`
	AlarmRetentionDays       int `yaml:"alarm_retention_days"`
	AuditLogRetentionDays    int `yaml:"audit_log_retention_days"`
	SnapshotRetentionDays    int `yaml:"snapshot_retention_days"`
}

// CycleConfig parameterizes the cycle analyzer.
type CycleConfig struct {
	AngleThreshold   float64 `yaml:"angle_threshold"`
	MinCycleDuration float64 `yaml:"min_cycle_duration_s"`
	MaxCycleDuration float64 `yaml:"max_cycle_duration_s"`
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
	// Tag ids the default dual-motor extractor reads.
	AngleTag  string `yaml:"angle_tag"`
	Motor1Tag string `yaml:"motor1_tag"`
	Motor2Tag string `yaml:"motor2_tag"`
}

// RetryConfig bounds exponential backoff for transient infrastructure errors.
type RetryConfig struct {
	InitialDelayMs    int64   `yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxDelayMs        int64   `yaml:"max_delay_ms"`
	MaxRetries        int     `yaml:"max_retries"`
}

// Default returns a config with the documented defaults.
func Default() Config {
	var c Config
	c.Edge = EdgeConfig{
		EdgeID:              "edge-1",
		QueueCapacityGlobal: 100,
		WriterBatchSize:     500,
		WriterFlushMs:       1000,
		WriterMaxRetries:    3,
		WriterRetryDelayMs:  250,
	}
	c.Processing = ProcessingConfig{
		DefaultDeadband:        0,
		DefaultDeadbandPercent: 0,
		MinIntervalMs:          0,
		ForceUploadIntervalMs:  60_000,
		OutlierSigmaThreshold:  6,
		OutlierAction:          OutlierMark,
	}
	c.StoreForward = StoreForwardConfig{
		Dir:                  "spool",
		MaxStoreSizeMB:       512,
		RetentionDays:        7,
		CompressionAlgorithm: CompressionGzip,
	}
	c.Network = NetworkConfig{
		IngestURL:             "http://127.0.0.1:8080",
		HealthCheckIntervalMs: 5000,
		HealthCheckTimeoutMs:  2000,
		OfflineThreshold:      3,
		SendBatchSize:         500,
		SendIntervalMs:        1000,
	}
	c.Server = ServerConfig{
		ListenAddr:             ":8080",
		ShutdownTimeoutS:       10,
		PrognosticsIntervalMin: 60,
	}
	c.Database = DatabaseConfig{
		Driver:        "sqlite",
		DSN:           "file:intellimaint.db?_pragma=journal_mode(WAL)",
		SlowQueryMs:   2000,
		QueryTimeoutS: 30,
	}
	c.HealthAssessment.Weights.Deviation = 0.35
	c.HealthAssessment.Weights.Trend = 0.25
	c.HealthAssessment.Weights.Stability = 0.20
	c.HealthAssessment.Weights.Alarm = 0.20
	c.HealthAssessment.LevelThresholds.HealthyMin = 80
	c.HealthAssessment.LevelThresholds.AttentionMin = 60
	c.HealthAssessment.LevelThresholds.WarningMin = 40
	c.HealthAssessment.DefaultWindowMinutes = 60
	c.HealthAssessment.DefaultTagImportance = 40
	c.HealthAssessment.MinSampleCount = 30
	c.HealthAssessment.ProblemTagLimit = 5
	c.HealthAssessment.DeviationZScale = 20
	c.HealthAssessment.TrendSlopeScale = 100
	c.HealthAssessment.StabilityCvScale = 5
	c.HealthAssessment.Alarm.CriticalPenalty = 40
	c.HealthAssessment.Alarm.ErrorPenalty = 25
	c.HealthAssessment.Alarm.WarningPenalty = 15
	c.HealthAssessment.Alarm.InfoPenalty = 5
	c.HealthAssessment.Alarm.ConsiderDuration = false
	c.HealthAssessment.Alarm.DurationFactorPerHour = 0.1
	c.HealthAssessment.Alarm.MaxMultiplier = 2
	c.HealthAssessment.Alarm.MinScore = 0
	c.HealthAssessment.EvalIntervalS = 300
	c.DynamicBaseline = BaselineConfig{
		IncrementalWeight:      0.1,
		AnomalyFilterThreshold: 3,
		MinSampleCount:         100,
		AgingFactor:            0.01,
		ReservoirSize:          2000,
	}
	c.MultiScale = MultiScaleConfig{
		Enabled:           false,
		ShortTermMinutes:  5,
		MediumTermMinutes: 60,
		LongTermMinutes:   1440,
		ShortWeight:       0.4,
		MediumWeight:      0.35,
		LongWeight:        0.25,
	}
	c.TrendPrediction = TrendConfig{
		HistoryWindowHours:     24,
		PredictionHorizonHours: 72,
		SmoothingAlpha:         0.3,
		ConfidenceThreshold:    0.6,
	}
	c.Degradation = DegradationConfig{
		NoiseFilterWindowHours:   6,
		DetectionWindowDays:      14,
		DegradationRateThreshold: 1.0,
		ConfirmationCount:        3,
	}
	c.RulPrediction = RulConfig{
		FailureThreshold:   30,
		ModelType:          RulLinear,
		HistoryWindowDays:  30,
		NormalDegradation:  0.5,
		AvgRepairLeadHours: 48,
	}
	c.DataCleanup = CleanupConfig{
		CleanupIntervalHours:     6,
		TelemetryRetentionDays:   7,
		Telemetry1mRetentionDays: 30,
		Telemetry1hRetentionDays: 365,
		AlarmRetentionDays:       90,
		AuditLogRetentionDays:    180,
		SnapshotRetentionDays:    90,
	}
	c.Cycle = CycleConfig{
		AngleThreshold:   5,
		MinCycleDuration: 1,
		MaxCycleDuration: 120,
		AnomalyThreshold: 60,
		AngleTag:         "angle",
		Motor1Tag:        "m1_current",
		Motor2Tag:        "m2_current",
	}
	c.Retry = RetryConfig{
		InitialDelayMs:    100,
		BackoffMultiplier: 2,
		MaxDelayMs:        5000,
		MaxRetries:        3,
	}
	return c
}

// Load reads a YAML config, layering it over the defaults. A missing file
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
