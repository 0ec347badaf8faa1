package model

// HealthLevel buckets a 0..100 health index.
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthAttention HealthLevel = "attention"
	HealthWarning   HealthLevel = "warning"
	HealthCritical  HealthLevel = "critical"
)

// DeviceHealthSnapshot is one persisted health evaluation.
type DeviceHealthSnapshot struct {
	DeviceID       string      `json:"device_id"`
	TS             int64       `json:"ts"`
	Index          int         `json:"index"` // 0..100
	Level          HealthLevel `json:"level"`
	DeviationScore float64     `json:"deviation_score"`
	TrendScore     float64     `json:"trend_score"`
	StabilityScore float64     `json:"stability_score"`
	AlarmScore     float64     `json:"alarm_score"`
}

// DeviceBaseline is the per-tag statistical baseline the health engine
// compares live windows against.
type DeviceBaseline struct {
	DeviceID      string  `json:"device_id"`
	TagID         string  `json:"tag_id"`
	Mean          float64 `json:"mean"`
	Std           float64 `json:"std"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	P05           float64 `json:"p05"`
	P95           float64 `json:"p95"`
	SampleCount   int64   `json:"sample_count"`
	LearningHours float64 `json:"learning_hours"`
	UpdatedUTC    int64   `json:"updated_utc"`
}

// Tag importance weights. Unmatched tags get the configured default.
const (
	ImportanceCritical  = 100.0
	ImportanceMajor     = 70.0
	ImportanceMinor     = 40.0
	ImportanceAuxiliary = 20.0
)

// TagImportanceRule maps a tag id glob pattern to an importance weight.
// Rules are tried in descending priority; the first enabled match wins.
type TagImportanceRule struct {
	Pattern    string  `json:"pattern"`
	Importance float64 `json:"importance"`
	Priority   int     `json:"priority"`
	Enabled    bool    `json:"enabled"`
}

// CorrelationKind selects how a TagCorrelationRule triggers.
type CorrelationKind string

const (
	CorrSameDirection     CorrelationKind = "same_direction"
	CorrOppositeDirection CorrelationKind = "opposite_direction"
	CorrThresholdCombo    CorrelationKind = "threshold_combination"
)

// TagCorrelationRule penalizes the composite score when two tags move in an
// unexpected relation within the assessment window.
type TagCorrelationRule struct {
	RuleID        string          `json:"rule_id"`
	DevicePattern string          `json:"device_pattern"`
	Tag1Pattern   string          `json:"tag1_pattern"`
	Tag2Pattern   string          `json:"tag2_pattern"`
	Kind          CorrelationKind `json:"kind"`
	Threshold     float64         `json:"threshold"`
	// Tag1Limit/Tag2Limit are the current-value predicates of a
	// threshold_combination rule.
	Tag1Limit    float64 `json:"tag1_limit,omitempty"`
	Tag2Limit    float64 `json:"tag2_limit,omitempty"`
	PenaltyScore float64 `json:"penalty_score"`
	Enabled      bool    `json:"enabled"`
}

// ProblemTag is one deviating tag in a health report, ordered by
// z-score × importance.
type ProblemTag struct {
	TagID       string  `json:"tag_id"`
	ZScore      float64 `json:"z_score"`
	Importance  float64 `json:"importance"`
	Description string  `json:"description"`
}

// EnhancedHealthScore is the full health evaluation of one device.
type EnhancedHealthScore struct {
	DeviceID       string       `json:"device_id"`
	TS             int64        `json:"ts"`
	Index          int          `json:"index"`
	Level          HealthLevel  `json:"level"`
	DeviationScore float64      `json:"deviation_score"`
	TrendScore     float64      `json:"trend_score"`
	StabilityScore float64      `json:"stability_score"`
	AlarmScore     float64      `json:"alarm_score"`
	Confidence     float64      `json:"confidence"` // 0..1
	Note           string       `json:"note,omitempty"`
	ProblemTags    []ProblemTag `json:"problem_tags,omitempty"`
	WindowMinutes  int          `json:"window_minutes"`
	// TrendDirection is the sign of short−long in multi-scale mode:
	// +1 improving, 0 flat, -1 degrading.
	TrendDirection int `json:"trend_direction"`
	SampleCount    int `json:"sample_count"`
}

// WorkCycle is one detected mechanical cycle with derived features.
type WorkCycle struct {
	CycleID           string  `json:"cycle_id"`
	DeviceID          string  `json:"device_id"`
	SegmentID         string  `json:"segment_id,omitempty"`
	StartTS           int64   `json:"start_ts"`
	EndTS             int64   `json:"end_ts"`
	DurationS         float64 `json:"duration_s"`
	MaxAngle          float64 `json:"max_angle"`
	Motor1PeakA       float64 `json:"motor1_peak_a"`
	Motor1AvgA        float64 `json:"motor1_avg_a"`
	Motor2PeakA       float64 `json:"motor2_peak_a"`
	Motor2AvgA        float64 `json:"motor2_avg_a"`
	EnergyAS          float64 `json:"energy_as"` // ampere-seconds, trapezoidal
	BalanceRatio      float64 `json:"balance_ratio"`
	BaselineDevPct    float64 `json:"baseline_deviation_pct"`
	AnomalyScore      float64 `json:"anomaly_score"` // 0..100
	IsAnomaly         bool    `json:"is_anomaly"`
	AnomalyType       string  `json:"anomaly_type,omitempty"`
}

// Cycle anomaly types, by dominant contributor.
const (
	AnomalyOverCurrent    = "over_current"
	AnomalyMotorImbalance = "motor_imbalance"
	AnomalyCycleTimeout   = "cycle_timeout"
	AnomalyCycleTooShort  = "cycle_too_short"
	AnomalyBaselineDev    = "baseline_deviation"
	AnomalyAngleStall     = "angle_stall"
)
