package model

// ConditionType is the predicate an alarm rule applies to tag readings.
type ConditionType string

const (
	CondGT          ConditionType = "gt"
	CondGTE         ConditionType = "gte"
	CondLT          ConditionType = "lt"
	CondLTE         ConditionType = "lte"
	CondEQ          ConditionType = "eq"
	CondNE          ConditionType = "ne"
	CondOffline     ConditionType = "offline"
	CondROCPercent  ConditionType = "roc_percent"
	CondROCAbsolute ConditionType = "roc_absolute"
)

// RuleType classifies how a rule is evaluated.
type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RuleOffline   RuleType = "offline"
	RuleROC       RuleType = "roc"
)

// AlarmRule describes one alarm predicate. For threshold rules DurationMs
// enforces that the predicate holds continuously before firing. For offline
// rules Threshold is the silence window in seconds. For roc rules the rate
// of change is computed over ROCWindowMs.
type AlarmRule struct {
	RuleID          string        `json:"rule_id"`
	TagID           string        `json:"tag_id"`
	DeviceID        string        `json:"device_id,omitempty"` // empty = any device with the tag
	ConditionType   ConditionType `json:"condition_type"`
	Threshold       float64       `json:"threshold"`
	DurationMs      int64         `json:"duration_ms"`
	Severity        int           `json:"severity"` // 1..5
	ROCWindowMs     int64         `json:"roc_window_ms,omitempty"`
	RuleType        RuleType      `json:"rule_type"`
	MessageTemplate string        `json:"message_template,omitempty"`
	Enabled         bool          `json:"enabled"`
	UpdatedUTC      int64         `json:"updated_utc"`
}

// AlarmStatus is the lifecycle state of an alarm or alarm group.
// Transitions may only proceed Open→Acknowledged→Closed or Open→Closed.
type AlarmStatus int

const (
	AlarmOpen AlarmStatus = iota
	AlarmAcknowledged
	AlarmClosed
)

func (s AlarmStatus) String() string {
	switch s {
	case AlarmOpen:
		return "open"
	case AlarmAcknowledged:
		return "acknowledged"
	case AlarmClosed:
		return "closed"
	}
	return "unknown"
}

// CanTransition reports whether a status change is legal.
func (s AlarmStatus) CanTransition(to AlarmStatus) bool {
	switch {
	case s == to:
		return false
	case s == AlarmOpen:
		return to == AlarmAcknowledged || to == AlarmClosed
	case s == AlarmAcknowledged:
		return to == AlarmClosed
	}
	return false
}

// AlarmRecord is one raw alarm occurrence, partitioned by TS.
type AlarmRecord struct {
	AlarmID  string      `json:"alarm_id"`
	DeviceID string      `json:"device_id"`
	TagID    string      `json:"tag_id,omitempty"`
	TS       int64       `json:"ts"`
	Severity int         `json:"severity"`
	Code     string      `json:"code"` // rule id
	Message  string      `json:"message"`
	Status   AlarmStatus `json:"status"`
	Created  int64       `json:"created"`
	Updated  int64       `json:"updated"`
	AckedBy  string      `json:"acked_by,omitempty"`
	AckedTS  int64       `json:"acked_ts,omitempty"`
	AckNote  string      `json:"ack_note,omitempty"`
}

// AlarmGroup aggregates alarms sharing (device_id, rule_id) while the group
// is not closed. Severity only ever rises; it is the max severity attached.
type AlarmGroup struct {
	GroupID       string      `json:"group_id"`
	DeviceID      string      `json:"device_id"`
	RuleID        string      `json:"rule_id"`
	Status        AlarmStatus `json:"status"`
	AlarmCount    int64       `json:"alarm_count"`
	FirstOccurred int64       `json:"first_occurred"`
	LastOccurred  int64       `json:"last_occurred"`
	Severity      int         `json:"severity"`
	AckedBy       string      `json:"acked_by,omitempty"`
	AckedTS       int64       `json:"acked_ts,omitempty"`
	AckNote       string      `json:"ack_note,omitempty"`
}

// AlarmQuery filters alarm records. Keyset pagination orders on (ts, rowid).
type AlarmQuery struct {
	DeviceID string
	Code     string
	Status   *AlarmStatus
	StartTS  int64
	EndTS    int64
	Limit    int
	After    *PageToken
}
