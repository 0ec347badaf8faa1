package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is a tagged variant tree for collection rule conditions.
// The wire form stays the legacy {"logic":"AND","items":[...]} JSON so
// stored rules keep working, but evaluation never touches JSON.
type Condition interface {
	isCondition()
}

// And is satisfied when every item is satisfied. An empty item list is
// never satisfied.
type And struct {
	Items []Condition
}

// Or is satisfied when at least one item is satisfied. An empty item list
// is never satisfied.
type Or struct {
	Items []Condition
}

// TagPred compares the latest numeric value of a tag against a constant.
// Equality comparisons use a tolerance of 1e-4. Missing data is false.
type TagPred struct {
	TagID string
	Op    ConditionType // gt, gte, lt, lte, eq, ne
	Value float64
}

// Duration requires the preceding predicate of the containing condition to
// hold continuously for the given number of seconds. It is accounted by the
// collection state machine, not by the evaluator.
type Duration struct {
	Seconds int
}

func (And) isCondition()      {}
func (Or) isCondition()       {}
func (TagPred) isCondition()  {}
func (Duration) isCondition() {}

// DurationSeconds returns the total duration requirement carried by c's
// immediate Duration items.
func DurationSeconds(c Condition) int {
	var items []Condition
	switch v := c.(type) {
	case And:
		items = v.Items
	case Or:
		items = v.Items
	case Duration:
		return v.Seconds
	default:
		return 0
	}
	total := 0
	for _, it := range items {
		if d, ok := it.(Duration); ok {
			total += d.Seconds
		}
	}
	return total
}

type conditionItemWire struct {
	Type     string  `json:"type"` // "tag" or "duration"
	TagID    string  `json:"tag,omitempty"`
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Seconds  int     `json:"seconds,omitempty"`
}

type conditionWire struct {
	Logic string              `json:"logic"` // "AND" or "OR"
	Items []conditionItemWire `json:"items"`
}

// ParseCondition decodes the legacy JSON condition form into the variant
// tree. Empty or null input yields an empty And (never satisfied).
func ParseCondition(data []byte) (Condition, error) {
	if len(data) == 0 || string(data) == "null" {
		return And{}, nil
	}
	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	items := make([]Condition, 0, len(w.Items))
	for i, it := range w.Items {
		switch it.Type {
		case "tag":
			op := ConditionType(it.Operator)
			switch op {
			case CondGT, CondGTE, CondLT, CondLTE, CondEQ, CondNE:
			default:
				return nil, fmt.Errorf("condition item %d: operator %q", i, it.Operator)
			}
			items = append(items, TagPred{TagID: it.TagID, Op: op, Value: it.Value})
		case "duration":
			items = append(items, Duration{Seconds: it.Seconds})
		default:
			return nil, fmt.Errorf("condition item %d: type %q", i, it.Type)
		}
	}
	switch strings.ToUpper(w.Logic) {
	case "OR":
		return Or{Items: items}, nil
	case "AND", "":
		return And{Items: items}, nil
	default:
		return nil, fmt.Errorf("condition: logic %q", w.Logic)
	}
}

// EncodeCondition renders the variant tree back into the legacy JSON form.
func EncodeCondition(c Condition) ([]byte, error) {
	w := conditionWire{Logic: "AND"}
	var items []Condition
	switch v := c.(type) {
	case And:
		items = v.Items
	case Or:
		w.Logic = "OR"
		items = v.Items
	case TagPred:
		items = []Condition{v}
	case Duration:
		items = []Condition{v}
	case nil:
	default:
		return nil, fmt.Errorf("condition: unsupported variant %T", c)
	}
	w.Items = make([]conditionItemWire, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case TagPred:
			w.Items = append(w.Items, conditionItemWire{
				Type: "tag", TagID: v.TagID, Operator: string(v.Op), Value: v.Value,
			})
		case Duration:
			w.Items = append(w.Items, conditionItemWire{Type: "duration", Seconds: v.Seconds})
		default:
			return nil, fmt.Errorf("condition: nested %T not supported by wire form", it)
		}
	}
	return json.Marshal(w)
}

// CollectionConfig names the tags a rule records and its buffer windows.
type CollectionConfig struct {
	TagIDs            []string `json:"tags"`
	PreBufferSeconds  int      `json:"pre_buffer_seconds"`
	PostBufferSeconds int      `json:"post_buffer_seconds"`
}

// CollectionRule drives conditional recording of work segments.
type CollectionRule struct {
	RuleID       string           `json:"rule_id"`
	DeviceID     string           `json:"device_id"`
	Start        Condition        `json:"-"`
	Stop         Condition        `json:"-"`
	Config       CollectionConfig `json:"collection_config"`
	PostActions  []string         `json:"post_actions,omitempty"`
	Enabled      bool             `json:"enabled"`
	TriggerCount int64            `json:"trigger_count"`
	UpdatedUTC   int64            `json:"updated_utc"`
}

// SegmentStatus is the lifecycle state of a collection segment.
type SegmentStatus string

const (
	SegmentCollecting SegmentStatus = "collecting"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// CollectionSegment is one recorded interval. At most one segment per rule
// is in SegmentCollecting at any instant.
type CollectionSegment struct {
	ID             string        `json:"id"`
	RuleID         string        `json:"rule_id"`
	DeviceID       string        `json:"device_id"`
	StartTS        int64         `json:"start_ts"`
	EndTS          int64         `json:"end_ts,omitempty"` // 0 while open
	Status         SegmentStatus `json:"status"`
	DataPointCount int64         `json:"data_point_count"`
	Metadata       string        `json:"metadata,omitempty"`
}
