// Package engine hosts the central evaluation workers: collection rules,
// alarms and retention.
package engine

import (
	"math"

	"github.com/intellimaint/intellimaint/model"
)

// eqTolerance is the band for eq/ne comparisons on floats.
const eqTolerance = 1e-4

// SnapValue is the latest numeric reading of one tag.
type SnapValue struct {
	Value float64
	TS    int64
}

// Snapshot maps device\x00tag to the latest numeric value.
type Snapshot map[string]SnapValue

// SnapKey builds the snapshot key for a (device, tag) pair.
func SnapKey(deviceID, tagID string) string { return deviceID + "\x00" + tagID }

// EvalCondition evaluates a condition tree against the snapshot for one
// device. Duration items are the state machine's business and count as
// satisfied here. Missing tag data is false; an empty item list is false.
func EvalCondition(c model.Condition, deviceID string, snap Snapshot) bool {
	switch v := c.(type) {
	case model.And:
		if len(v.Items) == 0 {
			return false
		}
		for _, it := range v.Items {
			if !evalItem(it, deviceID, snap) {
				return false
			}
		}
		return true
	case model.Or:
		if len(v.Items) == 0 {
			return false
		}
		for _, it := range v.Items {
			if evalItem(it, deviceID, snap) {
				return true
			}
		}
		return false
	case model.TagPred:
		return evalPred(v, deviceID, snap)
	case model.Duration:
		return true
	case nil:
		return false
	}
	return false
}

func evalItem(c model.Condition, deviceID string, snap Snapshot) bool {
	if _, ok := c.(model.Duration); ok {
		return true
	}
	return EvalCondition(c, deviceID, snap)
}

func evalPred(p model.TagPred, deviceID string, snap Snapshot) bool {
	sv, ok := snap[SnapKey(deviceID, p.TagID)]
	if !ok {
		return false
	}
	return Compare(p.Op, sv.Value, p.Value)
}

// Compare applies one relational operator with the eq tolerance.
func Compare(op model.ConditionType, value, threshold float64) bool {
	switch op {
	case model.CondGT:
		return value > threshold
	case model.CondGTE:
		return value >= threshold
	case model.CondLT:
		return value < threshold
	case model.CondLTE:
		return value <= threshold
	case model.CondEQ:
		return math.Abs(value-threshold) < eqTolerance
	case model.CondNE:
		return math.Abs(value-threshold) >= eqTolerance
	}
	return false
}
