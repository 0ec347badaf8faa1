package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// QualityGood is the OPC quality code for a good reading.
const QualityGood = 192

// ValueType identifies which slot of a Value is populated.
type ValueType string

const (
	TypeBool      ValueType = "bool"
	TypeInt8      ValueType = "int8"
	TypeInt16     ValueType = "int16"
	TypeInt32     ValueType = "int32"
	TypeInt64     ValueType = "int64"
	TypeUInt8     ValueType = "uint8"
	TypeUInt16    ValueType = "uint16"
	TypeUInt32    ValueType = "uint32"
	TypeUInt64    ValueType = "uint64"
	TypeFloat32   ValueType = "float32"
	TypeFloat64   ValueType = "float64"
	TypeString    ValueType = "string"
	TypeByteArray ValueType = "bytes"
	TypeDateTime  ValueType = "datetime"
)

// Known reports whether t is a recognized value type.
func (t ValueType) Known() bool {
	switch t {
	case TypeBool, TypeInt8, TypeInt16, TypeInt32, TypeInt64,
		TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64,
		TypeFloat32, TypeFloat64, TypeString, TypeByteArray, TypeDateTime:
		return true
	}
	return false
}

// Numeric reports whether t can be coerced to float64 for analytics.
func (t ValueType) Numeric() bool {
	switch t {
	case TypeBool, TypeString, TypeByteArray, "":
		return false
	}
	return t.Known()
}

// Value is a tagged union: exactly one slot is meaningful, selected by Type.
// The external JSON shape keeps one optional field per slot so the ingest
// wire format stays compatible with existing edge firmware.
type Value struct {
	Type  ValueType
	Bool  bool
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bytes []byte
	// TimeMs is epoch milliseconds for TypeDateTime.
	TimeMs int64
}

// BoolValue builds a boolean Value.
func BoolValue(v bool) Value { return Value{Type: TypeBool, Bool: v} }

// IntValue builds a signed integer Value of the given width type.
func IntValue(t ValueType, v int64) Value { return Value{Type: t, Int: v} }

// UintValue builds an unsigned integer Value of the given width type.
func UintValue(t ValueType, v uint64) Value { return Value{Type: t, Uint: v} }

// FloatValue builds a float64 Value.
func FloatValue(v float64) Value { return Value{Type: TypeFloat64, Float: v} }

// Float32Value builds a float32 Value.
func Float32Value(v float64) Value { return Value{Type: TypeFloat32, Float: v} }

// StringValue builds a string Value.
func StringValue(v string) Value { return Value{Type: TypeString, Str: v} }

// BytesValue builds a byte-array Value.
func BytesValue(v []byte) Value { return Value{Type: TypeByteArray, Bytes: v} }

// TimeValue builds a DateTime Value from epoch milliseconds.
func TimeValue(ms int64) Value { return Value{Type: TypeDateTime, TimeMs: ms} }

// Numeric returns the value coerced to float64 and true when the type is
// numeric. Bool, String and ByteArray report false.
func (v Value) Numeric() (float64, bool) {
	switch v.Type {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return float64(v.Int), true
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		return float64(v.Uint), true
	case TypeFloat32, TypeFloat64:
		return v.Float, true
	case TypeDateTime:
		return float64(v.TimeMs), true
	}
	return 0, false
}

// TelemetryPoint is one immutable tag reading. Primary key is
// (DeviceID, TagID, TS, Seq); Seq disambiguates readings that share a
// millisecond and is assigned monotonically per process before enqueue.
type TelemetryPoint struct {
	DeviceID string
	TagID    string
	TS       int64 // epoch milliseconds, UTC
	Seq      int64
	Value    Value
	Quality  int
	Protocol string
	Source   string
}

// IsValid reports whether the point carries a recognized value type with the
// matching slot populated, non-empty identifiers and a positive timestamp.
func (p *TelemetryPoint) IsValid() bool {
	if p.DeviceID == "" || p.TagID == "" || p.TS <= 0 {
		return false
	}
	return p.Value.Type.Known()
}

// Time returns the point timestamp as a time.Time in UTC.
func (p *TelemetryPoint) Time() time.Time {
	return time.UnixMilli(p.TS).UTC()
}

// pointWire is the external JSON shape: value_type plus one optional slot.
type pointWire struct {
	DeviceID string    `json:"device_id"`
	TagID    string    `json:"tag_id"`
	TS       int64     `json:"ts"`
	Seq      int64     `json:"seq"`
	Type     ValueType `json:"value_type"`
	Bool     *bool     `json:"bool_value,omitempty"`
	Int      *int64    `json:"int_value,omitempty"`
	Uint     *uint64   `json:"uint_value,omitempty"`
	Float    *float64  `json:"float_value,omitempty"`
	Str      *string   `json:"string_value,omitempty"`
	Bytes    []byte    `json:"bytes_value,omitempty"`
	TimeMs   *int64    `json:"time_value,omitempty"`
	Quality  int       `json:"quality"`
	Protocol string    `json:"protocol,omitempty"`
	Source   string    `json:"source,omitempty"`
}

// MarshalJSON emits the wire shape with exactly the slot named by value_type.
func (p TelemetryPoint) MarshalJSON() ([]byte, error) {
	w := pointWire{
		DeviceID: p.DeviceID,
		TagID:    p.TagID,
		TS:       p.TS,
		Seq:      p.Seq,
		Type:     p.Value.Type,
		Quality:  p.Quality,
		Protocol: p.Protocol,
		Source:   p.Source,
	}
	switch p.Value.Type {
	case TypeBool:
		w.Bool = &p.Value.Bool
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		w.Int = &p.Value.Int
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		w.Uint = &p.Value.Uint
	case TypeFloat32, TypeFloat64:
		w.Float = &p.Value.Float
	case TypeString:
		w.Str = &p.Value.Str
	case TypeByteArray:
		w.Bytes = p.Value.Bytes
	case TypeDateTime:
		w.TimeMs = &p.Value.TimeMs
	default:
		return nil, fmt.Errorf("telemetry point: unknown value type %q", p.Value.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape and enforces that exactly the slot
// named by value_type is populated.
func (p *TelemetryPoint) UnmarshalJSON(data []byte) error {
	var w pointWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Type.Known() {
		return fmt.Errorf("telemetry point: unknown value type %q", w.Type)
	}

	populated := 0
	if w.Bool != nil {
		populated++
	}
	if w.Int != nil {
		populated++
	}
	if w.Uint != nil {
		populated++
	}
	if w.Float != nil {
		populated++
	}
	if w.Str != nil {
		populated++
	}
	if w.Bytes != nil {
		populated++
	}
	if w.TimeMs != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("telemetry point: %d value slots populated, want 1", populated)
	}

	v := Value{Type: w.Type}
	switch w.Type {
	case TypeBool:
		if w.Bool == nil {
			return fmt.Errorf("telemetry point: value_type %q without bool_value", w.Type)
		}
		v.Bool = *w.Bool
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		if w.Int == nil {
			return fmt.Errorf("telemetry point: value_type %q without int_value", w.Type)
		}
		v.Int = *w.Int
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		if w.Uint == nil {
			return fmt.Errorf("telemetry point: value_type %q without uint_value", w.Type)
		}
		v.Uint = *w.Uint
	case TypeFloat32, TypeFloat64:
		if w.Float == nil {
			return fmt.Errorf("telemetry point: value_type %q without float_value", w.Type)
		}
		v.Float = *w.Float
	case TypeString:
		if w.Str == nil {
			return fmt.Errorf("telemetry point: value_type %q without string_value", w.Type)
		}
		v.Str = *w.Str
	case TypeByteArray:
		if w.Bytes == nil {
			return fmt.Errorf("telemetry point: value_type %q without bytes_value", w.Type)
		}
		v.Bytes = w.Bytes
	case TypeDateTime:
		if w.TimeMs == nil {
			return fmt.Errorf("telemetry point: value_type %q without time_value", w.Type)
		}
		v.TimeMs = *w.TimeMs
	}

	p.DeviceID = w.DeviceID
	p.TagID = w.TagID
	p.TS = w.TS
	p.Seq = w.Seq
	p.Value = v
	p.Quality = w.Quality
	p.Protocol = w.Protocol
	p.Source = w.Source
	return nil
}
