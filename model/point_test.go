package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPointJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value Value
	}{
		{"bool", BoolValue(true)},
		{"int32", IntValue(TypeInt32, -42)},
		{"uint64", UintValue(TypeUInt64, 1 << 40)},
		{"float64", FloatValue(3.25)},
		{"float32", Float32Value(1.5)},
		{"string", StringValue("running")},
		{"bytes", BytesValue([]byte{0x01, 0x02})},
		{"datetime", TimeValue(1700000000000)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := TelemetryPoint{
				DeviceID: "d1", TagID: "t1", TS: 1700000000123, Seq: 7,
				Value: c.value, Quality: QualityGood, Protocol: "opcua", Source: "plc1",
			}
			data, err := json.Marshal(p)
			require.NoError(t, err)

			var got TelemetryPoint
			require.NoError(t, json.Unmarshal(data, &got))
			require.Equal(t, p, got)
			require.True(t, got.IsValid())
		})
	}
}

func TestPointUnmarshalRejectsBadSlots(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no_slot", `{"device_id":"d","tag_id":"t","ts":1,"value_type":"float64"}`},
		{"two_slots", `{"device_id":"d","tag_id":"t","ts":1,"value_type":"float64","float_value":1,"int_value":2}`},
		{"mismatched_slot", `{"device_id":"d","tag_id":"t","ts":1,"value_type":"float64","int_value":2}`},
		{"unknown_type", `{"device_id":"d","tag_id":"t","ts":1,"value_type":"complex","float_value":1}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var p TelemetryPoint
			require.Error(t, json.Unmarshal([]byte(c.body), &p))
		})
	}
}

func TestValueNumeric(t *testing.T) {
	if _, ok := StringValue("x").Numeric(); ok {
		t.Fatal("string must not be numeric")
	}
	if _, ok := BoolValue(true).Numeric(); ok {
		t.Fatal("bool must not be numeric")
	}
	v, ok := IntValue(TypeInt16, -3).Numeric()
	require.True(t, ok)
	require.Equal(t, -3.0, v)
}

func TestPageTokenRoundTrip(t *testing.T) {
	tok := PageToken{LastTS: 1700000000123, LastSeq: 42}
	parsed, err := ParsePageToken(tok.String())
	require.NoError(t, err)
	require.Equal(t, tok, parsed)

	for _, bad := range []string{"", "123", "_5", "9_", "a_b"} {
		if _, err := ParsePageToken(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestAlarmStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to AlarmStatus
		want     bool
	}{
		{AlarmOpen, AlarmAcknowledged, true},
		{AlarmOpen, AlarmClosed, true},
		{AlarmAcknowledged, AlarmClosed, true},
		{AlarmAcknowledged, AlarmOpen, false},
		{AlarmClosed, AlarmOpen, false},
		{AlarmClosed, AlarmAcknowledged, false},
		{AlarmOpen, AlarmOpen, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%v→%v = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
