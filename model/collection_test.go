package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConditionLegacyForm(t *testing.T) {
	raw := `{"logic":"AND","items":[
		{"type":"tag","tag":"pressure","operator":"gte","value":10},
		{"type":"duration","seconds":2}]}`

	c, err := ParseCondition([]byte(raw))
	require.NoError(t, err)

	and, ok := c.(And)
	require.True(t, ok)
	require.Len(t, and.Items, 2)
	require.Equal(t, TagPred{TagID: "pressure", Op: CondGTE, Value: 10}, and.Items[0])
	require.Equal(t, Duration{Seconds: 2}, and.Items[1])
	require.Equal(t, 2, DurationSeconds(c))
}

func TestParseConditionEmpty(t *testing.T) {
	for _, raw := range []string{"", "null"} {
		c, err := ParseCondition([]byte(raw))
		require.NoError(t, err)
		and, ok := c.(And)
		require.True(t, ok)
		require.Empty(t, and.Items)
	}
}

func TestParseConditionErrors(t *testing.T) {
	cases := []string{
		`{"logic":"XOR","items":[]}`,
		`{"logic":"AND","items":[{"type":"tag","tag":"t","operator":"contains","value":1}]}`,
		`{"logic":"AND","items":[{"type":"window","seconds":5}]}`,
		`{bad json`,
	}
	for _, raw := range cases {
		if _, err := ParseCondition([]byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestConditionEncodeRoundTrip(t *testing.T) {
	orig := Or{Items: []Condition{
		TagPred{TagID: "temp", Op: CondGT, Value: 80},
		TagPred{TagID: "speed", Op: CondEQ, Value: 0},
		Duration{Seconds: 5},
	}}
	data, err := EncodeCondition(orig)
	require.NoError(t, err)
	back, err := ParseCondition(data)
	require.NoError(t, err)
	require.Equal(t, Condition(orig), back)
}
