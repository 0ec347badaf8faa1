package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
)

func newTestEvaluator(t *testing.T) (*AlarmEvaluator, *store.Store) {
	t.Helper()
	st := newEngineStore(t)
	eng := NewAlarmEvaluator(st, config.RetryConfig{
		MaxRetries: 2, InitialDelayMs: 1, MaxDelayMs: 5, BackoffMultiplier: 2,
	}, zap.NewNop().Sugar())
	return eng, st
}

func numPoint(ts int64, v float64) model.TelemetryPoint {
	return model.TelemetryPoint{
		DeviceID: "dev-1", TagID: "temp", TS: ts,
		Value: model.FloatValue(v), Quality: model.QualityGood,
	}
}

func deviceAlarms(t *testing.T, st *store.Store) []model.AlarmRecord {
	t.Helper()
	_, alarms, err := st.QueryAlarms(context.Background(), model.AlarmQuery{DeviceID: "dev-1"})
	require.NoError(t, err)
	return alarms
}

func TestThresholdFiresAfterDuration(t *testing.T) {
	eng, st := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-high", TagID: "temp", ConditionType: model.CondGT,
		Threshold: 100, DurationMs: 2000, Severity: 4,
		RuleType: model.RuleThreshold, Enabled: true,
	}))
	eng.refreshRules(ctx)

	eng.HandlePoint(ctx, numPoint(1000, 101))
	eng.HandlePoint(ctx, numPoint(2000, 102))
	require.Empty(t, deviceAlarms(t, st), "duration not yet met")

	eng.HandlePoint(ctx, numPoint(3000, 103))
	alarms := deviceAlarms(t, st)
	require.Len(t, alarms, 1)
	require.Equal(t, "temp-high", alarms[0].Code)
	require.Equal(t, 4, alarms[0].Severity)
	require.Equal(t, model.AlarmOpen, alarms[0].Status)

	groups, err := st.ListGroups(ctx, "dev-1", nil, 0)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, int64(1), groups[0].AlarmCount)

	// Sustained violation stays quiet.
	eng.HandlePoint(ctx, numPoint(4000, 104))
	require.Len(t, deviceAlarms(t, st), 1)

	// A dip below the threshold resets; the next sustained episode fires
	// again and lands in the same open group.
	eng.HandlePoint(ctx, numPoint(5000, 50))
	eng.HandlePoint(ctx, numPoint(6000, 105))
	eng.HandlePoint(ctx, numPoint(8000, 106))
	require.Len(t, deviceAlarms(t, st), 2)

	g, err := st.GetGroup(ctx, groups[0].GroupID)
	require.NoError(t, err)
	require.Equal(t, int64(2), g.AlarmCount)
	require.Equal(t, int64(8000), g.LastOccurred)
}

func TestThresholdMessageTemplate(t *testing.T) {
	eng, st := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-high", TagID: "temp", ConditionType: model.CondGT,
		Threshold: 100, Severity: 3, RuleType: model.RuleThreshold,
		MessageTemplate: "{tag} at {value} over {threshold}", Enabled: true,
	}))
	eng.refreshRules(ctx)

	eng.HandlePoint(ctx, numPoint(1000, 120.5))
	alarms := deviceAlarms(t, st)
	require.Len(t, alarms, 1)
	require.Equal(t, "temp at 120.5 over 100", alarms[0].Message)
}

func TestROCPercentFires(t *testing.T) {
	eng, st := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-roc", TagID: "temp", ConditionType: model.CondROCPercent,
		Threshold: 50, ROCWindowMs: 10_000, Severity: 2,
		RuleType: model.RuleROC, Enabled: true,
	}))
	eng.refreshRules(ctx)

	eng.HandlePoint(ctx, numPoint(1000, 100))
	require.Empty(t, deviceAlarms(t, st), "one sample is not a rate")

	// 100 -> 160 over the window is +60%.
	eng.HandlePoint(ctx, numPoint(2000, 160))
	alarms := deviceAlarms(t, st)
	require.Len(t, alarms, 1)
	require.Equal(t, "temp-roc", alarms[0].Code)

	// Still over: no refire.
	eng.HandlePoint(ctx, numPoint(3000, 165))
	require.Len(t, deviceAlarms(t, st), 1)
}

func TestROCMagnitudeTripsBothDirections(t *testing.T) {
	eng, st := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-roc", TagID: "temp", ConditionType: model.CondROCPercent,
		Threshold: 50, ROCWindowMs: 10_000, Severity: 2,
		RuleType: model.RuleROC, Enabled: true,
	}))
	eng.refreshRules(ctx)

	eng.HandlePoint(ctx, numPoint(1000, 100))
	eng.HandlePoint(ctx, numPoint(2000, 40))
	require.Len(t, deviceAlarms(t, st), 1, "a -60% drop trips the same rule")
}

func TestOfflineSweepFiresOnce(t *testing.T) {
	eng, st := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-offline", TagID: "temp", ConditionType: model.CondOffline,
		Threshold: 2, Severity: 3, RuleType: model.RuleOffline, Enabled: true,
	}))
	eng.refreshRules(ctx)

	eng.HandlePoint(ctx, numPoint(1000, 20))

	eng.now = func() int64 { return 2500 }
	eng.sweepOffline(ctx)
	require.Empty(t, deviceAlarms(t, st), "1.5s silence is under the 2s window")

	eng.now = func() int64 { return 5000 }
	eng.sweepOffline(ctx)
	alarms := deviceAlarms(t, st)
	require.Len(t, alarms, 1)
	require.Equal(t, "temp-offline", alarms[0].Code)

	// Still silent: the same outage never fires twice.
	eng.now = func() int64 { return 9000 }
	eng.sweepOffline(ctx)
	require.Len(t, deviceAlarms(t, st), 1)

	// Data returns, then goes silent again: new outage, new alarm.
	eng.HandlePoint(ctx, numPoint(9500, 21))
	eng.now = func() int64 { return 10_000 }
	eng.sweepOffline(ctx)
	eng.now = func() int64 { return 15_000 }
	eng.sweepOffline(ctx)
	require.Len(t, deviceAlarms(t, st), 2)
}

func TestDeviceScopedRuleIgnoresOtherDevices(t *testing.T) {
	eng, st := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-high", TagID: "temp", DeviceID: "dev-2",
		ConditionType: model.CondGT, Threshold: 100, Severity: 3,
		RuleType: model.RuleThreshold, Enabled: true,
	}))
	eng.refreshRules(ctx)

	eng.HandlePoint(ctx, numPoint(1000, 150))
	require.Empty(t, deviceAlarms(t, st))

	p := numPoint(1000, 150)
	p.DeviceID = "dev-2"
	eng.HandlePoint(ctx, p)
	_, alarms, err := st.QueryAlarms(ctx, model.AlarmQuery{DeviceID: "dev-2"})
	require.NoError(t, err)
	require.Len(t, alarms, 1)
}

func TestRuleCacheFollowsRevision(t *testing.T) {
	eng, st := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-high", TagID: "temp", ConditionType: model.CondGT,
		Threshold: 100, Severity: 3, RuleType: model.RuleThreshold,
		Enabled: true, UpdatedUTC: 1000,
	}))
	eng.refreshRules(ctx)
	require.Len(t, eng.Rules(), 1)

	require.NoError(t, st.UpsertAlarmRule(ctx, model.AlarmRule{
		RuleID: "temp-low", TagID: "temp", ConditionType: model.CondLT,
		Threshold: 5, Severity: 2, RuleType: model.RuleThreshold,
		Enabled: true, UpdatedUTC: 2000,
	}))
	eng.refreshRules(ctx)
	require.Len(t, eng.Rules(), 2)
}
