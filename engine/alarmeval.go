package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
)

// ruleCacheTTL bounds how stale the alarm rule cache may get even without a
// revision bump.
const ruleCacheTTL = 30 * time.Second

type rocSample struct {
	ts    int64
	value float64
}

type alarmState struct {
	firstTrueTS int64
	fired       bool
	ring        []rocSample
}

type ruleCache struct {
	rules    []model.AlarmRule
	revision int64
	loaded   time.Time
}

// AlarmEvaluator turns telemetry into alarm records and groups. Live points
// enter through Enqueue and are drained by the Run goroutine, which also
// sweeps offline rules. Per-rule state is owned by that goroutine; the rule
// cache is an atomic swap so evaluation never blocks on a reload.
type AlarmEvaluator struct {
	st    *store.Store
	log   *zap.SugaredLogger
	retry config.RetryConfig
	now   func() int64

	cache atomic.Pointer[ruleCache]
	feed  chan []model.TelemetryPoint

	states   map[string]*alarmState // rule \x00 device
	lastSeen map[string]int64       // device \x00 tag
}

// NewAlarmEvaluator builds the evaluator.
func NewAlarmEvaluator(st *store.Store, retry config.RetryConfig, log *zap.SugaredLogger) *AlarmEvaluator {
	e := &AlarmEvaluator{
		st:       st,
		log:      log,
		retry:    retry,
		now:      func() int64 { return time.Now().UnixMilli() },
		feed:     make(chan []model.TelemetryPoint, 256),
		states:   make(map[string]*alarmState),
		lastSeen: make(map[string]int64),
	}
	e.cache.Store(&ruleCache{})
	return e
}

// Enqueue hands a stored batch to the evaluator goroutine. When the queue
// is full the batch is dropped with a warning; ingest never blocks on alarm
// evaluation.
func (e *AlarmEvaluator) Enqueue(points []model.TelemetryPoint) {
	select {
	case e.feed <- points:
	default:
		e.log.Warnw("alarm feed queue full, dropping batch", "points", len(points))
	}
}

// Run drains the feed queue, refreshes the rule cache and sweeps offline
// rules every second.
func (e *AlarmEvaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pts := <-e.feed:
			for _, p := range pts {
				e.HandlePoint(ctx, p)
			}
		case <-ticker.C:
			e.refreshRules(ctx)
			e.sweepOffline(ctx)
		}
	}
}

func (e *AlarmEvaluator) refreshRules(ctx context.Context) {
	cur := e.cache.Load()
	rev, err := e.st.AlarmRuleRevision(ctx)
	if err != nil {
		e.log.Warnw("alarm rule revision check failed", "err", err)
		return
	}
	if rev == cur.revision && time.Since(cur.loaded) < ruleCacheTTL && cur.rules != nil {
		return
	}
	rules, err := e.st.ListAlarmRules(ctx)
	if err != nil {
		e.log.Warnw("alarm rule reload failed, keeping cache", "err", err)
		return
	}
	e.cache.Store(&ruleCache{rules: rules, revision: rev, loaded: time.Now()})
	if rev != cur.revision {
		e.log.Infow("alarm rules reloaded", "rules", len(rules), "revision", rev)
	}
}

// Rules returns the cached rule set.
func (e *AlarmEvaluator) Rules() []model.AlarmRule { return e.cache.Load().rules }

// HandlePoint evaluates one numeric point against every matching threshold
// and roc rule. A failure on one rule never stops the others.
func (e *AlarmEvaluator) HandlePoint(ctx context.Context, p model.TelemetryPoint) {
	value, ok := p.Value.Numeric()
	if !ok {
		return
	}
	e.lastSeen[SnapKey(p.DeviceID, p.TagID)] = p.TS

	for _, rule := range e.Rules() {
		if rule.TagID != p.TagID {
			continue
		}
		if rule.DeviceID != "" && rule.DeviceID != p.DeviceID {
			continue
		}
		switch rule.RuleType {
		case model.RuleThreshold:
			e.evalThreshold(ctx, rule, p.DeviceID, p.TS, value)
		case model.RuleROC:
			e.evalROC(ctx, rule, p.DeviceID, p.TS, value)
		}
	}
}

func (e *AlarmEvaluator) state(ruleID, deviceID string) *alarmState {
	key := ruleID + "\x00" + deviceID
	st := e.states[key]
	if st == nil {
		st = &alarmState{}
		e.states[key] = st
	}
	return st
}

// evalThreshold fires once the predicate has held continuously for
// duration_ms, then stays quiet until the predicate lapses.
func (e *AlarmEvaluator) evalThreshold(ctx context.Context, rule model.AlarmRule, deviceID string, ts int64, value float64) {
	st := e.state(rule.RuleID, deviceID)
	if !Compare(rule.ConditionType, value, rule.Threshold) {
		st.firstTrueTS = 0
		st.fired = false
		return
	}
	if st.firstTrueTS == 0 {
		st.firstTrueTS = ts
	}
	if st.fired || ts-st.firstTrueTS < rule.DurationMs {
		return
	}
	st.fired = true
	e.fire(ctx, rule, deviceID, ts, value)
}

// evalROC computes the change over the ring window: last−first, as a
// percentage of first for roc_percent. Magnitude is compared so both
// directions trip the rule.
func (e *AlarmEvaluator) evalROC(ctx context.Context, rule model.AlarmRule, deviceID string, ts int64, value float64) {
	window := rule.ROCWindowMs
	if window <= 0 {
		return
	}
	st := e.state(rule.RuleID, deviceID)
	st.ring = append(st.ring, rocSample{ts: ts, value: value})
	cut := 0
	for cut < len(st.ring) && st.ring[cut].ts < ts-window {
		cut++
	}
	st.ring = st.ring[cut:]
	if len(st.ring) < 2 {
		return
	}

	first, last := st.ring[0], st.ring[len(st.ring)-1]
	delta := last.value - first.value
	roc := delta
	if rule.ConditionType == model.CondROCPercent {
		if first.value == 0 {
			return
		}
		roc = delta / first.value * 100
	}
	if abs(roc) < rule.Threshold {
		st.fired = false
		return
	}
	if st.fired {
		return
	}
	st.fired = true
	e.fire(ctx, rule, deviceID, ts, roc)
}

// sweepOffline fires offline rules whose tags went silent for more than
// threshold seconds, once per silence.
func (e *AlarmEvaluator) sweepOffline(ctx context.Context) {
	now := e.now()
	for _, rule := range e.Rules() {
		if rule.RuleType != model.RuleOffline {
			continue
		}
		for key, lastTS := range e.lastSeen {
			deviceID, tagID, ok := strings.Cut(key, "\x00")
			if !ok || tagID != rule.TagID {
				continue
			}
			if rule.DeviceID != "" && rule.DeviceID != deviceID {
				continue
			}
			st := e.state(rule.RuleID, deviceID)
			silentMs := now - lastTS
			if silentMs <= int64(rule.Threshold*1000) {
				st.fired = false
				continue
			}
			if st.fired {
				continue
			}
			st.fired = true
			e.fire(ctx, rule, deviceID, now, float64(silentMs)/1000)
		}
	}
}

// fire inserts the alarm record and attaches it to its group, retrying
// transient store failures with bounded backoff. A persistently failing
// alarm is logged and dropped.
func (e *AlarmEvaluator) fire(ctx context.Context, rule model.AlarmRule, deviceID string, ts int64, value float64) {
	now := e.now()
	rec := model.AlarmRecord{
		AlarmID:  uuid.NewString(),
		DeviceID: deviceID,
		TagID:    rule.TagID,
		TS:       ts,
		Severity: rule.Severity,
		Code:     rule.RuleID,
		Message:  formatMessage(rule, value),
		Status:   model.AlarmOpen,
		Created:  now,
		Updated:  now,
	}

	op := func() error {
		if _, err := e.st.InsertAlarm(ctx, rec); err != nil {
			return err
		}
		_, err := e.st.AttachOrCreateGroup(ctx, rec)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(e.retry.InitialDelayMs) * time.Millisecond
	bo.Multiplier = e.retry.BackoffMultiplier
	bo.MaxInterval = time.Duration(e.retry.MaxDelayMs) * time.Millisecond
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 100 * time.Millisecond
	}
	if bo.Multiplier <= 1 {
		bo.Multiplier = 2
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries(e.retry))), ctx))
	if err != nil {
		e.log.Errorw("alarm dropped after retries",
			"rule", rule.RuleID, "device", deviceID, "err", err)
		return
	}
	e.log.Infow("alarm raised",
		"rule", rule.RuleID, "device", deviceID, "tag", rule.TagID,
		"severity", rule.Severity, "value", value)
}

func maxRetries(r config.RetryConfig) int {
	if r.MaxRetries <= 0 {
		return 3
	}
	return r.MaxRetries
}

// formatMessage expands {value}, {threshold} and {tag} in the rule template,
// falling back to a generic message.
func formatMessage(rule model.AlarmRule, value float64) string {
	tpl := rule.MessageTemplate
	if tpl == "" {
		return fmt.Sprintf("%s: value %s crossed threshold %s",
			rule.TagID, trimFloat(value), trimFloat(rule.Threshold))
	}
	r := strings.NewReplacer(
		"{value}", trimFloat(value),
		"{threshold}", trimFloat(rule.Threshold),
		"{tag}", rule.TagID,
	)
	return r.Replace(tpl)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
