package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/model"
	"github.com/intellimaint/intellimaint/store"
)

// collectionTick is the worker cadence.
const collectionTick = 500 * time.Millisecond

type ruleState int

const (
	stateIdle ruleState = iota
	stateCollecting
	statePostBuffer
)

type collectionState struct {
	state      ruleState
	segmentID  string
	// stopStart is when the stop condition first held; 0 while it does not.
	stopStart  int64
	// postStart is when PostBuffer began.
	postStart  int64
}

// CollectionEngine drives the per-rule Idle→Collecting→PostBuffer→Idle state
// machines against the latest-value snapshot. Single goroutine; all per-rule
// state is confined to Run.
type CollectionEngine struct {
	st  *store.Store
	log *zap.SugaredLogger

	now func() int64

	rules    []model.CollectionRule
	revision int64
	states   map[string]*collectionState
}

// NewCollectionEngine builds the engine.
func NewCollectionEngine(st *store.Store, log *zap.SugaredLogger) *CollectionEngine {
	return &CollectionEngine{
		st:     st,
		log:    log,
		now:    func() int64 { return time.Now().UnixMilli() },
		states: make(map[string]*collectionState),
	}
}

// Run ticks every 500 ms until ctx is cancelled, then finalizes every active
// segment best-effort.
func (e *CollectionEngine) Run(ctx context.Context) error {
	// Segments orphaned by a previous crash stay open forever otherwise.
	e.recoverOrphans(ctx)

	ticker := time.NewTicker(collectionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *CollectionEngine) recoverOrphans(ctx context.Context) {
	open, err := e.st.OpenSegments(ctx)
	if err != nil {
		e.log.Warnw("orphan segment scan failed", "err", err)
		return
	}
	now := e.now()
	for _, seg := range open {
		if err := e.st.CloseSegment(ctx, seg.ID, now, model.SegmentFailed, seg.DataPointCount, "orphaned at startup"); err != nil {
			e.log.Warnw("orphan segment close failed", "segment", seg.ID, "err", err)
		}
	}
}

// Tick runs one evaluation pass. Exported for tests; Run is the production
// entry point.
func (e *CollectionEngine) Tick(ctx context.Context) {
	if err := e.reloadIfChanged(ctx); err != nil {
		e.log.Warnw("rule reload failed, keeping cached rules", "err", err)
	}
	if len(e.rules) == 0 {
		return
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		e.log.Warnw("snapshot refresh failed, skipping tick", "err", err)
		return
	}
	now := e.now()
	for i := range e.rules {
		e.step(ctx, &e.rules[i], snap, now)
	}
}

func (e *CollectionEngine) reloadIfChanged(ctx context.Context) error {
	rev, err := e.st.CollectionRevision(ctx)
	if err != nil {
		return err
	}
	if rev == e.revision && e.rules != nil {
		return nil
	}
	rules, err := e.st.ListCollectionRules(ctx)
	if err != nil {
		return err
	}
	e.rules = rules
	e.revision = rev
	// Drop state for rules that vanished.
	alive := make(map[string]bool, len(rules))
	for _, r := range rules {
		alive[r.RuleID] = true
	}
	for id, st := range e.states {
		if !alive[id] && st.state == stateIdle {
			delete(e.states, id)
		}
	}
	e.log.Infow("collection rules reloaded", "rules", len(rules), "revision", rev)
	return nil
}

func (e *CollectionEngine) snapshot(ctx context.Context) (Snapshot, error) {
	latest, err := e.st.LatestNumeric(ctx, "")
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(latest))
	for _, lv := range latest {
		snap[SnapKey(lv.DeviceID, lv.TagID)] = SnapValue{Value: lv.Value, TS: lv.TS}
	}
	return snap, nil
}

func (e *CollectionEngine) step(ctx context.Context, rule *model.CollectionRule, snap Snapshot, now int64) {
	st := e.states[rule.RuleID]
	if st == nil {
		st = &collectionState{}
		e.states[rule.RuleID] = st
	}

	switch st.state {
	case stateIdle:
		if !EvalCondition(rule.Start, rule.DeviceID, snap) {
			return
		}
		// Pre-buffer backdates the segment start so already-stored points
		// fall inside the window.
		startTS := now - int64(rule.Config.PreBufferSeconds)*1000
		seg, err := e.st.OpenSegment(ctx, rule.RuleID, rule.DeviceID, startTS)
		if err != nil {
			e.log.Warnw("segment open failed", "rule", rule.RuleID, "err", err)
			return
		}
		if err := e.st.IncrementTriggerCount(ctx, rule.RuleID); err != nil {
			e.log.Warnw("trigger count bump failed", "rule", rule.RuleID, "err", err)
		}
		st.state = stateCollecting
		st.segmentID = seg.ID
		st.stopStart = 0
		e.log.Infow("collection started", "rule", rule.RuleID, "segment", seg.ID, "start_ts", startTS)

	case stateCollecting:
		if !EvalCondition(rule.Stop, rule.DeviceID, snap) {
			st.stopStart = 0
			return
		}
		if st.stopStart == 0 {
			st.stopStart = now
		}
		needMs := int64(model.DurationSeconds(rule.Stop)) * 1000
		if now-st.stopStart < needMs {
			return
		}
		st.state = statePostBuffer
		st.postStart = now

	case statePostBuffer:
		if now-st.postStart < int64(rule.Config.PostBufferSeconds)*1000 {
			return
		}
		e.finalize(ctx, rule, st, now)
	}
}

func (e *CollectionEngine) finalize(ctx context.Context, rule *model.CollectionRule, st *collectionState, now int64) {
	count := e.countPoints(ctx, rule, st.segmentID, now)
	if err := e.st.CloseSegment(ctx, st.segmentID, now, model.SegmentCompleted, count, ""); err != nil {
		e.log.Warnw("segment close failed", "rule", rule.RuleID, "segment", st.segmentID, "err", err)
		// Leave the state machine in PostBuffer; the next tick retries.
		return
	}
	e.log.Infow("collection completed", "rule", rule.RuleID, "segment", st.segmentID, "points", count)
	*st = collectionState{}
}

func (e *CollectionEngine) countPoints(ctx context.Context, rule *model.CollectionRule, segID string, now int64) int64 {
	seg, err := e.st.GetSegment(ctx, segID)
	if err != nil {
		return 0
	}
	var total int64
	for _, tag := range rule.Config.TagIDs {
		ts, _, err := e.st.NumericSeries(ctx, rule.DeviceID, tag, seg.StartTS, now)
		if err != nil {
			e.log.Warnw("point count failed", "segment", segID, "tag", tag, "err", err)
			continue
		}
		total += int64(len(ts))
	}
	return total
}

// shutdown finalizes every active segment to Completed, best-effort.
func (e *CollectionEngine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := e.now()
	for i := range e.rules {
		rule := &e.rules[i]
		st := e.states[rule.RuleID]
		if st == nil || st.state == stateIdle {
			continue
		}
		e.finalize(ctx, rule, st, now)
	}
}
