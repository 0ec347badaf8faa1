package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intellimaint/intellimaint/model"
)

type collectionRuleRow struct {
	RuleID       string `db:"rule_id"`
	DeviceID     string `db:"device_id"`
	StartCond    string `db:"start_condition"`
	StopCond     string `db:"stop_condition"`
	Config       string `db:"collection_config"`
	PostActions  string `db:"post_actions"`
	Enabled      bool   `db:"enabled"`
	TriggerCount int64  `db:"trigger_count"`
	UpdatedUTC   int64  `db:"updated_utc"`
}

// toModel decodes a stored rule. Unparseable conditions degrade to an empty
// And, which never matches, so one bad rule cannot stall the engine.
func (r collectionRuleRow) toModel() (model.CollectionRule, error) {
	var condErr error
	start, err := model.ParseCondition([]byte(r.StartCond))
	if err != nil {
		start, condErr = model.And{}, fmt.Errorf("rule %s start: %w", r.RuleID, err)
	}
	stop, err := model.ParseCondition([]byte(r.StopCond))
	if err != nil {
		stop, condErr = model.And{}, fmt.Errorf("rule %s stop: %w", r.RuleID, err)
	}
	out := model.CollectionRule{
		RuleID: r.RuleID, DeviceID: r.DeviceID, Start: start, Stop: stop,
		Enabled: r.Enabled, TriggerCount: r.TriggerCount, UpdatedUTC: r.UpdatedUTC,
	}
	if r.Config != "" {
		if err := json.Unmarshal([]byte(r.Config), &out.Config); err != nil {
			return model.CollectionRule{}, fmt.Errorf("rule %s config: %w", r.RuleID, err)
		}
	}
	if r.PostActions != "" {
		if err := json.Unmarshal([]byte(r.PostActions), &out.PostActions); err != nil {
			return model.CollectionRule{}, fmt.Errorf("rule %s post_actions: %w", r.RuleID, err)
		}
	}
	return out, condErr
}

// UpsertCollectionRule stores a rule; conditions are encoded into the legacy
// JSON wire form.
func (s *Store) UpsertCollectionRule(ctx context.Context, r model.CollectionRule) error {
	start, err := model.EncodeCondition(r.Start)
	if err != nil {
		return &Error{Code: model.ErrValidation, Op: "upsert_collection_rule", Err: err}
	}
	stop, err := model.EncodeCondition(r.Stop)
	if err != nil {
		return &Error{Code: model.ErrValidation, Op: "upsert_collection_rule", Err: err}
	}
	cfg, _ := json.Marshal(r.Config)
	actions, _ := json.Marshal(r.PostActions)
	if r.UpdatedUTC == 0 {
		r.UpdatedUTC = time.Now().UnixMilli()
	}
	started := time.Now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO collection_rules (rule_id, device_id, start_condition, stop_condition, collection_config, post_actions, enabled, trigger_count, updated_utc) "+
			"VALUES (?,?,?,?,?,?,?,?,?) "+
			"ON CONFLICT (rule_id) DO UPDATE SET device_id = excluded.device_id, start_condition = excluded.start_condition, "+
			"stop_condition = excluded.stop_condition, collection_config = excluded.collection_config, post_actions = excluded.post_actions, "+
			"enabled = excluded.enabled, updated_utc = excluded.updated_utc"),
		r.RuleID, r.DeviceID, string(start), string(stop), string(cfg), string(actions),
		r.Enabled, r.TriggerCount, r.UpdatedUTC)
	return s.wrap("upsert_collection_rule", started, err)
}

// ListCollectionRules returns every enabled rule. Rules with unparseable
// conditions are kept with never-matching conditions and logged; rules with
// corrupt config payloads are skipped.
func (s *Store) ListCollectionRules(ctx context.Context) ([]model.CollectionRule, error) {
	started := time.Now()
	var rows []collectionRuleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT rule_id, device_id, start_condition, stop_condition, collection_config, post_actions, enabled, trigger_count, updated_utc "+
			"FROM collection_rules WHERE enabled = ? ORDER BY rule_id"), true)
	if err != nil {
		return nil, s.wrap("list_collection_rules", started, err)
	}
	out := make([]model.CollectionRule, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			if m.RuleID == "" {
				s.log.Warnw("skipping corrupt collection rule", "rule_id", r.RuleID, "err", err)
				continue
			}
			s.log.Warnw("collection rule condition unparseable, disabled until fixed",
				"rule_id", r.RuleID, "err", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// IncrementTriggerCount bumps the rule's lifetime trigger counter.
func (s *Store) IncrementTriggerCount(ctx context.Context, ruleID string) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE collection_rules SET trigger_count = trigger_count + 1 WHERE rule_id = ?"), ruleID)
	return s.wrap("increment_trigger_count", started, err)
}

// CollectionRevision returns the newest updated_utc across rules; the
// engine compares it against its cached copy before reloading.
func (s *Store) CollectionRevision(ctx context.Context) (int64, error) {
	started := time.Now()
	var rev sql.NullInt64
	err := s.db.GetContext(ctx, &rev, "SELECT MAX(updated_utc) FROM collection_rules")
	if err != nil {
		return 0, s.wrap("collection_revision", started, err)
	}
	return rev.Int64, nil
}

type segmentRow struct {
	ID             string `db:"id"`
	RuleID         string `db:"rule_id"`
	DeviceID       string `db:"device_id"`
	StartTS        int64  `db:"start_ts"`
	EndTS          int64  `db:"end_ts"`
	Status         string `db:"status"`
	DataPointCount int64  `db:"data_point_count"`
	Metadata       string `db:"metadata"`
}

func (r segmentRow) toModel() model.CollectionSegment {
	return model.CollectionSegment{
		ID: r.ID, RuleID: r.RuleID, DeviceID: r.DeviceID,
		StartTS: r.StartTS, EndTS: r.EndTS, Status: model.SegmentStatus(r.Status),
		DataPointCount: r.DataPointCount, Metadata: r.Metadata,
	}
}

// OpenSegment creates a new collecting segment for a rule. At most one
// segment per rule may be collecting; a second open attempt fails with
// E_CONFLICT.
func (s *Store) OpenSegment(ctx context.Context, ruleID, deviceID string, startTS int64) (model.CollectionSegment, error) {
	started := time.Now()
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		"SELECT COUNT(*) FROM collection_segments WHERE rule_id = ? AND status = ?"),
		ruleID, string(model.SegmentCollecting))
	if err != nil {
		return model.CollectionSegment{}, s.wrap("open_segment", started, err)
	}
	if n > 0 {
		return model.CollectionSegment{}, &Error{
			Code: model.ErrConflict, Op: "open_segment",
			Err: fmt.Errorf("rule %s already collecting", ruleID),
		}
	}
	seg := model.CollectionSegment{
		ID: uuid.NewString(), RuleID: ruleID, DeviceID: deviceID,
		StartTS: startTS, Status: model.SegmentCollecting,
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO collection_segments (id, rule_id, device_id, start_ts, end_ts, status, data_point_count, metadata) "+
			"VALUES (?,?,?,?,0,?,0,'')"),
		seg.ID, seg.RuleID, seg.DeviceID, seg.StartTS, string(seg.Status))
	if err != nil {
		return model.CollectionSegment{}, s.wrap("open_segment", started, err)
	}
	return seg, nil
}

// CloseSegment finalizes a collecting segment with its end timestamp,
// terminal status and recorded point count.
func (s *Store) CloseSegment(ctx context.Context, segID string, endTS int64, status model.SegmentStatus, pointCount int64, metadata string) error {
	if status != model.SegmentCompleted && status != model.SegmentFailed {
		return &Error{Code: model.ErrValidation, Op: "close_segment",
			Err: fmt.Errorf("status %q is not terminal", status)}
	}
	started := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE collection_segments SET end_ts = ?, status = ?, data_point_count = ?, metadata = ? "+
			"WHERE id = ? AND status = ?"),
		endTS, string(status), pointCount, metadata, segID, string(model.SegmentCollecting))
	if err != nil {
		return s.wrap("close_segment", started, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &Error{Code: model.ErrNotFound, Op: "close_segment",
			Err: fmt.Errorf("segment %s not collecting", segID)}
	}
	return nil
}

// OpenSegments returns every segment still collecting; used on startup to
// finalize segments orphaned by a crash.
func (s *Store) OpenSegments(ctx context.Context) ([]model.CollectionSegment, error) {
	started := time.Now()
	var rows []segmentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT id, rule_id, device_id, start_ts, end_ts, status, data_point_count, metadata "+
			"FROM collection_segments WHERE status = ?"), string(model.SegmentCollecting))
	if err != nil {
		return nil, s.wrap("open_segments", started, err)
	}
	out := make([]model.CollectionSegment, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// SegmentsForRule lists a rule's segments newest first.
func (s *Store) SegmentsForRule(ctx context.Context, ruleID string, limit int) ([]model.CollectionSegment, error) {
	if limit <= 0 {
		limit = 50
	}
	started := time.Now()
	var rows []segmentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT id, rule_id, device_id, start_ts, end_ts, status, data_point_count, metadata "+
			"FROM collection_segments WHERE rule_id = ? ORDER BY start_ts DESC LIMIT ?"), ruleID, limit)
	if err != nil {
		return nil, s.wrap("segments_for_rule", started, err)
	}
	out := make([]model.CollectionSegment, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// CompletedSegmentsSince lists segments completed at or after sinceTS,
// oldest first; the cycle sweep uses it to pick up newly finished captures.
func (s *Store) CompletedSegmentsSince(ctx context.Context, sinceTS int64) ([]model.CollectionSegment, error) {
	started := time.Now()
	var rows []segmentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT id, rule_id, device_id, start_ts, end_ts, status, data_point_count, metadata "+
			"FROM collection_segments WHERE status = ? AND end_ts >= ? ORDER BY end_ts ASC"),
		string(model.SegmentCompleted), sinceTS)
	if err != nil {
		return nil, s.wrap("completed_segments_since", started, err)
	}
	out := make([]model.CollectionSegment, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetSegment fetches one segment by id.
func (s *Store) GetSegment(ctx context.Context, segID string) (*model.CollectionSegment, error) {
	started := time.Now()
	var r segmentRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		"SELECT id, rule_id, device_id, start_ts, end_ts, status, data_point_count, metadata "+
			"FROM collection_segments WHERE id = ?"), segID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Code: model.ErrNotFound, Op: "get_segment", Err: err}
	}
	if err != nil {
		return nil, s.wrap("get_segment", started, err)
	}
	m := r.toModel()
	return &m, nil
}

// DeleteSegmentsBefore removes terminal segments whose start is older than
// cutoff.
func (s *Store) DeleteSegmentsBefore(ctx context.Context, cutoff int64) (int64, error) {
	started := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM collection_segments WHERE start_ts < ? AND status <> ?"),
		cutoff, string(model.SegmentCollecting))
	if err != nil {
		return 0, s.wrap("delete_segments", started, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
