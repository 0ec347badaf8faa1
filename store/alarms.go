package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intellimaint/intellimaint/model"
)

type alarmRow struct {
	RowID    int64  `db:"rowid_key"`
	AlarmID  string `db:"alarm_id"`
	DeviceID string `db:"device_id"`
	TagID    string `db:"tag_id"`
	TS       int64  `db:"ts"`
	Severity int    `db:"severity"`
	Code     string `db:"code"`
	Message  string `db:"message"`
	Status   int    `db:"status"`
	Created  int64  `db:"created"`
	Updated  int64  `db:"updated"`
	AckedBy  string `db:"acked_by"`
	AckedTS  int64  `db:"acked_ts"`
	AckNote  string `db:"ack_note"`
}

func (r alarmRow) toModel() model.AlarmRecord {
	return model.AlarmRecord{
		AlarmID: r.AlarmID, DeviceID: r.DeviceID, TagID: r.TagID, TS: r.TS,
		Severity: r.Severity, Code: r.Code, Message: r.Message,
		Status: model.AlarmStatus(r.Status), Created: r.Created, Updated: r.Updated,
		AckedBy: r.AckedBy, AckedTS: r.AckedTS, AckNote: r.AckNote,
	}
}

// InsertAlarm stores a raw alarm, idempotent on (alarm_id, ts). Returns
// false when the record already existed.
func (s *Store) InsertAlarm(ctx context.Context, a model.AlarmRecord) (bool, error) {
	if a.AlarmID == "" {
		a.AlarmID = uuid.NewString()
	}
	started := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO alarms (alarm_id, device_id, tag_id, ts, severity, code, message, status, created, updated, acked_by, acked_ts, ack_note) "+
			"VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (alarm_id, ts) DO NOTHING"),
		a.AlarmID, a.DeviceID, a.TagID, a.TS, a.Severity, a.Code, a.Message,
		int(a.Status), a.Created, a.Updated, a.AckedBy, a.AckedTS, a.AckNote)
	if err != nil {
		return false, s.wrap("insert_alarm", started, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetAlarm fetches one alarm by id.
func (s *Store) GetAlarm(ctx context.Context, alarmID string) (*model.AlarmRecord, error) {
	started := time.Now()
	var r alarmRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		"SELECT rowid_key, alarm_id, device_id, tag_id, ts, severity, code, message, status, created, updated, acked_by, acked_ts, ack_note "+
			"FROM alarms WHERE alarm_id = ?"), alarmID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Code: model.ErrNotFound, Op: "get_alarm", Err: err}
	}
	if err != nil {
		return nil, s.wrap("get_alarm", started, err)
	}
	m := r.toModel()
	return &m, nil
}

// AckAlarm transitions an alarm to Acknowledged. Acking a Closed alarm is a
// no-op (logical conflict, swallowed); acking twice keeps the first ack's
// metadata. Returns the resulting status.
func (s *Store) AckAlarm(ctx context.Context, alarmID, user, note string) (model.AlarmStatus, error) {
	started := time.Now()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE alarms SET status = ?, acked_by = ?, acked_ts = ?, ack_note = ?, updated = ? "+
			"WHERE alarm_id = ? AND status = ?"),
		int(model.AlarmAcknowledged), user, now, note, now, alarmID, int(model.AlarmOpen))
	if err != nil {
		return 0, s.wrap("ack_alarm", started, err)
	}
	a, err := s.GetAlarm(ctx, alarmID)
	if err != nil {
		return 0, err
	}
	return a.Status, nil
}

// CloseAlarm transitions an alarm to Closed; terminal and idempotent.
func (s *Store) CloseAlarm(ctx context.Context, alarmID string) error {
	started := time.Now()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE alarms SET status = ?, updated = ? WHERE alarm_id = ? AND status <> ?"),
		int(model.AlarmClosed), now, alarmID, int(model.AlarmClosed))
	return s.wrap("close_alarm", started, err)
}

// QueryAlarms pages alarm records ordered by (ts, rowid) descending; the
// internal rowid serves the seq role in cursors.
func (s *Store) QueryAlarms(ctx context.Context, q model.AlarmQuery) (model.PagedResult, []model.AlarmRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var sb strings.Builder
	sb.WriteString("SELECT rowid_key, alarm_id, device_id, tag_id, ts, severity, code, message, status, created, updated, acked_by, acked_ts, ack_note FROM alarms WHERE 1=1")
	var args []any
	if q.DeviceID != "" {
		sb.WriteString(" AND device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.Code != "" {
		sb.WriteString(" AND code = ?")
		args = append(args, q.Code)
	}
	if q.Status != nil {
		sb.WriteString(" AND status = ?")
		args = append(args, int(*q.Status))
	}
	if q.StartTS > 0 {
		sb.WriteString(" AND ts >= ?")
		args = append(args, q.StartTS)
	}
	if q.EndTS > 0 {
		sb.WriteString(" AND ts <= ?")
		args = append(args, q.EndTS)
	}
	if q.After != nil {
		sb.WriteString(" AND (ts < ? OR (ts = ? AND rowid_key < ?))")
		args = append(args, q.After.LastTS, q.After.LastTS, q.After.LastSeq)
	}
	sb.WriteString(" ORDER BY ts DESC, rowid_key DESC LIMIT ?")
	args = append(args, limit+1)

	started := time.Now()
	var rows []alarmRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(sb.String()), args...); err != nil {
		return model.PagedResult{}, nil, s.wrap("query_alarms", started, err)
	}
	page := model.PagedResult{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	out := make([]model.AlarmRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	if page.HasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		page.NextToken = &model.PageToken{LastTS: last.TS, LastSeq: last.RowID}
	}
	return page, out, nil
}

// OpenAlarmCount counts non-closed alarms, optionally for one device.
func (s *Store) OpenAlarmCount(ctx context.Context, deviceID string) (int64, error) {
	started := time.Now()
	query := "SELECT COUNT(*) FROM alarms WHERE status <> ?"
	args := []any{int(model.AlarmClosed)}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, s.wrap("open_alarm_count", started, err)
	}
	return n, nil
}

// OpenAlarmsInWindow returns non-closed alarms for a device raised in
// [startTS, endTS]; feeds the health alarm score.
func (s *Store) OpenAlarmsInWindow(ctx context.Context, deviceID string, startTS, endTS int64) ([]model.AlarmRecord, error) {
	started := time.Now()
	var rows []alarmRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT rowid_key, alarm_id, device_id, tag_id, ts, severity, code, message, status, created, updated, acked_by, acked_ts, ack_note "+
			"FROM alarms WHERE device_id = ? AND status <> ? AND ts >= ? AND ts <= ? ORDER BY ts ASC"),
		deviceID, int(model.AlarmClosed), startTS, endTS)
	if err != nil {
		return nil, s.wrap("open_alarms_window", started, err)
	}
	out := make([]model.AlarmRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

type groupRow struct {
	GroupID       string `db:"group_id"`
	DeviceID      string `db:"device_id"`
	RuleID        string `db:"rule_id"`
	Status        int    `db:"status"`
	AlarmCount    int64  `db:"alarm_count"`
	FirstOccurred int64  `db:"first_occurred"`
	LastOccurred  int64  `db:"last_occurred"`
	Severity      int    `db:"severity"`
	AckedBy       string `db:"acked_by"`
	AckedTS       int64  `db:"acked_ts"`
	AckNote       string `db:"ack_note"`
}

func (r groupRow) toModel() model.AlarmGroup {
	return model.AlarmGroup{
		GroupID: r.GroupID, DeviceID: r.DeviceID, RuleID: r.RuleID,
		Status: model.AlarmStatus(r.Status), AlarmCount: r.AlarmCount,
		FirstOccurred: r.FirstOccurred, LastOccurred: r.LastOccurred,
		Severity: r.Severity, AckedBy: r.AckedBy, AckedTS: r.AckedTS, AckNote: r.AckNote,
	}
}

// AttachOrCreateGroup attaches an alarm to the open group for
// (device_id, rule_id), creating the group when none is open. The group's
// count, last_occurred and max severity are maintained here so the
// alarm_count == child-rows invariant holds.
func (s *Store) AttachOrCreateGroup(ctx context.Context, a model.AlarmRecord) (model.AlarmGroup, error) {
	started := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.AlarmGroup{}, s.wrap("attach_group", started, err)
	}
	defer func() { _ = tx.Rollback() }()

	var g groupRow
	err = tx.GetContext(ctx, &g, tx.Rebind(
		"SELECT group_id, device_id, rule_id, status, alarm_count, first_occurred, last_occurred, severity, acked_by, acked_ts, ack_note "+
			"FROM alarm_groups WHERE device_id = ? AND rule_id = ? AND status <> ? "+
			"ORDER BY first_occurred DESC LIMIT 1"),
		a.DeviceID, a.Code, int(model.AlarmClosed))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		g = groupRow{
			GroupID: uuid.NewString(), DeviceID: a.DeviceID, RuleID: a.Code,
			Status: int(model.AlarmOpen), FirstOccurred: a.TS, LastOccurred: a.TS,
			Severity: a.Severity,
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO alarm_groups (group_id, device_id, rule_id, status, alarm_count, first_occurred, last_occurred, severity) "+
				"VALUES (?,?,?,?,0,?,?,?)"),
			g.GroupID, g.DeviceID, g.RuleID, g.Status, g.FirstOccurred, g.LastOccurred, g.Severity)
		if err != nil {
			return model.AlarmGroup{}, s.wrap("attach_group", started, err)
		}
	case err != nil:
		return model.AlarmGroup{}, s.wrap("attach_group", started, err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(
		"INSERT INTO alarm_to_group (group_id, alarm_id) VALUES (?,?) ON CONFLICT (group_id, alarm_id) DO NOTHING"),
		g.GroupID, a.AlarmID)
	if err != nil {
		return model.AlarmGroup{}, s.wrap("attach_group", started, err)
	}
	attached, _ := res.RowsAffected()

	if attached > 0 {
		g.AlarmCount++
		if a.TS > g.LastOccurred {
			g.LastOccurred = a.TS
		}
		// Severity only rises; there is no downgrade path.
		if a.Severity > g.Severity {
			g.Severity = a.Severity
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			"UPDATE alarm_groups SET alarm_count = ?, last_occurred = ?, severity = ? WHERE group_id = ?"),
			g.AlarmCount, g.LastOccurred, g.Severity, g.GroupID)
		if err != nil {
			return model.AlarmGroup{}, s.wrap("attach_group", started, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.AlarmGroup{}, s.wrap("attach_group", started, err)
	}
	return g.toModel(), nil
}

// GetGroup fetches one group by id.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*model.AlarmGroup, error) {
	started := time.Now()
	var g groupRow
	err := s.db.GetContext(ctx, &g, s.db.Rebind(
		"SELECT group_id, device_id, rule_id, status, alarm_count, first_occurred, last_occurred, severity, acked_by, acked_ts, ack_note "+
			"FROM alarm_groups WHERE group_id = ?"), groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Code: model.ErrNotFound, Op: "get_group", Err: err}
	}
	if err != nil {
		return nil, s.wrap("get_group", started, err)
	}
	m := g.toModel()
	return &m, nil
}

// ListGroups returns groups newest first, optionally scoped to one device
// and one status.
func (s *Store) ListGroups(ctx context.Context, deviceID string, status *model.AlarmStatus, limit int) ([]model.AlarmGroup, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	started := time.Now()
	query := "SELECT group_id, device_id, rule_id, status, alarm_count, first_occurred, last_occurred, severity, acked_by, acked_ts, ack_note " +
		"FROM alarm_groups WHERE 1 = 1"
	var args []any
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	if status != nil {
		query += " AND status = ?"
		args = append(args, int(*status))
	}
	query += " ORDER BY last_occurred DESC LIMIT ?"
	args = append(args, limit)
	var rows []groupRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, s.wrap("list_groups", started, err)
	}
	out := make([]model.AlarmGroup, len(rows))
	for i, g := range rows {
		out[i] = g.toModel()
	}
	return out, nil
}

// GroupAlarmIDs lists the child alarm ids of a group.
func (s *Store) GroupAlarmIDs(ctx context.Context, groupID string) ([]string, error) {
	started := time.Now()
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
		"SELECT alarm_id FROM alarm_to_group WHERE group_id = ?"), groupID)
	if err != nil {
		return nil, s.wrap("group_alarm_ids", started, err)
	}
	return ids, nil
}

// AckGroup acknowledges a group and every non-closed child alarm.
func (s *Store) AckGroup(ctx context.Context, groupID, user, note string) error {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Status == model.AlarmClosed {
		return &Error{Code: model.ErrConflict, Op: "ack_group", Err: errors.New("group closed")}
	}
	started := time.Now()
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE alarm_groups SET status = ?, acked_by = ?, acked_ts = ?, ack_note = ? WHERE group_id = ? AND status = ?"),
		int(model.AlarmAcknowledged), user, now, note, groupID, int(model.AlarmOpen))
	if err != nil {
		return s.wrap("ack_group", started, err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE alarms SET status = ?, acked_by = ?, acked_ts = ?, ack_note = ?, updated = ? "+
			"WHERE status = ? AND alarm_id IN (SELECT alarm_id FROM alarm_to_group WHERE group_id = ?)"),
		int(model.AlarmAcknowledged), user, now, note, now, int(model.AlarmOpen), groupID)
	return s.wrap("ack_group", started, err)
}

// CloseGroup closes a group and every non-closed child alarm.
func (s *Store) CloseGroup(ctx context.Context, groupID string) error {
	started := time.Now()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE alarm_groups SET status = ? WHERE group_id = ? AND status <> ?"),
		int(model.AlarmClosed), groupID, int(model.AlarmClosed))
	if err != nil {
		return s.wrap("close_group", started, err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE alarms SET status = ?, updated = ? "+
			"WHERE status <> ? AND alarm_id IN (SELECT alarm_id FROM alarm_to_group WHERE group_id = ?)"),
		int(model.AlarmClosed), now, int(model.AlarmClosed), groupID)
	return s.wrap("close_group", started, err)
}

// DeleteAlarmsBefore removes alarms (and their group links) older than
// cutoff.
func (s *Store) DeleteAlarmsBefore(ctx context.Context, cutoff int64) (int64, error) {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM alarm_to_group WHERE alarm_id IN (SELECT alarm_id FROM alarms WHERE ts < ?)"), cutoff)
	if err != nil {
		return 0, s.wrap("delete_alarms", started, err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM alarms WHERE ts < ?"), cutoff)
	if err != nil {
		return 0, s.wrap("delete_alarms", started, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
