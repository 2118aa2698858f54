package store

import (
	"context"
	"database/sql"
	"fmt"
)

const callColumns = `id, business_id, direction, twilio_call_sid, conversation_id, from_number, to_number, status,
	duration_secs, recording_url, summary, started_at, ended_at, updated_at`

func (s *Store) CreateCall(ctx context.Context, c *Call) error {
	if c.ID == "" {
		c.ID = newID()
	}
	now := s.now().UTC()
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.Status == "" {
		c.Status = CallQueued
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.BusinessID, string(c.Direction), nullString(c.TwilioCallSID), nullString(c.ConversationID),
		c.FromNumber, c.ToNumber, string(c.Status), c.DurationSecs, c.RecordingURL, c.Summary,
		toMillis(c.StartedAt), nullMillis(c.EndedAt), toMillis(c.UpdatedAt))
	return wrapDB(err)
}

// UpdateCall persists the mutable fields of a call.
func (s *Store) UpdateCall(ctx context.Context, c *Call) error {
	c.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET twilio_call_sid = ?, conversation_id = ?, status = ?, duration_secs = ?, recording_url = ?,
			summary = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(c.TwilioCallSID), nullString(c.ConversationID), string(c.Status), c.DurationSecs, c.RecordingURL,
		c.Summary, nullMillis(c.EndedAt), toMillis(c.UpdatedAt), c.ID)
	if err != nil {
		return wrapDB(err)
	}
	return expectOne(res)
}

func (s *Store) SetCallSummary(ctx context.Context, callID, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, toMillis(s.now()), callID)
	if err != nil {
		return wrapDB(err)
	}
	return expectOne(res)
}

// ListCallsMissingSummary returns the ids of calls that have a transcript but
// no summary yet, oldest first.
func (s *Store) ListCallsMissingSummary(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM calls c
		WHERE c.summary = '' AND EXISTS (SELECT 1 FROM call_logs l WHERE l.call_id = c.id)
		ORDER BY c.started_at, c.id LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDB(err)
		}
		ids = append(ids, id)
	}
	return ids, wrapDB(rows.Err())
}

func (s *Store) GetCall(ctx context.Context, id string) (*Call, error) {
	return scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
}

func (s *Store) FindCallBySID(ctx context.Context, sid string) (*Call, error) {
	return scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE twilio_call_sid = ?`, sid))
}

func (s *Store) FindCallByConversationID(ctx context.Context, conversationID string) (*Call, error) {
	return scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE conversation_id = ?`, conversationID))
}

// ListCalls returns a page of a business's calls, newest first, and the total matching count.
func (s *Store) ListCalls(ctx context.Context, businessID string, f CallFilter) ([]Call, int, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	where := `WHERE business_id = ?`
	args := []any{businessID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls `+where, args...).Scan(&total); err != nil {
		return nil, 0, wrapDB(err)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM calls %s ORDER BY started_at DESC LIMIT ? OFFSET ?`, callColumns, where),
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, wrapDB(err)
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, wrapDB(rows.Err())
}

// ReplaceCallLogs swaps the transcript of a call in one transaction so webhook
// redeliveries do not duplicate lines.
func (s *Store) ReplaceCallLogs(ctx context.Context, callID string, logs []CallLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM call_logs WHERE call_id = ?`, callID); err != nil {
		return wrapDB(err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO call_logs (id, call_id, role, message, offset_secs, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapDB(err)
	}
	defer stmt.Close()
	now := s.now().UTC()
	for i := range logs {
		l := &logs[i]
		if l.ID == "" {
			l.ID = newID()
		}
		l.CallID = callID
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, l.ID, callID, string(l.Role), l.Message, l.OffsetSecs, toMillis(l.CreatedAt)); err != nil {
			return wrapDB(err)
		}
	}
	return wrapDB(tx.Commit())
}

func (s *Store) ListCallLogs(ctx context.Context, callID string) ([]CallLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, role, message, offset_secs, created_at
		FROM call_logs WHERE call_id = ? ORDER BY offset_secs, rowid`, callID)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	var out []CallLog
	for rows.Next() {
		var (
			l       CallLog
			role    string
			created int64
		)
		if err := rows.Scan(&l.ID, &l.CallID, &role, &l.Message, &l.OffsetSecs, &created); err != nil {
			return nil, wrapDB(err)
		}
		l.Role = LogRole(role)
		l.CreatedAt = fromMillis(created)
		out = append(out, l)
	}
	return out, wrapDB(rows.Err())
}

func scanCall(row rowScanner) (*Call, error) {
	var (
		c                Call
		direction        string
		status           string
		sid, convID      sql.NullString
		started, updated int64
		ended            sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.BusinessID, &direction, &sid, &convID, &c.FromNumber, &c.ToNumber, &status,
		&c.DurationSecs, &c.RecordingURL, &c.Summary, &started, &ended, &updated)
	if err != nil {
		return nil, wrapDB(err)
	}
	c.Direction = CallDirection(direction)
	c.Status = CallStatus(status)
	c.TwilioCallSID = sid.String
	c.ConversationID = convID.String
	c.StartedAt = fromMillis(started)
	c.EndedAt = timePtr(ended)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}
