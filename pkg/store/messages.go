package store

import "context"

func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, business_id, call_id, caller_name, caller_number, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.BusinessID, m.CallID, m.CallerName, m.CallerNumber, m.Body, toMillis(m.CreatedAt))
	return wrapDB(err)
}

func (s *Store) ListMessages(ctx context.Context, businessID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, call_id, caller_name, caller_number, body, created_at
		FROM messages WHERE business_id = ? ORDER BY created_at DESC LIMIT ?`, businessID, limit)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.BusinessID, &m.CallID, &m.CallerName, &m.CallerNumber, &m.Body, &created); err != nil {
			return nil, wrapDB(err)
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, wrapDB(rows.Err())
}
