package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errorsx.ReasonedError{Err: errors.New("not found"), Reason: errorsx.ReasonNotFound}

// Store is the relational persistence layer backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates when missing) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS businesses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone_number TEXT UNIQUE,
		timezone TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		onboarded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		business_id TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL UNIQUE REFERENCES businesses(id) ON DELETE CASCADE,
		polar_subscription_id TEXT UNIQUE,
		polar_customer_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		minutes_limit INTEGER NOT NULL DEFAULT 0,
		minutes_used INTEGER NOT NULL DEFAULT 0,
		current_period_start INTEGER NOT NULL DEFAULT 0,
		current_period_end INTEGER NOT NULL DEFAULT 0,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_configs (
		business_id TEXT PRIMARY KEY REFERENCES businesses(id) ON DELETE CASCADE,
		elevenlabs_agent_id TEXT NOT NULL DEFAULT '',
		voice_id TEXT NOT NULL DEFAULT '',
		voice_name TEXT NOT NULL DEFAULT '',
		greeting TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'en',
		tool_ids TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
		direction TEXT NOT NULL,
		twilio_call_sid TEXT UNIQUE,
		conversation_id TEXT UNIQUE,
		from_number TEXT NOT NULL DEFAULT '',
		to_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		duration_secs INTEGER NOT NULL DEFAULT 0,
		recording_url TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_business_started ON calls(business_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS call_logs (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		message TEXT NOT NULL,
		offset_secs REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_logs_call ON call_logs(call_id, offset_secs)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
		call_id TEXT NOT NULL DEFAULT '',
		caller_name TEXT NOT NULL DEFAULT '',
		caller_number TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		source TEXT NOT NULL,
		id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (source, id)
	)`,
}

// RecordWebhookEvent stores a delivery id and reports false when it was already seen.
func (s *Store) RecordWebhookEvent(ctx context.Context, source, id, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (source, id, event_type, received_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, id) DO NOTHING`,
		source, id, eventType, toMillis(s.now()))
	if err != nil {
		return false, wrapDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDB(err)
	}
	return n == 1, nil
}

// ForgetWebhookEvent removes a delivery id so a failed delivery can be retried by the sender.
func (s *Store) ForgetWebhookEvent(ctx context.Context, source, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE source = ? AND id = ?`, source, id)
	return wrapDB(err)
}

func newID() string {
	return uuid.NewString()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errorsx.Wrap(err, errorsx.ReasonConflict)
	}
	return errorsx.Wrap(err, errorsx.ReasonDatabase)
}

type rowScanner interface {
	Scan(dest ...any) error
}
