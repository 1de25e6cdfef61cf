// Package sqlstore implements store.Store on SQLite through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-live/backend/internal/store"
)

var _ store.Store = (*SQLStore)(nil)

type SQLStore struct {
	db *sql.DB
}

// New opens the database and creates missing tables. SQLite allows one writer, so the
// pool is capped at a single connection; that also keeps ":memory:" databases shared.
func New(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.New: open")
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore.New: ping")
	}

	s := &SQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		user_id    TEXT NOT NULL,
		stream_id  TEXT NOT NULL,
		id         TEXT NOT NULL,
		role       TEXT NOT NULL,
		privileged INTEGER NOT NULL,
		can_chat   INTEGER NOT NULL,
		can_view   INTEGER NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		issued_at  INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, stream_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id          INTEGER PRIMARY KEY,
		stream_id   TEXT NOT NULL,
		sender_id   TEXT NOT NULL,
		sender_role TEXT NOT NULL,
		body        TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		deleted_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_stream ON chat_messages (stream_id, id)`,
	`CREATE TABLE IF NOT EXISTS moderation_actions (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		id                TEXT NOT NULL UNIQUE,
		stream_id         TEXT NOT NULL,
		kind              TEXT NOT NULL,
		target_message_id INTEGER NOT NULL DEFAULT 0,
		target_user_id    TEXT NOT NULL DEFAULT '',
		actor_id          TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		duration_seconds  INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_moderation_target ON moderation_actions (stream_id, target_user_id)`,
	`CREATE TABLE IF NOT EXISTS chat_requests (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		stream_id       TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		receiver_id     TEXT NOT NULL,
		initial_message TEXT,
		status          TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		decided_at      INTEGER
	)`,
	// at most one PENDING row per ordered pair
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_chat_requests_pending
		ON chat_requests (sender_id, receiver_id) WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS idx_chat_requests_receiver ON chat_requests (receiver_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS conversation_links (
		pair_key       TEXT PRIMARY KEY,
		user_a         TEXT NOT NULL,
		user_b         TEXT NOT NULL,
		request_id     TEXT NOT NULL,
		established_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS private_messages (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		pair_key    TEXT NOT NULL,
		sender_id   TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		stream_id   TEXT NOT NULL,
		body        TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		read_at     INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_private_messages_pair ON private_messages (pair_key, seq)`,
	`CREATE TABLE IF NOT EXISTS billing_ticks (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key   TEXT NOT NULL UNIQUE,
		stream_id         TEXT NOT NULL,
		viewer_id         TEXT NOT NULL,
		window_start      INTEGER NOT NULL,
		window_end        INTEGER NOT NULL,
		tokens_charged    TEXT NOT NULL,
		model_earned      TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		created_at        INTEGER NOT NULL
	)`,
}

func (s *SQLStore) createTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sqlstore.createTables: ")
		}
	}
	return nil
}

// isConflict reports a uniqueness or primary key violation.
func isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
