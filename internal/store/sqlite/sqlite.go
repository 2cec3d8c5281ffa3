package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/rolewatch/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	*store.SQLStore
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{SQLStore: store.NewSQLStore(d, store.DialectSQLite)}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS message_cursors(
			org_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			channel_name TEXT NOT NULL DEFAULT '',
			last_message_id TEXT NOT NULL,
			last_message_ts INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(org_id, channel_id)
		);`,
		`CREATE TABLE IF NOT EXISTS users(
			org_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY(org_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS roles(
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY(org_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS user_roles(
			org_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role_name TEXT NOT NULL,
			PRIMARY KEY(org_id, user_id, role_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_roles_role ON user_roles(org_id, role_name);`,
		`CREATE TABLE IF NOT EXISTS notifications(
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			role_name TEXT NOT NULL,
			message TEXT NOT NULL,
			sent_by TEXT NOT NULL,
			sent_to TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(org_id, channel_id, message_id, role_name)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.DB().ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
