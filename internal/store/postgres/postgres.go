package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/rolewatch/internal/store"
)

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*store.SQLStore
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{SQLStore: store.NewSQLStore(d, store.DialectPostgres)}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS message_cursors(
			org_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			channel_name TEXT NOT NULL DEFAULT '',
			last_message_id TEXT NOT NULL,
			last_message_ts BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY(org_id, channel_id)
		);`,
		`CREATE TABLE IF NOT EXISTS users(
			org_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
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
			sent_to JSONB NOT NULL,
			channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE(org_id, channel_id, message_id, role_name)
		);`,
	}
	for _, q := range stmts {
		if _, err := p.DB().ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
