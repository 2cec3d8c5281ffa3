package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the placeholder style of SQLSink statements.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to the mention_history table. A row is unique on
// (event, org, channel, message, role), so redelivered events are dropped.
// The sqlite and postgres packages open the connection.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink takes ownership of db and creates the table if missing.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("nil database")
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mention_history(
			occurred_at_ms BIGINT NOT NULL,
			event TEXT NOT NULL,
			org_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			channel_name TEXT NOT NULL,
			message_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			role TEXT NOT NULL,
			outcome TEXT NOT NULL,
			recipients INTEGER NOT NULL,
			PRIMARY KEY(event, org_id, channel_id, message_id, role)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mention_history_org_time ON mention_history(org_id, occurred_at_ms);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mention_history(occurred_at_ms, event, org_id, channel_id, channel_name, message_id, author_id, role, outcome, recipients)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event, org_id, channel_id, message_id, role) DO NOTHING;`),
		e.OccurredAt.UTC().UnixMilli(), string(e.Type), e.OrgID, e.ChannelID, e.ChannelName, e.MessageID, e.AuthorID, e.Role, e.Outcome, e.Recipients)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Type, err)
	}
	return nil
}

// Recent returns up to limit events of an organization, newest first.
func (s *SQLSink) Recent(ctx context.Context, orgID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT occurred_at_ms, event, org_id, channel_id, channel_name, message_id, author_id, role, outcome, recipients
		FROM mention_history WHERE org_id=?
		ORDER BY occurred_at_ms DESC, message_id DESC LIMIT ?;`), orgID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e  Event
			ms int64
			ev string
		)
		if err := rows.Scan(&ms, &ev, &e.OrgID, &e.ChannelID, &e.ChannelName, &e.MessageID, &e.AuthorID, &e.Role, &e.Outcome, &e.Recipients); err != nil {
			return nil, err
		}
		e.OccurredAt = time.UnixMilli(ms).UTC()
		e.Type = EventType(ev)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }

func (s *SQLSink) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
