package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect selects placeholder style for SQLStore queries.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements the cursor, notification and admin operations on top
// of database/sql. Dialect specific packages own the connection and schema.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the underlying handle (used for seeding users and roles).
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) GetCursor(ctx context.Context, orgID, channelID string) (Cursor, bool, error) {
	row := s.queryRow(ctx, `
		SELECT org_id, channel_id, channel_name, last_message_id, last_message_ts, updated_at
		FROM message_cursors
		WHERE org_id=? AND channel_id=?;`, orgID, channelID)
	c, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

func (s *SQLStore) SetCursor(ctx context.Context, c Cursor) error {
	if c.OrgID == "" || c.ChannelID == "" || c.LastMessageID == "" {
		return errors.New("cursor requires org, channel and message id")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	res, err := s.exec(ctx, `
		INSERT INTO message_cursors(org_id, channel_id, channel_name, last_message_id, last_message_ts, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, channel_id) DO UPDATE SET
			channel_name=excluded.channel_name,
			last_message_id=excluded.last_message_id,
			last_message_ts=excluded.last_message_ts,
			updated_at=excluded.updated_at
		WHERE excluded.last_message_ts >= message_cursors.last_message_ts;`,
		c.OrgID, c.ChannelID, c.ChannelName, c.LastMessageID, c.LastMessageAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrCursorRegression
	}
	return nil
}

func (s *SQLStore) ClearCursors(ctx context.Context, orgID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM message_cursors WHERE org_id=?;`, orgID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) ListCursors(ctx context.Context, orgID string) ([]Cursor, error) {
	rows, err := s.query(ctx, `
		SELECT org_id, channel_id, channel_name, last_message_id, last_message_ts, updated_at
		FROM message_cursors
		WHERE org_id=?
		ORDER BY channel_id;`, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Cursor, 0)
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) IsAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	var admin bool
	err := s.queryRow(ctx, `SELECT is_admin FROM users WHERE org_id=? AND user_id=?;`, orgID, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return admin, err
}

func (s *SQLStore) NotifyRole(ctx context.Context, m RoleMention) (Delivery, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM roles WHERE org_id=? AND name=?;`, m.OrgID, m.RoleName).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{Outcome: DeliveryUnknownRole}, nil
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("lookup role %s: %w", m.RoleName, err)
	}

	recipients, err := s.subscribers(ctx, m.OrgID, m.RoleName)
	if err != nil {
		return Delivery{}, err
	}
	if len(recipients) == 0 {
		return Delivery{Outcome: DeliveryNoSubscribers}, nil
	}
	sentTo, err := json.Marshal(recipients)
	if err != nil {
		return Delivery{}, err
	}
	id := uuid.NewString()
	res, err := s.exec(ctx, `
		INSERT INTO notifications(id, org_id, role_name, message, sent_by, sent_to, channel_id, message_id, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, channel_id, message_id, role_name) DO NOTHING;`,
		id, m.OrgID, m.RoleName, m.Text(), m.AuthorID, string(sentTo), m.ChannelID, m.MessageID, s.now().UnixMilli())
	if err != nil {
		return Delivery{}, fmt.Errorf("insert notification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Delivery{Outcome: DeliveryDuplicate, Recipients: recipients}, nil
	}
	return Delivery{Outcome: DeliverySent, NotificationID: id, Recipients: recipients}, nil
}

func (s *SQLStore) subscribers(ctx context.Context, orgID, role string) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT user_id FROM user_roles
		WHERE org_id=? AND role_name=?
		ORDER BY user_id;`, orgID, role)
	if err != nil {
		return nil, fmt.Errorf("list subscribers of %s: %w", role, err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertUser registers a user and its admin flag.
func (s *SQLStore) UpsertUser(ctx context.Context, orgID, userID, username string, admin bool) error {
	_, err := s.exec(ctx, `
		INSERT INTO users(org_id, user_id, username, is_admin) VALUES(?, ?, ?, ?)
		ON CONFLICT(org_id, user_id) DO UPDATE SET username=excluded.username, is_admin=excluded.is_admin;`,
		orgID, userID, username, admin)
	return err
}

// AssignRole creates the role if needed and subscribes the user to it.
func (s *SQLStore) AssignRole(ctx context.Context, orgID, userID, role string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if _, err := s.exec(ctx, `INSERT INTO roles(org_id, name) VALUES(?, ?) ON CONFLICT(org_id, name) DO NOTHING;`, orgID, role); err != nil {
		return err
	}
	_, err := s.exec(ctx, `
		INSERT INTO user_roles(org_id, user_id, role_name) VALUES(?, ?, ?)
		ON CONFLICT(org_id, user_id, role_name) DO NOTHING;`, orgID, userID, role)
	return err
}

// CreateRole registers a role with no subscribers.
func (s *SQLStore) CreateRole(ctx context.Context, orgID, role string) error {
	_, err := s.exec(ctx, `INSERT INTO roles(org_id, name) VALUES(?, ?) ON CONFLICT(org_id, name) DO NOTHING;`,
		orgID, strings.ToLower(strings.TrimSpace(role)))
	return err
}

// CountNotifications returns how many notification rows exist for a role.
func (s *SQLStore) CountNotifications(ctx context.Context, orgID, role string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE org_id=? AND role_name=?;`, orgID, role).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCursor(r scanner) (Cursor, error) {
	var c Cursor
	var ts, updated int64
	if err := r.Scan(&c.OrgID, &c.ChannelID, &c.ChannelName, &c.LastMessageID, &ts, &updated); err != nil {
		return Cursor{}, err
	}
	c.LastMessageAt = time.UnixMilli(ts).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}
