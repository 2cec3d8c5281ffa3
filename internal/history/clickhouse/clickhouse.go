// Package clickhouse exports history events over the ClickHouse native
// protocol.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/rolewatch/internal/history"
)

// Config selects the ClickHouse server and target table.
type Config struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

func (c *Config) defaults() {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	if c.Table == "" {
		c.Table = "mention_history"
	}
}

// Sink writes one row per event. The table is a ReplacingMergeTree keyed
// like the SQL sinks, so redelivered events collapse on merge.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(cfg Config) (*Sink, error) {
	cfg.defaults()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse %s: %w", cfg.Addr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse %s: %w", cfg.Addr, err)
	}
	s := &Sink{conn: conn, table: cfg.Table}
	if err := s.conn.Exec(ctx, s.createTable()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create table %s: %w", s.table, err)
	}
	return s, nil
}

func (s *Sink) createTable() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		event LowCardinality(String),
		occurred_at DateTime64(3, 'UTC'),
		org_id String,
		channel_id String,
		channel_name String,
		message_id String,
		author_id String,
		role String,
		outcome LowCardinality(String),
		recipients UInt32
	) ENGINE = ReplacingMergeTree
	ORDER BY (org_id, channel_id, message_id, event, role)`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	err := s.conn.Exec(ctx,
		`INSERT INTO `+s.table+` (event, occurred_at, org_id, channel_id, channel_name, message_id, author_id, role, outcome, recipients)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Type), e.OccurredAt.UTC(), e.OrgID, e.ChannelID, e.ChannelName,
		e.MessageID, e.AuthorID, e.Role, e.Outcome, uint32(e.Recipients))
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Type, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
