// Package sqlite opens a mention_history sink on a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/rolewatch/internal/history"
)

// Sink is a history.SQLSink backed by modernc.org/sqlite.
type Sink struct {
	*history.SQLSink
}

// New accepts "sqlite:///path/to/file.db", "sqlite://:memory:", a bare path
// or ":memory:".
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(path), "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection would get its own database
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	}
	s, err := history.NewSQLSink(context.Background(), db, history.DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{SQLSink: s}, nil
}
