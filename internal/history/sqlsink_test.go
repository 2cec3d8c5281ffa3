package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newMemorySink(t *testing.T) *SQLSink {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := NewSQLSink(context.Background(), db, DialectSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLSink_SendAndRecent(t *testing.T) {
	s := newMemorySink(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Send(ctx, Event{Type: EventBaseline, OccurredAt: t0, OrgID: "biz_1", ChannelID: "exp_1", ChannelName: "General", MessageID: "m1"}))
	mention := Event{Type: EventMention, OccurredAt: t0.Add(time.Minute), OrgID: "biz_1", ChannelID: "exp_1", ChannelName: "General", MessageID: "m2", AuthorID: "u_admin", Role: "ops", Outcome: "sent", Recipients: 2}
	require.NoError(t, s.Send(ctx, mention))
	// redelivery is absorbed
	require.NoError(t, s.Send(ctx, mention))
	require.NoError(t, s.Send(ctx, Event{Type: EventMention, OccurredAt: t0, OrgID: "biz_2", ChannelID: "exp_9", MessageID: "x", Role: "ops"}))

	got, err := s.Recent(ctx, "biz_1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, mention, got[0])
	assert.Equal(t, EventBaseline, got[1].Type)
	assert.Equal(t, t0, got[1].OccurredAt)

	got, err = s.Recent(ctx, "biz_1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].MessageID)
}

func TestSQLSink_SameMessageDifferentRoles(t *testing.T) {
	s := newMemorySink(t)
	ctx := context.Background()
	e := Event{Type: EventMention, OccurredAt: time.Now(), OrgID: "biz_1", ChannelID: "exp_1", MessageID: "m1", Role: "ops"}
	require.NoError(t, s.Send(ctx, e))
	e.Role = "infra"
	require.NoError(t, s.Send(ctx, e))

	got, err := s.Recent(ctx, "biz_1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRebind(t *testing.T) {
	pg := &SQLSink{dialect: DialectPostgres}
	assert.Equal(t, "a=$1 AND b=$2", pg.rebind("a=? AND b=?"))
	lite := &SQLSink{dialect: DialectSQLite}
	assert.Equal(t, "a=?", lite.rebind("a=?"))
}

func TestNewSQLSink_NilDB(t *testing.T) {
	_, err := NewSQLSink(context.Background(), nil, DialectSQLite)
	require.Error(t, err)
}
