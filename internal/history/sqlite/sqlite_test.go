package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rolewatch/internal/history"
)

func TestSink_FilePersists(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	sink, err := New(dsn)
	require.NoError(t, err)
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventMention, OccurredAt: time.Now(), OrgID: "biz_1",
		ChannelID: "exp_1", ChannelName: "General", MessageID: "m2",
		AuthorID: "u_admin", Role: "ops", Outcome: "sent", Recipients: 2,
	}))
	require.NoError(t, sink.Close())

	reopened, err := New(dsn)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Recent(ctx, "biz_1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ops", got[0].Role)
	assert.Equal(t, 2, got[0].Recipients)
}

func TestNew_DSNForms(t *testing.T) {
	for _, dsn := range []string{":memory:", "sqlite://:memory:", filepath.Join(t.TempDir(), "bare.db")} {
		s, err := New(dsn)
		require.NoError(t, err, dsn)
		_ = s.Close()
	}
	_, err := New("  ")
	require.Error(t, err)
	_, err = New("sqlite://")
	require.Error(t, err)
}
