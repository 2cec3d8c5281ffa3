// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rolewatch/internal/store"
)

// Run exercises s against the store.Store contract. s must be empty and
// have its schema in place.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("CursorRoundTrip", func(t *testing.T) { cursorRoundTrip(t, s) })
	t.Run("CursorNeverRegresses", func(t *testing.T) { cursorNeverRegresses(t, s) })
	t.Run("ClearAndList", func(t *testing.T) { clearAndList(t, s) })
	t.Run("Admins", func(t *testing.T) { admins(t, s) })
	t.Run("NotifyRole", func(t *testing.T) { notifyRole(t, s) })
}

func cursorRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, ok, err := s.GetCursor(ctx, "org_rt", "exp_1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.UnixMilli(1700000000123).UTC()
	require.NoError(t, s.SetCursor(ctx, store.Cursor{OrgID: "org_rt", ChannelID: "exp_1", ChannelName: "General", LastMessageID: "m1", LastMessageAt: at}))
	got, ok, err := s.GetCursor(ctx, "org_rt", "exp_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", got.LastMessageID)
	assert.Equal(t, "General", got.ChannelName)
	assert.True(t, at.Equal(got.LastMessageAt))
	assert.False(t, got.UpdatedAt.IsZero())

	// same position again is accepted
	require.NoError(t, s.SetCursor(ctx, store.Cursor{OrgID: "org_rt", ChannelID: "exp_1", ChannelName: "General", LastMessageID: "m1", LastMessageAt: at}))

	later := at.Add(time.Second)
	require.NoError(t, s.SetCursor(ctx, store.Cursor{OrgID: "org_rt", ChannelID: "exp_1", ChannelName: "General", LastMessageID: "m2", LastMessageAt: later}))
	got, _, err = s.GetCursor(ctx, "org_rt", "exp_1")
	require.NoError(t, err)
	assert.Equal(t, "m2", got.LastMessageID)

	require.Error(t, s.SetCursor(ctx, store.Cursor{OrgID: "org_rt", ChannelID: "exp_1"}))
}

func cursorNeverRegresses(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := time.UnixMilli(1700000005000).UTC()
	require.NoError(t, s.SetCursor(ctx, store.Cursor{OrgID: "org_rg", ChannelID: "exp_1", LastMessageID: "m5", LastMessageAt: at}))
	err := s.SetCursor(ctx, store.Cursor{OrgID: "org_rg", ChannelID: "exp_1", LastMessageID: "m4", LastMessageAt: at.Add(-time.Second)})
	require.ErrorIs(t, err, store.ErrCursorRegression)
	got, _, err := s.GetCursor(ctx, "org_rg", "exp_1")
	require.NoError(t, err)
	assert.Equal(t, "m5", got.LastMessageID)
}

func clearAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := time.UnixMilli(1700000000000).UTC()
	for _, ch := range []string{"exp_b", "exp_a"} {
		require.NoError(t, s.SetCursor(ctx, store.Cursor{OrgID: "org_cl", ChannelID: ch, LastMessageID: "m", LastMessageAt: at}))
	}
	require.NoError(t, s.SetCursor(ctx, store.Cursor{OrgID: "org_other", ChannelID: "exp_a", LastMessageID: "m", LastMessageAt: at}))

	list, err := s.ListCursors(ctx, "org_cl")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "exp_a", list[0].ChannelID)
	assert.Equal(t, "exp_b", list[1].ChannelID)

	n, err := s.ClearCursors(ctx, "org_cl")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	list, err = s.ListCursors(ctx, "org_cl")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, ok, err := s.GetCursor(ctx, "org_other", "exp_a")
	require.NoError(t, err)
	assert.True(t, ok, "other organizations are untouched")
}

func admins(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, "org_ad", "u_admin", "alice", true))
	require.NoError(t, s.UpsertUser(ctx, "org_ad", "u_member", "bob", false))

	ok, err := s.IsAdmin(ctx, "org_ad", "u_admin")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsAdmin(ctx, "org_ad", "u_member")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.IsAdmin(ctx, "org_ad", "u_unknown")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.IsAdmin(ctx, "org_elsewhere", "u_admin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func notifyRole(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := store.RoleMention{
		OrgID: "org_nt", RoleName: "ops", ChannelID: "exp_1", ChannelName: "General",
		MessageID: "m1", Content: "@ops deploy", AuthorID: "u_admin", CreatedAt: time.Now().UTC(),
	}

	d, err := s.NotifyRole(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryUnknownRole, d.Outcome)

	require.NoError(t, s.CreateRole(ctx, "org_nt", "ops"))
	d, err = s.NotifyRole(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryNoSubscribers, d.Outcome)

	require.NoError(t, s.AssignRole(ctx, "org_nt", "u2", "ops"))
	require.NoError(t, s.AssignRole(ctx, "org_nt", "u1", "OPS"))
	d, err = s.NotifyRole(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, d.Outcome)
	assert.NotEmpty(t, d.NotificationID)
	assert.Equal(t, []string{"u1", "u2"}, d.Recipients)

	d, err = s.NotifyRole(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryDuplicate, d.Outcome)

	n, err := s.CountNotifications(ctx, "org_nt", "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
