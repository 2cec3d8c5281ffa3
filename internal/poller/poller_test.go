package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rolewatch/internal/chat"
	"github.com/loykin/rolewatch/internal/history"
	"github.com/loykin/rolewatch/internal/store"
	"github.com/loykin/rolewatch/internal/store/memory"
)

const org = "biz_1"

type fakeProvider struct {
	mu     sync.Mutex
	msgs   map[string][]chat.Message
	errs   map[string]error
	panics map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{msgs: map[string][]chat.Message{}, errs: map[string]error{}, panics: map[string]bool{}}
}

func (f *fakeProvider) ListChannels(context.Context, string) ([]chat.Channel, error) {
	return nil, nil
}

func (f *fakeProvider) ListRecentMessages(_ context.Context, id string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[id] {
		panic("provider exploded")
	}
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(f.msgs[id]))
	copy(out, f.msgs[id])
	return out, nil
}

// push adds m as the newest message of the channel.
func (f *fakeProvider) push(ch string, m chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[ch] = append([]chat.Message{m}, f.msgs[ch]...)
}

func (f *fakeProvider) fail(ch string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[ch] = err
}

type recordingSink struct {
	mu       sync.Mutex
	inner    store.NotificationSink
	calls    []store.RoleMention
	failures int
}

func (s *recordingSink) NotifyRole(ctx context.Context, m store.RoleMention) (store.Delivery, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return store.Delivery{}, errors.New("sink unavailable")
	}
	s.calls = append(s.calls, m)
	s.mu.Unlock()
	return s.inner.NotifyRole(ctx, m)
}

func (s *recordingSink) sent() []store.RoleMention {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RoleMention, len(s.calls))
	copy(out, s.calls)
	return out
}

type recordingHistory struct {
	mu     sync.Mutex
	events []history.Event
}

func (h *recordingHistory) Send(_ context.Context, e history.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

type failingCursors struct {
	store.CursorStore
}

func (failingCursors) GetCursor(context.Context, string, string) (store.Cursor, bool, error) {
	return store.Cursor{}, false, errors.New("db down")
}

func msg(id string, ms int64, content string, admin bool) chat.Message {
	return chat.Message{
		ID:            id,
		Content:       content,
		AuthorID:      "u_" + id,
		AuthorIsAdmin: admin,
		CreatedAt:     time.UnixMilli(ms).UTC(),
		Type:          chat.TypeRegular,
	}
}

type fixture struct {
	provider *fakeProvider
	store    *memory.Store
	sink     *recordingSink
	history  *recordingHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	require.NoError(t, st.AssignRole(context.Background(), org, "u_sub1", "ops"))
	require.NoError(t, st.AssignRole(context.Background(), org, "u_sub2", "ops"))
	require.NoError(t, st.AssignRole(context.Background(), org, "u_sub1", "infra"))
	return &fixture{
		provider: newFakeProvider(),
		store:    st,
		sink:     &recordingSink{inner: st},
		history:  &recordingHistory{},
	}
}

func (f *fixture) poller(channels ...string) *Poller {
	chs := make([]chat.Channel, 0, len(channels))
	for _, id := range channels {
		chs = append(chs, chat.Channel{ID: id, Name: "Chat " + id})
	}
	return New(Config{OrgID: org, Channels: chs, Interval: time.Millisecond, CallTimeout: time.Second},
		f.provider, f.store, f.sink, WithAdminChecker(f.store), WithHistory(f.history))
}

func (f *fixture) cursor(t *testing.T, ch string) (store.Cursor, bool) {
	t.Helper()
	c, ok, err := f.store.GetCursor(context.Background(), org, ch)
	require.NoError(t, err)
	return c, ok
}

func TestPollOnce_NoBacklogStorm(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 50; i++ {
		f.provider.push("exp_a", msg(fmt.Sprintf("m%d", i), int64(1000+i), "@ops backlog", true))
	}
	p := f.poller("exp_a")

	rep := p.PollOnce(context.Background())
	res, ok := rep.Channel("exp_a")
	require.True(t, ok)
	assert.Equal(t, OutcomeBaseline, res.Outcome)
	assert.Empty(t, f.sink.sent())

	c, ok := f.cursor(t, "exp_a")
	require.True(t, ok)
	assert.Equal(t, "m50", c.LastMessageID)
	assert.Equal(t, "Chat exp_a", c.ChannelName)

	// only messages after the baseline notify
	f.provider.push("exp_a", msg("m51", 2000, "@ops new deploy", true))
	rep = p.PollOnce(context.Background())
	res, _ = rep.Channel("exp_a")
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 1, res.Mentions)
	sent := f.sink.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].RoleName)
	assert.Equal(t, "m51", sent[0].MessageID)
	assert.Equal(t, "Chat exp_a", sent[0].ChannelName)

	c, _ = f.cursor(t, "exp_a")
	assert.Equal(t, "m51", c.LastMessageID)
}

func TestPollOnce_IdempotentCursor(t *testing.T) {
	f := newFixture(t)
	f.provider.push("exp_a", msg("m1", 1000, "hello", false))
	p := f.poller("exp_a")

	p.PollOnce(context.Background())
	first, ok := f.cursor(t, "exp_a")
	require.True(t, ok)

	p.PollOnce(context.Background())
	p.PollOnce(context.Background())
	second, ok := f.cursor(t, "exp_a")
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestPollOnce_AtLeastOnceDelivery(t *testing.T) {
	f := newFixture(t)
	f.provider.push("exp_a", msg("m1", 1000, "baseline", true))
	p := f.poller("exp_a")
	p.PollOnce(context.Background())

	f.provider.push("exp_a", msg("m2", 2000, "@ops the build is red", true))
	f.sink.failures = 1
	rep := p.PollOnce(context.Background())
	res, _ := rep.Channel("exp_a")
	assert.Equal(t, OutcomeHeld, res.Outcome)
	require.Error(t, res.Err)

	c, _ := f.cursor(t, "exp_a")
	assert.Equal(t, "m1", c.LastMessageID, "cursor must not pass an undelivered message")

	rep = p.PollOnce(context.Background())
	res, _ = rep.Channel("exp_a")
	assert.Equal(t, OutcomeOK, res.Outcome)
	sent := f.sink.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "m2", sent[0].MessageID)
	assert.Equal(t, "ops", sent[0].RoleName)

	c, _ = f.cursor(t, "exp_a")
	assert.Equal(t, "m2", c.LastMessageID)
}

func TestPollOnce_CrossChannelIsolation(t *testing.T) {
	f := newFixture(t)
	f.provider.push("exp_a", msg("a1", 1000, "hi", false))
	f.provider.push("exp_b", msg("b1", 1000, "hi", false))
	f.provider.push("exp_c", msg("c1", 1000, "hi", false))
	p := f.poller("exp_a", "exp_b", "exp_c")
	p.PollOnce(context.Background())

	f.provider.fail("exp_a", errors.New("provider 500"))
	f.provider.mu.Lock()
	f.provider.panics["exp_c"] = true
	f.provider.mu.Unlock()
	f.provider.push("exp_b", msg("b2", 2000, "@ops", true))

	rep := p.PollOnce(context.Background())
	a, _ := rep.Channel("exp_a")
	b, _ := rep.Channel("exp_b")
	c, _ := rep.Channel("exp_c")
	assert.Equal(t, OutcomeError, a.Outcome)
	assert.Equal(t, OutcomeError, c.Outcome)
	assert.Equal(t, OutcomeOK, b.Outcome)
	assert.Equal(t, 2, rep.Failed())
	assert.Equal(t, "partial", rep.Result())

	cb, _ := f.cursor(t, "exp_b")
	assert.Equal(t, "b2", cb.LastMessageID)
	ca, _ := f.cursor(t, "exp_a")
	assert.Equal(t, "a1", ca.LastMessageID)
}

func TestPollOnce_ZeroMessagesLeavesCursorUntouched(t *testing.T) {
	f := newFixture(t)
	p := f.poller("exp_empty")
	rep := p.PollOnce(context.Background())
	res, _ := rep.Channel("exp_empty")
	assert.Equal(t, OutcomeEmpty, res.Outcome)
	_, ok := f.cursor(t, "exp_empty")
	assert.False(t, ok)
}

func TestPollOnce_Filters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertUser(context.Background(), org, "u_lookup", "carol", true))
	f.provider.push("exp_a", msg("m0", 1000, "baseline", true))
	p := f.poller("exp_a")
	p.PollOnce(context.Background())

	deleted := msg("m1", 1001, "@ops deleted", true)
	deleted.IsDeleted = true
	system := msg("m2", 1002, "@ops system", true)
	system.Type = chat.TypeSystem
	automated := msg("m3", 1003, "@ops bot", true)
	automated.Type = chat.TypeAutomated
	member := msg("m4", 1004, "@ops from a member", false)
	lookedUp := msg("m5", 1005, "@infra @OPS @ops twice", false)
	lookedUp.AuthorID = "u_lookup"
	unknown := msg("m6", 1006, "@nosuchrole", true)
	for _, m := range []chat.Message{deleted, system, automated, member, lookedUp, unknown} {
		f.provider.push("exp_a", m)
	}

	rep := p.PollOnce(context.Background())
	res, _ := rep.Channel("exp_a")
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 2, res.Mentions)

	var got []string
	for _, s := range f.sink.sent() {
		got = append(got, s.MessageID+":"+s.RoleName)
	}
	assert.Equal(t, []string{"m5:infra", "m5:ops", "m6:nosuchrole"}, got)

	c, _ := f.cursor(t, "exp_a")
	assert.Equal(t, "m6", c.LastMessageID)
}

func TestPollOnce_NoAdminTrafficStillAdvances(t *testing.T) {
	f := newFixture(t)
	f.provider.push("exp_a", msg("m1", 1000, "hi", false))
	p := f.poller("exp_a")
	p.PollOnce(context.Background())

	f.provider.push("exp_a", msg("m2", 2000, "@ops member chatter", false))
	p.PollOnce(context.Background())
	c, _ := f.cursor(t, "exp_a")
	assert.Equal(t, "m2", c.LastMessageID)
	assert.Empty(t, f.sink.sent())
}

func TestPollOnce_FailedCursorReadRebaselines(t *testing.T) {
	f := newFixture(t)
	f.provider.push("exp_a", msg("m1", 1000, "@ops", true))
	p := New(Config{OrgID: org, Channels: []chat.Channel{{ID: "exp_a"}}},
		f.provider, failingCursors{CursorStore: f.store}, f.sink)

	rep := p.PollOnce(context.Background())
	res, _ := rep.Channel("exp_a")
	assert.Equal(t, OutcomeBaseline, res.Outcome)
	assert.Empty(t, f.sink.sent())
	c, ok := f.cursor(t, "exp_a")
	require.True(t, ok)
	assert.Equal(t, "m1", c.LastMessageID)
}

func TestPollOnce_EmitsHistory(t *testing.T) {
	f := newFixture(t)
	f.provider.push("exp_a", msg("m1", 1000, "start", true))
	p := f.poller("exp_a")
	p.PollOnce(context.Background())
	f.provider.push("exp_a", msg("m2", 2000, "@ops", true))
	p.PollOnce(context.Background())

	f.history.mu.Lock()
	defer f.history.mu.Unlock()
	require.Len(t, f.history.events, 2)
	assert.Equal(t, history.EventBaseline, f.history.events[0].Type)
	assert.Equal(t, org, f.history.events[0].OrgID)
	assert.Equal(t, history.EventMention, f.history.events[1].Type)
	assert.Equal(t, "ops", f.history.events[1].Role)
	assert.Equal(t, string(store.DeliverySent), f.history.events[1].Outcome)
	assert.Equal(t, 2, f.history.events[1].Recipients)
}

func TestRun_StallsAfterConsecutiveFailedCycles(t *testing.T) {
	f := newFixture(t)
	f.provider.fail("exp_a", errors.New("down"))
	f.provider.fail("exp_b", errors.New("down"))
	p := New(Config{OrgID: org, Channels: []chat.Channel{{ID: "exp_a"}, {ID: "exp_b"}}, Interval: time.Millisecond, MaxFailedCycles: 3},
		f.provider, f.store, f.sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Run(ctx)
	require.ErrorIs(t, err, ErrStalled)
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.provider.push("exp_a", msg("m1", 1000, "hi", false))
	p := f.poller("exp_a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := f.cursor(t, "exp_a")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewerThan(t *testing.T) {
	cur := store.Cursor{LastMessageID: "m2", LastMessageAt: time.UnixMilli(2000).UTC()}
	msgs := []chat.Message{
		msg("m4", 4000, "", true),
		msg("m3", 3000, "", true),
		msg("m2", 2000, "", true),
		msg("m1", 1000, "", true),
	}
	got := newerThan(msgs, cur)
	require.Len(t, got, 2)
	assert.Equal(t, "m4", got[0].ID)
	assert.Equal(t, "m3", got[1].ID)

	// cursor message no longer on the page: stop at older timestamps
	cur = store.Cursor{LastMessageID: "gone", LastMessageAt: time.UnixMilli(2500).UTC()}
	got = newerThan(msgs, cur)
	require.Len(t, got, 2)
}
