// Package poller runs the mention poll cycle over a fixed channel set.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/rolewatch/internal/chat"
	"github.com/loykin/rolewatch/internal/history"
	"github.com/loykin/rolewatch/internal/mention"
	"github.com/loykin/rolewatch/internal/metrics"
	"github.com/loykin/rolewatch/internal/store"
)

// ErrStalled is returned by Run when every channel failed for MaxFailedCycles
// consecutive cycles.
var ErrStalled = errors.New("poll loop stalled: every channel failed repeatedly")

const (
	DefaultInterval    = 3 * time.Second
	DefaultCallTimeout = 15 * time.Second
	DefaultConcurrency = 8
)

// Config controls one poller instance. Channels is fixed for its lifetime.
type Config struct {
	OrgID           string
	Channels        []chat.Channel
	Interval        time.Duration
	CallTimeout     time.Duration // bound on every provider and store call
	Concurrency     int           // channels polled at once
	MaxFailedCycles int           // 0 disables stall detection
}

// Poller runs poll cycles across a fixed channel set.
type Poller struct {
	cfg      Config
	provider chat.Provider
	cursors  store.CursorStore
	sink     store.NotificationSink
	admins   store.AdminChecker
	history  history.Sink
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Poller)

func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

// WithAdminChecker adds a lookup for authors the provider does not flag as admin.
func WithAdminChecker(a store.AdminChecker) Option { return func(p *Poller) { p.admins = a } }

// WithHistory exports baseline and mention events. Send errors are only logged.
func WithHistory(h history.Sink) Option { return func(p *Poller) { p.history = h } }

func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

func New(cfg Config, provider chat.Provider, cursors store.CursorStore, sink store.NotificationSink, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	p := &Poller{
		cfg:      cfg,
		provider: provider,
		cursors:  cursors,
		sink:     sink,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Channels returns the channel set this poller was built with.
func (p *Poller) Channels() []chat.Channel {
	out := make([]chat.Channel, len(p.cfg.Channels))
	copy(out, p.cfg.Channels)
	return out
}

// Run polls immediately and then on every tick until ctx is cancelled.
// A cycle already dispatched when ctx is cancelled runs to completion.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	failedCycles := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		rep := p.PollOnce(context.WithoutCancel(ctx))
		if rep.AllFailed() {
			failedCycles++
			if p.cfg.MaxFailedCycles > 0 && failedCycles >= p.cfg.MaxFailedCycles {
				p.logger.Error("poll loop stalled", "org", p.cfg.OrgID, "failed_cycles", failedCycles)
				return ErrStalled
			}
		} else {
			failedCycles = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce polls every channel concurrently and waits for all of them.
// One channel's failure never cancels or blocks its siblings.
func (p *Poller) PollOnce(ctx context.Context) CycleReport {
	start := time.Now()
	rep := CycleReport{StartedAt: p.now(), Results: make([]ChannelResult, len(p.cfg.Channels))}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, ch := range p.cfg.Channels {
		g.Go(func() error {
			rep.Results[i] = p.pollSafe(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	rep.Duration = time.Since(start)
	metrics.ObserveCycle(rep.Result(), rep.Duration.Seconds())
	for _, r := range rep.Results {
		metrics.IncChannelPoll(string(r.Outcome))
	}
	if n := rep.Failed(); n > 0 {
		p.logger.Warn("poll cycle finished with failures", "org", p.cfg.OrgID, "channels", len(rep.Results), "failed", n)
	} else {
		p.logger.Debug("poll cycle finished", "org", p.cfg.OrgID, "channels", len(rep.Results), "took", rep.Duration)
	}
	return rep
}

func (p *Poller) pollSafe(ctx context.Context, ch chat.Channel) (res ChannelResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ChannelResult{ChannelID: ch.ID, Outcome: OutcomeError, Err: fmt.Errorf("panic polling %s: %v", ch.ID, r)}
			p.logger.Error("channel poll panicked", "channel", ch.ID, "panic", r)
		}
	}()
	return p.pollChannel(ctx, ch)
}

func (p *Poller) pollChannel(ctx context.Context, ch chat.Channel) ChannelResult {
	res := ChannelResult{ChannelID: ch.ID, Outcome: OutcomeOK}
	log := p.logger.With("channel", ch.ID)

	fctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	msgs, err := p.provider.ListRecentMessages(fctx, ch.ID)
	cancel()
	if err != nil {
		log.Warn("fetch messages failed", "error", err)
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("fetch messages: %w", err)
		return res
	}
	if len(msgs) == 0 {
		res.Outcome = OutcomeEmpty
		return res
	}
	newest := msgs[0]

	gctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	cur, found, err := p.cursors.GetCursor(gctx, p.cfg.OrgID, ch.ID)
	cancel()
	if err != nil {
		log.Warn("cursor read failed, re-baselining", "error", err)
		found = false
	}

	if !found {
		res.Outcome = OutcomeBaseline
		if err := p.advance(ctx, ch, newest); err != nil {
			log.Warn("baseline cursor write failed", "error", err)
			res.Err = err
			return res
		}
		log.Info("channel baselined", "message", newest.ID)
		p.emit(ctx, history.Event{Type: history.EventBaseline, ChannelID: ch.ID, ChannelName: ch.Name, MessageID: newest.ID})
		return res
	}

	if newest.ID == cur.LastMessageID {
		return res
	}

	fresh := newerThan(msgs, cur)
	held := false
	adminCache := make(map[string]bool)
	// oldest first so notifications follow the conversation
	for i := len(fresh) - 1; i >= 0; i-- {
		m := fresh[i]
		admin, err := p.isAdmin(ctx, m, adminCache)
		if err != nil {
			log.Warn("admin lookup failed", "author", m.AuthorID, "message", m.ID, "error", err)
			held = true
			continue
		}
		if !admin {
			continue
		}
		for _, role := range mention.Extract(m.Content) {
			rm := store.RoleMention{
				OrgID:       p.cfg.OrgID,
				RoleName:    role,
				ChannelID:   ch.ID,
				ChannelName: ch.Name,
				MessageID:   m.ID,
				Content:     m.Content,
				AuthorID:    m.AuthorID,
				CreatedAt:   m.CreatedAt,
			}
			nctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			d, err := p.sink.NotifyRole(nctx, rm)
			cancel()
			if err != nil {
				log.Warn("notify role failed", "role", role, "message", m.ID, "error", err)
				metrics.IncMention("error")
				held = true
				continue
			}
			metrics.IncMention(string(d.Outcome))
			if d.Outcome == store.DeliverySent {
				res.Mentions++
			}
			log.Debug("role mention handled", "role", role, "message", m.ID, "outcome", d.Outcome, "recipients", len(d.Recipients))
			p.emit(ctx, history.Event{
				Type: history.EventMention, ChannelID: ch.ID, ChannelName: ch.Name, MessageID: m.ID,
				AuthorID: m.AuthorID, Role: role, Outcome: string(d.Outcome), Recipients: len(d.Recipients),
			})
		}
	}

	if held {
		// keep the cursor so the failed messages are retried next cycle
		res.Outcome = OutcomeHeld
		res.Err = errors.New("cursor held after delivery failure")
		return res
	}
	if newest.CreatedAt.Before(cur.LastMessageAt) {
		log.Warn("provider returned messages older than cursor", "message", newest.ID, "cursor", cur.LastMessageID)
		return res
	}
	if err := p.advance(ctx, ch, newest); err != nil {
		log.Warn("cursor write failed", "error", err)
		res.Err = err
	}
	return res
}

func (p *Poller) advance(ctx context.Context, ch chat.Channel, newest chat.Message) error {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	err := p.cursors.SetCursor(sctx, store.Cursor{
		OrgID:         p.cfg.OrgID,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		LastMessageID: newest.ID,
		LastMessageAt: newest.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (p *Poller) isAdmin(ctx context.Context, m chat.Message, cache map[string]bool) (bool, error) {
	if m.AuthorIsAdmin {
		return true, nil
	}
	if p.admins == nil || m.AuthorID == "" {
		return false, nil
	}
	if v, ok := cache[m.AuthorID]; ok {
		return v, nil
	}
	actx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	v, err := p.admins.IsAdmin(actx, p.cfg.OrgID, m.AuthorID)
	if err != nil {
		return false, err
	}
	cache[m.AuthorID] = v
	return v, nil
}

func (p *Poller) emit(ctx context.Context, e history.Event) {
	if p.history == nil {
		return
	}
	e.OrgID = p.cfg.OrgID
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.now()
	}
	hctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	if err := p.history.Send(hctx, e); err != nil {
		p.logger.Warn("history send failed", "event", e.Type, "channel", e.ChannelID, "error", err)
	}
}

// newerThan returns the messages strictly after the cursor, newest first,
// without deleted, system or automated ones.
func newerThan(msgs []chat.Message, cur store.Cursor) []chat.Message {
	var out []chat.Message
	for _, m := range msgs {
		if m.ID == cur.LastMessageID || m.CreatedAt.Before(cur.LastMessageAt) {
			break
		}
		if m.Ignored() {
			continue
		}
		out = append(out, m)
	}
	return out
}
