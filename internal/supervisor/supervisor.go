// Package supervisor owns the poll loop lifecycle: start, stop, health
// checks and bounded auto-restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/rolewatch/internal/chat"
	"github.com/loykin/rolewatch/internal/metrics"
)

// State is the lifecycle state of the poll engine.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

var (
	// ErrNoChannels is returned by Start when discovery finds no chat channel.
	ErrNoChannels = errors.New("no chat channels discovered")
	// ErrAttemptsExhausted is recorded as LastError once auto-restart gives up.
	ErrAttemptsExhausted = errors.New("auto-restart attempts exhausted")
	// ErrStopRequested aborts a start or restart that Stop overtook.
	ErrStopRequested = errors.New("stop requested during start")
)

const (
	DefaultHealthInterval     = 30 * time.Second
	DefaultRestartCooldown    = 30 * time.Second
	DefaultMaxRestartAttempts = 5
	DefaultDiscoveryTimeout   = 30 * time.Second
)

// Discoverer lists the channels to poll.
type Discoverer interface {
	Discover(ctx context.Context, orgID string) ([]chat.Channel, error)
}

// Loop is a running poll loop. Run returns when ctx is cancelled or the loop dies.
type Loop interface {
	Run(ctx context.Context) error
}

// LoopFactory builds a poll loop for a freshly discovered channel set.
type LoopFactory func(channels []chat.Channel) Loop

// CursorClearer deletes every cursor of an organization.
type CursorClearer interface {
	ClearCursors(ctx context.Context, orgID string) (int64, error)
}

type Config struct {
	OrgID              string
	HealthInterval     time.Duration
	RestartCooldown    time.Duration
	MaxRestartAttempts int
	DiscoveryTimeout   time.Duration
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	IsRunning       bool           `json:"isRunning"`
	IsAutoStarted   bool           `json:"isAutoStarted"`
	State           State          `json:"state"`
	ExperienceCount int            `json:"experienceCount"`
	Channels        []chat.Channel `json:"channels"`
	LastError       string         `json:"lastError,omitempty"`
	LastRestart     *time.Time     `json:"lastRestart,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	UptimeMs        int64          `json:"uptimeMs,omitempty"`
	RestartAttempts int            `json:"restartAttempts"`
}

// Supervisor owns the poll loop lifecycle, a health check and the bounded
// auto-restart policy. Create one per organization in the composition root.
type Supervisor struct {
	cfg      Config
	discover Discoverer
	newLoop  LoopFactory
	cursors  CursorClearer
	logger   *slog.Logger
	now      func() time.Time

	// opMu serializes lifecycle operations; mu guards the fields below and
	// is never held across I/O.
	opMu sync.Mutex
	mu   sync.Mutex

	state         State
	wantRunning   bool
	channels      []chat.Channel
	startedAt     time.Time
	lastError     string
	lastRestartAt time.Time
	lastAttemptAt time.Time
	attempts      int

	run          *runHandle
	healthCancel context.CancelFunc
	// launchCancel aborts the launch in flight; stopGen counts Stop calls so
	// a launch can tell it was overtaken.
	launchCancel context.CancelFunc
	stopGen      uint64
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

func New(cfg Config, d Discoverer, newLoop LoopFactory, cursors CursorClearer, opts ...Option) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = DefaultRestartCooldown
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	s := &Supervisor{
		cfg:      cfg,
		discover: d,
		newLoop:  newLoop,
		cursors:  cursors,
		logger:   slog.Default(),
		now:      time.Now,
		state:    StateStopped,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start discovers channels and launches the poll loop. It is a no-op when
// the loop is already running. Discovery failure leaves the supervisor in
// StateFailed without automatic retry.
func (s *Supervisor) Start(ctx context.Context) (Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.loopAlive() && s.Status().State == StateRunning {
		return s.Status(), nil
	}

	if err := s.launch(ctx); err != nil {
		if errors.Is(err, ErrStopRequested) {
			return s.Status(), err
		}
		s.mu.Lock()
		s.wantRunning = false
		s.lastError = err.Error()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.stopHealth()
		s.logger.Error("start failed", "org", s.cfg.OrgID, "error", err)
		return s.Status(), err
	}
	s.mu.Lock()
	s.wantRunning = true
	s.attempts = 0
	s.mu.Unlock()
	s.startHealth()
	return s.Status(), nil
}

// Stop cancels the health check and the poll loop. A discovery in flight is
// cancelled before Stop waits for the lifecycle lock; a poll cycle in flight
// completes on its own. Stop is idempotent.
func (s *Supervisor) Stop() Status {
	s.mu.Lock()
	s.stopGen++
	s.wantRunning = false
	if s.launchCancel != nil {
		s.launchCancel()
	}
	s.mu.Unlock()
	s.stopHealth()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopHealth()
	s.mu.Lock()
	if s.run != nil {
		s.run.cancel()
	}
	s.wantRunning = false
	s.channels = nil
	s.startedAt = time.Time{}
	if s.state != StateStopped {
		s.setStateLocked(StateStopped)
		s.logger.Info("monitoring stopped", "org", s.cfg.OrgID)
	}
	s.mu.Unlock()
	return s.Status()
}

// ForceRestart stops the loop and starts it again, ignoring the cooldown and
// the attempt cap for this one attempt.
func (s *Supervisor) ForceRestart(ctx context.Context) (Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.lastAttemptAt = s.now()
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		if errors.Is(err, ErrStopRequested) {
			return s.Status(), err
		}
		metrics.IncRestart("forced", false)
		s.mu.Lock()
		s.wantRunning = false
		s.lastError = fmt.Sprintf("force restart failed: %v", err)
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.stopHealth()
		s.logger.Error("force restart failed", "org", s.cfg.OrgID, "error", err)
		return s.Status(), err
	}
	metrics.IncRestart("forced", true)
	s.mu.Lock()
	s.wantRunning = true
	s.attempts = 0
	s.lastRestartAt = s.now()
	s.mu.Unlock()
	s.startHealth()
	s.logger.Info("force restart complete", "org", s.cfg.OrgID)
	return s.Status(), nil
}

// ResetRestartAttempts zeroes the restart counter and the last error. A
// supervisor that gave up becomes eligible for auto-restart again.
func (s *Supervisor) ResetRestartAttempts() Status {
	s.mu.Lock()
	s.attempts = 0
	s.lastError = ""
	if s.state == StateFailed {
		if s.wantRunning {
			s.setStateLocked(StateDegraded)
		} else {
			s.setStateLocked(StateStopped)
		}
	}
	s.mu.Unlock()
	return s.Status()
}

// ClearTracking deletes every stored cursor of the organization so each
// channel is baselined again on its next poll.
func (s *Supervisor) ClearTracking(ctx context.Context) (int64, error) {
	if s.cursors == nil {
		return 0, errors.New("no cursor store configured")
	}
	n, err := s.cursors.ClearCursors(ctx, s.cfg.OrgID)
	if err != nil {
		return 0, fmt.Errorf("clear cursors: %w", err)
	}
	s.logger.Info("message tracking cleared", "org", s.cfg.OrgID, "cursors", n)
	return n, nil
}

// CheckHealth runs one health check: when the loop should be running but is
// not, it attempts a restart subject to the cooldown and the attempt cap.
// It only inspects the liveness flag and never calls into the poll path.
func (s *Supervisor) CheckHealth() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.wantRunning || s.state == StateFailed || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if s.run != nil && s.run.alive.Load() {
		s.mu.Unlock()
		return
	}
	if s.state == StateRunning || s.state == StateStarting {
		s.logger.Warn("poll loop is not running", "org", s.cfg.OrgID, "error", s.lastError)
		s.setStateLocked(StateDegraded)
	}
	if s.attempts >= s.cfg.MaxRestartAttempts {
		s.lastError = fmt.Sprintf("%v (%d attempts)", ErrAttemptsExhausted, s.attempts)
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.logger.Error("giving up on auto-restart", "org", s.cfg.OrgID, "attempts", s.cfg.MaxRestartAttempts)
		return
	}
	now := s.now()
	if !s.lastAttemptAt.IsZero() && now.Sub(s.lastAttemptAt) < s.cfg.RestartCooldown {
		s.mu.Unlock()
		return
	}
	s.attempts++
	s.lastAttemptAt = now
	attempt := s.attempts
	s.mu.Unlock()

	s.logger.Info("auto-restarting poll loop", "org", s.cfg.OrgID, "attempt", attempt, "max", s.cfg.MaxRestartAttempts)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DiscoveryTimeout)
	err := s.launch(ctx)
	cancel()

	if errors.Is(err, ErrStopRequested) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		metrics.IncRestart("auto", false)
		s.lastError = fmt.Sprintf("restart attempt %d failed: %v", attempt, err)
		s.setStateLocked(StateDegraded)
		s.logger.Warn("auto-restart failed", "org", s.cfg.OrgID, "attempt", attempt, "error", err)
		return
	}
	metrics.IncRestart("auto", true)
	s.attempts = 0
	s.lastRestartAt = s.now()
}

// Status returns a snapshot of the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		IsRunning:       s.state == StateRunning,
		IsAutoStarted:   s.wantRunning,
		State:           s.state,
		ExperienceCount: len(s.channels),
		Channels:        append([]chat.Channel{}, s.channels...),
		LastError:       s.lastError,
		RestartAttempts: s.attempts,
	}
	if !s.lastRestartAt.IsZero() {
		t := s.lastRestartAt
		st.LastRestart = &t
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
		if st.IsRunning {
			st.UptimeMs = s.now().Sub(s.startedAt).Milliseconds()
		}
	}
	return st
}

// launch drains the previous loop, discovers channels and starts a new
// loop. On success the state is running; on error the old loop stays
// released, the channel set is empty and the caller decides the resulting
// state. A Stop during launch yields ErrStopRequested.
func (s *Supervisor) launch(ctx context.Context) error {
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	s.mu.Lock()
	gen := s.stopGen
	s.launchCancel = abort
	prev := s.run
	s.run = nil
	s.channels = nil
	s.setStateLocked(StateStarting)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.launchCancel = nil
		s.mu.Unlock()
	}()

	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			if s.stoppedSince(gen) {
				return ErrStopRequested
			}
			return fmt.Errorf("previous poll loop still draining: %w", ctx.Err())
		}
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	channels, err := s.discover.Discover(dctx, s.cfg.OrgID)
	cancel()
	if s.stoppedSince(gen) {
		return ErrStopRequested
	}
	if err != nil {
		return fmt.Errorf("discover channels: %w", err)
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: runCancel, done: make(chan struct{})}
	h.alive.Store(true)
	loop := s.newLoop(channels)

	s.mu.Lock()
	if s.stopGen != gen {
		s.mu.Unlock()
		runCancel()
		return ErrStopRequested
	}
	s.run = h
	s.lastError = ""
	s.channels = channels
	s.startedAt = s.now()
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	go s.runLoop(runCtx, h, loop)
	s.logger.Info("monitoring started", "org", s.cfg.OrgID, "channels", len(channels))
	metrics.SetChannels(len(channels))
	return nil
}

func (s *Supervisor) runLoop(ctx context.Context, h *runHandle, loop Loop) {
	defer close(h.done)
	defer h.alive.Store(false)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("poll loop panicked: %v", r)
			}
		}()
		return loop.Run(ctx)
	}()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("poll loop exited")
	}
	s.logger.Error("poll loop died", "org", s.cfg.OrgID, "error", err)
	s.mu.Lock()
	if s.run == h {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) startHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go func() {
		t := time.NewTicker(s.cfg.HealthInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.CheckHealth()
			}
		}
	}()
}

func (s *Supervisor) stopHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
}

func (s *Supervisor) setStateLocked(to State) {
	if s.state == to {
		return
	}
	metrics.RecordStateTransition(string(s.state), string(to))
	s.state = to
}

func (s *Supervisor) stoppedSince(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopGen != gen
}

func (s *Supervisor) loopAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && s.run.alive.Load()
}
