// Package rolewatch wires the mention monitor together: chat provider,
// store, history export, poller, supervisor and the control server.
// cmd/rolewatch and embedding applications build a Service from a Config.
package rolewatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/rolewatch/internal/auth"
	"github.com/loykin/rolewatch/internal/chat"
	"github.com/loykin/rolewatch/internal/config"
	"github.com/loykin/rolewatch/internal/history"
	hfactory "github.com/loykin/rolewatch/internal/history/factory"
	"github.com/loykin/rolewatch/internal/logger"
	"github.com/loykin/rolewatch/internal/metrics"
	"github.com/loykin/rolewatch/internal/poller"
	"github.com/loykin/rolewatch/internal/server"
	"github.com/loykin/rolewatch/internal/store"
	sfactory "github.com/loykin/rolewatch/internal/store/factory"
	"github.com/loykin/rolewatch/internal/supervisor"
)

// Re-exported types for embedding.
type (
	Config       = config.Config
	Status       = supervisor.Status
	State        = supervisor.State
	Store        = store.Store
	Cursor       = store.Cursor
	Channel      = chat.Channel
	Message      = chat.Message
	Provider     = chat.Provider
	HistorySink  = history.Sink
	HistoryEvent = history.Event
)

// LoadConfig reads a TOML file with ROLEWATCH_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Service is one organization's monitor.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	logFile  io.Closer
	provider chat.Provider
	store    store.Store
	history  history.Sink
	sup      *supervisor.Supervisor
	router   *server.Router

	ownStore   bool
	ownHistory bool
	servers    []*http.Server
}

type Option func(*Service)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithProvider injects a chat provider instead of the REST client; provider
// credentials are then not required.
func WithProvider(p chat.Provider) Option { return func(s *Service) { s.provider = p } }

// WithStore injects a store; the caller keeps ownership and closes it.
func WithStore(st store.Store) Option { return func(s *Service) { s.store = st } }

// WithHistory injects a history sink instead of the [history] DSN; the
// caller keeps ownership.
func WithHistory(h history.Sink) Option { return func(s *Service) { s.history = h } }

// New builds a Service. Nothing runs until Run or Supervisor().Start.
func New(cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	s := &Service{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.logger == nil {
		lc := cfg.Log.Logger()
		if fw := lc.FileWriter(); fw != nil {
			s.logFile = fw
			s.logger = lc.NewSlogger(io.MultiWriter(os.Stderr, fw))
		} else {
			s.logger = lc.NewSlogger(os.Stderr)
		}
	}
	if err := s.build(); err != nil {
		_ = s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *Service) validate() error {
	err := s.cfg.Validate()
	if err == nil {
		return nil
	}
	if s.provider == nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// an injected provider makes the credential check moot
	c := *s.cfg
	c.Provider.APIKey, c.Provider.AppID = "-", "-"
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (s *Service) build() error {
	cfg := s.cfg
	if s.provider == nil {
		p, err := chat.NewHTTPProvider(chat.HTTPConfig{
			BaseURL:    cfg.Provider.BaseURL,
			APIKey:     cfg.Provider.APIKey,
			AppID:      cfg.Provider.AppID,
			Timeout:    cfg.Provider.Timeout,
			RatePerSec: cfg.Provider.RatePerSec,
			PageSize:   cfg.Provider.PageSize,
			Logger:     logger.WithComponent(s.logger, "chat"),
		})
		if err != nil {
			return err
		}
		s.provider = p
	}

	if s.store == nil {
		st, err := sfactory.NewFromDSN(cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.store, s.ownStore = st, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure store schema: %w", err)
	}

	if s.history == nil && cfg.History.Enabled {
		h, err := hfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history sink: %w", err)
		}
		s.history, s.ownHistory = h, true
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.SelfMetrics {
			if err := metrics.RegisterSelf(prometheus.DefaultRegisterer); err != nil {
				s.logger.Warn("self metrics unavailable", "error", err)
			}
		}
	}

	pollLog := logger.WithComponent(s.logger, "poller")
	newLoop := func(channels []chat.Channel) supervisor.Loop {
		opts := []poller.Option{poller.WithLogger(pollLog), poller.WithAdminChecker(s.store)}
		if s.history != nil {
			opts = append(opts, poller.WithHistory(s.history))
		}
		return poller.New(poller.Config{
			OrgID:           cfg.OrgID,
			Channels:        channels,
			Interval:        cfg.Poller.Interval,
			CallTimeout:     cfg.Poller.CallTimeout,
			Concurrency:     cfg.Poller.Concurrency,
			MaxFailedCycles: cfg.Poller.MaxFailedCycles,
		}, s.provider, s.store, s.store, opts...)
	}
	s.sup = supervisor.New(supervisor.Config{
		OrgID:              cfg.OrgID,
		HealthInterval:     cfg.Supervisor.HealthInterval,
		RestartCooldown:    cfg.Supervisor.RestartCooldown,
		MaxRestartAttempts: cfg.Supervisor.MaxRestartAttempts,
		DiscoveryTimeout:   cfg.Supervisor.DiscoveryTimeout,
	}, chat.NewDirectory(s.provider, logger.WithComponent(s.logger, "discovery")), newLoop, s.store,
		supervisor.WithLogger(logger.WithComponent(s.logger, "supervisor")))

	authn, err := auth.NewTokenAuthenticator(cfg.Server.AdminToken, cfg.Server.AdminTokenHash)
	if err != nil {
		return err
	}
	if !authn.Enabled() {
		s.logger.Warn("control endpoints are not protected: set server.admin_token or server.admin_token_hash")
	}
	ropts := []server.RouterOption{
		server.WithAuth(authn),
		// a dedicated metrics listener takes /metrics off the control server
		server.WithMetrics(cfg.Metrics.Enabled && cfg.Metrics.Listen == ""),
		server.WithLogger(logger.WithComponent(s.logger, "server")),
	}
	if r, ok := s.history.(history.Reader); ok {
		ropts = append(ropts, server.WithHistory(r))
	}
	s.router = server.NewRouter(s.sup, s.store, cfg.OrgID, cfg.Server.BasePath, ropts...)
	return nil
}

// Supervisor returns the lifecycle controller.
func (s *Service) Supervisor() *supervisor.Supervisor { return s.sup }

// Store returns the store used for cursors, roles and notifications.
func (s *Service) Store() store.Store { return s.store }

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Handler returns the control API for mounting in another server.
func (s *Service) Handler() http.Handler { return s.router.Handler() }

// Serve starts the control server (and the metrics listener when configured)
// in the background and, with auto_start, starts monitoring. A failed auto
// start is logged and left visible in Status; it does not fail Serve.
func (s *Service) Serve(ctx context.Context) error {
	if s.cfg.Server.Listen != "" {
		// srv is already serving; its fields belong to net/http now
		tlsOn := s.cfg.Server.TLS != nil && s.cfg.Server.TLS.Enabled
		srv, err := server.NewServer(s.cfg.Server, s.Handler(), s.logger)
		if err != nil {
			return err
		}
		s.servers = append(s.servers, srv)
		s.logger.Info("control server listening", "addr", s.cfg.Server.Listen, "base", s.cfg.Server.BasePath, "tls", tlsOn)
	}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv, err := server.NewServer(config.ServerConfig{Listen: s.cfg.Metrics.Listen}, mux, s.logger)
		if err != nil {
			return err
		}
		s.servers = append(s.servers, srv)
		s.logger.Info("metrics listening", "addr", s.cfg.Metrics.Listen)
	}
	if s.cfg.AutoStart {
		if _, err := s.sup.Start(ctx); err != nil {
			s.logger.Error("auto start failed", "org", s.cfg.OrgID, "error", err)
		}
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Serve(ctx); err != nil {
		_ = s.Close(context.Background())
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Close(sctx)
}

// Close stops monitoring, shuts the servers down and releases the store and
// history sink.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.sup != nil {
		s.sup.Stop()
	}
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.servers = nil
	errs = append(errs, s.closeResources())
	return errors.Join(errs...)
}

func (s *Service) closeResources() error {
	var errs []error
	if c, ok := s.history.(io.Closer); ok && s.ownHistory {
		errs = append(errs, c.Close())
		s.ownHistory = false
	}
	if s.ownStore && s.store != nil {
		errs = append(errs, s.store.Close())
		s.ownStore = false
	}
	if s.logFile != nil {
		errs = append(errs, s.logFile.Close())
		s.logFile = nil
	}
	return errors.Join(errs...)
}
