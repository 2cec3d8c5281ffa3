package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/rolewatch/internal/auth"
	"github.com/loykin/rolewatch/internal/chat"
	"github.com/loykin/rolewatch/internal/config"
	"github.com/loykin/rolewatch/internal/history"
	"github.com/loykin/rolewatch/internal/metrics"
	"github.com/loykin/rolewatch/internal/store"
	"github.com/loykin/rolewatch/internal/supervisor"
	itls "github.com/loykin/rolewatch/internal/tls"
)

// Controller is the lifecycle surface of the monitoring engine.
type Controller interface {
	Start(ctx context.Context) (supervisor.Status, error)
	Stop() supervisor.Status
	ForceRestart(ctx context.Context) (supervisor.Status, error)
	ResetRestartAttempts() supervisor.Status
	ClearTracking(ctx context.Context) (int64, error)
	Status() supervisor.Status
}

// CursorLister exposes tracked channels.
type CursorLister interface {
	ListCursors(ctx context.Context, orgID string) ([]store.Cursor, error)
}

// Router provides embeddable HTTP handlers for controlling the monitor.
// Endpoints (all under basePath, admin token required when configured):
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	POST {basePath}/force-restart
//	POST {basePath}/reset-restart-attempts
//	POST {basePath}/clear-tracking
//	POST {basePath}/control          body: {"action":"start|stop|clear"}
//	GET  {basePath}/status
//	GET  {basePath}/cursors
//	GET  {basePath}/history?limit=N   501 unless the history sink is queryable
//
// GET {basePath}/healthz is always open. /metrics is mounted at the root
// when enabled.
type Router struct {
	ctrl     Controller
	cursors  CursorLister
	history  history.Reader
	orgID    string
	basePath string
	auth     *auth.Middleware
	metrics  bool
	logger   *slog.Logger
}

type RouterOption func(*Router)

func WithAuth(a *auth.TokenAuthenticator) RouterOption {
	return func(r *Router) { r.auth = auth.NewMiddleware(a) }
}

func WithMetrics(enabled bool) RouterOption { return func(r *Router) { r.metrics = enabled } }

func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// WithHistory serves recent export events from h.
func WithHistory(h history.Reader) RouterOption { return func(r *Router) { r.history = h } }

// NewRouter builds a router. Example basePath "/api" gives /api/start, /api/status, ...
func NewRouter(ctrl Controller, cursors CursorLister, orgID, basePath string, opts ...RouterOption) *Router {
	r := &Router{
		ctrl:     ctrl,
		cursors:  cursors,
		orgID:    orgID,
		basePath: sanitizeBase(basePath),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	base := g.Group(r.basePath)
	base.GET("/healthz", r.handleHealthz)

	group := base.Group("")
	if r.auth != nil {
		group.Use(r.auth.GinAuth())
	}
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/force-restart", r.handleForceRestart)
	group.POST("/reset-restart-attempts", r.handleResetAttempts)
	group.POST("/clear-tracking", r.handleClearTracking)
	group.POST("/control", r.handleControl)
	group.GET("/status", r.handleStatus)
	group.GET("/cursors", r.handleCursors)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer binds addr and serves h in the background, over TLS when
// cfg.TLS is enabled. Bind and TLS setup errors are returned immediately.
func NewServer(cfg config.ServerConfig, h http.Handler, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsCfg, err := itls.SetupTLS(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup TLS: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// force-restart waits for discovery
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server stopped", "addr", cfg.Listen, "error", err)
		}
	}()
	return srv, nil
}

// --- Handlers ---

type errorResp struct {
	Error  string             `json:"error"`
	Status *supervisor.Status `json:"status,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type clearResp struct {
	OK      bool  `json:"ok"`
	Cleared int64 `json:"cleared"`
}

type controlReq struct {
	Action string `json:"action"`
}

// startErrorCode maps lifecycle failures: configuration problems are server
// errors, an empty channel set is a conflict, anything else came from the
// chat provider.
func startErrorCode(err error) int {
	switch {
	case errors.Is(err, chat.ErrMissingCredentials):
		return http.StatusInternalServerError
	case errors.Is(err, supervisor.ErrNoChannels):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (r *Router) writeLifecycle(c *gin.Context, st supervisor.Status, err error) {
	if err != nil {
		r.logger.Warn("control action failed", "path", c.FullPath(), "state", st.State, "error", err)
		writeError(c, startErrorCode(err), err, &st)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	st, err := r.ctrl.Start(c.Request.Context())
	r.writeLifecycle(c, st, err)
}

func (r *Router) handleStop(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Stop())
}

func (r *Router) handleForceRestart(c *gin.Context) {
	st, err := r.ctrl.ForceRestart(c.Request.Context())
	r.writeLifecycle(c, st, err)
}

func (r *Router) handleResetAttempts(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.ResetRestartAttempts())
}

func (r *Router) handleClearTracking(c *gin.Context) {
	n, err := r.ctrl.ClearTracking(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err, nil)
		return
	}
	writeJSON(c, http.StatusOK, clearResp{OK: true, Cleared: n})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Status())
}

func (r *Router) handleControl(c *gin.Context) {
	var req controlReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "start":
		r.handleStart(c)
	case "stop":
		r.handleStop(c)
	case "clear":
		r.handleClearTracking(c)
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("unknown action %q: use start, stop or clear", req.Action)})
	}
}

func (r *Router) handleCursors(c *gin.Context) {
	if r.cursors == nil {
		writeJSON(c, http.StatusOK, []store.Cursor{})
		return
	}
	cs, err := r.cursors.ListCursors(c.Request.Context(), r.orgID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err, nil)
		return
	}
	if cs == nil {
		cs = []store.Cursor{}
	}
	writeJSON(c, http.StatusOK, cs)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeError(c, http.StatusNotImplemented, errors.New("history sink is disabled or not queryable"), nil)
		return
	}
	limit := defaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", q), nil)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	evs, err := r.history.Recent(c.Request.Context(), r.orgID, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err, nil)
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}

func (r *Router) handleHealthz(c *gin.Context) {
	st := r.ctrl.Status()
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "state": st.State})
}
