package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rolewatch/internal/auth"
	"github.com/loykin/rolewatch/internal/chat"
	"github.com/loykin/rolewatch/internal/config"
	"github.com/loykin/rolewatch/internal/history"
	"github.com/loykin/rolewatch/internal/store"
	"github.com/loykin/rolewatch/internal/store/memory"
	"github.com/loykin/rolewatch/internal/supervisor"
)

type fakeController struct {
	status   supervisor.Status
	startErr error
	clearErr error
	calls    []string
}

func (f *fakeController) Start(context.Context) (supervisor.Status, error) {
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return supervisor.Status{State: supervisor.StateFailed, LastError: f.startErr.Error()}, f.startErr
	}
	f.status = supervisor.Status{IsRunning: true, IsAutoStarted: true, State: supervisor.StateRunning, ExperienceCount: 2}
	return f.status, nil
}

func (f *fakeController) Stop() supervisor.Status {
	f.calls = append(f.calls, "stop")
	f.status = supervisor.Status{State: supervisor.StateStopped}
	return f.status
}

func (f *fakeController) ForceRestart(ctx context.Context) (supervisor.Status, error) {
	f.calls = append(f.calls, "force-restart")
	st, err := f.Start(ctx)
	f.calls = f.calls[:len(f.calls)-1]
	return st, err
}

func (f *fakeController) ResetRestartAttempts() supervisor.Status {
	f.calls = append(f.calls, "reset")
	f.status.RestartAttempts = 0
	f.status.LastError = ""
	return f.status
}

func (f *fakeController) ClearTracking(context.Context) (int64, error) {
	f.calls = append(f.calls, "clear")
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	return 4, nil
}

func (f *fakeController) Status() supervisor.Status { return f.status }

func setupRouter(t *testing.T, ctrl Controller, cursors CursorLister, opts ...RouterOption) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctrl, cursors, "biz_1", "/api", opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) supervisor.Status {
	t.Helper()
	var st supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestLifecycleEndpoints(t *testing.T) {
	ctrl := &fakeController{status: supervisor.Status{State: supervisor.StateStopped}}
	h := setupRouter(t, ctrl, nil)

	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeStatus(t, rec)
	assert.True(t, st.IsRunning)
	assert.Equal(t, 2, st.ExperienceCount)

	rec = doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StateRunning, decodeStatus(t, rec).State)

	rec = doReq(t, h, http.MethodPost, "/api/force-restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/reset-restart-attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeStatus(t, rec).IsRunning)

	rec = doReq(t, h, http.MethodPost, "/api/clear-tracking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"cleared":4}`, rec.Body.String())

	assert.Equal(t, []string{"start", "force-restart", "reset", "stop", "clear"}, ctrl.calls)
}

func TestStartErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("discover channels: %w", errors.New("provider 503")), http.StatusBadGateway},
		{supervisor.ErrNoChannels, http.StatusConflict},
		{fmt.Errorf("discover channels: %w", chat.ErrMissingCredentials), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			h := setupRouter(t, &fakeController{startErr: tc.err}, nil)
			rec := doReq(t, h, http.MethodPost, "/api/start", nil)
			require.Equal(t, tc.code, rec.Code)
			var body errorResp
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Error, tc.err.Error())
			require.NotNil(t, body.Status)
			assert.Equal(t, supervisor.StateFailed, body.Status.State)
		})
	}
}

func TestControlActions(t *testing.T) {
	ctrl := &fakeController{}
	h := setupRouter(t, ctrl, nil)

	rec := doReq(t, h, http.MethodPost, "/api/control", controlReq{Action: "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/control", controlReq{Action: "Clear"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"cleared":4}`, rec.Body.String())
	rec = doReq(t, h, http.MethodPost, "/api/control", controlReq{Action: "stop"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start", "clear", "stop"}, ctrl.calls)

	rec = doReq(t, h, http.MethodPost, "/api/control", controlReq{Action: "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/control", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearTrackingError(t *testing.T) {
	h := setupRouter(t, &fakeController{clearErr: errors.New("db locked")}, nil)
	rec := doReq(t, h, http.MethodPost, "/api/clear-tracking", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "db locked")
}

func TestCursorsEndpoint(t *testing.T) {
	ms := memory.New()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ms.SetCursor(context.Background(), store.Cursor{OrgID: "biz_1", ChannelID: "exp_1", ChannelName: "General chat", LastMessageID: "m9", LastMessageAt: ts}))
	require.NoError(t, ms.SetCursor(context.Background(), store.Cursor{OrgID: "biz_2", ChannelID: "exp_9", LastMessageID: "x", LastMessageAt: ts}))

	h := setupRouter(t, &fakeController{}, ms)
	rec := doReq(t, h, http.MethodGet, "/api/cursors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cs []store.Cursor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	require.Len(t, cs, 1)
	assert.Equal(t, "exp_1", cs[0].ChannelID)
	assert.Equal(t, "m9", cs[0].LastMessageID)

	h = setupRouter(t, &fakeController{}, nil)
	rec = doReq(t, h, http.MethodGet, "/api/cursors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAdminToken(t *testing.T) {
	a, err := auth.NewTokenAuthenticator("s3cret", "")
	require.NoError(t, err)
	ctrl := &fakeController{status: supervisor.Status{State: supervisor.StateStopped}}
	h := setupRouter(t, ctrl, nil, WithAuth(a))

	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/status", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ctrl.calls)

	rec = doReq(t, h, http.MethodPost, "/api/start", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	rec = doReq(t, h, http.MethodGet, "/api/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"state":"running"}`, rec.Body.String())
}

func TestMetricsMount(t *testing.T) {
	h := setupRouter(t, &fakeController{}, nil, WithMetrics(true))
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h = setupRouter(t, &fakeController{}, nil)
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptyBasePath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(&fakeController{}, nil, "biz_1", "/").Handler()
	rec := doReq(t, h, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(&fakeController{status: supervisor.Status{State: supervisor.StateStopped}}, nil, "biz_1", "/api").Handler()
	srv, err := NewServer(config.ServerConfig{Listen: "127.0.0.1:0"}, h, nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	_, err = NewServer(config.ServerConfig{Listen: "127.0.0.1:0", TLS: &config.TLSConfig{Enabled: true}}, h, nil)
	require.Error(t, err)
}

type fakeHistory struct {
	events []history.Event
	limit  int
	err    error
}

func (f *fakeHistory) Recent(_ context.Context, orgID string, limit int) ([]history.Event, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []history.Event
	for _, e := range f.events {
		if e.OrgID == orgID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestHistoryEndpoint(t *testing.T) {
	h := setupRouter(t, &fakeController{}, nil)
	rec := doReq(t, h, http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	fh := &fakeHistory{events: []history.Event{
		{Type: history.EventMention, OrgID: "biz_1", ChannelID: "exp_1", MessageID: "m2", Role: "ops", Outcome: "sent", Recipients: 2},
		{Type: history.EventMention, OrgID: "biz_2", ChannelID: "exp_9", MessageID: "x"},
	}}
	h = setupRouter(t, &fakeController{}, nil, WithHistory(fh))

	rec = doReq(t, h, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, defaultHistoryLimit, fh.limit)
	var evs []history.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, "ops", evs[0].Role)

	rec = doReq(t, h, http.MethodGet, "/api/history?limit=100000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistoryLimit, fh.limit)

	for _, bad := range []string{"0", "-3", "ten"} {
		rec = doReq(t, h, http.MethodGet, "/api/history?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	fh.err = errors.New("disk gone")
	rec = doReq(t, h, http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	h = setupRouter(t, &fakeController{}, nil, WithHistory(&fakeHistory{}))
	rec = doReq(t, h, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
