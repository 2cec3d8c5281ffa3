package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"Admin token required"}`))
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"state":"stopped"}`))
	})
	mux.HandleFunc("GET /api/status", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isRunning":true,"state":"running","experienceCount":2,"restartAttempts":0}`))
	}))
	mux.HandleFunc("POST /api/start", auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"discover channels: provider down","status":{"state":"failed","lastError":"provider down"}}`))
	}))
	mux.HandleFunc("POST /api/stop", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isRunning":false,"state":"stopped"}`))
	}))
	mux.HandleFunc("POST /api/clear-tracking", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"cleared":3}`))
	}))
	mux.HandleFunc("POST /api/control", auth(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": req["action"]})
	}))
	mux.HandleFunc("GET /api/cursors", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"orgId":"biz_1","channelId":"exp_1","lastMessageId":"m9"}]`))
	}))
	mux.HandleFunc("GET /api/history", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") == "1" {
			_, _ = w.Write([]byte(`[{"type":"mention","org_id":"biz_1","channel_id":"exp_1","message_id":"m2","role":"ops","outcome":"sent","recipients":2}]`))
			return
		}
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte(`{"error":"history sink is disabled or not queryable"}`))
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api/", Token: "tok"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.Equal(t, 2, st.ExperienceCount)

	st, err = c.Start(ctx)
	require.Error(t, err)
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusBadGateway, ae.Code)
	assert.Contains(t, ae.Message, "provider down")
	assert.Equal(t, "failed", st.State)

	st, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.State)

	res, err := c.ClearTracking(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Cleared)

	raw, err := c.Control(ctx, "clear")
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"clear"}`, string(raw))

	cs, err := c.Cursors(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "m9", cs[0].LastMessageID)

	evs, err := c.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "ops", evs[0].Role)
	assert.Equal(t, 2, evs[0].Recipients)

	_, err = c.History(ctx, 0)
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusNotImplemented, ae.Code)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})
	_, err := c.Status(context.Background())
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusUnauthorized, ae.Code)
	assert.Contains(t, ae.Message, "Admin token required")
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := New(Config{BaseURL: url})
	assert.False(t, c.IsReachable(context.Background()))
}
