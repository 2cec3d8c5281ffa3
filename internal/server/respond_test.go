package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/loykin/rolewatch/internal/supervisor"
)

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"/":         "",
		" / ":       "",
		"api":       "/api",
		"/api/":     "/api",
		" api ":     "/api",
		"//api//v1": "/api/v1",
		"/api/../x": "/x",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), "input %q", in)
	}
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	st := supervisor.Status{State: supervisor.StateFailed, LastError: "boom"}
	writeError(c, http.StatusBadGateway, errors.New("boom"), &st)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"boom","status":{"isRunning":false,"isAutoStarted":false,"state":"failed","experienceCount":0,"channels":null,"lastError":"boom","restartAttempts":0}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(rec)
	writeError(c, http.StatusInternalServerError, errors.New("db locked"), nil)
	assert.JSONEq(t, `{"error":"db locked"}`, rec.Body.String())
}
