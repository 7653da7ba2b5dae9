package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestLoggerFansOutToFile(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewLoggerWithWriters("prod", &console, &file, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("thread created", "thread_id", "t1")

	require.Contains(t, console.String(), "thread created")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	require.Equal(t, "thread created", rec["msg"])
	require.Equal(t, "t1", rec["thread_id"])
}

func TestNewLoggerOpensFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	logger, closeFn, err := NewLogger("dev", LoggerOptions{Level: slog.LevelDebug, File: path})
	require.NoError(t, err)
	logger.Debug("ready")
	require.NoError(t, closeFn())
	require.FileExists(t, path)

	_, _, err = NewLogger("dev", LoggerOptions{File: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	m := Middleware{}
	r.Use(m.RequestID(), m.LoggerMiddleware())
	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "req-1", seen)
	require.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	down := HealthHandlers{Ready: func() error { return errors.New("scylla down") }}
	r.GET("/readyz", down.Readyz)
	r.GET("/livez", down.Livez)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "scylla down")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReportsFailingChecks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := HealthHandlers{Checks: map[string]Check{
		"mongo": func(context.Context) error { return nil },
		"kafka": func(context.Context) error { return errors.New("no brokers") },
	}}
	r.GET("/readyz", h.Readyz)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "kafka")
	require.NotContains(t, w.Body.String(), "mongo")
}
