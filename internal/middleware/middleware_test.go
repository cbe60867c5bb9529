package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-cnan/thankan.ayyo/internal/auth"
)

var testSecret = []byte("middleware-test-secret")

func token(t *testing.T, roles ...auth.Role) string {
	t.Helper()
	tok, _, err := auth.GenerateAdminJWT(testSecret, "tester", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetAdminID(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "tester", id)
		claims, ok := GetAdminClaims(r.Context())
		assert.True(t, ok)
		assert.NotEmpty(t, claims.Roles)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAdminJWTMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		secret []byte
		header string
		want   int
	}{
		{"missing token", testSecret, "", http.StatusUnauthorized},
		{"bad token", testSecret, "Bearer nope", http.StatusUnauthorized},
		{"viewer on admin route", testSecret, "Bearer " + token(t, auth.RoleViewer), http.StatusForbidden},
		{"admin", testSecret, "Bearer " + token(t, auth.RoleAdmin), http.StatusNoContent},
		{"no secret configured", nil, "Bearer " + token(t, auth.RoleAdmin), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := AdminJWTMiddleware(tt.secret, auth.RoleAdmin)(okHandler(t))
			req := httptest.NewRequest(http.MethodPost, "/admin/pool/deescalate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAdminJWTMiddleware_AdminReadsViewerRoutes(t *testing.T) {
	h := AdminJWTMiddleware(testSecret, auth.RoleViewer)(okHandler(t))
	req := httptest.NewRequest(http.MethodGet, "/admin/pool", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleAdmin))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "caller-id", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36)
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	out := buf.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"path":"/health"`)
	assert.Contains(t, out, `"request_id"`)
}

// brokenFlushWriter fails every flush, like a connection the client dropped.
type brokenFlushWriter struct {
	*httptest.ResponseRecorder
	err error
}

func (w *brokenFlushWriter) FlushError() error { return w.err }

func TestAccessLog_ReportsFlushErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gone := errors.New("client went away")

	var flushErr error
	h := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: hi\n\n"))
		flushErr = http.NewResponseController(w).Flush()
	}))
	h.ServeHTTP(&brokenFlushWriter{ResponseRecorder: httptest.NewRecorder(), err: gone}, httptest.NewRequest(http.MethodGet, "/api/chat", nil))

	assert.ErrorIs(t, flushErr, gone)
}

func TestAccessLog_FlushesThroughRecorder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := httptest.NewRecorder()

	h := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, http.NewResponseController(w).Flush())
	}))
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chat", nil))

	assert.True(t, w.Flushed)
}
