package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m-cnan/thankan.ayyo/internal/auth"
	"github.com/m-cnan/thankan.ayyo/internal/dispatch"
	"github.com/m-cnan/thankan.ayyo/internal/ledger"
	"github.com/m-cnan/thankan.ayyo/internal/persona"
	"github.com/m-cnan/thankan.ayyo/internal/pool"
	"github.com/m-cnan/thankan.ayyo/internal/providers"
	"github.com/m-cnan/thankan.ayyo/internal/queue"
)

var testJWTSecret = []byte("httpapi-test-secret")

// fakeBackend answers every upstream call with respond and keeps the
// requests it saw.
type fakeBackend struct {
	mu       sync.Mutex
	requests []providers.Request
	respond  func(n int, emit providers.FragmentFunc) error
}

func (b *fakeBackend) Kind() providers.Kind { return providers.KindChat }

func (b *fakeBackend) Stream(ctx context.Context, secret string, req providers.Request, emit providers.FragmentFunc) error {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	n := len(b.requests)
	b.mu.Unlock()
	return b.respond(n, emit)
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) Requests() []providers.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]providers.Request(nil), b.requests...)
}

func streamFragments(fragments ...string) func(int, providers.FragmentFunc) error {
	return func(_ int, emit providers.FragmentFunc) error {
		for _, f := range fragments {
			if err := emit(f); err != nil {
				return err
			}
		}
		return nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	handler http.Handler
	pool    *pool.Pool
	backend *fakeBackend
	queue   *queue.MemoryQueue[*ledger.Record]
	deps    *Dependencies
}

func newTestServer(t *testing.T, credentials, tiers int, backend *fakeBackend) *testServer {
	t.Helper()

	secrets := make([]string, credentials)
	for i := range secrets {
		secrets[i] = fmt.Sprintf("AIzaSyHTTPTest-%02d-credential-value", i)
	}
	ladder := make(providers.Ladder, tiers)
	for i := range ladder {
		ladder[i] = providers.Tier{Index: i, Model: fmt.Sprintf("tier-%d-model", i), Kind: providers.KindChat}
	}

	p := pool.New(secrets, tiers-1, pool.Options{Logger: quietLogger()})
	opts := dispatch.DefaultOptions()
	opts.Backoff = 0
	opts.Logger = quietLogger()
	d, err := dispatch.New(p, ladder, providers.NewRegistry(backend), opts)
	require.NoError(t, err)

	q := queue.NewMemoryQueue[*ledger.Record](queue.DefaultConfig("ledger-test"))
	deps := &Dependencies{
		Dispatcher:     d,
		Pool:           p,
		Personas:       persona.Builtin(),
		Generation:     providers.GenerationConfig{Temperature: 0.8, MaxOutputTokens: 2000},
		Ledger:         ledger.NewRecorder(q, quietLogger()),
		AdminJWTSecret: testJWTSecret,
		Logger:         quietLogger(),
	}
	return &testServer{
		handler: NewRouter(deps),
		pool:    p,
		backend: backend,
		queue:   q,
		deps:    deps,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) chat(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/chat", body, map[string]string{"Content-Type": "application/json"})
}

func (s *testServer) ledgerRecords(t *testing.T) []*ledger.Record {
	t.Helper()
	recs, err := s.queue.DequeueWithTimeout(context.Background(), 100, 10*time.Millisecond)
	require.NoError(t, err)
	return recs
}

// frame mirrors wireEvent with a plain Content so tests can tell an absent
// field from an empty one through the raw map.
type frame struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Error   string `json:"error"`
	Done    bool   `json:"done"`
	raw     map[string]any
}

func parseFrames(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	for _, chunk := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), "frame %q", chunk)
		data := strings.TrimPrefix(chunk, "data: ")

		var f frame
		require.NoError(t, json.Unmarshal([]byte(data), &f))
		require.NoError(t, json.Unmarshal([]byte(data), &f.raw))
		frames = append(frames, f)
	}
	return frames
}

func requireSingleTerminal(t *testing.T, frames []frame) frame {
	t.Helper()
	require.NotEmpty(t, frames)
	count := 0
	for _, f := range frames {
		if f.Done {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one terminal frame")
	last := frames[len(frames)-1]
	require.True(t, last.Done, "terminal frame is last")
	return last
}

func adminToken(t *testing.T, roles ...auth.Role) map[string]string {
	t.Helper()
	tok, _, err := auth.GenerateAdminJWT(testJWTSecret, "tester", roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func newChatRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
