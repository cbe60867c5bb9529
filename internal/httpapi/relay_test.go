package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-cnan/thankan.ayyo/internal/dispatch"
	"github.com/m-cnan/thankan.ayyo/internal/persona"
)

func newTestRelay(w http.ResponseWriter, mode string) *relay {
	r := newRelay(w, mode, persona.Builtin(), quietLogger())
	r.pick = func(int) int { return 0 }
	return r
}

// brokenWriter fails every body write after the headers.
type brokenWriter struct {
	header http.Header
	writes int
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func (w *brokenWriter) WriteHeader(int) {}

func TestRelay_NothingAfterTerminal(t *testing.T) {
	w := httptest.NewRecorder()
	r := newTestRelay(w, "thankan")
	r.open()

	require.NoError(t, r.Emit(dispatch.Event{Type: dispatch.EventFragment, Content: "a"}))
	require.NoError(t, r.Emit(dispatch.Event{Type: dispatch.EventDone}))

	assert.ErrorIs(t, r.Emit(dispatch.Event{Type: dispatch.EventFragment, Content: "late"}), errRelayClosed)
	assert.ErrorIs(t, r.Emit(dispatch.Event{Type: dispatch.EventFailed}), errRelayClosed)
	r.finish(persona.ToneServer)

	frames := parseFrames(t, w.Body.String())
	require.Len(t, frames, 2)
	last := requireSingleTerminal(t, frames)
	assert.True(t, last.Success)
	assert.True(t, r.Terminated())
}

func TestRelay_FailureTones(t *testing.T) {
	catalog := persona.Builtin()
	tests := []struct {
		name    string
		failure *dispatch.Failure
		tone    persona.Tone
	}{
		{"exhausted reason", &dispatch.Failure{Reason: dispatch.ReasonExhausted}, persona.ToneExhausted},
		{"rate limit reason", &dispatch.Failure{Reason: dispatch.ReasonRateLimit}, persona.ToneExhausted},
		{"pool exhausted flag", &dispatch.Failure{Reason: dispatch.ReasonTransient, PoolExhausted: true}, persona.ToneExhausted},
		{"transient", &dispatch.Failure{Reason: dispatch.ReasonTransient}, persona.ToneGeneric},
		{"no detail", nil, persona.ToneGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := newTestRelay(w, "thani")
			r.open()
			require.NoError(t, r.Emit(dispatch.Event{Type: dispatch.EventFailed, Failure: tt.failure}))

			last := requireSingleTerminal(t, parseFrames(t, w.Body.String()))
			assert.False(t, last.Success)
			assert.NotContains(t, last.raw, "content")
			assert.Equal(t, catalog.Lookup("thani", tt.tone)[0], last.Error)
		})
	}
}

func TestRelay_FinishSynthesizesOnce(t *testing.T) {
	w := httptest.NewRecorder()
	r := newTestRelay(w, "thankan")
	r.open()

	r.finish(persona.ToneServer)
	r.finish(persona.ToneGeneric)

	frames := parseFrames(t, w.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, persona.Builtin().Lookup("thankan", persona.ToneServer)[0], frames[0].Error)
}

func TestRelay_ClosesAfterWriteError(t *testing.T) {
	w := &brokenWriter{}
	r := newTestRelay(w, "thankan")
	r.open()

	err := r.Emit(dispatch.Event{Type: dispatch.EventFragment, Content: "a"})
	require.Error(t, err)
	assert.Equal(t, 1, w.writes)

	assert.ErrorIs(t, r.Emit(dispatch.Event{Type: dispatch.EventFragment, Content: "b"}), errRelayClosed)
	r.finish(persona.ToneGeneric)
	assert.Equal(t, 1, w.writes, "no writes once the client is gone")
	assert.True(t, r.Terminated())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}
