package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"

	"github.com/m-cnan/thankan.ayyo/internal/dispatch"
	"github.com/m-cnan/thankan.ayyo/internal/persona"
)

var errRelayClosed = errors.New("relay closed")

// wireEvent is one SSE frame. Content is a pointer so the success terminal
// frame carries an explicit empty string.
type wireEvent struct {
	Success bool    `json:"success"`
	Content *string `json:"content,omitempty"`
	Error   string  `json:"error,omitempty"`
	Done    bool    `json:"done"`
}

// relay adapts dispatch events to the SSE wire format. It writes at most one
// terminal frame, flushes every frame, and never writes after the terminal
// frame or after a failed write.
type relay struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	rc       *http.ResponseController
	mode     string
	personas *persona.Catalog
	logger   *slog.Logger
	pick     func(n int) int

	terminal bool
	closed   bool
	frames   int
}

func newRelay(w http.ResponseWriter, mode string, personas *persona.Catalog, logger *slog.Logger) *relay {
	return &relay{
		w:        w,
		rc:       http.NewResponseController(w),
		mode:     mode,
		personas: personas,
		logger:   logger,
		pick:     rand.IntN,
	}
}

// open writes the SSE headers.
func (r *relay) open() {
	h := r.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	r.w.WriteHeader(http.StatusOK)
	r.flush()
}

// Emit implements dispatch.Emitter.
func (r *relay) Emit(ev dispatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal || r.closed {
		return errRelayClosed
	}

	switch ev.Type {
	case dispatch.EventFragment:
		content := ev.Content
		return r.writeLocked(wireEvent{Success: true, Content: &content})
	case dispatch.EventDone:
		r.terminal = true
		empty := ""
		r.writeLocked(wireEvent{Success: true, Content: &empty, Done: true})
		return nil
	default:
		r.terminal = true
		tone := persona.ToneGeneric
		if ev.Failure != nil && ev.Failure.Exhausted() {
			tone = persona.ToneExhausted
		}
		r.writeLocked(wireEvent{Error: r.message(tone), Done: true})
		return nil
	}
}

// finish synthesizes a failure frame when the stream ended without one.
func (r *relay) finish(tone persona.Tone) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal {
		return
	}
	r.terminal = true
	if r.closed {
		return
	}
	r.logger.Warn("Stream ended without terminal event", "tone", tone)
	r.writeLocked(wireEvent{Error: r.message(tone), Done: true})
}

// Terminated reports whether a terminal frame was produced.
func (r *relay) Terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *relay) message(tone persona.Tone) string {
	msgs := r.personas.Lookup(r.mode, tone)
	if len(msgs) == 0 {
		return "Something went wrong. Please try again."
	}
	return msgs[r.pick(len(msgs))]
}

func (r *relay) writeLocked(ev wireEvent) error {
	if r.closed {
		return errRelayClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(r.w, "data: %s\n\n", data); err != nil {
		r.closed = true
		r.logger.Debug("Client write failed", "error", err)
		return err
	}
	r.frames++
	if err := r.flush(); err != nil {
		r.closed = true
		r.logger.Debug("Client flush failed", "error", err)
		return err
	}
	return nil
}

func (r *relay) flush() error {
	if err := r.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
