package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-cnan/thankan.ayyo/internal/pool"
	"github.com/m-cnan/thankan.ayyo/internal/providers"
)

type upstreamCall struct {
	secret string
	model  string
}

// scriptedBackend answers every Stream call with respond.
type scriptedBackend struct {
	mu      sync.Mutex
	calls   []upstreamCall
	respond func(n int, call upstreamCall, emit providers.FragmentFunc) error
}

func (b *scriptedBackend) Kind() providers.Kind { return providers.KindChat }

func (b *scriptedBackend) Stream(ctx context.Context, secret string, req providers.Request, emit providers.FragmentFunc) error {
	b.mu.Lock()
	call := upstreamCall{secret: secret, model: req.Model}
	b.calls = append(b.calls, call)
	n := len(b.calls)
	b.mu.Unlock()
	return b.respond(n, call, emit)
}

func (b *scriptedBackend) Close() error { return nil }

func (b *scriptedBackend) Calls() []upstreamCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]upstreamCall(nil), b.calls...)
}

type recorder struct {
	events  []Event
	failErr error
}

func (r *recorder) Emit(e Event) error {
	r.events = append(r.events, e)
	if e.Type == EventFragment && r.failErr != nil {
		return r.failErr
	}
	return nil
}

func (r *recorder) terminal(t *testing.T) Event {
	t.Helper()
	require.NotEmpty(t, r.events)
	count := 0
	for _, e := range r.events {
		if e.Terminal() {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one terminal event")
	last := r.events[len(r.events)-1]
	require.True(t, last.Terminal(), "terminal event is last")
	return last
}

func (r *recorder) content() string {
	var out string
	for _, e := range r.events {
		if e.Type == EventFragment {
			out += e.Content
		}
	}
	return out
}

func testLadder(n int) providers.Ladder {
	l := make(providers.Ladder, n)
	for i := range l {
		l[i] = providers.Tier{Index: i, Model: fmt.Sprintf("tier-%d-model", i), Kind: providers.KindChat}
	}
	return l
}

func testSecrets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("AIzaSyDispatchTest-%02d-credential", i)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, credentials, tiers int, backend *scriptedBackend) (*Dispatcher, *pool.Pool) {
	t.Helper()
	p := pool.New(testSecrets(credentials), tiers-1, pool.Options{Logger: quietLogger()})
	opts := DefaultOptions()
	opts.Backoff = 0
	opts.Logger = quietLogger()
	d, err := New(p, testLadder(tiers), providers.NewRegistry(backend), opts)
	require.NoError(t, err)
	return d, p
}

func rateLimited() error {
	return &providers.UpstreamError{StatusCode: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED", Message: "quota exceeded"}
}

func forbidden() error {
	return &providers.UpstreamError{StatusCode: http.StatusForbidden, Code: "SERVICE_DISABLED", Message: "service disabled"}
}

func transient() error {
	return &providers.UpstreamError{StatusCode: http.StatusServiceUnavailable, Message: "backend unavailable"}
}

func stream(emit providers.FragmentFunc, fragments ...string) error {
	for _, f := range fragments {
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

func TestDispatch_StreamsFragmentsThenDone(t *testing.T) {
	backend := &scriptedBackend{respond: func(n int, _ upstreamCall, emit providers.FragmentFunc) error {
		return stream(emit, "Eda ", "mwone, ", "adipoli!")
	}}
	d, p := newTestDispatcher(t, 2, 3, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{RequestID: "req-1"}, rec)
	require.NoError(t, err)

	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, "Eda mwone, adipoli!", rec.content())
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 3, out.Fragments)
	assert.Equal(t, "tier-0-model", out.Model)
	assert.Nil(t, out.Failure)
	assert.Equal(t, 0, p.Tier())
}

func TestDispatch_EmptyStreamCountsAsSuccess(t *testing.T) {
	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error { return nil }}
	d, _ := newTestDispatcher(t, 1, 1, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)
	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Len(t, rec.events, 1)
}

func TestDispatch_SkipsEmptyFragments(t *testing.T) {
	backend := &scriptedBackend{respond: func(_ int, _ upstreamCall, emit providers.FragmentFunc) error {
		return stream(emit, "", "hi", "")
	}}
	d, _ := newTestDispatcher(t, 1, 1, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	require.Len(t, rec.events, 2)
	assert.Equal(t, EventFragment, rec.events[0].Type)
	assert.Equal(t, "hi", rec.events[0].Content)
	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, 1, out.Fragments)
}

func TestDispatch_EmptyFragmentDoesNotCommitAttempt(t *testing.T) {
	backend := &scriptedBackend{respond: func(n int, _ upstreamCall, emit providers.FragmentFunc) error {
		if n == 1 {
			if err := emit(""); err != nil {
				return err
			}
			return rateLimited()
		}
		return stream(emit, "retried")
	}}
	d, p := newTestDispatcher(t, 2, 1, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, "retried", rec.content())
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Len(t, backend.Calls(), 2)
	assert.Equal(t, 1, p.Snapshot().RateLimited)
}

func TestDispatch_NoCredentials(t *testing.T) {
	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error { return nil }}
	d, _ := newTestDispatcher(t, 0, 3, backend)
	rec := &recorder{}

	assert.ErrorIs(t, d.Preflight(), pool.ErrNoCredentials)
	_, err := d.Dispatch(context.Background(), Request{}, rec)
	assert.ErrorIs(t, err, pool.ErrNoCredentials)
	assert.Empty(t, rec.events)
	assert.Empty(t, backend.Calls())
}

func TestDispatch_PreExhaustedPoolMakesNoCalls(t *testing.T) {
	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error { return nil }}
	d, p := newTestDispatcher(t, 3, 3, backend)
	for i := 0; i < 3; i++ {
		c, ok := p.SelectNext()
		require.True(t, ok)
		p.MarkRateLimited(c, time.Minute)
	}

	rec := &recorder{}
	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	last := rec.terminal(t)
	assert.Equal(t, EventFailed, last.Type)
	require.NotNil(t, last.Failure)
	assert.Equal(t, ReasonExhausted, last.Failure.Reason)
	assert.True(t, last.Failure.PoolExhausted)
	assert.Empty(t, backend.Calls())
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, ResultFailed, out.Result)
}

func TestDispatch_SingleCredentialAlwaysRateLimited(t *testing.T) {
	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error {
		return &providers.UpstreamError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Minute}
	}}
	d, p := newTestDispatcher(t, 1, 1, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	last := rec.terminal(t)
	require.NotNil(t, last.Failure)
	assert.True(t, last.Failure.PoolExhausted)
	assert.True(t, last.Failure.Exhausted())
	assert.Equal(t, ResultFailed, out.Result)
	assert.Len(t, backend.Calls(), 1)

	snap := p.Snapshot()
	assert.Equal(t, 0, snap.Available)
	assert.Equal(t, 1, snap.RateLimited)

	status := p.Credentials()[0]
	require.NotNil(t, status.ResetAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *status.ResetAt, 5*time.Second)
}

func TestDispatch_ReactiveEscalation(t *testing.T) {
	backend := &scriptedBackend{respond: func(_ int, call upstreamCall, emit providers.FragmentFunc) error {
		if call.model == "tier-0-model" {
			return rateLimited()
		}
		return stream(emit, "ok")
	}}
	d, p := newTestDispatcher(t, 6, 3, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, 1, out.Escalations)
	assert.False(t, out.Emergency)
	assert.Equal(t, 1, p.Tier())

	calls := backend.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "tier-0-model", calls[0].model)
	assert.Equal(t, "tier-0-model", calls[1].model)
	assert.Equal(t, "tier-1-model", calls[2].model)
	assert.NotEqual(t, calls[0].secret, calls[1].secret)

	snap := p.Snapshot()
	assert.Equal(t, 0, snap.RateLimited)
	assert.Equal(t, 6, snap.Available)
}

func TestDispatch_ProactiveEscalation(t *testing.T) {
	backend := &scriptedBackend{respond: func(_ int, _ upstreamCall, emit providers.FragmentFunc) error {
		return stream(emit, "ok")
	}}
	d, p := newTestDispatcher(t, 5, 3, backend)
	for i := 0; i < 4; i++ {
		c, ok := p.SelectNext()
		require.True(t, ok)
		p.MarkRateLimited(c, time.Minute)
	}

	rec := &recorder{}
	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, 1, out.Escalations)
	calls := backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tier-1-model", calls[0].model)
}

func TestDispatch_EscalatesWhenNothingSelectable(t *testing.T) {
	backend := &scriptedBackend{respond: func(_ int, call upstreamCall, emit providers.FragmentFunc) error {
		if call.model == "tier-0-model" {
			return rateLimited()
		}
		return stream(emit, "ok")
	}}
	d, p := newTestDispatcher(t, 1, 2, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, 1, out.Escalations)
	assert.Equal(t, "tier-1-model", out.Model)
	assert.Equal(t, 1, p.Tier())
	assert.Len(t, backend.Calls(), 2)
}

func TestDispatch_EmergencyAttempt(t *testing.T) {
	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error {
		return transient()
	}}
	d, p := newTestDispatcher(t, 4, 3, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	calls := backend.Calls()
	require.Len(t, calls, 4, "three budgeted attempts plus one emergency attempt")
	for _, c := range calls[:3] {
		assert.Equal(t, "tier-0-model", c.model)
	}
	assert.Equal(t, "tier-2-model", calls[3].model)

	last := rec.terminal(t)
	require.NotNil(t, last.Failure)
	assert.Equal(t, ReasonTransient, last.Failure.Reason)
	assert.False(t, last.Failure.PoolExhausted)
	assert.True(t, out.Emergency)
	assert.Equal(t, 2, p.Tier())
	assert.Equal(t, 4, out.Attempts)
}

func TestDispatch_EmergencySucceeds(t *testing.T) {
	backend := &scriptedBackend{respond: func(_ int, call upstreamCall, emit providers.FragmentFunc) error {
		if call.model != "tier-2-model" {
			return transient()
		}
		return stream(emit, "from gemma")
	}}
	d, _ := newTestDispatcher(t, 2, 3, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)
	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, "from gemma", rec.content())
	assert.True(t, out.Emergency)
	assert.Equal(t, ResultSuccess, out.Result)
}

func TestDispatch_AccessDeniedDisablesAndRotates(t *testing.T) {
	secrets := testSecrets(2)
	backend := &scriptedBackend{respond: func(_ int, call upstreamCall, emit providers.FragmentFunc) error {
		if call.secret == secrets[0] {
			return forbidden()
		}
		return stream(emit, "hello")
	}}
	d, p := newTestDispatcher(t, 2, 3, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	assert.Equal(t, EventDone, rec.terminal(t).Type)
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, 2, out.Attempts)

	creds := p.Credentials()
	require.Len(t, creds, 2)
	assert.Equal(t, pool.StateDisabled.String(), creds[0].State)
	assert.Equal(t, "SERVICE_DISABLED", creds[0].Reason)
	assert.Equal(t, pool.StateAvailable.String(), creds[1].State)
	assert.Equal(t, 0, creds[1].ConsecutiveErrors)
}

func TestDispatch_ErrorAfterFragmentIsTerminal(t *testing.T) {
	backend := &scriptedBackend{respond: func(_ int, _ upstreamCall, emit providers.FragmentFunc) error {
		if err := emit("partial "); err != nil {
			return err
		}
		return rateLimited()
	}}
	d, p := newTestDispatcher(t, 3, 3, backend)
	rec := &recorder{}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	last := rec.terminal(t)
	require.NotNil(t, last.Failure)
	assert.Equal(t, ReasonInterrupted, last.Failure.Reason)
	assert.Equal(t, "partial ", rec.content())
	assert.Len(t, backend.Calls(), 1)
	assert.Equal(t, 1, out.Fragments)
	assert.Equal(t, 3, p.Snapshot().Available)
}

func TestDispatch_EmitErrorAborts(t *testing.T) {
	backend := &scriptedBackend{respond: func(_ int, _ upstreamCall, emit providers.FragmentFunc) error {
		return stream(emit, "one", "two")
	}}
	d, _ := newTestDispatcher(t, 2, 3, backend)
	rec := &recorder{failErr: errors.New("broken pipe")}

	out, err := d.Dispatch(context.Background(), Request{}, rec)
	require.NoError(t, err)

	assert.Equal(t, ResultCancelled, out.Result)
	assert.Len(t, backend.Calls(), 1)
	assert.Equal(t, 0, out.Fragments)
	assert.Equal(t, EventFailed, rec.terminal(t).Type)
}

func TestDispatch_CancelledDuringCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error {
		cancel()
		return context.Canceled
	}}
	d, p := newTestDispatcher(t, 2, 3, backend)
	rec := &recorder{}

	out, err := d.Dispatch(ctx, Request{}, rec)
	require.NoError(t, err)

	last := rec.terminal(t)
	require.NotNil(t, last.Failure)
	assert.Equal(t, ReasonCancelled, last.Failure.Reason)
	assert.Equal(t, ResultCancelled, out.Result)
	assert.Len(t, backend.Calls(), 1)
	assert.Equal(t, 2, p.Snapshot().Available)
}

func TestDispatch_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error {
		time.AfterFunc(20*time.Millisecond, cancel)
		return transient()
	}}
	p := pool.New(testSecrets(2), 2, pool.Options{Logger: quietLogger()})
	opts := DefaultOptions()
	opts.Backoff = time.Hour
	opts.Logger = quietLogger()
	d, err := New(p, testLadder(3), providers.NewRegistry(backend), opts)
	require.NoError(t, err)

	rec := &recorder{}
	start := time.Now()
	out, err := d.Dispatch(ctx, Request{}, rec)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, ResultCancelled, out.Result)
	assert.Len(t, backend.Calls(), 1)
	assert.Equal(t, EventFailed, rec.terminal(t).Type)
}

func TestDispatch_ConcurrentRequests(t *testing.T) {
	backend := &scriptedBackend{respond: func(n int, _ upstreamCall, emit providers.FragmentFunc) error {
		if n%3 == 0 {
			return rateLimited()
		}
		return stream(emit, "a", "b")
	}}
	d, _ := newTestDispatcher(t, 8, 3, backend)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &recorder{}
			_, err := d.Dispatch(context.Background(), Request{}, rec)
			assert.NoError(t, err)
			rec.terminal(t)
		}()
	}
	wg.Wait()
}

func TestNew_RequiresBackendForEveryTier(t *testing.T) {
	p := pool.New(testSecrets(1), 1, pool.Options{Logger: quietLogger()})
	ladder := providers.Ladder{
		{Index: 0, Model: "chat-model", Kind: providers.KindChat},
		{Index: 1, Model: "prompt-model", Kind: providers.KindPrompt},
	}
	backend := &scriptedBackend{respond: func(int, upstreamCall, providers.FragmentFunc) error { return nil }}

	_, err := New(p, ladder, providers.NewRegistry(backend), DefaultOptions())
	assert.Error(t, err)

	_, err = New(p, nil, providers.NewRegistry(backend), DefaultOptions())
	assert.Error(t, err)
}

func TestFailureExhausted(t *testing.T) {
	assert.True(t, Failure{Reason: ReasonExhausted}.Exhausted())
	assert.True(t, Failure{Reason: ReasonRateLimit}.Exhausted())
	assert.True(t, Failure{Reason: ReasonTransient, PoolExhausted: true}.Exhausted())
	assert.False(t, Failure{Reason: ReasonTransient}.Exhausted())
}
