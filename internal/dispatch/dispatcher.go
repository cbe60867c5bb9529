// Package dispatch runs the attempt loop that turns a chat request into a
// stream of fragments, rotating credentials and moving along the tier ladder
// as upstream failures are classified.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m-cnan/thankan.ayyo/internal/metrics"
	"github.com/m-cnan/thankan.ayyo/internal/pool"
	"github.com/m-cnan/thankan.ayyo/internal/providers"
)

// CredentialPool is the subset of *pool.Pool the dispatcher drives.
type CredentialPool interface {
	Len() int
	SelectNext() (pool.Credential, bool)
	MarkRateLimited(c pool.Credential, retryAfter time.Duration)
	MarkDisabled(c pool.Credential, reason string)
	MarkSuccessful(c pool.Credential)
	Snapshot() pool.Snapshot
	Escalate() bool
	EscalateIf(threshold int) bool
	ForceMax() bool
	MaybeDeescalate() bool
}

// Options tunes the retry budget and escalation thresholds.
type Options struct {
	MaxRetries int
	Backoff    time.Duration

	// ProactiveThreshold escalates before selection once this many
	// credentials are rate limited.
	ProactiveThreshold int

	// ReactiveThreshold escalates right after a rate limit once this many
	// credentials are rate limited, and resets the attempt counter.
	ReactiveThreshold int

	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:         3,
		Backoff:            time.Second,
		ProactiveThreshold: 4,
		ReactiveThreshold:  2,
	}
}

// Request is one chat request as seen by the dispatcher.
type Request struct {
	RequestID    string
	Conversation providers.Conversation
	Generation   providers.GenerationConfig
}

// Dispatcher is safe for concurrent use; all shared state lives in the pool.
type Dispatcher struct {
	pool     CredentialPool
	ladder   providers.Ladder
	backends *providers.Registry
	opts     Options
	logger   *slog.Logger
	metrics  metrics.Recorder
}

// New validates that every ladder tier has a backend registered.
func New(p CredentialPool, ladder providers.Ladder, backends *providers.Registry, opts Options) (*Dispatcher, error) {
	if len(ladder) == 0 {
		return nil, errors.New("ladder has no tiers")
	}
	for _, tier := range ladder {
		if _, err := backends.Get(tier.Kind); err != nil {
			return nil, fmt.Errorf("tier %d (%s): %w", tier.Index, tier.Model, err)
		}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Noop{}
	}

	return &Dispatcher{
		pool:     p,
		ladder:   ladder,
		backends: backends,
		opts:     opts,
		logger:   logger.With("component", "dispatcher"),
		metrics:  rec,
	}, nil
}

// Preflight reports configuration errors that must be surfaced before a
// stream is opened.
func (d *Dispatcher) Preflight() error {
	if d.pool.Len() == 0 {
		return pool.ErrNoCredentials
	}
	return nil
}

// Ladder returns the tier ladder the dispatcher walks.
func (d *Dispatcher) Ladder() providers.Ladder {
	return d.ladder
}

// Dispatch streams a completion for req into emitter. The only error it
// returns is pool.ErrNoCredentials, in which case nothing was emitted.
// Every other path emits exactly one terminal event.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, emitter Emitter) (Outcome, error) {
	if err := d.Preflight(); err != nil {
		return Outcome{}, err
	}

	r := &run{
		d:       d,
		req:     req,
		emitter: emitter,
		logger:  d.logger.With("request_id", req.RequestID),
		start:   time.Now(),
	}

	if snap := d.pool.Snapshot(); snap.Exhausted() {
		r.logger.Warn("Pool exhausted before first attempt",
			"total", snap.Total,
			"rate_limited", snap.RateLimited,
			"disabled", snap.Disabled,
		)
		r.out.Tier = snap.Tier
		r.out.Model = d.ladder.At(snap.Tier).Model
		r.fail(ReasonExhausted)
		return r.finish(), nil
	}

	r.loop(ctx)
	return r.finish(), nil
}

// run is the per-request state of the attempt loop.
type run struct {
	d       *Dispatcher
	req     Request
	emitter Emitter
	logger  *slog.Logger
	start   time.Time

	out        Outcome
	terminated bool
}

// attemptResult is what happened to a single upstream call.
type attemptResult int

const (
	attemptSucceeded attemptResult = iota
	attemptRetryable
	attemptTerminal
)

func (r *run) loop(ctx context.Context) {
	d := r.d
	attempt := 0

	for {
		if ctx.Err() != nil {
			r.cancel()
			return
		}
		if attempt >= d.opts.MaxRetries {
			r.emergency(ctx)
			return
		}

		d.pool.MaybeDeescalate()
		if r.canEscalate() && d.pool.EscalateIf(d.opts.ProactiveThreshold) {
			r.escalated("proactive")
		}

		cred, ok := d.pool.SelectNext()
		if !ok && r.canEscalate() && d.pool.Escalate() {
			r.escalated("unavailable")
			cred, ok = d.pool.SelectNext()
		}
		if !ok {
			r.fail(ReasonExhausted)
			return
		}

		res, err := r.call(ctx, cred)
		if res != attemptRetryable {
			return
		}

		switch providers.Classify(err) {
		case providers.RateLimit:
			d.pool.MarkRateLimited(cred, providers.RetryAfter(err))
			if r.canEscalate() && d.pool.EscalateIf(d.opts.ReactiveThreshold) {
				r.escalated("reactive")
				attempt = 0
				continue
			}
			attempt++
			if attempt < d.opts.MaxRetries && !r.sleep(ctx) {
				r.cancel()
				return
			}
		case providers.AccessDenied:
			d.pool.MarkDisabled(cred, disableReason(err))
			attempt++
		default:
			attempt++
			if attempt < d.opts.MaxRetries && !r.sleep(ctx) {
				r.cancel()
				return
			}
		}
	}
}

// emergency jumps to the highest tier and makes one final attempt.
func (r *run) emergency(ctx context.Context) {
	d := r.d
	r.out.Emergency = true
	r.logger.Warn("Retry budget spent, forcing highest tier", "attempts", r.out.Attempts)

	if d.pool.ForceMax() {
		r.escalated("emergency")
	}

	cred, ok := d.pool.SelectNext()
	if !ok {
		r.fail(ReasonExhausted)
		return
	}

	res, err := r.call(ctx, cred)
	if res != attemptRetryable {
		return
	}

	kind := providers.Classify(err)
	switch kind {
	case providers.RateLimit:
		d.pool.MarkRateLimited(cred, providers.RetryAfter(err))
		r.fail(ReasonRateLimit)
	case providers.AccessDenied:
		d.pool.MarkDisabled(cred, disableReason(err))
		r.fail(ReasonAccessDenied)
	default:
		r.fail(ReasonTransient)
	}
}

// call makes one upstream attempt. A retryable result means the call failed
// before anything reached the caller; err is the upstream error then.
func (r *run) call(ctx context.Context, cred pool.Credential) (attemptResult, error) {
	d := r.d
	tier := d.ladder.At(cred.Tier)
	backend, err := d.backends.Get(tier.Kind)
	if err != nil {
		r.logger.Error("No backend for tier", "tier", tier.Index, "kind", tier.Kind)
		r.fail(ReasonTransient)
		return attemptTerminal, err
	}

	r.out.Attempts++
	r.out.Tier = tier.Index
	r.out.Model = tier.Model
	r.out.Credential = cred.Suffix()

	logger := r.logger.With("attempt", r.out.Attempts, "tier", tier.Index, "model", tier.Model, "credential", cred.Suffix())
	logger.Debug("Calling upstream")

	var (
		forwarded bool
		emitErr   error
	)
	err = backend.Stream(ctx, cred.Secret, providers.Request{
		Model:        tier.Model,
		Conversation: r.req.Conversation,
		Generation:   r.req.Generation,
	}, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		if !forwarded {
			forwarded = true
			d.pool.MarkSuccessful(cred)
		}
		if err := r.emitter.Emit(Event{Type: EventFragment, Content: fragment}); err != nil {
			emitErr = err
			return err
		}
		r.out.Fragments++
		return nil
	})

	switch {
	case err == nil:
		if !forwarded {
			d.pool.MarkSuccessful(cred)
		}
		d.metrics.ObserveAttempt(tier.Model, "success")
		r.done()
		return attemptSucceeded, nil

	case emitErr != nil || ctx.Err() != nil:
		d.metrics.ObserveAttempt(tier.Model, "cancelled")
		logger.Info("Caller went away during upstream call", "error", err)
		r.cancel()
		return attemptTerminal, err

	case forwarded:
		d.metrics.ObserveAttempt(tier.Model, "interrupted")
		logger.Warn("Upstream stream broke after output was forwarded", "error", err, "fragments", r.out.Fragments)
		r.fail(ReasonInterrupted)
		return attemptTerminal, err
	}

	kind := providers.Classify(err)
	d.metrics.ObserveAttempt(tier.Model, kind.String())
	logger.Warn("Upstream attempt failed", "kind", kind.String(), "error", err)
	return attemptRetryable, err
}

// disableReason keeps provider codes and drops free-form upstream text.
func disableReason(err error) string {
	var upErr *providers.UpstreamError
	if !errors.As(err, &upErr) {
		return providers.AccessDenied.String()
	}
	switch {
	case upErr.Code != "":
		return upErr.Code
	case upErr.Status != "":
		return upErr.Status
	default:
		return fmt.Sprintf("http %d", upErr.StatusCode)
	}
}

func (r *run) canEscalate() bool {
	return r.out.Escalations < len(r.d.ladder)
}

func (r *run) escalated(trigger string) {
	r.out.Escalations++
	r.d.metrics.ObserveEscalation(trigger)
	r.logger.Info("Escalated tier", "trigger", trigger, "escalations", r.out.Escalations)
}

// sleep waits out the backoff and reports false if ctx ended first.
func (r *run) sleep(ctx context.Context) bool {
	if r.d.opts.Backoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(r.d.opts.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *run) done() {
	r.out.Result = ResultSuccess
	r.terminal(Event{Type: EventDone})
}

func (r *run) fail(reason Reason) {
	snap := r.d.pool.Snapshot()
	f := &Failure{
		Reason:        reason,
		PoolExhausted: snap.Available == 0 || snap.RateLimited+snap.Disabled == snap.Total,
	}
	r.out.Result = ResultFailed
	r.out.Failure = f
	r.terminal(Event{Type: EventFailed, Failure: f})
}

func (r *run) cancel() {
	f := &Failure{Reason: ReasonCancelled}
	r.out.Result = ResultCancelled
	r.out.Failure = f
	r.terminal(Event{Type: EventFailed, Failure: f})
}

func (r *run) terminal(ev Event) {
	if r.terminated {
		return
	}
	r.terminated = true
	if err := r.emitter.Emit(ev); err != nil {
		r.logger.Debug("Terminal event not delivered", "error", err)
	}
}

func (r *run) finish() Outcome {
	r.out.Duration = time.Since(r.start)
	r.d.metrics.ObserveDispatch(string(r.out.Result), r.out.Duration)

	attrs := []any{
		"result", r.out.Result,
		"attempts", r.out.Attempts,
		"escalations", r.out.Escalations,
		"emergency", r.out.Emergency,
		"tier", r.out.Tier,
		"model", r.out.Model,
		"fragments", r.out.Fragments,
		"duration", r.out.Duration,
	}
	if r.out.Failure != nil {
		attrs = append(attrs, "reason", r.out.Failure.Reason, "pool_exhausted", r.out.Failure.PoolExhausted)
	}
	if r.out.Result == ResultSuccess {
		r.logger.Info("Dispatch finished", attrs...)
	} else {
		r.logger.Warn("Dispatch finished", attrs...)
	}
	return r.out
}
