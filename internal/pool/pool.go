// Package pool tracks the liveness of interchangeable upstream credentials
// and the global model tier they are currently used on.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrNoCredentials is returned when a pool is used without any credentials.
var ErrNoCredentials = errors.New("no credentials configured")

// State is the liveness state of a pooled credential.
type State int

const (
	StateAvailable State = iota
	StateRateLimited
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateRateLimited:
		return "rate_limited"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Credential is a handle to one pooled secret as returned by SelectNext.
// Index identifies the credential for the Mark* calls and Tier is the global
// tier that was current when it was selected.
type Credential struct {
	Index  int
	Tier   int
	Secret string
}

// Suffix returns the masked form of the secret that is safe to log.
func (c Credential) Suffix() string {
	return Mask(c.Secret)
}

// Options tunes cooldowns, thresholds and collaborators of a Pool.
type Options struct {
	// MaxConsecutiveErrors excludes a credential from selection once reached.
	MaxConsecutiveErrors int

	// DefaultCooldown applies when a rate limit carries no retry hint.
	DefaultCooldown time.Duration

	// DisabledCooldown applies to credentials excluded by MarkDisabled.
	DisabledCooldown time.Duration

	// RecoveryWindow is how long the tier stays raised before MaybeDeescalate
	// returns it to tier 0. Zero disables automatic recovery.
	RecoveryWindow time.Duration

	// Store mirrors cooldowns so they survive restarts. Optional.
	Store CooldownStore

	Logger *slog.Logger

	// Clock is used for all cooldown arithmetic. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConsecutiveErrors: 3,
		DefaultCooldown:      60 * time.Second,
		DisabledCooldown:     24 * time.Hour,
		RecoveryWindow:       10 * time.Minute,
	}
}

type entry struct {
	secret            string
	fingerprint       string
	state             State
	reason            string
	resetAt           time.Time
	consecutiveErrors int
}

// Pool owns the credential set and the global tier index shared by every
// credential. All state transitions happen under a single mutex.
type Pool struct {
	mu          sync.Mutex
	storeMu     sync.Mutex
	entries     []*entry
	cursor      int
	tier        int
	maxTier     int
	escalatedAt time.Time

	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New builds a pool from the configured secrets. Blank and duplicate secrets
// are dropped, keeping the first occurrence order. maxTier is the highest
// tier index of the ladder the pool is used with.
func New(secrets []string, maxTier int, opts Options) *Pool {
	defaults := DefaultOptions()
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = defaults.MaxConsecutiveErrors
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = defaults.DefaultCooldown
	}
	if opts.DisabledCooldown <= 0 {
		opts.DisabledCooldown = defaults.DisabledCooldown
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if maxTier < 0 {
		maxTier = 0
	}

	seen := make(map[string]struct{}, len(secrets))
	entries := make([]*entry, 0, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		entries = append(entries, &entry{secret: s, fingerprint: Fingerprint(s)})
	}

	return &Pool{
		entries: entries,
		maxTier: maxTier,
		opts:    opts,
		logger:  logger.With("component", "credential-pool"),
		now:     opts.Clock,
	}
}

// Len returns the number of configured credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// SelectNext returns the next available credential in round-robin order over
// the currently available subset. The cursor is a position in that subset,
// so it is relative to availability rather than credential identity.
func (p *Pool) SelectNext() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(p.now())

	available := p.availableLocked()
	if len(available) == 0 {
		return Credential{}, false
	}
	if p.cursor >= len(available) {
		p.cursor = 0
	}
	idx := available[p.cursor]
	p.cursor = (p.cursor + 1) % len(available)

	return Credential{Index: idx, Tier: p.tier, Secret: p.entries[idx].secret}, true
}

// MarkRateLimited cools the credential down for retryAfter, or for the
// default cooldown when retryAfter is not positive. Quota is tier-scoped, so
// a mark for a credential selected on a tier that is no longer current is
// ignored.
func (p *Pool) MarkRateLimited(c Credential, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = p.opts.DefaultCooldown
	}

	p.mu.Lock()
	e, ok := p.lookupLocked(c)
	if !ok || c.Tier != p.tier {
		p.mu.Unlock()
		return
	}
	e.state = StateRateLimited
	e.reason = ""
	e.resetAt = p.now().Add(retryAfter)
	e.consecutiveErrors++
	p.cursor = (p.cursor + 1) % len(p.entries)
	cd := e.cooldown()
	fp := e.fingerprint
	p.mu.Unlock()

	p.logger.Warn("Credential rate limited",
		"credential", c.Suffix(),
		"cooldown", retryAfter,
		"consecutive_errors", cd.ConsecutiveErrors,
	)
	p.sync(fp)
}

// MarkDisabled excludes the credential for the disabled cooldown. It is used
// for authorization failures, which are not resolved by waiting briefly.
func (p *Pool) MarkDisabled(c Credential, reason string) {
	p.mu.Lock()
	e, ok := p.lookupLocked(c)
	if !ok {
		p.mu.Unlock()
		return
	}
	e.state = StateDisabled
	e.reason = reason
	e.resetAt = p.now().Add(p.opts.DisabledCooldown)
	e.consecutiveErrors = p.opts.MaxConsecutiveErrors
	cd := e.cooldown()
	fp := e.fingerprint
	p.mu.Unlock()

	p.logger.Warn("Credential disabled",
		"credential", c.Suffix(),
		"reason", reason,
		"until", cd.ResetAt.Format(time.RFC3339),
	)
	p.sync(fp)
}

// MarkSuccessful fully rehabilitates the credential.
func (p *Pool) MarkSuccessful(c Credential) {
	p.mu.Lock()
	e, ok := p.lookupLocked(c)
	if !ok {
		p.mu.Unlock()
		return
	}
	wasFailing := e.state != StateAvailable || e.consecutiveErrors > 0
	e.reset()
	fp := e.fingerprint
	p.mu.Unlock()

	if wasFailing {
		p.logger.Info("Credential recovered", "credential", c.Suffix())
		p.sync(fp)
	}
}

// Snapshot returns point-in-time counts after running the expiry pass.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(p.now())
	return p.snapshotLocked()
}

// Tier returns the current global tier index.
func (p *Pool) Tier() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tier
}

// MaxTier returns the highest tier index.
func (p *Pool) MaxTier() int {
	return p.maxTier
}

// Escalate moves the tier up by one. Quota is tier-scoped, so every
// rate-limited credential becomes available again on the new tier.
// Disabled credentials stay disabled.
func (p *Pool) Escalate() bool {
	p.mu.Lock()
	from, cleared, ok := p.escalateLocked(p.tier + 1)
	to := p.tier
	p.mu.Unlock()

	if ok {
		p.logger.Warn("Tier escalated", "from", from, "to", to)
		p.sync(cleared...)
	}
	return ok
}

// EscalateIf escalates by one tier when at least threshold credentials are
// rate limited. Check and escalation happen under one lock so concurrent
// requests cannot both escalate on the same pressure.
func (p *Pool) EscalateIf(threshold int) bool {
	if threshold <= 0 {
		return false
	}

	p.mu.Lock()
	p.expireLocked(p.now())
	if p.snapshotLocked().RateLimited < threshold {
		p.mu.Unlock()
		return false
	}
	from, cleared, ok := p.escalateLocked(p.tier + 1)
	to := p.tier
	p.mu.Unlock()

	if ok {
		p.logger.Warn("Tier escalated", "from", from, "to", to, "threshold", threshold)
		p.sync(cleared...)
	}
	return ok
}

// ForceMax jumps straight to the highest tier. It is a no-op when the pool
// is already there.
func (p *Pool) ForceMax() bool {
	p.mu.Lock()
	from, cleared, ok := p.escalateLocked(p.maxTier)
	p.mu.Unlock()

	if ok {
		p.logger.Warn("Tier forced to maximum", "from", from, "to", p.maxTier)
		p.sync(cleared...)
	}
	return ok
}

// Deescalate returns to tier 0 and clears all failure state, provided at
// least one credential is currently available.
func (p *Pool) Deescalate() bool {
	p.mu.Lock()
	from, ok := p.deescalateLocked(p.now())
	p.mu.Unlock()

	if ok {
		p.logger.Info("Tier de-escalated", "from", from, "to", 0)
		p.sync(p.fingerprints()...)
	}
	return ok
}

// MaybeDeescalate de-escalates once the tier has been raised for at least
// the configured recovery window.
func (p *Pool) MaybeDeescalate() bool {
	if p.opts.RecoveryWindow <= 0 {
		return false
	}

	p.mu.Lock()
	now := p.now()
	if p.tier == 0 || now.Sub(p.escalatedAt) < p.opts.RecoveryWindow {
		p.mu.Unlock()
		return false
	}
	from, ok := p.deescalateLocked(now)
	p.mu.Unlock()

	if ok {
		p.logger.Info("Tier recovered after window", "from", from, "window", p.opts.RecoveryWindow)
		p.sync(p.fingerprints()...)
	}
	return ok
}

// Credentials returns a diagnostic view of every credential. Secrets are
// masked.
func (p *Pool) Credentials() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(p.now())
	out := make([]CredentialStatus, 0, len(p.entries))
	for i, e := range p.entries {
		st := CredentialStatus{
			Index:             i,
			Suffix:            Mask(e.secret),
			State:             e.state.String(),
			Reason:            e.reason,
			ConsecutiveErrors: e.consecutiveErrors,
		}
		if e.state != StateAvailable {
			resetAt := e.resetAt
			st.ResetAt = &resetAt
		}
		out = append(out, st)
	}
	return out
}

// Restore loads unexpired cooldowns from the configured store.
func (p *Pool) Restore(ctx context.Context) error {
	if p.opts.Store == nil {
		return nil
	}

	saved, err := p.opts.Store.Load(ctx, p.fingerprints())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	restored := 0
	for _, e := range p.entries {
		cd, ok := saved[e.fingerprint]
		if !ok || cd.State == StateAvailable || !cd.ResetAt.After(now) {
			continue
		}
		e.state = cd.State
		e.reason = cd.Reason
		e.resetAt = cd.ResetAt
		e.consecutiveErrors = cd.ConsecutiveErrors
		restored++
	}
	if restored > 0 {
		p.logger.Info("Restored credential cooldowns", "count", restored)
	}
	return nil
}

func (p *Pool) lookupLocked(c Credential) (*entry, bool) {
	if c.Index < 0 || c.Index >= len(p.entries) {
		return nil, false
	}
	e := p.entries[c.Index]
	if e.secret != c.Secret {
		return nil, false
	}
	return e, true
}

func (p *Pool) availableLocked() []int {
	out := make([]int, 0, len(p.entries))
	for i, e := range p.entries {
		if e.state == StateAvailable && e.consecutiveErrors < p.opts.MaxConsecutiveErrors {
			out = append(out, i)
		}
	}
	return out
}

// expireLocked reverts cooldowns whose reset time is strictly in the past.
func (p *Pool) expireLocked(now time.Time) {
	for _, e := range p.entries {
		if e.state == StateAvailable || e.resetAt.IsZero() {
			continue
		}
		if now.After(e.resetAt) {
			e.reset()
		}
	}
}

func (p *Pool) snapshotLocked() Snapshot {
	s := Snapshot{Total: len(p.entries), Tier: p.tier, MaxTier: p.maxTier}
	s.Available = len(p.availableLocked())
	for _, e := range p.entries {
		switch e.state {
		case StateRateLimited:
			s.RateLimited++
		case StateDisabled:
			s.Disabled++
		}
	}
	return s
}

func (p *Pool) escalateLocked(target int) (int, []string, bool) {
	from := p.tier
	if target > p.maxTier {
		target = p.maxTier
	}
	if target <= p.tier {
		return from, nil, false
	}
	p.tier = target
	p.escalatedAt = p.now()
	p.cursor = 0
	var cleared []string
	for _, e := range p.entries {
		if e.state == StateDisabled {
			continue
		}
		if e.state != StateAvailable {
			cleared = append(cleared, e.fingerprint)
		}
		e.reset()
	}
	return from, cleared, true
}

func (p *Pool) deescalateLocked(now time.Time) (int, bool) {
	from := p.tier
	if p.tier == 0 {
		return from, false
	}
	p.expireLocked(now)
	if len(p.availableLocked()) == 0 {
		return from, false
	}
	p.tier = 0
	p.escalatedAt = time.Time{}
	p.cursor = 0
	for _, e := range p.entries {
		e.reset()
	}
	return from, true
}

func (p *Pool) fingerprints() []string {
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.fingerprint)
	}
	return out
}

func (e *entry) reset() {
	e.state = StateAvailable
	e.reason = ""
	e.resetAt = time.Time{}
	e.consecutiveErrors = 0
}

func (e *entry) cooldown() Cooldown {
	return Cooldown{
		State:             e.state,
		Reason:            e.reason,
		ResetAt:           e.resetAt,
		ConsecutiveErrors: e.consecutiveErrors,
	}
}
