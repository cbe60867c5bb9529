package pool

import (
	"context"
	"time"
)

const storeTimeout = 2 * time.Second

// Cooldown is the persisted form of a credential's failure state.
type Cooldown struct {
	State             State     `json:"state"`
	Reason            string    `json:"reason,omitempty"`
	ResetAt           time.Time `json:"reset_at"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// CooldownStore mirrors credential cooldowns outside the process, keyed by
// credential fingerprint. The raw secret never reaches the store.
type CooldownStore interface {
	Save(ctx context.Context, fingerprint string, cd Cooldown) error
	Clear(ctx context.Context, fingerprints ...string) error
	Load(ctx context.Context, fingerprints []string) (map[string]Cooldown, error)
}

// sync mirrors the current state of the given credentials to the store.
// Writes are serialized under storeMu and each one reads the state it writes
// after acquiring it, so the store ends up matching memory regardless of the
// order concurrent callers arrive in. Store failures never affect the
// in-memory state.
func (p *Pool) sync(fingerprints ...string) {
	if p.opts.Store == nil || len(fingerprints) == 0 {
		return
	}
	p.storeMu.Lock()
	defer p.storeMu.Unlock()

	wanted := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		wanted[fp] = true
	}
	failing := make(map[string]Cooldown)
	var healthy []string
	p.mu.Lock()
	for _, e := range p.entries {
		if !wanted[e.fingerprint] {
			continue
		}
		if e.state == StateAvailable {
			healthy = append(healthy, e.fingerprint)
		} else {
			failing[e.fingerprint] = e.cooldown()
		}
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	for fp, cd := range failing {
		if err := p.opts.Store.Save(ctx, fp, cd); err != nil {
			p.logger.Error("Failed to persist credential cooldown", "error", err)
		}
	}
	if len(healthy) > 0 {
		if err := p.opts.Store.Clear(ctx, healthy...); err != nil {
			p.logger.Error("Failed to clear credential cooldowns", "error", err, "count", len(healthy))
		}
	}
}
