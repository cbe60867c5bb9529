package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/m-cnan/thankan.ayyo/internal/pool"
)

// CooldownStore mirrors credential cooldowns in Redis so a restarted
// process does not hammer credentials that are still rate limited. Keys are
// credential fingerprints and expire with the cooldown.
type CooldownStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewCooldownStore creates a store using keys "<prefix><fingerprint>".
func NewCooldownStore(rdb *redis.Client, prefix string) *CooldownStore {
	if prefix == "" {
		prefix = "cooldown:"
	}
	return &CooldownStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *CooldownStore) key(fingerprint string) string {
	return s.prefix + fingerprint
}

// Save implements pool.CooldownStore. Cooldowns already over are deleted.
func (s *CooldownStore) Save(ctx context.Context, fingerprint string, cd pool.Cooldown) error {
	ttl := cd.ResetAt.Sub(s.now())
	if ttl <= 0 {
		return s.Clear(ctx, fingerprint)
	}

	data, err := json.Marshal(cd)
	if err != nil {
		return fmt.Errorf("failed to marshal cooldown: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save cooldown: %w", err)
	}
	return nil
}

// Clear implements pool.CooldownStore.
func (s *CooldownStore) Clear(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = s.key(fp)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear cooldowns: %w", err)
	}
	return nil
}

// Load implements pool.CooldownStore. Missing and malformed entries are
// left out of the result.
func (s *CooldownStore) Load(ctx context.Context, fingerprints []string) (map[string]pool.Cooldown, error) {
	out := make(map[string]pool.Cooldown)
	if len(fingerprints) == 0 {
		return out, nil
	}

	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = s.key(fp)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load cooldowns: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var cd pool.Cooldown
		if err := json.Unmarshal([]byte(raw), &cd); err != nil {
			continue
		}
		out[fingerprints[i]] = cd
	}
	return out, nil
}
