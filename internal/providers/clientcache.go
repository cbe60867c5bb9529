package providers

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"google.golang.org/genai"

	"github.com/m-cnan/thankan.ayyo/internal/pool"
)

// genaiClientCache keeps one genai client per credential so consecutive
// attempts reuse connections. Entries are keyed by credential fingerprint.
type genaiClientCache struct {
	clients *expirable.LRU[string, *genai.Client]
	baseURL string
}

func newGenaiClientCache(size int, ttl time.Duration, baseURL string) *genaiClientCache {
	if size <= 0 {
		size = 16
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &genaiClientCache{
		clients: expirable.NewLRU[string, *genai.Client](size, nil, ttl),
		baseURL: baseURL,
	}
}

func (c *genaiClientCache) get(ctx context.Context, secret string) (*genai.Client, error) {
	key := pool.Fingerprint(secret)
	if cli, ok := c.clients.Get(key); ok {
		return cli, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:  secret,
		Backend: genai.BackendGeminiAPI,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.clients.Add(key, cli)
	return cli, nil
}

func (c *genaiClientCache) purge() {
	c.clients.Purge()
}
