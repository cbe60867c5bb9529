package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/m-cnan/thankan.ayyo/internal/config"
	"github.com/m-cnan/thankan.ayyo/internal/dispatch"
	"github.com/m-cnan/thankan.ayyo/internal/httpapi"
	"github.com/m-cnan/thankan.ayyo/internal/ledger"
	"github.com/m-cnan/thankan.ayyo/internal/logging"
	"github.com/m-cnan/thankan.ayyo/internal/metrics"
	"github.com/m-cnan/thankan.ayyo/internal/middleware"
	"github.com/m-cnan/thankan.ayyo/internal/persona"
	"github.com/m-cnan/thankan.ayyo/internal/pool"
	"github.com/m-cnan/thankan.ayyo/internal/providers"
	"github.com/m-cnan/thankan.ayyo/internal/queue"
	"github.com/m-cnan/thankan.ayyo/internal/ratelimit"
	"github.com/m-cnan/thankan.ayyo/internal/storage"
)

// app owns everything main has to shut down.
type app struct {
	deps     *httpapi.Dependencies
	ladder   providers.Ladder
	registry *providers.Registry
	redis    *redis.Client
	db       *storage.DB
	worker   *ledger.Worker
	closers  []interface{ Close() error }
	logger   *slog.Logger
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	personas, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		return nil, err
	}

	ladder, err := providers.LadderFor(cfg.Upstream.Name)
	if err != nil {
		return nil, err
	}
	a.ladder = ladder
	a.registry = buildBackends(cfg, logger)

	if cfg.Redis.Address != "" {
		a.redis, err = storage.NewRedisClient(ctx, storage.RedisConfig(cfg.Redis))
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to Redis", "address", cfg.Redis.Address)
	}

	poolOpts := pool.Options{
		MaxConsecutiveErrors: cfg.Pool.MaxConsecutiveErrors,
		DefaultCooldown:      cfg.Pool.DefaultCooldown,
		DisabledCooldown:     cfg.Pool.DisabledCooldown,
		RecoveryWindow:       cfg.Pool.RecoveryWindow,
		Logger:               logger.With("component", "pool"),
	}
	if a.redis != nil && cfg.Pool.PersistCooldowns {
		poolOpts.Store = storage.NewCooldownStore(a.redis, cfg.Pool.CooldownKeyPrefix)
	}
	p := pool.New(cfg.Upstream.Credentials, ladder.MaxIndex(), poolOpts)
	if poolOpts.Store != nil {
		if err := p.Restore(ctx); err != nil {
			logger.Warn("Failed to restore credential cooldowns", "error", err)
		}
	}
	if p.Len() == 0 {
		logger.Warn("No upstream credentials configured; chat requests will fail", "upstream", cfg.Upstream.Name)
	}

	m := metrics.New(p.Snapshot)
	d, err := dispatch.New(p, ladder, a.registry, dispatch.Options{
		MaxRetries:         cfg.Dispatch.MaxRetries,
		Backoff:            cfg.Dispatch.Backoff,
		ProactiveThreshold: cfg.Dispatch.ProactiveThreshold,
		ReactiveThreshold:  cfg.Dispatch.ReactiveThreshold,
		Logger:             logger.With("component", "dispatch"),
		Metrics:            m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	a.deps = &httpapi.Dependencies{
		Dispatcher: d,
		Pool:       p,
		Personas:   personas,
		Generation: providers.GenerationConfig{
			Temperature:     float32(cfg.Generation.Temperature),
			MaxOutputTokens: int32(cfg.Generation.MaxOutputTokens),
		},
		Metrics:        m.Handler(),
		AdminJWTSecret: cfg.AdminJWTSecret,
		Logger:         logger,
	}
	if cfg.ChatRateLimit > 0 {
		if a.redis != nil {
			proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
			if err != nil {
				a.close(ctx)
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			a.deps.ChatLimiter = ratelimit.NewRateLimiter(a.redis)
			a.deps.ChatRateLimit = cfg.ChatRateLimit
			a.deps.TrustedProxies = proxies
		} else {
			logger.Warn("CHAT_RATE_LIMIT_PER_MINUTE needs REDIS_ADDRESS; chat requests are not throttled")
		}
	}
	if len(cfg.AdminJWTSecret) == 0 {
		logger.Warn("ADMIN_JWT_SECRET not set; admin endpoints are disabled")
	}

	if cfg.Ledger.Enabled {
		if err := a.buildLedger(ctx, cfg); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func buildBackends(cfg *config.Config, logger *slog.Logger) *providers.Registry {
	if cfg.Upstream.Name == "openrouter" {
		return providers.NewRegistry(providers.NewOpenAIBackend(providers.OpenAIConfig{
			BaseURL: cfg.Upstream.OpenRouterBaseURL,
			Referer: cfg.Upstream.OpenRouterReferer,
			Title:   cfg.Upstream.OpenRouterTitle,
			Timeout: cfg.Upstream.RequestTimeout,
			Logger:  logger,
		}))
	}
	chat, prompt := providers.NewGeminiBackends(providers.GeminiConfig{
		BaseURL:        cfg.Upstream.GeminiBaseURL,
		ClientCacheTTL: cfg.Upstream.ClientCacheTTL,
		ClientCacheMax: cfg.Upstream.ClientCacheSize,
		Logger:         logger,
	})
	return providers.NewRegistry(chat, prompt)
}

// buildLedger wires the record queue, its sinks and the background worker.
// Redis backs the queue when configured so records survive a restart.
func (a *app) buildLedger(ctx context.Context, cfg *config.Config) error {
	lc := cfg.Ledger
	qcfg := queue.Config{
		Name:         lc.QueueName,
		BatchSize:    lc.BatchSize,
		BatchTimeout: lc.BatchTimeout,
		MaxRetries:   lc.MaxRetries,
		RetryBackoff: lc.RetryBackoff,
	}

	var (
		q   queue.Queue[*ledger.Record]
		dlq queue.DeadLetterQueue[*ledger.Record]
	)
	if a.redis != nil {
		rq, err := queue.NewRedisQueue[*ledger.Record](a.redis, qcfg)
		if err != nil {
			return err
		}
		rdlq, err := queue.NewRedisDeadLetterQueue[*ledger.Record](a.redis, qcfg)
		if err != nil {
			return err
		}
		q, dlq = rq, rdlq
	} else {
		q = queue.NewMemoryQueue[*ledger.Record](qcfg)
		dlq = queue.NewMemoryDeadLetterQueue[*ledger.Record]()
	}

	var sinks []ledger.Sink
	if cfg.Database.URL != "" {
		dbCfg := storage.DefaultDBConfig()
		dbCfg.URL = cfg.Database.URL
		dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		dbCfg.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime

		db, err := storage.NewDB(dbCfg)
		if err != nil {
			return err
		}
		a.db = db
		repo := db.NewDispatchRepository()
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, repo)
		a.deps.LedgerStore = repo
	}
	if lc.FileTemplate != "" {
		fw, err := logging.NewFileWriter(lc.FileTemplate, lc.FileMaxSize, lc.FileMaxFiles)
		if err != nil {
			return err
		}
		sinks = append(sinks, fw)
		a.closers = append(a.closers, fw)
	}
	if lc.S3Bucket != "" {
		s3w, err := logging.NewS3Writer(ctx, lc.S3Bucket, lc.S3Region, lc.S3Prefix, lc.PodName, a.logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, s3w)
	}
	if len(sinks) == 0 {
		a.logger.Info("Dispatch ledger has no sinks; records are kept in logs only")
		q.Close()
		dlq.Close()
		return nil
	}

	a.worker = ledger.NewWorker(q, dlq, sinks, qcfg, a.logger)
	// The worker outlives the signal context so Stop can drain it.
	a.worker.Start(context.WithoutCancel(ctx))
	a.closers = append(a.closers, q, dlq)
	a.deps.Ledger = ledger.NewRecorder(q, a.logger)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	a.logger.Info("Dispatch ledger enabled", "sinks", names, "queue", lc.QueueName, "redis", a.redis != nil)
	return nil
}

// close flushes the ledger and releases connections in reverse build order.
func (a *app) close(ctx context.Context) {
	if a.worker != nil {
		if err := a.worker.Stop(ctx); err != nil {
			a.logger.Warn("Ledger worker did not stop cleanly", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
