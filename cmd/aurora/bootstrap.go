package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/aurora/internal/budget"
	"github.com/oriys/aurora/internal/cache"
	"github.com/oriys/aurora/internal/circuitbreaker"
	"github.com/oriys/aurora/internal/config"
	"github.com/oriys/aurora/internal/failover"
	"github.com/oriys/aurora/internal/handlers"
	"github.com/oriys/aurora/internal/ledger"
	"github.com/oriys/aurora/internal/logging"
	"github.com/oriys/aurora/internal/metrics"
	"github.com/oriys/aurora/internal/observability"
	"github.com/oriys/aurora/internal/queue"
	"github.com/oriys/aurora/internal/statusindex"
)

// loadConfig layers defaults, an optional file, environment overrides,
// then any root-level flags the user changed explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("pg-dsn") {
		cfg.Ledger.DSN = pgDSN
	}
	if cmd.Flags().Changed("redis-addr") {
		cfg.Queue.RedisAddr = redisAddr
	}
	return cfg, nil
}

// initObservability wires structured logging, OTel tracing, and the
// Prometheus collector registry per cfg.Observability.
func initObservability(ctx context.Context, cfg *config.Config) error {
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "aurora"
	}
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}
	return nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
}

// newStatusIndex builds the fast status index: an in-memory L1 cache
// backed by a Redis L2 cache sharing the process's own Redis client, with
// a pub/sub invalidator keeping every process's L1 in sync so a status
// write from a worker is visible to an ingress process's cache almost
// immediately rather than only after the L1 entry's TTL lapses.
func newStatusIndex(ctx context.Context, client *redis.Client) *statusindex.Index {
	l1 := cache.NewInMemoryCache()
	l2 := cache.NewRedisCacheFromClient(client, "aurea:statusidx:")
	tiered := cache.NewTieredCache(l1, l2, 10*time.Second)

	invalidator := cache.NewCacheInvalidator(l1, client)
	go invalidator.Start(ctx)

	return statusindex.New(tiered, time.Hour, func(pubCtx context.Context, key string) {
		if err := invalidator.PublishInvalidation(pubCtx, key); err != nil {
			logging.Op().Warn("publish status index invalidation failed", "key", key, "error", err)
		}
	})
}

func newQueueEngine(client *redis.Client, cfg *config.Config) *queue.Engine {
	return queue.New(client, queue.Config{
		StreamKey:          cfg.Queue.StreamKey,
		DLQKey:             cfg.Queue.DLQKey,
		ConsumerGroup:      cfg.Queue.ConsumerGroup,
		VisibilityTimeout:  cfg.Queue.VisibilityTimeout,
		MaxRetries:         cfg.Queue.MaxRetries,
		BackoffBaseSeconds: cfg.Queue.BackoffBaseSeconds,
		BackoffMaxSeconds:  cfg.Queue.BackoffMaxSeconds,
		IdempotencyTTL:     cfg.Queue.IdempotencyTTL,
	})
}

// newHandlerRegistry assembles the closed Handler Registry, wiring
// gen_content through a failover chain built from the resilience config.
// The breaker registry persists every transition and failure to the
// ledger as it happens, plus a periodic flush for batched success
// counts, per the resilience layer's durability requirement.
func newHandlerRegistry(ctx context.Context, store *ledger.Store, client *redis.Client, cfg *config.Config) *handlers.Registry {
	guard := budget.New(store.Pool(), client)
	breakers := circuitbreaker.NewRegistry()
	breakers.SetPersister(func(service string, snap circuitbreaker.Snapshot) {
		if err := store.PersistBreakerSnapshot(context.Background(), service, snap, nil); err != nil {
			logging.Op().Warn("persist breaker snapshot failed", "service", service, "error", err)
		}
	})
	breakers.StartPeriodicFlush(ctx, 10*time.Second)

	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.Resilience.BreakerFailureThreshold,
		TimeoutSeconds:   cfg.Resilience.BreakerTimeoutSeconds,
		WindowSize:       cfg.Resilience.BreakerWindowSize,
	}

	chain := failover.New([]failover.Provider{
		{
			Name:          "primary",
			DailyCeiling:  cfg.Resilience.DailyBudgetUSD,
			EstimatedCost: 0.01,
			Call: func(ctx context.Context) (any, error) {
				return "stub-content", nil
			},
		},
	}, guard, breakers, breakerCfg)

	return handlers.NewDefaultRegistry(chain)
}
