package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	entitlementsservice "github.com/zenGate-Global/palmyra-entitlements/domains/entitlements/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	subscriptionsrepo "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/repo"
	subscriptionsservice "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	usagerepo "github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/repo"
	usageservice "github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
	webhooksrepo "github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/repo"
	webhooksservice "github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/keylock"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/metrics"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/redisconn"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/retry"
)

const (
	backendPostgres = "postgres"
	backendRedis    = "redis"
	backendMemory   = "memory"
)

// application holds the services shared by every handler.
type application struct {
	logger  *zap.Logger
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	audit   audit.Emitter

	pool  *pgxpool.Pool
	redis *redis.Client

	subscriptions *subscriptionsservice.Service
	usage         *usageservice.Service
	evaluator     *entitlementsservice.Evaluator
	webhooks      *webhooksservice.Service
}

func buildApp(ctx context.Context, cfg config, logger *zap.Logger) (*application, error) {
	app := &application{
		logger:  logger,
		metrics: metrics.New(),
		audit:   audit.NewLogEmitter(logger),
	}

	plans, err := loadCatalog(cfg.PlanCatalogFile)
	if err != nil {
		return nil, err
	}
	app.catalog = plans
	logger.Info("plan catalog loaded", zap.String("version", plans.Version()), zap.String("file", cfg.PlanCatalogFile))

	if err := app.connect(ctx, cfg); err != nil {
		app.Close()
		return nil, err
	}

	subStore, err := app.subscriptionStore(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.subscriptions = subscriptionsservice.New(subStore, subscriptionsservice.Config{StoreTimeout: cfg.StoreTimeout})

	counters, err := app.counterRepository(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.usage = usageservice.New(counters, usageservice.Config{
		StoreTimeout: cfg.StoreTimeout,
		Metrics:      app.metrics,
		Logger:       logger.Named("usage"),
	})

	app.evaluator = entitlementsservice.New(app.catalog, app.subscriptions, app.usage, entitlementsservice.Config{
		CacheTTL:    cfg.EntitlementCacheTTL,
		ReadTimeout: cfg.StoreTimeout,
		Logger:      logger.Named("entitlements"),
		Metrics:     app.metrics,
		Audit:       app.audit,
	})

	dedup, deadLetters, err := app.webhookStores(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	locks, err := app.locker(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.webhooks = webhooksservice.New(app.subscriptions, subscriptionsservice.NewMachine(app.catalog), dedup, deadLetters, locks, webhooksservice.Config{
		DedupWindow: cfg.DedupWindow,
		Retry: retry.Policy{
			MaxAttempts:     cfg.IngestMaxAttempts,
			InitialInterval: cfg.IngestInitialBackoff,
			MaxInterval:     cfg.IngestMaxBackoff,
			Multiplier:      2,
			Jitter:          0.2,
		},
		LockTimeout: cfg.LockTTL,
		Logger:      logger.Named("webhooks"),
		Metrics:     app.metrics,
		Audit:       app.audit,
		Invalidator: app.evaluator,
	})

	return app, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	c, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load plan catalog %s: %w", path, err)
	}
	return c, nil
}

// connect opens only the stores some backend selection needs.
func (a *application) connect(ctx context.Context, cfg config) error {
	needsPostgres := cfg.SubscriptionBackend == backendPostgres ||
		cfg.CounterBackend == backendPostgres ||
		cfg.DedupBackend == backendPostgres
	needsRedis := cfg.CounterBackend == backendRedis ||
		cfg.DedupBackend == backendRedis ||
		cfg.LockBackend == backendRedis

	if needsPostgres || cfg.DatabaseURL != "" {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres backends")
		}
		pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
			ConnString:       cfg.DatabaseURL,
			SearchPath:       cfg.DatabaseSchema,
			StatementTimeout: cfg.StoreTimeout,
			ApplicationName:  "entitlements-api",
		})
		if err != nil {
			return fmt.Errorf("init postgres pool: %w", err)
		}
		a.pool = pool

		if cfg.DatabaseAutoMigrate {
			if err := persistence.ApplySchema(ctx, pool, cfg.DatabaseSchema); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			a.logger.Info("database schema applied", zap.String("schema", cfg.DatabaseSchema))
		}
	}

	if needsRedis {
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for redis backends")
		}
		client, err := redisconn.NewClient(ctx, redisconn.Config{URL: cfg.RedisURL})
		if err != nil {
			return fmt.Errorf("init redis client: %w", err)
		}
		a.redis = client
	}
	return nil
}

func (a *application) subscriptionStore(cfg config) (subscriptionsservice.Store, error) {
	switch cfg.SubscriptionBackend {
	case backendPostgres:
		store, err := persistence.NewSubscriptionStore(a.pool)
		if err != nil {
			return nil, fmt.Errorf("init subscription store: %w", err)
		}
		return subscriptionsrepo.NewPostgresRepository(store), nil
	case backendMemory:
		a.logger.Warn("subscriptions are kept in memory; state is lost on restart")
		return subscriptionsrepo.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("invalid SUBSCRIPTION_BACKEND %q (use postgres or memory)", cfg.SubscriptionBackend)
	}
}

func (a *application) counterRepository(cfg config) (usageservice.Repository, error) {
	switch cfg.CounterBackend {
	case backendPostgres:
		store, err := persistence.NewUsageCounterStore(a.pool)
		if err != nil {
			return nil, fmt.Errorf("init usage counter store: %w", err)
		}
		return usagerepo.NewPostgresRepository(store), nil
	case backendRedis:
		return usagerepo.NewRedisRepository(a.redis, ""), nil
	case backendMemory:
		return usagerepo.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("invalid COUNTER_BACKEND %q (use postgres, redis or memory)", cfg.CounterBackend)
	}
}

// webhookStores picks the dedup backend; dead letters live in postgres whenever a pool exists.
func (a *application) webhookStores(cfg config) (webhooksservice.DedupStore, webhooksservice.DeadLetterStore, error) {
	var dedup webhooksservice.DedupStore
	switch cfg.DedupBackend {
	case backendPostgres:
		store, err := persistence.NewProcessedEventStore(a.pool)
		if err != nil {
			return nil, nil, fmt.Errorf("init processed event store: %w", err)
		}
		dedup = webhooksrepo.NewPostgresDedupStore(store)
	case backendRedis:
		dedup = webhooksrepo.NewRedisDedupStore(a.redis, "")
	case backendMemory:
		dedup = webhooksrepo.NewMemoryDedupStore()
	default:
		return nil, nil, fmt.Errorf("invalid DEDUP_BACKEND %q (use postgres, redis or memory)", cfg.DedupBackend)
	}

	if a.pool == nil {
		return dedup, webhooksrepo.NewMemoryDeadLetterStore(), nil
	}
	store, err := persistence.NewDeadLetterStore(a.pool)
	if err != nil {
		return nil, nil, fmt.Errorf("init dead letter store: %w", err)
	}
	return dedup, webhooksrepo.NewPostgresDeadLetterStore(store), nil
}

func (a *application) locker(cfg config) (keylock.Locker, error) {
	switch cfg.LockBackend {
	case backendMemory:
		return keylock.NewMemory(), nil
	case backendRedis:
		locks, err := keylock.NewRedis(a.redis, keylock.RedisConfig{
			TTL:    cfg.LockTTL,
			Logger: a.logger.Named("keylock"),
		})
		if err != nil {
			return nil, fmt.Errorf("init redis locker: %w", err)
		}
		return locks, nil
	default:
		return nil, fmt.Errorf("invalid LOCK_BACKEND %q (use memory or redis)", cfg.LockBackend)
	}
}

// Ready pings every connected store.
func (a *application) Ready(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// pruneLoop drops expired dedup markers every interval until ctx ends.
func (a *application) pruneLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.webhooks.Prune(ctx)
			if err != nil {
				a.logger.Warn("prune dedup markers", zap.Error(err))
				continue
			}
			if removed > 0 {
				a.logger.Info("pruned dedup markers", zap.Int64("removed", removed))
			}
		}
	}
}

func (a *application) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		persistence.ClosePool(a.pool)
	}
}
