// Package app wires the stores, ledgers and engines shared by the HTTP server
// and the job runner.
package app

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/alert"
	"nationalpos/backend/internal/cache"
	"nationalpos/backend/internal/catalog"
	"nationalpos/backend/internal/config"
	"nationalpos/backend/internal/jobs"
	"nationalpos/backend/internal/ledger"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/loyalty"
	"nationalpos/backend/internal/metrics"
	"nationalpos/backend/internal/notify"
	"nationalpos/backend/internal/retry"
	"nationalpos/backend/internal/service"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/store/memory"
	pgstore "nationalpos/backend/internal/store/postgres"
)

// Backend is a repository that can also resolve products.
type Backend interface {
	store.Repository
	catalog.Catalog
}

type App struct {
	Repo    Backend
	Redis   *redis.Client
	Locker  jobs.Locker
	Metrics *metrics.Metrics
	Stock   *ledger.Ledger
	Loyalty *loyalty.Ledger
	Alerts  *alert.Evaluator
	Engine  *service.SalesEngine

	log     *logrus.Entry
	closers []func() error
}

// Build opens storage and optional infrastructure from cfg. A configured but
// unreachable database is fatal; Redis and Kafka degrade to in-process
// fallbacks.
func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		Metrics: metrics.New(),
		log:     logging.Module(logger, "app"),
	}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		a.Repo = pg
		a.closers = append(a.closers, pg.Close)
		a.log.Info("repository: postgres")
	} else {
		a.Repo = memory.NewSeeded(memory.WithLockTimeout(cfg.LockTimeout))
		a.log.Info("repository: in-memory")
	}

	var cooldown cache.Cooldown = cache.NewMemoryCooldown()
	var products cache.ProductCache = cache.NoopProductCache{}
	a.Locker = jobs.NewLocalLocker()
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.log.WithError(err).Warn("redis unavailable, using in-process cooldown and locks")
			_ = client.Close()
		} else {
			a.Redis = client
			cooldown = cache.NewRedisCooldown(client)
			products = cache.NewRedisProductCache(client)
			a.Locker = jobs.NewRedisLocker(client)
			a.closers = append(a.closers, client.Close)
			a.log.Info("cache: redis")
		}
	}

	var publisher notify.Publisher = notify.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafka := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAlertTopic, logger, a.Metrics)
		publisher = notify.Fanout{publisher, kafka}
		a.closers = append(a.closers, kafka.Close)
		a.log.WithField("topic", cfg.KafkaAlertTopic).Info("alerts: kafka")
	}

	policy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: 500 * time.Millisecond}
	cat := catalog.NewCached(a.Repo, products, cfg.ProductCacheTTL, logger)

	a.Stock = ledger.New(a.Repo, ledger.Config{
		ReservationTTL: cfg.ReservationTTL,
		Retry:          policy,
		Logger:         logger,
		Metrics:        a.Metrics,
	})
	a.Loyalty = loyalty.New(a.Repo, loyalty.Config{
		CurrencyPerPoint: cfg.LoyaltyCurrencyPerPoint,
		PointValue:       cfg.LoyaltyPointValue,
		Retry:            policy,
		Logger:           logger,
		Metrics:          a.Metrics,
	})
	a.Alerts = alert.New(a.Repo, cooldown, publisher, cat, alert.Config{
		DefaultThreshold: cfg.LowStockThreshold,
		Cooldown:         cfg.AlertCooldown,
		Logger:           logger,
		Metrics:          a.Metrics,
	})
	a.Engine = service.New(a.Repo, a.Stock, a.Loyalty, cat, service.Config{
		PaymentTolerance: cfg.PaymentTolerance,
		ReservationTTL:   cfg.ReservationTTL,
		Retry:            policy,
		Observer:         a.Alerts,
		Logger:           logger,
		Metrics:          a.Metrics,
	})
	return a, nil
}

// Close releases everything Build opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}
