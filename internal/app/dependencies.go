package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/jobqueue"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
	"github.com/vladislavdragonenkov/settlement/internal/storage/postgres"
)

const redisPingTimeout = 3 * time.Second

// runtimeDependencies: хранилища и очередь, выбранные конфигурацией.
type runtimeDependencies struct {
	consultations domain.ConsultationRepository
	attempts      domain.SettlementAttemptRepository
	ledger        domain.OfferingLedger
	paymentEvents domain.PaymentEventRepository
	outbox        domain.OutboxRepository
	idempotency   domain.IdempotencyRepository
	queue         jobqueue.Queue

	store *postgres.Store
	redis *redis.Client
}

// initRuntimeDependencies открывает хранилище и очередь задач.
// При ошибке всё уже открытое закрывается.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (_ *runtimeDependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps := &runtimeDependencies{}
	defer func() {
		if err != nil {
			deps.close(logger)
		}
	}()

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.useMemoryStorage()
		logger.Info("storage: in-memory repositories")
	case StorageDriverPostgres:
		if err := deps.usePostgresStorage(ctx, cfg, logger); err != nil {
			return nil, err
		}
		logger.Info("storage: postgres repositories")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.JobQueueDriver {
	case QueueDriverMemory, "":
		deps.queue = jobqueue.NewMemoryQueue(cfg.AnalysisQueueBuffer, cfg.AnalysisWorkers, logger.WithField("component", "jobqueue"))
	case QueueDriverRedis:
		client, redisErr := openRedis(ctx, cfg)
		if redisErr != nil {
			return nil, redisErr
		}
		deps.redis = client
		deps.queue = jobqueue.NewRedisQueue(client, cfg.AnalysisWorkers, logger.WithField("component", "jobqueue-redis"))
		logger.WithField("addr", cfg.RedisAddr).Info("job queue: redis")
	default:
		return nil, fmt.Errorf("unsupported job queue driver %q", cfg.JobQueueDriver)
	}

	return deps, nil
}

func (d *runtimeDependencies) useMemoryStorage() {
	d.consultations = memory.NewConsultationRepository()
	d.attempts = memory.NewSettlementAttemptRepository()
	d.ledger = memory.NewOfferingLedger()
	d.paymentEvents = memory.NewPaymentEventRepository()
	d.outbox = memory.NewOutboxRepository()
	d.idempotency = memory.NewIdempotencyRepository()
}

func (d *runtimeDependencies) usePostgresStorage(ctx context.Context, cfg Config, logger *log.Entry) error {
	if cfg.PostgresDSN == "" {
		return errors.New("postgres dsn is required for postgres storage")
	}

	poolCfg := postgres.DefaultPoolConfig()
	if cfg.PostgresMaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.PostgresMaxOpenConns
	}
	store, err := postgres.OpenWithConfig(ctx, cfg.PostgresDSN, poolCfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	d.store = store

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}

	d.consultations = postgres.NewConsultationRepository(store)
	d.attempts = postgres.NewSettlementAttemptRepository(store)
	d.ledger = postgres.NewOfferingLedger(store)
	d.paymentEvents = postgres.NewPaymentEventRepository(store)
	d.outbox = postgres.NewOutboxRepository(store)
	d.idempotency = postgres.NewIdempotencyRepository(store)
	return nil
}

func openRedis(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// close освобождает внешние подключения; безопасен для частично собранных зависимостей.
func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil {
		return
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
		d.redis = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close postgres store")
		}
		d.store = nil
	}
}
