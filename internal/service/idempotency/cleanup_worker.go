// Package idempotency удаляет просроченные ключи идемпотентности клиентских запросов.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// CleanupConfig задаёт период и размер порции очистки.
type CleanupConfig struct {
	Interval  time.Duration
	BatchSize int
}

// CleanupWorker периодически удаляет ключи с истёкшим TTL.
type CleanupWorker struct {
	repo    domain.IdempotencyRepository
	cfg     CleanupConfig
	metrics *metrics.SettlementMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, cfg CleanupConfig, m *metrics.SettlementMetrics, logger *log.Entry) *CleanupWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCleanupInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultCleanupBatchSize
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup")
	}
	return &CleanupWorker{
		repo:    repo,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run выполняет очистку сразу и затем по таймеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: repository is nil")
		return
	}

	w.runOnce(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.metrics.RecordReconcileAction("idempotency_cleanup", "error")
		w.logger.WithError(err).Warn("idempotency cleanup failed")
		return
	}

	w.metrics.RecordReconcileAction("idempotency_cleanup", "ok")
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// DeleteExpired удаляет ключи с ttl <= before порциями, пока порция заполнена целиком.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.repo.DeleteExpired(ctx, before, w.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < w.cfg.BatchSize {
			return total, nil
		}
	}
}
