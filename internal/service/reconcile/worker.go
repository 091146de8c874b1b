// Package reconcile догоняет то, что не довела до конца push-доставка:
// сверяет зависшие платежи через Verify, повторяет упавшие события провайдера,
// перезапускает генерацию и досылает уведомления.
package reconcile

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/settlement/internal/service/webhook"
)

const (
	defaultInterval             = 30 * time.Second
	defaultVerifyAfter          = 2 * time.Minute
	defaultStalledAfter         = time.Minute
	defaultGeneratingStuckAfter = 15 * time.Minute
	defaultBatchSize            = 100
)

// Config задаёт окна и размер порции.
type Config struct {
	Interval             time.Duration
	VerifyAfter          time.Duration
	StalledAfter         time.Duration
	GeneratingStuckAfter time.Duration
	BatchSize            int
}

// PaymentIngestor: путь обработки событий провайдера.
type PaymentIngestor interface {
	IngestVerification(ctx context.Context, consultationID string, result domain.VerificationResult) webhook.Ack
	Reprocess(ctx context.Context, token string) (domain.PaymentEvent, error)
}

// AnalysisRunner запускает генерацию и уведомления.
type AnalysisRunner interface {
	Start(ctx context.Context, consultationID string) (domain.StartResult, error)
	Resume(ctx context.Context, consultationID string) (domain.StartResult, error)
	Notify(ctx context.Context, consultationID string) (bool, error)
}

// Report: итог одного прохода.
type Report struct {
	Verified    int
	Reprocessed int
	Started     int
	Notified    int
	Errors      int
}

// Worker периодически выполняет сверку.
type Worker struct {
	machine  *lifecycle.Machine
	provider domain.PaymentProvider
	events   domain.PaymentEventRepository
	ingestor PaymentIngestor
	analysis AnalysisRunner
	cfg      Config
	metrics  *metrics.SettlementMetrics
	logger   *log.Entry
	now      func() time.Time
}

// NewWorker создаёт воркер сверки.
func NewWorker(
	machine *lifecycle.Machine,
	provider domain.PaymentProvider,
	events domain.PaymentEventRepository,
	ingestor PaymentIngestor,
	analysis AnalysisRunner,
	cfg Config,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.VerifyAfter <= 0 {
		cfg.VerifyAfter = defaultVerifyAfter
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = defaultStalledAfter
	}
	if cfg.GeneratingStuckAfter <= 0 {
		cfg.GeneratingStuckAfter = defaultGeneratingStuckAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = log.WithField("component", "reconcile")
	}
	return &Worker{
		machine:  machine,
		provider: provider,
		events:   events,
		ingestor: ingestor,
		analysis: analysis,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run выполняет проходы до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := w.RunOnce(ctx)
			if report.Verified+report.Reprocessed+report.Started+report.Notified+report.Errors > 0 {
				w.logger.WithFields(log.Fields{
					"verified":    report.Verified,
					"reprocessed": report.Reprocessed,
					"started":     report.Started,
					"notified":    report.Notified,
					"errors":      report.Errors,
				}).Info("reconcile pass finished")
			}
		}
	}
}

// RunOnce выполняет один проход сверки.
func (w *Worker) RunOnce(ctx context.Context) Report {
	var report Report
	w.verifyAwaitingPayment(ctx, &report)
	w.reprocessStalledEvents(ctx, &report)
	w.restartGeneration(ctx, &report)
	w.sendNotifications(ctx, &report)
	return report
}

func (w *Worker) verifyAwaitingPayment(ctx context.Context, report *Report) {
	if w.provider == nil || w.ingestor == nil {
		return
	}
	// Каждая консультация проверяется не чаще раза за VerifyAfter, поэтому
	// порция сдвигается по очереди, а не упирается в самые старые.
	cutoff := w.now().Add(-w.cfg.VerifyAfter)
	items, err := w.machine.ListDueForVerification(ctx, cutoff, cutoff, w.cfg.BatchSize)
	if err != nil {
		w.fail(report, "verify", err, "list awaiting payment failed")
		return
	}

	for _, c := range items {
		if ctx.Err() != nil {
			return
		}
		if c.PaymentRef == "" {
			continue
		}
		logger := w.logger.WithFields(log.Fields{"consultation_id": c.ID, "payment_ref": c.PaymentRef})

		result, err := w.provider.Verify(ctx, c.PaymentRef)
		if markErr := w.machine.MarkVerified(ctx, c.ID, w.now()); markErr != nil {
			logger.WithError(markErr).Warn("failed to record verification time")
		}
		if err != nil {
			if errors.Is(err, domain.ErrPaymentTemporary) {
				logger.WithError(err).Debug("provider verification temporarily unavailable")
			} else {
				logger.WithError(err).Warn("provider verification failed")
			}
			w.metrics.RecordReconcileAction("verify", "error")
			report.Errors++
			continue
		}

		w.ingestor.IngestVerification(ctx, c.ID, result)
		w.metrics.RecordReconcileAction("verify", string(result.Outcome))
		if result.Outcome == domain.PaymentOutcomeSuccess {
			report.Verified++
		}
	}
}

func (w *Worker) reprocessStalledEvents(ctx context.Context, report *Report) {
	if w.events == nil || w.ingestor == nil {
		return
	}
	events, err := w.events.ListStalled(ctx, w.now().Add(-w.cfg.StalledAfter), w.cfg.BatchSize)
	if err != nil {
		w.fail(report, "reprocess", err, "list stalled payment events failed")
		return
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.ingestor.Reprocess(ctx, event.Token)
		if err != nil {
			w.fail(report, "reprocess", err, "reprocess payment event failed")
			continue
		}
		if processed.State == domain.PaymentEventProcessed {
			w.metrics.RecordReconcileAction("reprocess", "ok")
			report.Reprocessed++
		} else {
			w.metrics.RecordReconcileAction("reprocess", "failed")
			report.Errors++
		}
	}
}

func (w *Worker) restartGeneration(ctx context.Context, report *Report) {
	if w.analysis == nil {
		return
	}
	items, err := w.machine.ListByStatus(ctx, domain.ConsultationStatusGenerating, 0, w.cfg.BatchSize)
	if err != nil {
		w.fail(report, "restart", err, "list generating failed")
		return
	}

	stuckBefore := w.now().Add(-w.cfg.GeneratingStuckAfter)
	for _, c := range items {
		if ctx.Err() != nil {
			return
		}

		var (
			result domain.StartResult
			err    error
		)
		switch {
		case c.AnalysisJobID == "":
			result, err = w.analysis.Start(ctx, c.ID)
		case c.StatusChangedAt.Before(stuckBefore):
			result, err = w.analysis.Resume(ctx, c.ID)
		default:
			continue
		}
		if err != nil {
			w.fail(report, "restart", err, "restart analysis failed")
			continue
		}
		if result == domain.StartResultStarted {
			w.metrics.RecordReconcileAction("restart", "ok")
			report.Started++
		}
	}
}

func (w *Worker) sendNotifications(ctx context.Context, report *Report) {
	if w.analysis == nil {
		return
	}
	items, err := w.machine.ListUnnotified(ctx, w.cfg.BatchSize)
	if err != nil {
		w.fail(report, "notify", err, "list unnotified failed")
		return
	}

	for _, c := range items {
		if ctx.Err() != nil {
			return
		}
		sent, err := w.analysis.Notify(ctx, c.ID)
		if err != nil {
			w.fail(report, "notify", err, "notification retry failed")
			continue
		}
		if sent {
			w.metrics.RecordReconcileAction("notify", "ok")
			report.Notified++
		}
	}
}

func (w *Worker) fail(report *Report, kind string, err error, msg string) {
	report.Errors++
	w.metrics.RecordReconcileAction(kind, "error")
	w.logger.WithError(err).Warn(msg)
}
