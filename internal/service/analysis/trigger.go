// Package analysis запускает генерацию анализа для оплаченных консультаций,
// повторяет неудачные попытки и уведомляет пользователя о готовности.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/jobqueue"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

// Config задаёт политику повторов генерации.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Trigger ставит задачи генерации в очередь и обрабатывает их.
// Не больше одной активной задачи на консультацию: текущая задача
// записана в Consultation.AnalysisJobID, остальные отбрасываются как устаревшие.
type Trigger struct {
	machine  *lifecycle.Machine
	queue    jobqueue.Queue
	analyzer domain.Analyzer
	notifier domain.Notifier
	cfg      Config
	metrics  *metrics.SettlementMetrics
	logger   *log.Entry
	newID    func() string
}

// NewTrigger создаёт триггер анализа. notifier может быть nil.
func NewTrigger(
	machine *lifecycle.Machine,
	queue jobqueue.Queue,
	analyzer domain.Analyzer,
	notifier domain.Notifier,
	cfg Config,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
) *Trigger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = log.WithField("component", "analysis")
	}
	return &Trigger{
		machine:  machine,
		queue:    queue,
		analyzer: analyzer,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Run обрабатывает задачи из очереди, пока не отменён ctx.
func (t *Trigger) Run(ctx context.Context) error {
	return t.queue.Run(ctx, t.Handle)
}

// Start ставит генерацию в очередь. Идемпотентен: повторный вызов при активной
// задаче возвращает ALREADY_RUNNING, для готового анализа: ALREADY_COMPLETED.
// Консультация должна быть в GENERATING, иначе ErrNotGenerating.
func (t *Trigger) Start(ctx context.Context, consultationID string) (domain.StartResult, error) {
	return t.start(ctx, consultationID, false)
}

// Resume заменяет задачу консультации, застрявшей в GENERATING. Если прежняя
// задача всё же завершится, её результат будет отброшен как устаревший.
func (t *Trigger) Resume(ctx context.Context, consultationID string) (domain.StartResult, error) {
	return t.start(ctx, consultationID, true)
}

func (t *Trigger) start(ctx context.Context, consultationID string, replace bool) (domain.StartResult, error) {
	unlock := t.machine.Lock(consultationID)
	defer unlock()

	result := domain.StartResultStarted
	var job jobqueue.Job
	updated, _, err := t.machine.ApplyLocked(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceAnalysis,
		Action: "start_analysis",
		Mutate: func(c *domain.Consultation, _ time.Time) (domain.TransitionOutcome, error) {
			switch {
			case c.Status == domain.ConsultationStatusCompleted:
				result = domain.StartResultAlreadyCompleted
				return domain.Noop(c.Status, "analysis already completed"), nil
			case c.Status != domain.ConsultationStatusGenerating:
				return domain.Noop(c.Status, domain.ErrNotGenerating.Error()), domain.ErrNotGenerating
			case c.AnalysisJobID != "" && !replace:
				result = domain.StartResultAlreadyRunning
				return domain.Noop(c.Status, "analysis job already running"), nil
			}

			c.AnalysisJobID = t.newID()
			job = jobqueue.Job{ID: c.AnalysisJobID, ConsultationID: c.ID, Attempt: c.AnalysisAttempts + 1}
			return touched(c.Status), nil
		},
	})
	if err != nil {
		return "", err
	}
	if result != domain.StartResultStarted {
		return result, nil
	}

	if err := t.queue.Enqueue(ctx, job, 0); err != nil {
		t.releaseJob(ctx, updated.ID, job.ID)
		return "", fmt.Errorf("enqueue analysis job: %w", err)
	}
	t.metrics.RecordAnalysisJob("enqueued")
	t.logger.WithFields(log.Fields{
		"consultation_id": consultationID,
		"job_id":          job.ID,
		"replace":         replace,
	}).Info("analysis job enqueued")
	return result, nil
}

// Handle выполняет одну задачу генерации. Генерация идёт без блокировки консультации,
// результат применяется только если задача всё ещё текущая.
func (t *Trigger) Handle(ctx context.Context, job jobqueue.Job) error {
	logger := t.logger.WithFields(log.Fields{
		"consultation_id": job.ConsultationID,
		"job_id":          job.ID,
		"attempt":         job.Attempt,
	})

	current, err := t.machine.Get(ctx, job.ConsultationID)
	if err != nil {
		if errors.Is(err, domain.ErrConsultationNotFound) {
			logger.Warn("analysis job for unknown consultation dropped")
			t.metrics.RecordAnalysisJob("stale")
			return nil
		}
		return err
	}
	if current.Status != domain.ConsultationStatusGenerating || current.AnalysisJobID != job.ID {
		logger.WithField("status", current.Status).Debug("stale analysis job dropped")
		t.metrics.RecordAnalysisJob("stale")
		return nil
	}

	t.metrics.AnalysisStarted()
	started := time.Now()
	result, genErr := t.analyzer.Generate(ctx, current)
	t.metrics.AnalysisFinished(time.Since(started))

	if genErr != nil {
		return t.fail(ctx, job, genErr, logger)
	}
	return t.complete(ctx, job, result, logger)
}

func (t *Trigger) complete(ctx context.Context, job jobqueue.Job, result domain.AnalysisResult, logger *log.Entry) error {
	_, outcome, err := t.machine.Apply(ctx, job.ConsultationID, lifecycle.Change{
		Source: domain.SourceAnalysis,
		Action: "complete_analysis",
		Mutate: func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			if c.AnalysisJobID != job.ID {
				return domain.Noop(c.Status, "stale analysis job"), nil
			}
			out := c.Transition(domain.ConsultationStatusCompleted, now)
			if out.Applied {
				c.ResultRef = result.Ref
				c.AnalysisJobID = ""
				c.FailureReason = ""
			}
			return out, nil
		},
	})
	if err != nil {
		logger.WithError(err).Error("failed to store analysis result")
		return err
	}
	if !outcome.StatusChanged() {
		t.metrics.RecordAnalysisJob("stale")
		return nil
	}

	t.metrics.RecordAnalysisJob("completed")
	logger.WithField("result_ref", result.Ref).Info("analysis completed")

	if _, err := t.Notify(ctx, job.ConsultationID); err != nil {
		// Статус COMPLETED уже виден клиентам; reconcile-воркер повторит уведомление.
		logger.WithError(err).Warn("analysis ready notification failed")
	}
	return nil
}

func (t *Trigger) fail(ctx context.Context, job jobqueue.Job, cause error, logger *log.Entry) error {
	var (
		retry jobqueue.Job
		delay time.Duration
	)
	updated, outcome, err := t.machine.Apply(ctx, job.ConsultationID, lifecycle.Change{
		Source: domain.SourceAnalysis,
		Action: "analysis_failed",
		Mutate: func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			if c.AnalysisJobID != job.ID || c.Status != domain.ConsultationStatusGenerating {
				return domain.Noop(c.Status, "stale analysis job"), nil
			}

			c.AnalysisAttempts++
			c.FailureReason = cause.Error()
			if c.AnalysisAttempts < t.cfg.MaxAttempts {
				c.AnalysisJobID = t.newID()
				retry = jobqueue.Job{ID: c.AnalysisJobID, ConsultationID: c.ID, Attempt: c.AnalysisAttempts + 1}
				delay = t.cfg.RetryDelay * time.Duration(c.AnalysisAttempts)
				return touched(c.Status), nil
			}

			c.AnalysisJobID = ""
			c.Retryable = true
			c.NeedsReview = true
			return c.Transition(domain.ConsultationStatusError, now), nil
		},
	})
	if err != nil {
		logger.WithError(err).Error("failed to store analysis failure")
		return err
	}
	if !outcome.Applied {
		t.metrics.RecordAnalysisJob("stale")
		return nil
	}

	if outcome.StatusChanged() {
		t.metrics.RecordAnalysisJob("failed")
		logger.WithError(cause).WithField("attempts", updated.AnalysisAttempts).Error("analysis attempts exhausted")
		return nil
	}

	t.metrics.RecordAnalysisJob("retry")
	logger.WithError(cause).WithFields(log.Fields{
		"next_job_id": retry.ID,
		"delay":       delay.String(),
	}).Warn("analysis failed, retry scheduled")
	if err := t.queue.Enqueue(ctx, retry, delay); err != nil {
		logger.WithError(err).Error("failed to enqueue analysis retry")
		t.releaseJob(ctx, retry.ConsultationID, retry.ID)
		return err
	}
	return nil
}

// Retry выполняет ручной повтор после исчерпания попыток: ERROR (retryable) -> GENERATING.
func (t *Trigger) Retry(ctx context.Context, consultationID string) (domain.Consultation, error) {
	unlock := t.machine.Lock(consultationID)
	defer unlock()

	var job jobqueue.Job
	updated, outcome, err := t.machine.ApplyLocked(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceOperator,
		Action: "retry_analysis",
		Mutate: func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			if c.Status != domain.ConsultationStatusError || !c.Retryable {
				return domain.Noop(c.Status, domain.ErrRetryNotAllowed.Error()), domain.ErrRetryNotAllowed
			}
			out := c.Transition(domain.ConsultationStatusGenerating, now)
			if out.Applied {
				c.AnalysisAttempts = 0
				c.Retryable = false
				c.NeedsReview = false
				c.FailureReason = ""
				c.AnalysisJobID = t.newID()
				job = jobqueue.Job{ID: c.AnalysisJobID, ConsultationID: c.ID, Attempt: 1}
			}
			return out, nil
		},
	})
	if err != nil {
		return updated, err
	}
	if !outcome.StatusChanged() {
		return updated, nil
	}

	if err := t.queue.Enqueue(ctx, job, 0); err != nil {
		t.releaseJob(ctx, consultationID, job.ID)
		return updated, fmt.Errorf("enqueue analysis job: %w", err)
	}
	t.metrics.RecordAnalysisJob("manual_retry")
	t.logger.WithField("consultation_id", consultationID).Info("analysis retry requested")
	return updated, nil
}

// Notify уведомляет пользователя, если анализ готов и уведомление ещё не отправлено.
// Возвращает true, если уведомление отправлено этим вызовом.
func (t *Trigger) Notify(ctx context.Context, consultationID string) (bool, error) {
	if t.notifier == nil {
		return false, nil
	}

	unlock := t.machine.Lock(consultationID)
	defer unlock()

	current, err := t.machine.Get(ctx, consultationID)
	if err != nil {
		return false, err
	}
	if !current.NeedsNotification() {
		return false, nil
	}

	if err := t.notifier.NotifyAnalysisReady(ctx, current); err != nil {
		t.metrics.RecordAnalysisJob("notify_failed")
		return false, fmt.Errorf("notify analysis ready: %w", err)
	}

	_, _, err = t.machine.ApplyLocked(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceAnalysis,
		Action: "notify",
		Mutate: func(c *domain.Consultation, _ time.Time) (domain.TransitionOutcome, error) {
			if c.AnalysisNotified {
				return domain.Noop(c.Status, "already notified"), nil
			}
			c.AnalysisNotified = true
			return touched(c.Status), nil
		},
	})
	if err != nil {
		return false, err
	}
	t.metrics.RecordAnalysisJob("notified")
	return true, nil
}

// releaseJob снимает задачу, которую не удалось поставить в очередь,
// чтобы reconcile-воркер мог запустить генерацию заново.
func (t *Trigger) releaseJob(ctx context.Context, consultationID, jobID string) {
	_, _, err := t.machine.Apply(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceAnalysis,
		Action: "release_job",
		Mutate: func(c *domain.Consultation, _ time.Time) (domain.TransitionOutcome, error) {
			if c.AnalysisJobID != jobID {
				return domain.Noop(c.Status, "job already replaced"), nil
			}
			c.AnalysisJobID = ""
			return touched(c.Status), nil
		},
	})
	if err != nil {
		t.logger.WithError(err).WithField("consultation_id", consultationID).Error("release analysis job failed")
	}
}

// touched: изменение полей без смены статуса.
func touched(status domain.ConsultationStatus) domain.TransitionOutcome {
	return domain.TransitionOutcome{From: status, To: status, Applied: true}
}
