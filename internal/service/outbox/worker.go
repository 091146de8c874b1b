// Package outbox доставляет события консультаций из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

type workerOptions struct {
	logger         *log.Entry
	metrics        *metrics.SettlementMetrics
	dlq            domain.OutboxPublisher
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*workerOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *workerOptions) { o.logger = logger }
}

// WithMetrics подключает метрики публикации и backlog.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(o *workerOptions) { o.metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(o *workerOptions) { o.dlq = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(o *workerOptions) { o.pollInterval = interval }
}

// WithBatchSize задаёт размер порции.
func WithBatchSize(size int) Option {
	return func(o *workerOptions) { o.batchSize = size }
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(attempts int) Option {
	return func(o *workerOptions) { o.maxAttempts = attempts }
}

// WithRetryBaseDelay задаёт базовую задержку экспоненциального backoff; 0: без пауз.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(o *workerOptions) { o.retryBaseDelay = delay }
}

// Worker публикует pending-события; событие, исчерпавшее попытки, уходит в DLQ и помечается failed.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	opts      workerOptions
}

// NewWorker создаёт outbox-воркер.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := workerOptions{
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.logger == nil {
		opts.logger = log.WithField("component", "outbox-worker")
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}
	if opts.batchSize <= 0 {
		opts.batchSize = defaultBatchSize
	}
	if opts.maxAttempts <= 0 {
		opts.maxAttempts = defaultMaxAttempts
	}
	if opts.retryBaseDelay < 0 {
		opts.retryBaseDelay = 0
	}
	return &Worker{repo: repo, publisher: publisher, opts: opts}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.opts.logger.Warn("outbox worker disabled: repository or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.opts.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce публикует одну порцию и возвращает число отправленных и проваленных событий.
func (w *Worker) ProcessOnce(ctx context.Context) (sent, failed int) {
	if ctx.Err() != nil {
		return 0, 0
	}
	defer w.refreshBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.opts.batchSize)
	if err != nil {
		w.opts.logger.WithError(err).Warn("pull pending outbox events failed")
		return 0, 0
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return sent, failed
		}
		logger := w.opts.logger.WithFields(log.Fields{
			"outbox_id":    event.ID,
			"event_type":   event.EventType,
			"aggregate_id": event.AggregateID,
		})

		if err := w.publishWithRetry(ctx, event); err != nil {
			failed++
			logger.WithError(err).Error("outbox publish failed after retries")
			w.opts.metrics.RecordOutboxPublish("failed")

			if dlqErr := w.publishToDLQ(ctx, event, err); dlqErr != nil {
				logger.WithError(dlqErr).Warn("dlq publish failed")
				w.opts.metrics.RecordOutboxPublish("dlq_failed")
			}
			if markErr := w.repo.MarkFailed(ctx, event.ID); markErr != nil {
				logger.WithError(markErr).Warn("mark outbox event failed")
			}
			continue
		}

		sent++
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			logger.WithError(err).Warn("mark outbox event sent failed")
		}
	}
	return sent, failed
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.opts.maxAttempts; attempt++ {
		err := w.publisher.Publish(ctx, event)
		if err == nil {
			w.opts.metrics.RecordOutboxPublish("sent")
			return nil
		}
		lastErr = err
		w.opts.metrics.RecordOutboxPublish("retry_error")

		if attempt == w.opts.maxAttempts {
			break
		}
		if delay := w.backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", domain.ErrOutboxPublish, w.opts.maxAttempts, lastErr)
}

func (w *Worker) backoff(attempt int) time.Duration {
	if w.opts.retryBaseDelay <= 0 {
		return 0
	}
	const maxDelay = time.Minute
	delay := w.opts.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.opts.logger.WithError(err).Warn("collect outbox backlog stats failed")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = time.Since(stats.OldestPendingAt)
	}
	w.opts.metrics.SetOutboxBacklog(stats.PendingCount, age)
}

func (w *Worker) publishToDLQ(ctx context.Context, event domain.OutboxMessage, cause error) error {
	if w.opts.dlq == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"outbox_id":        event.ID,
		"aggregate_type":   event.AggregateType,
		"aggregate_id":     event.AggregateID,
		"event_type":       event.EventType,
		"payload":          json.RawMessage(event.Payload),
		"publish_error":    cause.Error(),
		"dlq_published_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := event
	dlqEvent.Payload = payload
	if err := w.opts.dlq.Publish(ctx, dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
