package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MemoryQueue: очередь на каналах для локального запуска и тестов.
type MemoryQueue struct {
	jobs    chan Job
	workers int
	logger  *log.Entry

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

// NewMemoryQueue создаёт очередь с буфером buffer и workers обработчиками.
func NewMemoryQueue(buffer, workers int, logger *log.Entry) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = log.WithField("component", "jobqueue-memory")
	}
	return &MemoryQueue{
		jobs:    make(chan Job, buffer),
		workers: workers,
		logger:  logger,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Enqueue кладёт задачу в канал; отложенные задачи доставляются таймером.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.ConsultationID == "" {
		return ErrJobInvalid
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now().UTC()

	if delay <= 0 {
		return q.push(ctx, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return context.Canceled
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		if err := q.push(context.Background(), job); err != nil {
			q.logger.WithError(err).WithField("consultation_id", job.ConsultationID).Warn("delayed job dropped")
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) push(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run запускает воркеров и блокируется до отмены ctx.
func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					job.StartedAt = time.Now().UTC()
					if err := handler(ctx, job); err != nil {
						q.logger.WithError(err).WithFields(log.Fields{
							"worker":          worker,
							"job_id":          job.ID,
							"consultation_id": job.ConsultationID,
						}).Warn("job handler failed")
					}
				}
			}
		}(i)
	}
	wg.Wait()

	q.mu.Lock()
	q.stopped = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.mu.Unlock()

	return ctx.Err()
}

// Len возвращает число задач, готовых к доставке.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

var _ Queue = (*MemoryQueue)(nil)
