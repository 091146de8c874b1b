package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// Ключи Redis.
	jobKeyPrefix     = "settlement:job:"
	jobQueueKey      = "settlement:jobs:pending"
	jobProcessingKey = "settlement:jobs:processing"
	jobDelayedKey    = "settlement:jobs:delayed"

	jobTTL             = 24 * time.Hour
	dequeueTimeout     = time.Second
	promoteInterval    = 500 * time.Millisecond
	sweepInterval      = time.Minute
	defaultStuckMaxAge = 10 * time.Minute
)

// RedisQueue хранит задачи в Redis: список pending, список processing
// и sorted set отложенных задач со временем доставки в score.
type RedisQueue struct {
	client      *redis.Client
	workers     int
	stuckMaxAge time.Duration
	logger      *log.Entry
}

// NewRedisQueue создаёт очередь поверх готового клиента.
func NewRedisQueue(client *redis.Client, workers int, logger *log.Entry) *RedisQueue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = log.WithField("component", "jobqueue-redis")
	}
	return &RedisQueue{
		client:      client,
		workers:     workers,
		stuckMaxAge: defaultStuckMaxAge,
		logger:      logger,
	}
}

// Enqueue сохраняет задачу и кладёт её id в pending или delayed.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.ConsultationID == "" {
		return ErrJobInvalid
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now().UTC()
	job.StartedAt = time.Time{}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKeyPrefix+job.ID, data, jobTTL)
	if delay > 0 {
		pipe.ZAdd(ctx, jobDelayedKey, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.LPush(ctx, jobQueueKey, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.WithFields(log.Fields{
		"job_id":          job.ID,
		"consultation_id": job.ConsultationID,
		"attempt":         job.Attempt,
		"delay":           delay,
	}).Debug("job enqueued")
	return nil
}

// Run запускает воркеров, перенос отложенных задач и восстановление зависших.
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		q.loop(ctx, promoteInterval, q.promoteDue)
	}()
	go func() {
		defer wg.Done()
		q.loop(ctx, sweepInterval, q.recoverStuck)
	}()

	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.worker(ctx, worker, handler)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) worker(ctx context.Context, worker int, handler Handler) {
	logger := q.logger.WithField("worker", worker)
	for ctx.Err() == nil {
		job, err := q.dequeue(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.WithError(err).Error("dequeue job failed")
			time.Sleep(dequeueTimeout)
			continue
		}

		if err := handler(ctx, job); err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"job_id":          job.ID,
				"consultation_id": job.ConsultationID,
			}).Warn("job handler failed")
		}
		q.ack(ctx, job.ID)
	}
}

// dequeue атомарно переносит id из pending в processing.
func (q *RedisQueue) dequeue(ctx context.Context) (Job, error) {
	id, err := q.client.BRPopLPush(ctx, jobQueueKey, jobProcessingKey, dequeueTimeout).Result()
	if err != nil {
		return Job{}, err
	}

	data, err := q.client.Get(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		q.client.LRem(ctx, jobProcessingKey, 1, id)
		return Job{}, fmt.Errorf("job data not found for %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.client.LRem(ctx, jobProcessingKey, 1, id)
		return Job{}, fmt.Errorf("unmarshal job %s: %w", id, err)
	}

	job.StartedAt = time.Now().UTC()
	if updated, err := json.Marshal(job); err == nil {
		q.client.Set(ctx, jobKeyPrefix+id, updated, jobTTL)
	}
	return job, nil
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, jobProcessingKey, 1, id)
	pipe.Del(ctx, jobKeyPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.WithError(err).WithField("job_id", id).Error("ack job failed")
	}
}

// promoteDue переносит наступившие отложенные задачи в pending.
func (q *RedisQueue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, jobDelayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		q.logger.WithError(err).Error("list delayed jobs failed")
		return
	}
	for _, id := range ids {
		// ZRem выигрывает только один экземпляр сервиса.
		removed, err := q.client.ZRem(ctx, jobDelayedKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, jobQueueKey, id).Err(); err != nil {
			q.logger.WithError(err).WithField("job_id", id).Error("promote delayed job failed")
		}
	}
}

// recoverStuck возвращает в pending задачи, застрявшие в processing после падения воркера.
func (q *RedisQueue) recoverStuck(ctx context.Context) {
	ids, err := q.client.LRange(ctx, jobProcessingKey, 0, -1).Result()
	if err != nil {
		q.logger.WithError(err).Error("list processing jobs failed")
		return
	}

	now := time.Now().UTC()
	for _, id := range ids {
		data, err := q.client.Get(ctx, jobKeyPrefix+id).Result()
		if err != nil {
			q.client.LRem(ctx, jobProcessingKey, 1, id)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			q.client.LRem(ctx, jobProcessingKey, 1, id)
			continue
		}
		started := job.StartedAt
		if started.IsZero() {
			started = job.EnqueuedAt
		}
		if now.Sub(started) <= q.stuckMaxAge {
			continue
		}

		q.logger.WithFields(log.Fields{
			"job_id":          id,
			"consultation_id": job.ConsultationID,
			"age":             now.Sub(started),
		}).Warn("recovering stuck job")
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, jobProcessingKey, 1, id)
		pipe.RPush(ctx, jobQueueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.WithError(err).WithField("job_id", id).Error("requeue stuck job failed")
		}
	}
}

func (q *RedisQueue) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

var _ Queue = (*RedisQueue)(nil)
