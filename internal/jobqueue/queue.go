// Package jobqueue доставляет задачи генерации анализа воркерам.
// Очередь только доставляет задачи: повторы и лимит попыток решает обработчик.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

// Job: задача генерации анализа для одной консультации.
type Job struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultation_id"`
	Attempt        int       `json:"attempt"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

// Handler обрабатывает задачу. Ошибка только логируется: задача не возвращается в очередь.
type Handler func(ctx context.Context, job Job) error

// Queue описывает очередь задач анализа.
type Queue interface {
	// Enqueue ставит задачу в очередь; delay>0 откладывает доставку.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Run обрабатывает задачи, пока не отменён ctx.
	Run(ctx context.Context, handler Handler) error
}

// ErrJobInvalid: задача без идентификатора консультации.
var ErrJobInvalid = errors.New("job consultation_id is required")

const (
	defaultWorkers = 2
)
