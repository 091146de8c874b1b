package domain

import (
	"context"
	"time"
)

// Analyzer генерирует анализ по консультации.
type Analyzer interface {
	Generate(ctx context.Context, consultation Consultation) (AnalysisResult, error)
}

// AnalysisResult: ссылка на готовый результат анализа.
type AnalysisResult struct {
	Ref string
}

// Notifier уведомляет пользователя о готовности анализа.
type Notifier interface {
	NotifyAnalysisReady(ctx context.Context, consultation Consultation) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит ответы клиентских операций по ключу в рамках
// IdempotencyScope. CreateProcessing на занятый ключ возвращает существующую
// запись вместе с ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, scope IdempotencyScope, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, scope IdempotencyScope) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, scope IdempotencyScope, result IdempotencyResult) error
	MarkFailed(ctx context.Context, scope IdempotencyScope, result IdempotencyResult) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// SettlementSource: источник попытки перехода для логов, метрик и аудита.
type SettlementSource string

const (
	SourceAPI       SettlementSource = "api"
	SourceWallet    SettlementSource = "wallet"
	SourceWebhook   SettlementSource = "webhook"
	SourceAnalysis  SettlementSource = "analysis"
	SourceReconcile SettlementSource = "reconcile"
	SourceOperator  SettlementSource = "operator"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// StartResult: результат запуска генерации анализа.
type StartResult string

const (
	StartResultStarted          StartResult = "STARTED"
	StartResultAlreadyRunning   StartResult = "ALREADY_RUNNING"
	StartResultAlreadyCompleted StartResult = "ALREADY_COMPLETED"
)
