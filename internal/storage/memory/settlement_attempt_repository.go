package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// settlementAttemptRepositoryInMemory хранит аудит попыток переходов (для разработки/тестов).
type settlementAttemptRepositoryInMemory struct {
	mu       sync.RWMutex
	attempts map[string][]domain.SettlementAttempt
}

// NewSettlementAttemptRepository создаёт in-memory реализацию SettlementAttemptRepository.
func NewSettlementAttemptRepository() domain.SettlementAttemptRepository {
	return &settlementAttemptRepositoryInMemory{attempts: make(map[string][]domain.SettlementAttempt)}
}

// Append добавляет запись; порядок вставки сохраняется.
func (r *settlementAttemptRepositoryInMemory) Append(_ context.Context, attempt domain.SettlementAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[attempt.ConsultationID] = append(r.attempts[attempt.ConsultationID], attempt)
	return nil
}

// List возвращает попытки по консультации в хронологическом порядке.
func (r *settlementAttemptRepositoryInMemory) List(_ context.Context, consultationID string) ([]domain.SettlementAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempts := r.attempts[consultationID]
	result := make([]domain.SettlementAttempt, len(attempts))
	copy(result, attempts)
	return result, nil
}

var _ domain.SettlementAttemptRepository = (*settlementAttemptRepositoryInMemory)(nil)
