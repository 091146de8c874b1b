package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// consultationRepositoryInMemory: in-memory реализация ConsultationRepository.
type consultationRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Consultation
}

// NewConsultationRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewConsultationRepository() domain.ConsultationRepository {
	return &consultationRepositoryInMemory{
		items: make(map[string]domain.Consultation),
	}
}

// Create сохраняет новую консультацию, если ID ещё не занят.
func (r *consultationRepositoryInMemory) Create(_ context.Context, consultation domain.Consultation) error {
	if consultation.ID == "" {
		return domain.ErrConsultationIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[consultation.ID]; exists {
		return domain.ErrConsultationExists
	}
	r.items[consultation.ID] = consultation.Clone()
	return nil
}

// Get возвращает консультацию или ErrConsultationNotFound.
func (r *consultationRepositoryInMemory) Get(_ context.Context, id string) (domain.Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	consultation, ok := r.items[id]
	if !ok {
		return domain.Consultation{}, domain.ErrConsultationNotFound
	}
	return consultation.Clone(), nil
}

// Save перезаписывает консультацию, проверяя версию (optimistic locking).
func (r *consultationRepositoryInMemory) Save(_ context.Context, consultation domain.Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[consultation.ID]
	if !ok {
		return domain.ErrConsultationNotFound
	}
	if current.Version != consultation.Version {
		return domain.ErrConsultationVersionConflict
	}
	consultation.Version++
	consultation.LastVerifiedAt = current.LastVerifiedAt
	r.items[consultation.ID] = consultation.Clone()
	return nil
}

// MarkVerified обновляет только LastVerifiedAt.
func (r *consultationRepositoryInMemory) MarkVerified(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.ErrConsultationNotFound
	}
	current.LastVerifiedAt = at
	r.items[id] = current
	return nil
}

// FindByPaymentRef ищет консультацию по ссылке внешнего платежа.
func (r *consultationRepositoryInMemory) FindByPaymentRef(_ context.Context, ref string) (domain.Consultation, error) {
	if ref == "" {
		return domain.Consultation{}, domain.ErrConsultationNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, consultation := range r.items {
		if consultation.PaymentRef == ref {
			return consultation.Clone(), nil
		}
	}
	return domain.Consultation{}, domain.ErrConsultationNotFound
}

// ListByStatus возвращает самые старые консультации в статусе, не менявшемся с changedBefore.
func (r *consultationRepositoryInMemory) ListByStatus(_ context.Context, status domain.ConsultationStatus, changedBefore time.Time, limit int) ([]domain.Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Consultation, 0)
	for _, consultation := range r.items {
		if consultation.Status != status {
			continue
		}
		if !changedBefore.IsZero() && !consultation.StatusChangedAt.Before(changedBefore) {
			continue
		}
		result = append(result, consultation.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StatusChangedAt.Equal(result[j].StatusChangedAt) {
			return result[i].StatusChangedAt.Before(result[j].StatusChangedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListDueForVerification отдаёт ожидающие оплаты консультации по очереди проверок.
func (r *consultationRepositoryInMemory) ListDueForVerification(_ context.Context, changedBefore, verifiedBefore time.Time, limit int) ([]domain.Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Consultation, 0)
	for _, consultation := range r.items {
		if consultation.Status != domain.ConsultationStatusAwaitingPayment {
			continue
		}
		if !changedBefore.IsZero() && !consultation.StatusChangedAt.Before(changedBefore) {
			continue
		}
		if !consultation.LastVerifiedAt.IsZero() && consultation.LastVerifiedAt.After(verifiedBefore) {
			continue
		}
		result = append(result, consultation.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.LastVerifiedAt.Equal(b.LastVerifiedAt) {
			return a.LastVerifiedAt.Before(b.LastVerifiedAt)
		}
		if !a.StatusChangedAt.Equal(b.StatusChangedAt) {
			return a.StatusChangedAt.Before(b.StatusChangedAt)
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListUnnotified возвращает COMPLETED консультации с AnalysisNotified=false, старые первыми.
func (r *consultationRepositoryInMemory) ListUnnotified(_ context.Context, limit int) ([]domain.Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Consultation, 0)
	for _, consultation := range r.items {
		if consultation.NeedsNotification() {
			result = append(result, consultation.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CompletedAt.Before(result[j].CompletedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByUser возвращает консультации пользователя, ограничивая выборку limit (если >0).
func (r *consultationRepositoryInMemory) ListByUser(_ context.Context, userID string, limit int) ([]domain.Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Consultation, 0)
	for _, consultation := range r.items {
		if consultation.UserID != userID {
			continue
		}
		result = append(result, consultation.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.ConsultationRepository = (*consultationRepositoryInMemory)(nil)
