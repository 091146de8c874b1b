package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

type paymentEventRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[string]domain.PaymentEvent
}

// NewPaymentEventRepository создаёт in-memory реализацию PaymentEventRepository.
func NewPaymentEventRepository() domain.PaymentEventRepository {
	return &paymentEventRepositoryInMemory{events: make(map[string]domain.PaymentEvent)}
}

func (r *paymentEventRepositoryInMemory) Reserve(_ context.Context, event domain.PaymentEvent) (domain.PaymentEvent, error) {
	event.Token = strings.TrimSpace(event.Token)
	if event.Token == "" {
		return domain.PaymentEvent{}, domain.ErrPaymentTokenRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.events[event.Token]; ok {
		return clonePaymentEvent(existing), domain.ErrPaymentEventExists
	}

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	event.State = domain.PaymentEventReserved
	r.events[event.Token] = clonePaymentEvent(event)
	return clonePaymentEvent(event), nil
}

func (r *paymentEventRepositoryInMemory) Finalize(_ context.Context, event domain.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.events[event.Token]
	if !ok {
		return domain.ErrPaymentEventNotFound
	}
	event.ReceivedAt = current.ReceivedAt
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}
	r.events[event.Token] = clonePaymentEvent(event)
	return nil
}

func (r *paymentEventRepositoryInMemory) Get(_ context.Context, token string) (domain.PaymentEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	event, ok := r.events[strings.TrimSpace(token)]
	if !ok {
		return domain.PaymentEvent{}, domain.ErrPaymentEventNotFound
	}
	return clonePaymentEvent(event), nil
}

func (r *paymentEventRepositoryInMemory) ListUnlinked(_ context.Context, limit int) ([]domain.PaymentEvent, error) {
	return r.list(limit, func(event domain.PaymentEvent) bool {
		return event.Unlinked
	}), nil
}

func (r *paymentEventRepositoryInMemory) ListStalled(_ context.Context, before time.Time, limit int) ([]domain.PaymentEvent, error) {
	return r.list(limit, func(event domain.PaymentEvent) bool {
		if event.State != domain.PaymentEventReserved && event.State != domain.PaymentEventFailed {
			return false
		}
		return event.ReceivedAt.Before(before)
	}), nil
}

func (r *paymentEventRepositoryInMemory) list(limit int, match func(domain.PaymentEvent) bool) []domain.PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.PaymentEvent, 0)
	for _, event := range r.events {
		if match(event) {
			result = append(result, clonePaymentEvent(event))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return result[i].ReceivedAt.Before(result[j].ReceivedAt)
		}
		return result[i].Token < result[j].Token
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func clonePaymentEvent(src domain.PaymentEvent) domain.PaymentEvent {
	dst := src
	dst.Payload = append([]byte(nil), src.Payload...)
	return dst
}

var _ domain.PaymentEventRepository = (*paymentEventRepositoryInMemory)(nil)
