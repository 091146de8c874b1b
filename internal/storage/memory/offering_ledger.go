package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

type stockKey struct {
	userID     string
	offeringID string
}

// offeringLedgerInMemory держит остатки и аудит под одним мьютексом:
// проверка всех строк и списание выполняются в одной критической секции.
// active хранит только невозвращённое списание; после возврата консультацию
// можно списать снова в следующем цикле.
type offeringLedgerInMemory struct {
	mu      sync.Mutex
	stock   map[stockKey]int64
	updated map[stockKey]time.Time
	entries []domain.LedgerEntry
	active  map[string][]domain.LedgerEntry
	epochs  map[string]int
}

// NewOfferingLedger создаёт in-memory реализацию OfferingLedger.
func NewOfferingLedger() domain.OfferingLedger {
	return &offeringLedgerInMemory{
		stock:   make(map[stockKey]int64),
		updated: make(map[stockKey]time.Time),
		active:  make(map[string][]domain.LedgerEntry),
		epochs:  make(map[string]int),
	}
}

func (l *offeringLedgerInMemory) Consume(_ context.Context, userID, consultationID string, lines []domain.OfferingLine) (domain.ConsumeResult, error) {
	if userID == "" {
		return "", domain.ErrUserRequired
	}
	if consultationID == "" {
		return "", domain.ErrConsultationIDRequired
	}
	if err := domain.ValidateLines(lines); err != nil {
		return "", err
	}
	lines = domain.NormalizeLines(lines)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[consultationID]; ok {
		return domain.ConsumeResultAlreadyConsumed, nil
	}

	for _, line := range lines {
		if l.stock[stockKey{userID, line.OfferingID}] < line.Quantity {
			return domain.ConsumeResultInsufficientStock, nil
		}
	}

	now := time.Now().UTC()
	epoch := l.epochs[consultationID] + 1
	written := make([]domain.LedgerEntry, 0, len(lines))
	for _, line := range lines {
		key := stockKey{userID, line.OfferingID}
		l.stock[key] -= line.Quantity
		l.updated[key] = now
		written = append(written, domain.LedgerEntry{
			ID:             uuid.NewString(),
			UserID:         userID,
			ConsultationID: consultationID,
			OfferingID:     line.OfferingID,
			Kind:           domain.LedgerEntryConsume,
			Quantity:       line.Quantity,
			Epoch:          epoch,
			CreatedAt:      now,
		})
	}
	l.epochs[consultationID] = epoch
	l.active[consultationID] = written
	l.entries = append(l.entries, written...)

	return domain.ConsumeResultConsumed, nil
}

func (l *offeringLedgerInMemory) Refund(_ context.Context, userID, consultationID string) (domain.RefundResult, error) {
	if consultationID == "" {
		return "", domain.ErrConsultationIDRequired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	consumed, ok := l.active[consultationID]
	if !ok {
		return domain.RefundResultNothingToRefund, nil
	}

	now := time.Now().UTC()
	for _, entry := range consumed {
		if userID != "" && entry.UserID != userID {
			return domain.RefundResultNothingToRefund, nil
		}
	}
	for _, entry := range consumed {
		key := stockKey{entry.UserID, entry.OfferingID}
		l.stock[key] += entry.Quantity
		l.updated[key] = now
		l.entries = append(l.entries, domain.LedgerEntry{
			ID:             uuid.NewString(),
			UserID:         entry.UserID,
			ConsultationID: consultationID,
			OfferingID:     entry.OfferingID,
			Kind:           domain.LedgerEntryRefund,
			Quantity:       entry.Quantity,
			Epoch:          entry.Epoch,
			CreatedAt:      now,
		})
	}
	delete(l.active, consultationID)

	return domain.RefundResultRefunded, nil
}

func (l *offeringLedgerInMemory) Credit(_ context.Context, userID, offeringID string, quantity int64) error {
	if userID == "" {
		return domain.ErrUserRequired
	}
	if offeringID == "" {
		return domain.ErrOfferingIDRequired
	}
	if quantity <= 0 {
		return domain.ErrOfferingQtyInvalid
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	key := stockKey{userID, offeringID}
	l.stock[key] += quantity
	l.updated[key] = now
	l.entries = append(l.entries, domain.LedgerEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		OfferingID: offeringID,
		Kind:       domain.LedgerEntryCredit,
		Quantity:   quantity,
		CreatedAt:  now,
	})
	return nil
}

func (l *offeringLedgerInMemory) Stock(_ context.Context, userID, offeringID string) (domain.OfferingStock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := stockKey{userID, offeringID}
	return domain.OfferingStock{
		UserID:     userID,
		OfferingID: offeringID,
		Available:  l.stock[key],
		UpdatedAt:  l.updated[key],
	}, nil
}

func (l *offeringLedgerInMemory) Entries(_ context.Context, consultationID string) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]domain.LedgerEntry, 0)
	for _, entry := range l.entries {
		if entry.ConsultationID == consultationID {
			result = append(result, entry)
		}
	}
	return result, nil
}

var _ domain.OfferingLedger = (*offeringLedgerInMemory)(nil)
