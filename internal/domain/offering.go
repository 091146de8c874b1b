package domain

import (
	"context"
	"sort"
	"time"
)

// OfferingLine: одна строка требуемых ресурсов.
type OfferingLine struct {
	OfferingID string `json:"offering_id" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
}

// OfferingStock: остаток ресурса пользователя.
type OfferingStock struct {
	UserID     string
	OfferingID string
	Available  int64
	UpdatedAt  time.Time
}

// LedgerEntryKind: тип записи аудита леджера.
type LedgerEntryKind string

const (
	LedgerEntryConsume LedgerEntryKind = "consume"
	LedgerEntryRefund  LedgerEntryKind = "refund"
	LedgerEntryCredit  LedgerEntryKind = "credit"
)

// LedgerEntry: неизменяемая запись аудита изменения остатка.
type LedgerEntry struct {
	ID             string
	UserID         string
	ConsultationID string
	OfferingID     string
	Kind           LedgerEntryKind
	Quantity       int64
	// Epoch нумерует циклы списания консультации: возврат закрывает цикл
	// с тем же номером, следующее списание открывает новый.
	Epoch     int
	CreatedAt time.Time
}

// ConsumeResult: типизированный результат списания.
type ConsumeResult string

const (
	ConsumeResultConsumed          ConsumeResult = "CONSUMED"
	ConsumeResultInsufficientStock ConsumeResult = "INSUFFICIENT_STOCK"
	ConsumeResultAlreadyConsumed   ConsumeResult = "ALREADY_CONSUMED"
)

// RefundResult: типизированный результат возврата.
type RefundResult string

const (
	RefundResultRefunded        RefundResult = "REFUNDED"
	RefundResultNothingToRefund RefundResult = "NOTHING_TO_REFUND"
)

// OfferingLedger: единственный мутатор остатков.
type OfferingLedger interface {
	// Consume атомарно списывает весь набор строк; ключ идемпотентности: consultationID.
	Consume(ctx context.Context, userID, consultationID string, lines []OfferingLine) (ConsumeResult, error)
	// Refund отменяет ранее выполненное списание по консультации.
	Refund(ctx context.Context, userID, consultationID string) (RefundResult, error)
	// Credit пополняет остаток (покупка в маркете и прочие внешние потоки).
	Credit(ctx context.Context, userID, offeringID string, quantity int64) error
	// Stock возвращает остаток; отсутствующая строка: нулевой остаток.
	Stock(ctx context.Context, userID, offeringID string) (OfferingStock, error)
	// Entries возвращает аудит по консультации в порядке записи.
	Entries(ctx context.Context, consultationID string) ([]LedgerEntry, error)
}

// ValidateLines проверяет набор строк: непустой, идентификаторы заданы, количества положительные.
func ValidateLines(lines []OfferingLine) error {
	if len(lines) == 0 {
		return ErrOfferingLinesRequired
	}
	for _, line := range lines {
		if line.OfferingID == "" {
			return ErrOfferingIDRequired
		}
		if line.Quantity <= 0 {
			return ErrOfferingQtyInvalid
		}
	}
	return nil
}

// NormalizeLines схлопывает повторяющиеся offering_id и сортирует строки.
// Стабильный порядок нужен, чтобы блокировки строк брались в одном порядке.
func NormalizeLines(lines []OfferingLine) []OfferingLine {
	merged := make(map[string]int64, len(lines))
	for _, line := range lines {
		merged[line.OfferingID] += line.Quantity
	}

	result := make([]OfferingLine, 0, len(merged))
	for id, qty := range merged {
		result = append(result, OfferingLine{OfferingID: id, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OfferingID < result[j].OfferingID
	})
	return result
}
