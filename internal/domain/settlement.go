package domain

import (
	"context"
	"time"
)

// AttemptOutcome: итог попытки перехода для аудита.
type AttemptOutcome string

const (
	AttemptApplied  AttemptOutcome = "applied"
	AttemptNoop     AttemptOutcome = "noop"
	AttemptRejected AttemptOutcome = "rejected"
	AttemptFailed   AttemptOutcome = "failed"
)

// SettlementAttempt: append-only запись аудита попытки перехода.
type SettlementAttempt struct {
	ConsultationID string
	Source         SettlementSource
	Requested      string
	From           ConsultationStatus
	To             ConsultationStatus
	Outcome        AttemptOutcome
	Reason         string
	OccurredAt     time.Time
}

// SettlementAttemptRepository хранит аудит попыток переходов.
type SettlementAttemptRepository interface {
	Append(ctx context.Context, attempt SettlementAttempt) error
	List(ctx context.Context, consultationID string) ([]SettlementAttempt, error)
}

// ConsultationRepository описывает требования к хранилищу консультаций.
type ConsultationRepository interface {
	// Create сохраняет новую консультацию. Повторный ID: ErrConsultationExists.
	Create(ctx context.Context, consultation Consultation) error
	// Get возвращает консультацию или ErrConsultationNotFound.
	Get(ctx context.Context, id string) (Consultation, error)
	// Save применяет изменения с optimistic locking по Version.
	Save(ctx context.Context, consultation Consultation) error
	// FindByPaymentRef ищет консультацию по ссылке внешнего платежа.
	FindByPaymentRef(ctx context.Context, ref string) (Consultation, error)
	// ListByStatus возвращает консультации в статусе, не менявшемся с changedBefore.
	ListByStatus(ctx context.Context, status ConsultationStatus, changedBefore time.Time, limit int) ([]Consultation, error)
	// ListDueForVerification возвращает AWAITING_PAYMENT консультации старше changedBefore,
	// не проверявшиеся после verifiedBefore. Непроверенные идут первыми, затем давно проверенные.
	ListDueForVerification(ctx context.Context, changedBefore, verifiedBefore time.Time, limit int) ([]Consultation, error)
	// MarkVerified фиксирует время pull-проверки, версия не меняется.
	MarkVerified(ctx context.Context, id string, at time.Time) error
	// ListByUser возвращает консультации пользователя, новые первыми.
	ListByUser(ctx context.Context, userID string, limit int) ([]Consultation, error)
	// ListUnnotified возвращает завершённые консультации без отправленного уведомления.
	ListUnnotified(ctx context.Context, limit int) ([]Consultation, error)
}
