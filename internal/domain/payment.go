package domain

import (
	"context"
	"time"
)

// PaymentOutcome: внутренняя классификация статуса провайдера.
type PaymentOutcome string

const (
	PaymentOutcomeSuccess          PaymentOutcome = "SUCCESS"
	PaymentOutcomeAlreadyProcessed PaymentOutcome = "ALREADY_PROCESSED"
	PaymentOutcomePending          PaymentOutcome = "PENDING"
	PaymentOutcomeUnknown          PaymentOutcome = "UNKNOWN"
)

// Коды статусов провайдера.
const (
	ProviderStatusSuccess          = 1
	ProviderStatusAlreadyProcessed = 2
	ProviderStatusPending          = 3
)

// MapProviderStatus переводит код провайдера во внутренний исход.
func MapProviderStatus(code int) PaymentOutcome {
	switch code {
	case ProviderStatusSuccess:
		return PaymentOutcomeSuccess
	case ProviderStatusAlreadyProcessed:
		return PaymentOutcomeAlreadyProcessed
	case ProviderStatusPending:
		return PaymentOutcomePending
	default:
		return PaymentOutcomeUnknown
	}
}

// PaymentEventState: стадия обработки webhook-события.
type PaymentEventState string

const (
	// PaymentEventReserved: токен зарезервирован, применение ещё не завершено.
	PaymentEventReserved PaymentEventState = "reserved"
	// PaymentEventProcessed: событие обработано, ответ зафиксирован.
	PaymentEventProcessed PaymentEventState = "processed"
	// PaymentEventFailed: применение упало; событие ждёт повторной обработки.
	PaymentEventFailed PaymentEventState = "failed"
)

// PaymentEvent: запись о webhook-доставке. Токен пишется один раз.
type PaymentEvent struct {
	Token              string
	ProviderStatusCode int
	Outcome            PaymentOutcome
	ConsultationID     string
	Unlinked           bool
	NeedsReview        bool
	State              PaymentEventState
	Applied            bool
	AckSuccess         bool
	AckMessage         string
	Payload            []byte
	ReceivedAt         time.Time
	ProcessedAt        time.Time
}

// PaymentEventRepository хранит события провайдера; Reserve: атомарная резервация токена.
type PaymentEventRepository interface {
	// Reserve создаёт запись в состоянии reserved. Если токен уже есть,
	// возвращает существующую запись и ErrPaymentEventExists.
	Reserve(ctx context.Context, event PaymentEvent) (PaymentEvent, error)
	// Finalize фиксирует исход и ответ провайдеру.
	Finalize(ctx context.Context, event PaymentEvent) error
	Get(ctx context.Context, token string) (PaymentEvent, error)
	// ListUnlinked возвращает события, ожидающие ручной сверки.
	ListUnlinked(ctx context.Context, limit int) ([]PaymentEvent, error)
	// ListStalled возвращает события в reserved/failed, полученные раньше before.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]PaymentEvent, error)
}

// PaymentIntent: результат инициации внешнего платежа.
type PaymentIntent struct {
	Reference   string
	RedirectURL string
}

// VerificationResult: ответ pull-проверки статуса у провайдера.
type VerificationResult struct {
	Token      string
	StatusCode int
	Outcome    PaymentOutcome
}

// PaymentProvider описывает взаимодействие с платёжным провайдером.
type PaymentProvider interface {
	// CreatePayment регистрирует платёж и возвращает ссылку для редиректа.
	CreatePayment(ctx context.Context, consultation Consultation) (PaymentIntent, error)
	// Verify запрашивает статус платежа по токену.
	Verify(ctx context.Context, token string) (VerificationResult, error)
	// Refund возвращает средства по ссылке платежа.
	Refund(ctx context.Context, reference string) error
}
