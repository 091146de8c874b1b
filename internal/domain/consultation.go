package domain

import (
	"fmt"
	"time"
)

// ConsultationStatus описывает жизненный цикл консультации.
type ConsultationStatus string

const (
	// ConsultationStatusPending: консультация создана, способ расчёта ещё не выбран.
	ConsultationStatusPending ConsultationStatus = "PENDING"
	// ConsultationStatusAwaitingPayment: ждём подтверждения от платёжного провайдера.
	ConsultationStatusAwaitingPayment ConsultationStatus = "AWAITING_PAYMENT"
	// ConsultationStatusGenerating: расчёт выполнен, анализ генерируется.
	ConsultationStatusGenerating ConsultationStatus = "GENERATING"
	// ConsultationStatusCompleted: анализ готов; уведомление может запаздывать.
	ConsultationStatusCompleted ConsultationStatus = "COMPLETED"
	// ConsultationStatusError: генерация исчерпала попытки.
	ConsultationStatusError ConsultationStatus = "ERROR"
	// ConsultationStatusCancelled: консультация отменена до расчёта.
	ConsultationStatusCancelled ConsultationStatus = "CANCELLED"
	// ConsultationStatusRefunded: списанные ресурсы возвращены пользователю.
	ConsultationStatusRefunded ConsultationStatus = "REFUNDED"
)

// PaymentPath: выбранный способ расчёта за консультацию.
type PaymentPath string

const (
	PaymentPathNone             PaymentPath = ""
	PaymentPathWalletOfferings  PaymentPath = "wallet_offerings"
	PaymentPathExternalProvider PaymentPath = "external_provider"
)

// transitions: единственный источник правды о допустимых переходах.
// ERROR -> GENERATING разрешён только ручному повтору генерации; кроме него
// из ERROR выводит лишь возврат. Платёжные события и отмена в ERROR: no-op.
var transitions = map[ConsultationStatus][]ConsultationStatus{
	ConsultationStatusPending: {
		ConsultationStatusAwaitingPayment,
		ConsultationStatusGenerating,
		ConsultationStatusCancelled,
	},
	ConsultationStatusAwaitingPayment: {
		ConsultationStatusGenerating,
		ConsultationStatusCancelled,
	},
	ConsultationStatusGenerating: {
		ConsultationStatusCompleted,
		ConsultationStatusError,
	},
	ConsultationStatusError: {
		ConsultationStatusGenerating,
		ConsultationStatusRefunded,
	},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s ConsultationStatus) Valid() bool {
	switch s {
	case ConsultationStatusPending,
		ConsultationStatusAwaitingPayment,
		ConsultationStatusGenerating,
		ConsultationStatusCompleted,
		ConsultationStatusError,
		ConsultationStatusCancelled,
		ConsultationStatusRefunded:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что автоматические события больше не меняют статус.
func (s ConsultationStatus) IsTerminal() bool {
	switch s {
	case ConsultationStatusCompleted,
		ConsultationStatusError,
		ConsultationStatusCancelled,
		ConsultationStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransition проверяет переход по таблице состояний.
func CanTransition(from, to ConsultationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Consultation: агрегат консультации.
type Consultation struct {
	ID                string
	UserID            string
	ServiceChoiceID   string
	Status            ConsultationStatus
	PaymentPath       PaymentPath
	PaymentRef        string // Пусто, пока провайдер не выдал ссылку.
	RedirectURL       string
	RequiredOfferings []OfferingLine
	AnalysisJobID     string
	AnalysisAttempts  int
	ResultRef         string
	AnalysisNotified  bool
	Retryable         bool
	NeedsReview       bool
	FailureReason     string
	Version           int64
	CreatedAt         time.Time
	StatusChangedAt   time.Time
	CompletedAt       time.Time
	// LastVerifiedAt: последняя pull-проверка платежа. Пишется через MarkVerified
	// и не участвует в optimistic locking.
	LastVerifiedAt time.Time
}

// TransitionOutcome описывает результат попытки мутации консультации.
type TransitionOutcome struct {
	From    ConsultationStatus
	To      ConsultationStatus
	Applied bool
	Reason  string
}

// StatusChanged сообщает, что мутация сдвинула статус.
func (o TransitionOutcome) StatusChanged() bool {
	return o.Applied && o.From != o.To
}

// Noop формирует результат без изменений.
func Noop(status ConsultationStatus, reason string) TransitionOutcome {
	return TransitionOutcome{From: status, To: status, Reason: reason}
}

// Transition выполняет guarded-переход. Недопустимый переход не является
// ошибкой: возвращается текущее состояние и Applied=false.
func (c *Consultation) Transition(to ConsultationStatus, now time.Time) TransitionOutcome {
	from := c.Status
	if !CanTransition(from, to) {
		return Noop(from, fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, from, to))
	}

	c.Status = to
	c.StatusChangedAt = now
	if to == ConsultationStatusCompleted {
		c.CompletedAt = now
	}

	return TransitionOutcome{From: from, To: to, Applied: true}
}

// IsAnalysisReady: единственный предикат готовности для опрашивающих клиентов.
func (c *Consultation) IsAnalysisReady() bool {
	return c.Status == ConsultationStatusCompleted && c.ResultRef != ""
}

// NeedsNotification сообщает, что анализ готов, но пользователь ещё не уведомлён.
func (c *Consultation) NeedsNotification() bool {
	return c.Status == ConsultationStatusCompleted && !c.AnalysisNotified
}

// ValidateInvariants проверяет базовые инварианты консультации.
func (c *Consultation) ValidateInvariants() []error {
	var errs []error

	if c.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if c.ServiceChoiceID == "" {
		errs = append(errs, ErrServiceChoiceRequired)
	}
	if !c.Status.Valid() {
		errs = append(errs, ErrUnknownStatus)
	}
	if err := ValidateLines(c.RequiredOfferings); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// Clone возвращает копию без общих срезов.
func (c Consultation) Clone() Consultation {
	c.RequiredOfferings = append([]OfferingLine(nil), c.RequiredOfferings...)
	return c
}
