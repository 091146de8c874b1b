// Package settlement переводит консультацию из «не оплачена» в «идёт генерация»
// через списание ресурсов из леджера или через внешний платёж.
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
)

// AnalysisStarter ставит генерацию анализа в очередь.
type AnalysisStarter interface {
	Start(ctx context.Context, consultationID string) (domain.StartResult, error)
}

// CreateRequest: параметры создания консультации.
type CreateRequest struct {
	ID                string
	UserID            string
	ServiceChoiceID   string
	RequiredOfferings []domain.OfferingLine
}

// Result: состояние консультации после операции и исход перехода.
type Result struct {
	Consultation domain.Consultation
	Outcome      domain.TransitionOutcome
	Consume      domain.ConsumeResult
}

// Coordinator оркестрирует расчёт за консультацию.
type Coordinator struct {
	machine  *lifecycle.Machine
	ledger   domain.OfferingLedger
	provider domain.PaymentProvider
	starter  AnalysisStarter
	metrics  *metrics.SettlementMetrics
	logger   *log.Entry
}

// NewCoordinator создаёт координатор. starter может быть nil: тогда анализ
// запускается reconcile-воркером.
func NewCoordinator(
	machine *lifecycle.Machine,
	ledger domain.OfferingLedger,
	provider domain.PaymentProvider,
	starter AnalysisStarter,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
) *Coordinator {
	if logger == nil {
		logger = log.WithField("component", "settlement")
	}
	return &Coordinator{
		machine:  machine,
		ledger:   ledger,
		provider: provider,
		starter:  starter,
		metrics:  m,
		logger:   logger,
	}
}

// Create создаёт консультацию в статусе PENDING.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (domain.Consultation, error) {
	now := c.machine.Now()
	consultation := domain.Consultation{
		ID:                strings.TrimSpace(req.ID),
		UserID:            strings.TrimSpace(req.UserID),
		ServiceChoiceID:   strings.TrimSpace(req.ServiceChoiceID),
		Status:            domain.ConsultationStatusPending,
		RequiredOfferings: append([]domain.OfferingLine(nil), req.RequiredOfferings...),
		CreatedAt:         now,
		StatusChangedAt:   now,
	}
	if consultation.ID == "" {
		consultation.ID = uuid.NewString()
	}
	if errs := consultation.ValidateInvariants(); len(errs) > 0 {
		return domain.Consultation{}, errs[0]
	}
	consultation.RequiredOfferings = domain.NormalizeLines(consultation.RequiredOfferings)

	if err := c.machine.Create(ctx, consultation, domain.SourceAPI); err != nil {
		return domain.Consultation{}, err
	}

	c.logger.WithFields(log.Fields{
		"consultation_id": consultation.ID,
		"user_id":         consultation.UserID,
	}).Info("consultation created")
	return consultation, nil
}

// Get возвращает консультацию.
func (c *Coordinator) Get(ctx context.Context, consultationID string) (domain.Consultation, error) {
	return c.machine.Get(ctx, consultationID)
}

// SettleWithOfferings списывает ресурсы консультации и переводит её PENDING -> GENERATING.
// Нехватка остатка возвращает ErrInsufficientStock, статус остаётся PENDING.
// Вызов для уже оплаченной консультации: no-op с текущим состоянием.
func (c *Coordinator) SettleWithOfferings(ctx context.Context, consultationID string) (Result, error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordStepDuration("settle_offerings", time.Since(start))
	}()

	unlock := c.machine.Lock(consultationID)

	var (
		consumed domain.ConsumeResult
		charged  bool
		userID   string
	)
	updated, outcome, err := c.machine.ApplyLocked(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceWallet,
		Action: "settle_offerings",
		Mutate: func(cons *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			if cons.Status != domain.ConsultationStatusPending {
				return domain.Noop(cons.Status, "already settled or not pending"), nil
			}

			userID = cons.UserID
			result, err := c.ledger.Consume(ctx, cons.UserID, cons.ID, cons.RequiredOfferings)
			if err != nil {
				return domain.TransitionOutcome{}, fmt.Errorf("consume offerings: %w", err)
			}
			consumed = result
			if result == domain.ConsumeResultConsumed {
				charged = true
			}
			c.metrics.RecordLedgerOperation("consume", string(result))

			if result == domain.ConsumeResultInsufficientStock {
				return domain.Noop(cons.Status, domain.ErrInsufficientStock.Error()), domain.ErrInsufficientStock
			}

			cons.PaymentPath = domain.PaymentPathWalletOfferings
			return cons.Transition(domain.ConsultationStatusGenerating, now), nil
		},
	})
	if charged {
		// Повтор после конфликта версий видит уже своё списание как ALREADY_CONSUMED.
		consumed = domain.ConsumeResultConsumed
		if !c.settledByWallet(ctx, consultationID, updated) {
			c.compensateConsume(ctx, userID, consultationID, err)
		}
	}
	unlock()

	result := Result{Consultation: updated, Outcome: outcome, Consume: consumed}
	if err != nil {
		return result, err
	}

	if outcome.StatusChanged() {
		c.logger.WithFields(log.Fields{
			"consultation_id": consultationID,
			"consume":         consumed,
		}).Info("consultation settled with offerings")
		c.startAnalysis(ctx, consultationID)
	}
	return result, nil
}

// SelectExternalPayment инициирует платёж у провайдера и переводит PENDING -> AWAITING_PAYMENT.
// Повторный вызов в AWAITING_PAYMENT возвращает сохранённую ссылку без обращения к провайдеру.
func (c *Coordinator) SelectExternalPayment(ctx context.Context, consultationID string) (Result, error) {
	unlock := c.machine.Lock(consultationID)
	defer unlock()

	current, err := c.machine.Get(ctx, consultationID)
	if err != nil {
		return Result{}, err
	}

	switch {
	case current.Status == domain.ConsultationStatusAwaitingPayment && current.PaymentPath == domain.PaymentPathExternalProvider:
		return Result{Consultation: current, Outcome: domain.Noop(current.Status, "payment already initiated")}, nil
	case current.Status != domain.ConsultationStatusPending:
		return Result{Consultation: current, Outcome: domain.Noop(current.Status, "not pending")}, nil
	case current.PaymentPath != domain.PaymentPathNone:
		return Result{Consultation: current}, domain.ErrPaymentPathConflict
	}

	intent, err := c.provider.CreatePayment(ctx, current)
	if err != nil {
		c.logger.WithError(err).WithField("consultation_id", consultationID).Warn("create external payment failed")
		return Result{Consultation: current}, fmt.Errorf("create payment: %w", err)
	}

	updated, outcome, err := c.machine.ApplyLocked(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceAPI,
		Action: "select_external_payment",
		Mutate: func(cons *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			if cons.Status != domain.ConsultationStatusPending {
				return domain.Noop(cons.Status, "not pending"), nil
			}
			out := cons.Transition(domain.ConsultationStatusAwaitingPayment, now)
			if out.Applied {
				cons.PaymentPath = domain.PaymentPathExternalProvider
				cons.PaymentRef = intent.Reference
				cons.RedirectURL = intent.RedirectURL
			}
			return out, nil
		},
	})
	return Result{Consultation: updated, Outcome: outcome}, err
}

// ApplyPaymentOutcome применяет исход платежа. Только SUCCESS и только из
// AWAITING_PAYMENT двигает статус; остальное: no-op с текущим состоянием.
func (c *Coordinator) ApplyPaymentOutcome(ctx context.Context, consultationID string, outcome domain.PaymentOutcome) (Result, error) {
	if outcome != domain.PaymentOutcomeSuccess {
		current, err := c.machine.Get(ctx, consultationID)
		if err != nil {
			return Result{}, err
		}
		return Result{Consultation: current, Outcome: domain.Noop(current.Status, "payment outcome "+string(outcome))}, nil
	}

	updated, transition, err := c.machine.Apply(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceWebhook,
		Action: "payment_success",
		Mutate: lifecycle.TransitionFrom(domain.ConsultationStatusAwaitingPayment, domain.ConsultationStatusGenerating),
	})
	if err != nil {
		return Result{Consultation: updated, Outcome: transition}, err
	}
	if transition.StatusChanged() {
		c.startAnalysis(ctx, consultationID)
	}
	return Result{Consultation: updated, Outcome: transition}, nil
}

// Cancel отменяет консультацию до расчёта. Во время генерации: ErrCancelNotAllowed,
// из терминального статуса: no-op.
func (c *Coordinator) Cancel(ctx context.Context, consultationID, reason string) (Result, error) {
	updated, outcome, err := c.machine.Apply(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceAPI,
		Action: "cancel",
		Mutate: func(cons *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			if cons.Status == domain.ConsultationStatusGenerating {
				return domain.Noop(cons.Status, domain.ErrCancelNotAllowed.Error()), domain.ErrCancelNotAllowed
			}
			out := cons.Transition(domain.ConsultationStatusCancelled, now)
			if out.Applied {
				cons.FailureReason = reason
			}
			return out, nil
		},
	})
	return Result{Consultation: updated, Outcome: outcome}, err
}

// Refund возвращает оплату консультации, завершившейся ошибкой генерации.
// Кошелёк: возврат в леджер, внешний платёж: возврат через провайдера.
func (c *Coordinator) Refund(ctx context.Context, consultationID, reason string) (Result, error) {
	unlock := c.machine.Lock(consultationID)
	defer unlock()

	current, err := c.machine.Get(ctx, consultationID)
	if err != nil {
		return Result{}, err
	}
	if current.Status == domain.ConsultationStatusRefunded {
		return Result{Consultation: current, Outcome: domain.Noop(current.Status, "already refunded")}, nil
	}
	if current.Status != domain.ConsultationStatusError {
		return Result{Consultation: current, Outcome: domain.Noop(current.Status, domain.ErrRefundNotAllowed.Error())}, domain.ErrRefundNotAllowed
	}

	switch current.PaymentPath {
	case domain.PaymentPathWalletOfferings:
		result, err := c.ledger.Refund(ctx, current.UserID, current.ID)
		if err != nil {
			return Result{Consultation: current}, fmt.Errorf("refund offerings: %w", err)
		}
		c.metrics.RecordLedgerOperation("refund", string(result))
	case domain.PaymentPathExternalProvider:
		if err := c.provider.Refund(ctx, current.PaymentRef); err != nil {
			c.logger.WithError(err).WithField("consultation_id", consultationID).Warn("provider refund failed")
			return Result{Consultation: current}, fmt.Errorf("refund payment: %w", err)
		}
	}

	updated, outcome, err := c.machine.ApplyLocked(ctx, consultationID, lifecycle.Change{
		Source: domain.SourceOperator,
		Action: "refund",
		Mutate: func(cons *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			out := cons.Transition(domain.ConsultationStatusRefunded, now)
			if out.Applied && reason != "" {
				cons.FailureReason = reason
			}
			if out.Applied {
				cons.Retryable = false
				cons.NeedsReview = false
			}
			return out, nil
		},
	})
	return Result{Consultation: updated, Outcome: outcome}, err
}

// ListByUser возвращает консультации пользователя.
func (c *Coordinator) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Consultation, error) {
	return c.machine.ListByUser(ctx, userID, limit)
}

func (c *Coordinator) startAnalysis(ctx context.Context, consultationID string) {
	if c.starter == nil {
		return
	}
	result, err := c.starter.Start(ctx, consultationID)
	if err != nil {
		// Консультация уже в GENERATING; reconcile-воркер перезапустит задачу.
		c.logger.WithError(err).WithField("consultation_id", consultationID).Warn("start analysis failed")
		return
	}
	c.logger.WithFields(log.Fields{
		"consultation_id": consultationID,
		"result":          result,
	}).Debug("analysis start requested")
}

// settledByWallet сообщает, держится ли консультация на списании из леджера.
// Если ApplyLocked не вернул состояние, оно перечитывается.
func (c *Coordinator) settledByWallet(ctx context.Context, consultationID string, consultation domain.Consultation) bool {
	if consultation.ID == "" {
		current, err := c.machine.Get(ctx, consultationID)
		if err != nil {
			return false
		}
		consultation = current
	}
	if consultation.PaymentPath != domain.PaymentPathWalletOfferings {
		return false
	}
	switch consultation.Status {
	case domain.ConsultationStatusPending, domain.ConsultationStatusCancelled:
		return false
	default:
		return true
	}
}

// compensateConsume возвращает списание, которое не закончилось переходом в GENERATING.
func (c *Coordinator) compensateConsume(ctx context.Context, userID, consultationID string, cause error) {
	logger := c.logger.WithField("consultation_id", consultationID)
	if cause != nil {
		logger = logger.WithError(cause)
	}
	result, err := c.ledger.Refund(ctx, userID, consultationID)
	if err != nil {
		logger.WithField("refund_error", err.Error()).Error("compensating refund failed")
		return
	}
	c.metrics.RecordLedgerOperation("refund", string(result))
	logger.Warn("settlement did not complete after consume, offerings refunded")
}
