package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
)

const (
	maxSaveRetries = 3
	baseRetryDelay = 10 * time.Millisecond

	// EventConsultationStatusChanged: тип outbox-события о смене статуса.
	EventConsultationStatusChanged = "ConsultationStatusChanged"
	// EventConsultationCreated: тип outbox-события о создании консультации.
	EventConsultationCreated = "ConsultationCreated"
	// AggregateConsultation: тип агрегата в outbox.
	AggregateConsultation = "consultation"
)

// Mutation изменяет консультацию на месте и сообщает, что изменилось.
// Applied=false означает no-op: консультация не сохраняется.
// Ошибка прерывает мутацию без сохранения.
type Mutation func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error)

// Change: именованная мутация от конкретного источника.
type Change struct {
	Source domain.SettlementSource
	Action string
	Mutate Mutation
}

// StatusChangedEvent: полезная нагрузка ConsultationStatusChanged.
type StatusChangedEvent struct {
	ConsultationID string `json:"consultation_id"`
	UserID         string `json:"user_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Source         string `json:"source"`
	Action         string `json:"action"`
	ResultRef      string `json:"result_ref,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Ts             string `json:"ts"`
}

// Machine остаётся единственным путём записи статуса консультации: блокировка по id,
// guarded-переход, сохранение с CAS по версии, аудит и outbox.
type Machine struct {
	consultations domain.ConsultationRepository
	attempts      domain.SettlementAttemptRepository
	outbox        domain.OutboxRepository
	locks         *KeyedLocker
	metrics       *metrics.SettlementMetrics
	logger        *log.Entry
	now           func() time.Time
}

// Option настраивает Machine.
type Option func(*Machine)

// WithMetrics подключает метрики переходов.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(machine *Machine) {
		machine.metrics = m
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// NewMachine создаёт машину состояний поверх репозиториев.
func NewMachine(
	consultations domain.ConsultationRepository,
	attempts domain.SettlementAttemptRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
	opts ...Option,
) *Machine {
	if logger == nil {
		logger = log.WithField("component", "lifecycle")
	}
	m := &Machine{
		consultations: consultations,
		attempts:      attempts,
		outbox:        outbox,
		locks:         NewKeyedLocker(),
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock захватывает блокировку консультации. Пока она удерживается,
// мутации выполняются через ApplyLocked.
func (m *Machine) Lock(consultationID string) func() {
	return m.locks.Lock(consultationID)
}

// Now возвращает текущее время машины.
func (m *Machine) Now() time.Time {
	return m.now()
}

// Get читает консультацию без блокировки.
func (m *Machine) Get(ctx context.Context, consultationID string) (domain.Consultation, error) {
	return m.consultations.Get(ctx, consultationID)
}

// ListByUser возвращает консультации пользователя, новые первыми.
func (m *Machine) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Consultation, error) {
	return m.consultations.ListByUser(ctx, userID, limit)
}

// ListByStatus возвращает консультации, застывшие в статусе дольше olderThan.
func (m *Machine) ListByStatus(ctx context.Context, status domain.ConsultationStatus, olderThan time.Duration, limit int) ([]domain.Consultation, error) {
	return m.consultations.ListByStatus(ctx, status, m.now().Add(-olderThan), limit)
}

// ListDueForVerification возвращает ожидающие оплаты консультации в порядке очереди pull-проверок.
func (m *Machine) ListDueForVerification(ctx context.Context, changedBefore, verifiedBefore time.Time, limit int) ([]domain.Consultation, error) {
	return m.consultations.ListDueForVerification(ctx, changedBefore, verifiedBefore, limit)
}

// MarkVerified отмечает pull-проверку платежа. Статус и версия не меняются.
func (m *Machine) MarkVerified(ctx context.Context, consultationID string, at time.Time) error {
	return m.consultations.MarkVerified(ctx, consultationID, at)
}

// ListUnnotified возвращает завершённые консультации без уведомления.
func (m *Machine) ListUnnotified(ctx context.Context, limit int) ([]domain.Consultation, error) {
	return m.consultations.ListUnnotified(ctx, limit)
}

// Create сохраняет новую консультацию и публикует ConsultationCreated.
func (m *Machine) Create(ctx context.Context, consultation domain.Consultation, source domain.SettlementSource) error {
	if err := m.consultations.Create(ctx, consultation); err != nil {
		return err
	}
	m.recordAttempt(ctx, consultation.ID, source, "create", domain.TransitionOutcome{
		To:      consultation.Status,
		Applied: true,
	}, domain.AttemptApplied)
	m.emit(ctx, consultation, EventConsultationCreated, StatusChangedEvent{
		ConsultationID: consultation.ID,
		UserID:         consultation.UserID,
		To:             string(consultation.Status),
		Source:         string(source),
		Action:         "create",
		Ts:             consultation.CreatedAt.Format(time.RFC3339Nano),
	})
	return nil
}

// Apply выполняет мутацию под блокировкой консультации.
func (m *Machine) Apply(ctx context.Context, consultationID string, change Change) (domain.Consultation, domain.TransitionOutcome, error) {
	unlock := m.Lock(consultationID)
	defer unlock()
	return m.ApplyLocked(ctx, consultationID, change)
}

// ApplyLocked выполняет мутацию; вызывающий уже держит блокировку.
// Конфликт версий (запись из другого процесса) перечитывает консультацию и повторяет мутацию.
func (m *Machine) ApplyLocked(ctx context.Context, consultationID string, change Change) (domain.Consultation, domain.TransitionOutcome, error) {
	logger := m.logger.WithFields(log.Fields{
		"consultation_id": consultationID,
		"source":          change.Source,
		"action":          change.Action,
	})

	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		current, err := m.consultations.Get(ctx, consultationID)
		if err != nil {
			return domain.Consultation{}, domain.TransitionOutcome{}, err
		}

		next := current.Clone()
		outcome, err := change.Mutate(&next, m.now())
		if err != nil {
			m.recordAttempt(ctx, consultationID, change.Source, change.Action, outcomeOrNoop(outcome, current.Status), domain.AttemptRejected, err.Error())
			return current, outcomeOrNoop(outcome, current.Status), err
		}
		if !outcome.Applied {
			logger.WithFields(log.Fields{
				"status": current.Status,
				"reason": outcome.Reason,
			}).Debug("transition is a no-op")
			m.recordAttempt(ctx, consultationID, change.Source, change.Action, outcome, domain.AttemptNoop)
			return current, outcome, nil
		}

		if err := m.consultations.Save(ctx, next); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxSaveRetries-1 {
				logger.WithField("attempt", attempt+1).Warn("version conflict detected, retrying")
				if err := sleepCtx(ctx, baseRetryDelay*time.Duration(1<<uint(attempt))); err != nil {
					return current, domain.Noop(current.Status, err.Error()), err
				}
				continue
			}
			logger.WithError(err).Error("failed to persist consultation")
			m.recordAttempt(ctx, consultationID, change.Source, change.Action, outcome, domain.AttemptFailed, err.Error())
			return current, domain.Noop(current.Status, err.Error()), err
		}
		next.Version = current.Version + 1

		m.recordAttempt(ctx, consultationID, change.Source, change.Action, outcome, domain.AttemptApplied)
		if outcome.StatusChanged() {
			logger.WithFields(log.Fields{
				"from": outcome.From,
				"to":   outcome.To,
			}).Info("consultation status changed")
			m.emit(ctx, next, EventConsultationStatusChanged, StatusChangedEvent{
				ConsultationID: next.ID,
				UserID:         next.UserID,
				From:           string(outcome.From),
				To:             string(outcome.To),
				Source:         string(change.Source),
				Action:         change.Action,
				ResultRef:      next.ResultRef,
				Reason:         next.FailureReason,
				Ts:             next.StatusChangedAt.Format(time.RFC3339Nano),
			})
		}
		return next, outcome, nil
	}

	return domain.Consultation{}, domain.TransitionOutcome{}, domain.ErrConsultationVersionConflict
}

// TransitionTo: мутация, выполняющая только guarded-переход.
func TransitionTo(to domain.ConsultationStatus) Mutation {
	return func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
		return c.Transition(to, now), nil
	}
}

// TransitionFrom: guarded-переход, который применяется только из ожидаемого статуса.
func TransitionFrom(from, to domain.ConsultationStatus) Mutation {
	return func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
		if c.Status != from {
			return domain.Noop(c.Status, "expected "+string(from)+", got "+string(c.Status)), nil
		}
		return c.Transition(to, now), nil
	}
}

func (m *Machine) recordAttempt(
	ctx context.Context,
	consultationID string,
	source domain.SettlementSource,
	action string,
	outcome domain.TransitionOutcome,
	result domain.AttemptOutcome,
	reasons ...string,
) {
	reason := outcome.Reason
	if len(reasons) > 0 {
		reason = reasons[0]
	}

	m.metrics.RecordTransition(string(source), string(outcome.From), string(outcome.To), string(result))
	if m.attempts == nil {
		return
	}

	attempt := domain.SettlementAttempt{
		ConsultationID: consultationID,
		Source:         source,
		Requested:      action,
		From:           outcome.From,
		To:             outcome.To,
		Outcome:        result,
		Reason:         reason,
		OccurredAt:     m.now(),
	}
	if err := m.attempts.Append(ctx, attempt); err != nil {
		m.logger.WithError(err).WithField("consultation_id", consultationID).Warn("append settlement attempt failed")
	}
}

func (m *Machine) emit(ctx context.Context, consultation domain.Consultation, eventType string, payload StatusChangedEvent) {
	if m.outbox == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.WithError(err).WithFields(log.Fields{
			"consultation_id": consultation.ID,
			"event":           eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: AggregateConsultation,
		AggregateID:   consultation.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := m.outbox.Enqueue(ctx, msg); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{
			"consultation_id": consultation.ID,
			"event":           eventType,
		}).Error("enqueue event failed")
		return
	}
	m.metrics.RecordOutboxEvent()
}

func outcomeOrNoop(outcome domain.TransitionOutcome, status domain.ConsultationStatus) domain.TransitionOutcome {
	if outcome.From == "" {
		return domain.Noop(status, outcome.Reason)
	}
	return outcome
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
