// Package webhook принимает уведомления платёжного провайдера, отбрасывает
// повторные доставки по токену и передаёт исход платежа координатору.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
)

const (
	msgAccepted         = "accepted"
	msgUnlinked         = "accepted, pending manual reconciliation"
	msgInvalidSignature = "invalid signature"
	msgInvalidPayload   = "invalid payload"
	msgTokenRequired    = "token is required"
)

// OutcomeApplier применяет исход платежа к консультации.
type OutcomeApplier interface {
	ApplyPaymentOutcome(ctx context.Context, consultationID string, outcome domain.PaymentOutcome) (settlement.Result, error)
}

// Ingestor обрабатывает доставки провайдера. Каждый токен применяется не более одного раза:
// запись резервируется до применения, поэтому параллельные дубли видят уже занятый токен.
type Ingestor struct {
	events        domain.PaymentEventRepository
	consultations domain.ConsultationRepository
	applier       OutcomeApplier
	secret        string
	metrics       *metrics.SettlementMetrics
	logger        *log.Entry
	now           func() time.Time
}

// NewIngestor создаёт обработчик. Пустой secret отключает проверку подписи.
func NewIngestor(
	events domain.PaymentEventRepository,
	consultations domain.ConsultationRepository,
	applier OutcomeApplier,
	secret string,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
) *Ingestor {
	if logger == nil {
		logger = log.WithField("component", "webhook")
	}
	return &Ingestor{
		events:        events,
		consultations: consultations,
		applier:       applier,
		secret:        strings.TrimSpace(secret),
		metrics:       m,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// IngestRaw проверяет подпись, разбирает тело и обрабатывает событие.
// Ошибки обработки не превращаются в отказ провайдеру.
func (i *Ingestor) IngestRaw(ctx context.Context, body []byte, signature string) Ack {
	if i.secret != "" && !VerifySignature(i.secret, body, signature) {
		i.logger.Warn("webhook signature mismatch")
		i.metrics.RecordWebhookEvent(string(domain.PaymentOutcomeUnknown), "invalid_signature")
		return Ack{Success: false, Message: msgInvalidSignature}
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		i.logger.WithError(err).Warn("webhook payload rejected")
		i.metrics.RecordWebhookEvent(string(domain.PaymentOutcomeUnknown), "invalid_payload")
		return Ack{Success: false, Message: msgInvalidPayload}
	}
	return i.Ingest(ctx, payload, body)
}

// Ingest обрабатывает разобранное событие.
func (i *Ingestor) Ingest(ctx context.Context, payload Payload, raw []byte) Ack {
	started := time.Now()
	defer func() {
		i.metrics.RecordStepDuration("webhook", time.Since(started))
	}()

	token := strings.TrimSpace(payload.Token)
	if token == "" {
		i.metrics.RecordWebhookEvent(string(domain.PaymentOutcomeUnknown), "invalid_payload")
		return Ack{Success: false, Message: msgTokenRequired}
	}

	code := int(payload.StatusCode)
	event := domain.PaymentEvent{
		Token:              token,
		ProviderStatusCode: code,
		Outcome:            domain.MapProviderStatus(code),
		ConsultationID:     payload.ConsultationID(),
		Payload:            raw,
		ReceivedAt:         i.now(),
	}
	logger := i.logger.WithFields(log.Fields{
		"token":       token,
		"status_code": code,
		"outcome":     event.Outcome,
	})

	reserved, err := i.events.Reserve(ctx, event)
	switch {
	case errors.Is(err, domain.ErrPaymentEventExists):
		logger.WithField("state", reserved.State).Debug("duplicate webhook delivery")
		i.metrics.RecordWebhookEvent(string(reserved.Outcome), "duplicate")
		return storedAck(reserved)
	case err != nil:
		// Токен не сохранён: reconcile-воркер сверит платёж через Verify.
		logger.WithError(err).Error("reserve payment event failed")
		i.metrics.RecordWebhookEvent(string(event.Outcome), "error")
		return Ack{Success: true, Message: msgAccepted}
	}

	processed := i.process(ctx, reserved, logger)
	return Ack{Success: processed.AckSuccess, Message: processed.AckMessage}
}

// IngestVerification прогоняет результат pull-проверки через тот же путь, что и webhook.
// Ключ события включает код статуса: смена статуса у провайдера даёт новое событие.
func (i *Ingestor) IngestVerification(ctx context.Context, consultationID string, result domain.VerificationResult) Ack {
	payload := Payload{
		Token:      "verify:" + result.Token + ":" + strconv.Itoa(result.StatusCode),
		StatusCode: StatusCode(result.StatusCode),
		Metadata:   map[string]interface{}{"consultation_id": consultationID, "payment_ref": result.Token},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return i.Ingest(ctx, payload, raw)
}

// Reprocess повторяет обработку зависшего или упавшего события.
func (i *Ingestor) Reprocess(ctx context.Context, token string) (domain.PaymentEvent, error) {
	event, err := i.events.Get(ctx, token)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	if event.State == domain.PaymentEventProcessed {
		return event, nil
	}

	logger := i.logger.WithFields(log.Fields{
		"token":   event.Token,
		"outcome": event.Outcome,
		"state":   event.State,
	})
	logger.Info("reprocessing payment event")
	return i.process(ctx, event, logger), nil
}

// Relink привязывает событие из ручной сверки к консультации и применяет его.
func (i *Ingestor) Relink(ctx context.Context, token, consultationID string) (domain.PaymentEvent, error) {
	consultationID = strings.TrimSpace(consultationID)
	if consultationID == "" {
		return domain.PaymentEvent{}, domain.ErrConsultationIDRequired
	}

	event, err := i.events.Get(ctx, token)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	if !event.Unlinked {
		return event, domain.ErrPaymentEventLinked
	}
	if _, err := i.consultations.Get(ctx, consultationID); err != nil {
		return event, err
	}

	event.ConsultationID = consultationID
	event.Unlinked = false
	event.NeedsReview = false
	event.Outcome = domain.MapProviderStatus(event.ProviderStatusCode)

	logger := i.logger.WithFields(log.Fields{
		"token":           event.Token,
		"consultation_id": consultationID,
	})
	logger.Info("relinking payment event")
	return i.process(ctx, event, logger), nil
}

// ListUnlinked возвращает события, ожидающие ручной сверки.
func (i *Ingestor) ListUnlinked(ctx context.Context, limit int) ([]domain.PaymentEvent, error) {
	return i.events.ListUnlinked(ctx, limit)
}

func (i *Ingestor) process(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) domain.PaymentEvent {
	consultation, err := i.resolve(ctx, event)
	switch {
	case errors.Is(err, domain.ErrConsultationNotFound):
		event.Unlinked = true
		event.NeedsReview = true
		event.Outcome = domain.PaymentOutcomeUnknown
		event.AckSuccess = true
		event.AckMessage = msgUnlinked
		logger.Warn("payment event not linked to consultation, stored for reconciliation")
		i.metrics.RecordWebhookEvent(string(event.Outcome), "unlinked")
		return i.finalize(ctx, event, domain.PaymentEventProcessed, logger)
	case err != nil:
		return i.failed(ctx, event, err, logger)
	}

	event.ConsultationID = consultation.ID
	event.AckSuccess = true
	event.AckMessage = msgAccepted
	logger = logger.WithField("consultation_id", consultation.ID)

	if event.Outcome != domain.PaymentOutcomeSuccess {
		if event.Outcome == domain.PaymentOutcomeUnknown {
			logger.Warn("unknown provider status, event recorded without applying")
		} else {
			logger.Info("payment outcome recorded without applying")
		}
		i.metrics.RecordWebhookEvent(string(event.Outcome), "recorded")
		return i.finalize(ctx, event, domain.PaymentEventProcessed, logger)
	}

	result, err := i.applier.ApplyPaymentOutcome(ctx, consultation.ID, event.Outcome)
	if err != nil {
		return i.failed(ctx, event, err, logger)
	}

	event.Applied = result.Outcome.StatusChanged()
	if !event.Applied && result.Consultation.Status == domain.ConsultationStatusCancelled {
		// Оплата пришла после отмены: деньги нужно вернуть вручную.
		event.NeedsReview = true
		logger.Warn("payment succeeded for cancelled consultation")
	}
	if event.Applied {
		i.metrics.RecordWebhookEvent(string(event.Outcome), "applied")
	} else {
		i.metrics.RecordWebhookEvent(string(event.Outcome), "noop")
	}
	return i.finalize(ctx, event, domain.PaymentEventProcessed, logger)
}

func (i *Ingestor) resolve(ctx context.Context, event domain.PaymentEvent) (domain.Consultation, error) {
	if event.ConsultationID != "" {
		consultation, err := i.consultations.Get(ctx, event.ConsultationID)
		if err == nil || !errors.Is(err, domain.ErrConsultationNotFound) {
			return consultation, err
		}
	}
	ref := event.Token
	if strings.HasPrefix(ref, "verify:") {
		ref = verificationRef(ref)
	}
	return i.consultations.FindByPaymentRef(ctx, ref)
}

func (i *Ingestor) failed(ctx context.Context, event domain.PaymentEvent, cause error, logger *log.Entry) domain.PaymentEvent {
	event.NeedsReview = true
	event.AckSuccess = true
	event.AckMessage = msgAccepted
	logger.WithError(cause).Warn("payment event processing failed")
	i.metrics.RecordWebhookEvent(string(event.Outcome), "error")
	return i.finalize(ctx, event, domain.PaymentEventFailed, logger)
}

func (i *Ingestor) finalize(ctx context.Context, event domain.PaymentEvent, state domain.PaymentEventState, logger *log.Entry) domain.PaymentEvent {
	event.State = state
	event.ProcessedAt = i.now()
	if err := i.events.Finalize(ctx, event); err != nil {
		logger.WithError(err).Error("finalize payment event failed")
	}
	return event
}

// storedAck повторяет ответ первой доставки. Пока первая доставка не
// завершена, ответ тот же, что при приёме.
func storedAck(event domain.PaymentEvent) Ack {
	if event.State != domain.PaymentEventProcessed {
		return Ack{Success: true, Message: msgAccepted}
	}
	return Ack{Success: event.AckSuccess, Message: event.AckMessage}
}

// verificationRef извлекает ссылку платежа из ключа verify:<ref>:<code>.
func verificationRef(key string) string {
	rest := strings.TrimPrefix(key, "verify:")
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
