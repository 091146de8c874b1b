// Package httpapi реализует HTTP-транспорт сервиса: клиентский API консультаций,
// webhook провайдера и ручная сверка платёжных событий.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	"github.com/vladislavdragonenkov/settlement/internal/service/status"
	"github.com/vladislavdragonenkov/settlement/internal/service/webhook"
)

// Consultations: операции координатора расчётов.
type Consultations interface {
	Create(ctx context.Context, req settlement.CreateRequest) (domain.Consultation, error)
	Get(ctx context.Context, consultationID string) (domain.Consultation, error)
	SettleWithOfferings(ctx context.Context, consultationID string) (settlement.Result, error)
	SelectExternalPayment(ctx context.Context, consultationID string) (settlement.Result, error)
	Cancel(ctx context.Context, consultationID, reason string) (settlement.Result, error)
	Refund(ctx context.Context, consultationID, reason string) (settlement.Result, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Consultation, error)
}

// AnalysisRetrier: ручной повтор генерации анализа.
type AnalysisRetrier interface {
	Retry(ctx context.Context, consultationID string) (domain.Consultation, error)
}

// StatusReader отдаёт представление статуса.
type StatusReader interface {
	Get(ctx context.Context, consultationID string) (status.View, error)
}

// PaymentEvents: приём webhook и ручная сверка событий провайдера.
type PaymentEvents interface {
	IngestRaw(ctx context.Context, body []byte, signature string) webhook.Ack
	ListUnlinked(ctx context.Context, limit int) ([]domain.PaymentEvent, error)
	Relink(ctx context.Context, token, consultationID string) (domain.PaymentEvent, error)
}

// Deps: зависимости обработчиков. Idempotency может быть nil.
type Deps struct {
	Consultations Consultations
	Analysis      AnalysisRetrier
	Status        StatusReader
	PaymentEvents PaymentEvents
	Ledger        domain.OfferingLedger
	Idempotency   domain.IdempotencyRepository
	Logger        *log.Entry
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	consultations Consultations
	analysis      AnalysisRetrier
	status        StatusReader
	events        PaymentEvents
	ledger        domain.OfferingLedger
	idempotency   domain.IdempotencyRepository
	validate      *validator.Validate
	logger        *log.Entry
}

// NewHandler создаёт обработчики.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}
	return &Handler{
		consultations: deps.Consultations,
		analysis:      deps.Analysis,
		status:        deps.Status,
		events:        deps.PaymentEvents,
		ledger:        deps.Ledger,
		idempotency:   deps.Idempotency,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := mapError(err)
	if code >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	writeJSON(w, code, errorResponse{Error: message})
}

// mapError переводит доменную ошибку в HTTP-код. Внутренние детали наружу не отдаются.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrConsultationNotFound),
		errors.Is(err, domain.ErrPaymentEventNotFound):
		return http.StatusNotFound, rootMessage(err)
	case errors.Is(err, domain.ErrUserRequired),
		errors.Is(err, domain.ErrServiceChoiceRequired),
		errors.Is(err, domain.ErrConsultationIDRequired),
		errors.Is(err, domain.ErrOfferingLinesRequired),
		errors.Is(err, domain.ErrOfferingIDRequired),
		errors.Is(err, domain.ErrOfferingQtyInvalid),
		errors.Is(err, domain.ErrPaymentTokenRequired):
		return http.StatusBadRequest, rootMessage(err)
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrConsultationExists),
		errors.Is(err, domain.ErrCancelNotAllowed),
		errors.Is(err, domain.ErrRefundNotAllowed),
		errors.Is(err, domain.ErrRetryNotAllowed),
		errors.Is(err, domain.ErrPaymentPathConflict),
		errors.Is(err, domain.ErrPaymentEventLinked),
		errors.Is(err, domain.ErrConsultationVersionConflict):
		return http.StatusConflict, rootMessage(err)
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return http.StatusUnprocessableEntity, "idempotency key is already used with different request payload"
	case errors.Is(err, domain.ErrPaymentTemporary):
		return http.StatusServiceUnavailable, "payment provider is temporarily unavailable"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// rootMessage отдаёт текст sentinel-ошибки без обёрток.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
