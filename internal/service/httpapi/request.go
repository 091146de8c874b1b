package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

var errBadRequest = errors.New("bad request")

type createConsultationRequest struct {
	ID                string                `json:"id" validate:"omitempty,max=64"`
	UserID            string                `json:"user_id" validate:"required,max=64"`
	ServiceChoiceID   string                `json:"service_choice_id" validate:"required,max=128"`
	RequiredOfferings []domain.OfferingLine `json:"required_offerings" validate:"required,min=1,dive"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type creditRequest struct {
	OfferingID string `json:"offering_id" validate:"required,max=128"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
}

type relinkRequest struct {
	ConsultationID string `json:"consultation_id" validate:"required"`
}

type consultationResponse struct {
	ID                string                    `json:"id"`
	UserID            string                    `json:"user_id"`
	ServiceChoiceID   string                    `json:"service_choice_id"`
	Status            domain.ConsultationStatus `json:"status"`
	PaymentPath       domain.PaymentPath        `json:"payment_path,omitempty"`
	PaymentRef        string                    `json:"payment_ref,omitempty"`
	RedirectURL       string                    `json:"redirect_url,omitempty"`
	RequiredOfferings []domain.OfferingLine     `json:"required_offerings"`
	IsAnalysisReady   bool                      `json:"is_analysis_ready"`
	ResultRef         string                    `json:"result_ref,omitempty"`
	AnalysisNotified  bool                      `json:"analysis_notified"`
	Retryable         bool                      `json:"retryable"`
	FailureReason     string                    `json:"failure_reason,omitempty"`
	Version           int64                     `json:"version"`
	CreatedAt         time.Time                 `json:"created_at"`
	StatusChangedAt   time.Time                 `json:"status_changed_at"`
}

type resultResponse struct {
	Consultation consultationResponse `json:"consultation"`
	Applied      bool                 `json:"applied"`
	Reason       string               `json:"reason,omitempty"`
	Consume      domain.ConsumeResult `json:"consume,omitempty"`
}

type paymentEventResponse struct {
	Token              string                `json:"token"`
	ProviderStatusCode int                   `json:"provider_status_code"`
	Outcome            domain.PaymentOutcome `json:"outcome"`
	ConsultationID     string                `json:"consultation_id,omitempty"`
	Unlinked           bool                  `json:"unlinked"`
	NeedsReview        bool                  `json:"needs_review"`
	Applied            bool                  `json:"applied"`
	ReceivedAt         time.Time             `json:"received_at"`
}

type stockResponse struct {
	UserID     string    `json:"user_id"`
	OfferingID string    `json:"offering_id"`
	Available  int64     `json:"available"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toConsultationResponse(c domain.Consultation) consultationResponse {
	resp := consultationResponse{
		ID:                c.ID,
		UserID:            c.UserID,
		ServiceChoiceID:   c.ServiceChoiceID,
		Status:            c.Status,
		PaymentPath:       c.PaymentPath,
		PaymentRef:        c.PaymentRef,
		RequiredOfferings: c.RequiredOfferings,
		IsAnalysisReady:   c.IsAnalysisReady(),
		AnalysisNotified:  c.AnalysisNotified,
		Retryable:         c.Retryable,
		FailureReason:     c.FailureReason,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		StatusChangedAt:   c.StatusChangedAt,
	}
	if resp.IsAnalysisReady {
		resp.ResultRef = c.ResultRef
	}
	if c.Status == domain.ConsultationStatusAwaitingPayment {
		resp.RedirectURL = c.RedirectURL
	}
	return resp
}

func toResultResponse(result settlement.Result) resultResponse {
	return resultResponse{
		Consultation: toConsultationResponse(result.Consultation),
		Applied:      result.Outcome.Applied,
		Reason:       result.Outcome.Reason,
		Consume:      result.Consume,
	}
}

func toPaymentEventResponse(event domain.PaymentEvent) paymentEventResponse {
	return paymentEventResponse{
		Token:              event.Token,
		ProviderStatusCode: event.ProviderStatusCode,
		Outcome:            event.Outcome,
		ConsultationID:     event.ConsultationID,
		Unlinked:           event.Unlinked,
		NeedsReview:        event.NeedsReview,
		Applied:            event.Applied,
		ReceivedAt:         event.ReceivedAt,
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body", errBadRequest)
	}
	return body, nil
}

// decode разбирает тело и валидирует структуру. Пустое тело допустимо,
// если allowEmpty: тогда проверяются только теги валидации нулевого значения.
func (h *Handler) decode(body []byte, dst interface{}, allowEmpty bool) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		if !allowEmpty {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
	} else if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid json", errBadRequest)
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed on %s", errBadRequest, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
