// Package grpcsvc реализует gRPC-транспорт консультаций. Сообщения передаются как
// google.protobuf.Struct, сервис описан вручную через grpc.ServiceDesc.
package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	statussvc "github.com/vladislavdragonenkov/settlement/internal/service/status"
)

const defaultListLimit = 100

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
	Get(ctx context.Context, consultationID string) (statussvc.View, error)
}

// ConsultationService реализует ConsultationServer.
type ConsultationService struct {
	consultations Consultations
	analysis      AnalysisRetrier
	status        StatusReader
	idemRepo      domain.IdempotencyRepository
	validate      *validator.Validate
	logger        *log.Entry
}

// NewConsultationService конструирует сервис с зависимостями. idemRepo может быть nil.
func NewConsultationService(
	consultations Consultations,
	analysis AnalysisRetrier,
	status StatusReader,
	idemRepo domain.IdempotencyRepository,
	logger *log.Entry,
) *ConsultationService {
	if logger == nil {
		logger = log.WithField("component", "grpc-consultations")
	}
	return &ConsultationService{
		consultations: consultations,
		analysis:      analysis,
		status:        status,
		idemRepo:      idemRepo,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger,
	}
}

type createRequest struct {
	ID                string                `json:"id" validate:"omitempty,max=64"`
	UserID            string                `json:"user_id" validate:"required,max=64"`
	ServiceChoiceID   string                `json:"service_choice_id" validate:"required,max=128"`
	RequiredOfferings []domain.OfferingLine `json:"required_offerings" validate:"required,min=1,dive"`
}

type consultationRequest struct {
	ConsultationID string `json:"consultation_id" validate:"required"`
	Reason         string `json:"reason" validate:"max=512"`
}

type listRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	PageSize int    `json:"page_size" validate:"gte=0"`
}

// CreateConsultation создаёт консультацию; требует metadata idempotency-key.
func (s *ConsultationService) CreateConsultation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in createRequest
	if err := s.decode(req, &in); err != nil {
		return nil, err
	}
	scope := domain.IdempotencyScope{Operation: domain.IdempotencyOpCreateConsultation, Subject: in.UserID}
	return s.withIdempotency(ctx, methodCreateConsultation, scope, req, func(ctx context.Context) (*structpb.Struct, error) {
		consultation, err := s.consultations.Create(ctx, settlement.CreateRequest{
			ID:                in.ID,
			UserID:            in.UserID,
			ServiceChoiceID:   in.ServiceChoiceID,
			RequiredOfferings: in.RequiredOfferings,
		})
		if err != nil {
			return nil, s.toStatus(err, "CreateConsultation")
		}
		return structpb.NewStruct(consultationFields(consultation))
	})
}

// GetConsultation возвращает консультацию.
func (s *ConsultationService) GetConsultation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in consultationRequest
	if err := s.decode(req, &in); err != nil {
		return nil, err
	}
	consultation, err := s.consultations.Get(ctx, in.ConsultationID)
	if err != nil {
		return nil, s.toStatus(err, "GetConsultation")
	}
	return structpb.NewStruct(consultationFields(consultation))
}

// GetStatus отдаёт статус и предикат готовности анализа.
func (s *ConsultationService) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in consultationRequest
	if err := s.decode(req, &in); err != nil {
		return nil, err
	}
	view, err := s.status.Get(ctx, in.ConsultationID)
	if err != nil {
		return nil, s.toStatus(err, "GetStatus")
	}
	return toStruct(view)
}

// ListConsultations возвращает консультации пользователя.
func (s *ConsultationService) ListConsultations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in listRequest
	if err := s.decode(req, &in); err != nil {
		return nil, err
	}
	limit := in.PageSize
	if limit <= 0 {
		limit = defaultListLimit
	}

	list, err := s.consultations.ListByUser(ctx, in.UserID, limit)
	if err != nil {
		return nil, s.toStatus(err, "ListConsultations")
	}
	items := make([]interface{}, 0, len(list))
	for _, c := range list {
		items = append(items, consultationFields(c))
	}
	return structpb.NewStruct(map[string]interface{}{"consultations": items})
}

// SettleWithOfferings оплачивает консультацию ресурсами из кошелька.
func (s *ConsultationService) SettleWithOfferings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.runResult(ctx, req, "SettleWithOfferings", func(ctx context.Context, in consultationRequest) (settlement.Result, error) {
		return s.consultations.SettleWithOfferings(ctx, in.ConsultationID)
	})
}

// SelectExternalPayment инициирует внешний платёж.
func (s *ConsultationService) SelectExternalPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.runResult(ctx, req, "SelectExternalPayment", func(ctx context.Context, in consultationRequest) (settlement.Result, error) {
		return s.consultations.SelectExternalPayment(ctx, in.ConsultationID)
	})
}

// CancelConsultation отменяет консультацию до расчёта.
func (s *ConsultationService) CancelConsultation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.runResult(ctx, req, "CancelConsultation", func(ctx context.Context, in consultationRequest) (settlement.Result, error) {
		return s.consultations.Cancel(ctx, in.ConsultationID, in.Reason)
	})
}

// RefundConsultation возвращает оплату консультации в ERROR.
func (s *ConsultationService) RefundConsultation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.runResult(ctx, req, "RefundConsultation", func(ctx context.Context, in consultationRequest) (settlement.Result, error) {
		return s.consultations.Refund(ctx, in.ConsultationID, in.Reason)
	})
}

// RetryAnalysis повторяет генерацию после исчерпания попыток.
func (s *ConsultationService) RetryAnalysis(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in consultationRequest
	if err := s.decode(req, &in); err != nil {
		return nil, err
	}
	consultation, err := s.analysis.Retry(ctx, in.ConsultationID)
	if err != nil {
		return nil, s.toStatus(err, "RetryAnalysis")
	}
	return structpb.NewStruct(consultationFields(consultation))
}

func (s *ConsultationService) runResult(
	ctx context.Context,
	req *structpb.Struct,
	operation string,
	run func(context.Context, consultationRequest) (settlement.Result, error),
) (*structpb.Struct, error) {
	var in consultationRequest
	if err := s.decode(req, &in); err != nil {
		return nil, err
	}
	result, err := run(ctx, in)
	if err != nil {
		return nil, s.toStatus(err, operation)
	}
	fields := map[string]interface{}{
		"consultation": consultationFields(result.Consultation),
		"applied":      result.Outcome.Applied,
	}
	if result.Outcome.Reason != "" {
		fields["reason"] = result.Outcome.Reason
	}
	if result.Consume != "" {
		fields["consume"] = string(result.Consume)
	}
	return structpb.NewStruct(fields)
}

// decode переводит Struct в DTO и валидирует его.
func (s *ConsultationService) decode(req *structpb.Struct, dst interface{}) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	data, err := protojson.Marshal(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request fields")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return status.Error(codes.InvalidArgument, fmt.Sprintf("field %s failed on %s", verrs[0].Namespace(), verrs[0].Tag()))
		}
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func (s *ConsultationService) toStatus(err error, operation string) error {
	code := codeFor(err)
	if code == codes.Internal {
		s.logger.WithError(err).WithField("operation", operation).Error("request failed")
		return status.Error(codes.Internal, "internal error")
	}
	s.logger.WithError(err).WithField("operation", operation).Debug("request rejected")
	return status.Error(code, rootMessage(err))
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrConsultationNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrUserRequired),
		errors.Is(err, domain.ErrServiceChoiceRequired),
		errors.Is(err, domain.ErrConsultationIDRequired),
		errors.Is(err, domain.ErrOfferingLinesRequired),
		errors.Is(err, domain.ErrOfferingIDRequired),
		errors.Is(err, domain.ErrOfferingQtyInvalid):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrConsultationExists):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrCancelNotAllowed),
		errors.Is(err, domain.ErrRefundNotAllowed),
		errors.Is(err, domain.ErrRetryNotAllowed),
		errors.Is(err, domain.ErrPaymentPathConflict):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrConsultationVersionConflict):
		return codes.Aborted
	case errors.Is(err, domain.ErrPaymentTemporary):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func consultationFields(c domain.Consultation) map[string]interface{} {
	lines := make([]interface{}, 0, len(c.RequiredOfferings))
	for _, line := range c.RequiredOfferings {
		lines = append(lines, map[string]interface{}{
			"offering_id": line.OfferingID,
			"quantity":    line.Quantity,
		})
	}

	fields := map[string]interface{}{
		"id":                 c.ID,
		"user_id":            c.UserID,
		"service_choice_id":  c.ServiceChoiceID,
		"status":             string(c.Status),
		"payment_path":       string(c.PaymentPath),
		"required_offerings": lines,
		"is_analysis_ready":  c.IsAnalysisReady(),
		"analysis_notified":  c.AnalysisNotified,
		"retryable":          c.Retryable,
		"version":            c.Version,
		"created_at":         c.CreatedAt.Format(time.RFC3339Nano),
		"status_changed_at":  c.StatusChangedAt.Format(time.RFC3339Nano),
	}
	if c.IsAnalysisReady() {
		fields["result_ref"] = c.ResultRef
	}
	if c.Status == domain.ConsultationStatusAwaitingPayment {
		fields["redirect_url"] = c.RedirectURL
		fields["payment_ref"] = c.PaymentRef
	}
	if strings.TrimSpace(c.FailureReason) != "" {
		fields["failure_reason"] = c.FailureReason
	}
	return fields
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
