// Package status отдаёт клиенту авторитетное представление статуса консультации.
package status

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// DefaultPollAfter: рекомендуемый интервал опроса, пока статус не терминальный.
const DefaultPollAfter = 5 * time.Second

// ErrPollTimeout: статус не стал терминальным за отведённое время; клиенту стоит зайти позже.
var ErrPollTimeout = errors.New("status not final yet, check back later")

// View: ответ на запрос статуса.
type View struct {
	ConsultationID   string                    `json:"consultation_id"`
	Status           domain.ConsultationStatus `json:"status"`
	IsAnalysisReady  bool                      `json:"is_analysis_ready"`
	IsTerminal       bool                      `json:"is_terminal"`
	ResultRef        string                    `json:"result_ref,omitempty"`
	AnalysisNotified bool                      `json:"analysis_notified"`
	Retryable        bool                      `json:"retryable"`
	RedirectURL      string                    `json:"redirect_url,omitempty"`
	PollAfterSeconds int                       `json:"poll_after_seconds"`
}

// Reader читает консультацию.
type Reader interface {
	Get(ctx context.Context, consultationID string) (domain.Consultation, error)
}

// Service: чистое чтение без побочных эффектов.
type Service struct {
	reader    Reader
	pollAfter time.Duration
}

// NewService создаёт сервис статусов.
func NewService(reader Reader) *Service {
	return &Service{reader: reader, pollAfter: DefaultPollAfter}
}

// Get возвращает статус и предикаты готовности.
func (s *Service) Get(ctx context.Context, consultationID string) (View, error) {
	consultationID = strings.TrimSpace(consultationID)
	if consultationID == "" {
		return View{}, domain.ErrConsultationIDRequired
	}
	consultation, err := s.reader.Get(ctx, consultationID)
	if err != nil {
		return View{}, err
	}
	return BuildView(consultation, s.pollAfter), nil
}

// BuildView строит представление. Ссылка на результат отдаётся только для готового анализа.
func BuildView(c domain.Consultation, pollAfter time.Duration) View {
	view := View{
		ConsultationID:   c.ID,
		Status:           c.Status,
		IsAnalysisReady:  c.IsAnalysisReady(),
		IsTerminal:       c.Status.IsTerminal(),
		AnalysisNotified: c.AnalysisNotified,
		Retryable:        c.Status == domain.ConsultationStatusError && c.Retryable,
	}
	if view.IsAnalysisReady {
		view.ResultRef = c.ResultRef
	}
	if c.Status == domain.ConsultationStatusAwaitingPayment {
		view.RedirectURL = c.RedirectURL
	}
	if !view.IsTerminal {
		view.PollAfterSeconds = int(pollAfter / time.Second)
	}
	return view
}
