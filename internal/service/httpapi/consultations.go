package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
)

// CreateConsultation создаёт консультацию. Поддерживает заголовок Idempotency-Key.
func (h *Handler) CreateConsultation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req createConsultationRequest
	if err := h.decode(body, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	scope := domain.IdempotencyScope{Operation: domain.IdempotencyOpCreateConsultation, Subject: req.UserID}
	h.withIdempotency(w, r, scope, body, func() (idempotentReply, error) {
		consultation, err := h.consultations.Create(r.Context(), settlement.CreateRequest{
			ID:                req.ID,
			UserID:            req.UserID,
			ServiceChoiceID:   req.ServiceChoiceID,
			RequiredOfferings: req.RequiredOfferings,
		})
		if err != nil {
			return idempotentReply{consultationID: req.ID}, err
		}
		return idempotentReply{
			code:           http.StatusCreated,
			body:           toConsultationResponse(consultation),
			consultationID: consultation.ID,
		}, nil
	})
}

// GetConsultation возвращает консультацию целиком.
func (h *Handler) GetConsultation(w http.ResponseWriter, r *http.Request) {
	consultation, err := h.consultations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsultationResponse(consultation))
}

// GetStatus отдаёт статус и предикат готовности анализа.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.status.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListUserConsultations возвращает консультации пользователя.
func (h *Handler) ListUserConsultations(w http.ResponseWriter, r *http.Request) {
	list, err := h.consultations.ListByUser(r.Context(), chi.URLParam(r, "userID"), parseLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]consultationResponse, 0, len(list))
	for _, c := range list {
		resp = append(resp, toConsultationResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SettleWithOfferings оплачивает консультацию ресурсами из кошелька. С
// Idempotency-Key повтор получает ответ первого вызова, включая исход списания.
func (h *Handler) SettleWithOfferings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	scope := domain.IdempotencyScope{Operation: domain.IdempotencyOpSettleWithOfferings, Subject: id}
	h.withIdempotency(w, r, scope, nil, func() (idempotentReply, error) {
		result, err := h.consultations.SettleWithOfferings(r.Context(), id)
		if err != nil {
			return idempotentReply{consultationID: id}, err
		}
		return idempotentReply{code: http.StatusOK, body: toResultResponse(result), consultationID: id}, nil
	})
}

// SelectExternalPayment инициирует внешний платёж и отдаёт ссылку для редиректа.
func (h *Handler) SelectExternalPayment(w http.ResponseWriter, r *http.Request) {
	result, err := h.consultations.SelectExternalPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(result))
}

// Cancel отменяет консультацию до расчёта.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.consultations.Cancel)
}

// Refund возвращает оплату консультации в ERROR.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.consultations.Refund)
}

// RetryAnalysis повторяет генерацию после исчерпания попыток.
func (h *Handler) RetryAnalysis(w http.ResponseWriter, r *http.Request) {
	consultation, err := h.analysis.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toConsultationResponse(consultation))
}

func (h *Handler) withReason(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, consultationID, reason string) (settlement.Result, error),
) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := h.decode(body, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := action(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(result))
}
