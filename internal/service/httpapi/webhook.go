package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/settlement/internal/service/webhook"
)

// SignatureHeader: заголовок HMAC-подписи тела webhook.
const SignatureHeader = "X-Signature"

// PaymentWebhook принимает событие провайдера. Ответ всегда 200: ошибки
// передаются в теле, чтобы провайдер не уходил в шторм повторов.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusOK, webhook.Ack{Success: false, Message: "invalid payload"})
		return
	}
	ack := h.events.IngestRaw(r.Context(), body, r.Header.Get(SignatureHeader))
	writeJSON(w, http.StatusOK, ack)
}

// ListUnlinkedEvents отдаёт события, ожидающие ручной сверки.
func (h *Handler) ListUnlinkedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListUnlinked(r.Context(), parseLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]paymentEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, toPaymentEventResponse(event))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RelinkEvent привязывает несвязанное событие к консультации и применяет его.
func (h *Handler) RelinkEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req relinkRequest
	if err := h.decode(body, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	event, err := h.events.Relink(r.Context(), chi.URLParam(r, "token"), req.ConsultationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentEventResponse(event))
}
