package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

const (
	// IdempotencyKeyHeader: заголовок ключа идемпотентности клиентских запросов.
	IdempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
)

// idempotentReply: ответ операции и консультация, к которой он относится.
type idempotentReply struct {
	code           int
	body           interface{}
	consultationID string
}

// withIdempotency выполняет run не более одного раза на ключ внутри scope.
// Повтор с тем же телом получает сохранённый ответ; с другим телом: 422;
// пока первый запрос выполняется: 409. Без ключа запрос выполняется как обычно.
func (h *Handler) withIdempotency(
	w http.ResponseWriter,
	r *http.Request,
	scope domain.IdempotencyScope,
	body []byte,
	run func() (idempotentReply, error),
) {
	scope.Key = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if h.idempotency == nil || scope.Key == "" {
		reply, err := run()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, reply.code, reply.body)
		return
	}

	logger := h.logger.WithFields(log.Fields{
		"idempotency_key": scope.Key,
		"operation":       scope.Operation,
		"subject":         scope.Subject,
	})
	record, err := h.idempotency.CreateProcessing(r.Context(), scope, requestHash(r, body), time.Now().UTC().Add(idempotencyTTL))
	if err != nil {
		h.replayIdempotency(w, r, err, record)
		return
	}

	reply, runErr := run()
	if runErr != nil {
		code, message := mapError(runErr)
		payload, _ := json.Marshal(errorResponse{Error: message})
		result := domain.IdempotencyResult{ConsultationID: reply.consultationID, Body: payload, Code: code}
		if err := h.idempotency.MarkFailed(r.Context(), scope, result); err != nil {
			logger.WithError(err).Warn("failed to store idempotency failure response")
		}
		h.writeError(w, r, runErr)
		return
	}

	payload, err := json.Marshal(reply.body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result := domain.IdempotencyResult{ConsultationID: reply.consultationID, Body: payload, Code: reply.code}
	if err := h.idempotency.MarkDone(r.Context(), scope, result); err != nil {
		logger.WithError(err).Warn("failed to store idempotent success response")
	}
	writeRaw(w, reply.code, payload)
}

func (h *Handler) replayIdempotency(w http.ResponseWriter, r *http.Request, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		h.writeError(w, r, createErr)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Finished():
			if record.ResponseCode == 0 || len(record.ResponseBody) == 0 {
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "idempotency cache is empty"})
				return
			}
			writeRaw(w, record.ResponseCode, record.ResponseBody)
		case record.Status == domain.IdempotencyStatusProcessing:
			writeJSON(w, http.StatusConflict, errorResponse{Error: "request with the same idempotency key is already processing"})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unknown idempotency record status"})
		}
	default:
		h.writeError(w, r, createErr)
	}
}

func requestHash(r *http.Request, body []byte) string {
	payload := make([]byte, 0, len(r.Method)+len(r.URL.Path)+len(body)+2)
	payload = append(payload, r.Method...)
	payload = append(payload, ' ')
	payload = append(payload, r.URL.Path...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
