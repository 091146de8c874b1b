package domain

import (
	"strings"
	"time"
)

// IdempotencyOperation: клиентская операция, повтор которой защищён ключом.
type IdempotencyOperation string

const (
	// IdempotencyOpCreateConsultation: создание консультации, субъект: пользователь.
	IdempotencyOpCreateConsultation IdempotencyOperation = "create_consultation"
	// IdempotencyOpSettleWithOfferings: оплата ресурсами, субъект: консультация.
	IdempotencyOpSettleWithOfferings IdempotencyOperation = "settle_with_offerings"
)

// Valid сообщает, что операция известна сервису.
func (o IdempotencyOperation) Valid() bool {
	return o == IdempotencyOpCreateConsultation || o == IdempotencyOpSettleWithOfferings
}

// IdempotencyStatus: стадия обработки запроса под ключом.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// Valid проверяет, что статус хранится в поддерживаемом виде.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyScope: ключ клиента действует только внутри пары операция+субъект,
// поэтому один и тот же Idempotency-Key для двух консультаций не пересекается.
type IdempotencyScope struct {
	Operation IdempotencyOperation
	Subject   string
	Key       string
}

// StorageKey собирает ключ хранения вида operation:subject:key.
func (s IdempotencyScope) StorageKey() (string, error) {
	key := strings.TrimSpace(s.Key)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	if !s.Operation.Valid() {
		return "", ErrIdempotencyOperationUnknown
	}
	return string(s.Operation) + ":" + strings.TrimSpace(s.Subject) + ":" + key, nil
}

// IdempotencyResult: ответ операции, который отдаётся повторным запросам.
// Code хранит HTTP-статус или gRPC-код в зависимости от транспорта.
type IdempotencyResult struct {
	ConsultationID string
	Body           []byte
	Code           int
}

// IdempotencyRecord: состояние запроса под ключом.
type IdempotencyRecord struct {
	Key            string
	Operation      IdempotencyOperation
	Subject        string
	RequestHash    string
	ConsultationID string
	ResponseBody   []byte
	ResponseCode   int
	Status         IdempotencyStatus
	TTLAt          time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewIdempotencyRecord открывает запись в статусе processing.
func NewIdempotencyRecord(scope IdempotencyScope, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	storageKey, err := scope.StorageKey()
	if err != nil {
		return IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         storageKey,
		Operation:   scope.Operation,
		Subject:     strings.TrimSpace(scope.Subject),
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DefaultIdempotencyTTL применяется, если вызывающий не задал срок жизни ключа.
const DefaultIdempotencyTTL = 24 * time.Hour

// Matches сравнивает хэш повторного запроса с исходным.
func (r IdempotencyRecord) Matches(requestHash string) bool {
	return r.RequestHash == strings.TrimSpace(requestHash)
}

// Finished: ответ сохранён, повтор получает его без повторного выполнения.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Expired: запись можно удалить очисткой.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Finish фиксирует итог операции.
func (r *IdempotencyRecord) Finish(status IdempotencyStatus, result IdempotencyResult, now time.Time) {
	r.Status = status
	r.ConsultationID = result.ConsultationID
	r.ResponseBody = append([]byte(nil), result.Body...)
	r.ResponseCode = result.Code
	r.UpdatedAt = now
}
