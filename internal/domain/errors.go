package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего выбора услуги.
	ErrServiceChoiceRequired = errors.New("service_choice_id is required")
	// Ошибка отсутствующего идентификатора консультации.
	ErrConsultationIDRequired = errors.New("consultation_id is required")
	// Ошибка неизвестного статуса консультации.
	ErrUnknownStatus = errors.New("unknown consultation status")
	// Ошибка пустого набора ресурсов.
	ErrOfferingLinesRequired = errors.New("required offerings must contain at least one line")
	// Ошибка отсутствующего offering_id в строке.
	ErrOfferingIDRequired = errors.New("offering_id is required")
	// Ошибка при некорректном количестве ресурса (<= 0).
	ErrOfferingQtyInvalid = errors.New("offering quantity must be greater than zero")
	// ErrConsultationNotFound возвращается, если консультация не найдена.
	ErrConsultationNotFound = errors.New("consultation not found")
	// ErrConsultationExists: консультация с таким ID уже создана.
	ErrConsultationExists = errors.New("consultation already exists")
	// ErrConsultationVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrConsultationVersionConflict = errors.New("consultation version conflict")
	// ErrInvalidTransition: переход не разрешён таблицей состояний.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInsufficientStock: остатка хотя бы по одной строке не хватает.
	ErrInsufficientStock = errors.New("insufficient offering stock")
	// ErrCancelNotAllowed: отмена после начала генерации запрещена.
	ErrCancelNotAllowed = errors.New("cancel is not allowed in current status")
	// ErrRefundNotAllowed: возврат возможен только из ERROR.
	ErrRefundNotAllowed = errors.New("refund is not allowed in current status")
	// ErrRetryNotAllowed: ручной повтор генерации возможен только из ERROR.
	ErrRetryNotAllowed = errors.New("analysis retry is not allowed in current status")
	// ErrNotGenerating: запуск анализа для консультации не в GENERATING.
	ErrNotGenerating = errors.New("consultation is not generating")
	// ErrPaymentPathConflict: для консультации уже выбран другой способ расчёта.
	ErrPaymentPathConflict = errors.New("payment path already selected")
	// ErrPaymentTokenRequired: событие провайдера без токена.
	ErrPaymentTokenRequired = errors.New("payment token is required")
	// ErrPaymentEventExists: токен уже зарезервирован.
	ErrPaymentEventExists = errors.New("payment event already exists")
	// ErrPaymentEventNotFound: событие с таким токеном не найдено.
	ErrPaymentEventNotFound = errors.New("payment event not found")
	// ErrPaymentEventLinked: событие уже связано с консультацией.
	ErrPaymentEventLinked = errors.New("payment event is already linked")
	// ErrPaymentSignatureInvalid: подпись webhook не совпала.
	ErrPaymentSignatureInvalid = errors.New("payment signature is invalid")
	// ErrPaymentTemporary: временная ошибка платёжного провайдера.
	ErrPaymentTemporary = errors.New("payment temporary error")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired: ключ идемпотентности не передан.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired: не посчитан хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyHashMismatch: ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyAlreadyExists: ключ уже зарегистрирован.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyKeyNotFound: ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyOperationUnknown: ключ передан для операции без поддержки идемпотентности.
	ErrIdempotencyOperationUnknown = errors.New("idempotency operation is unknown")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrConsultationVersionConflict)
}

// IsIdempotencyConflict проверяет, что ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
