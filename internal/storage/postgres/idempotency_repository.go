package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

const idempotencyColumns = `key, operation, subject, request_hash, consultation_id, response_body,
	response_code, status, ttl_at, created_at, updated_at`

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

// CreateProcessing вставляет запись; уникальный ключ хранения решает гонку
// двух одинаковых запросов, проигравший получает сохранённую запись.
func (r *idempotencyRepository) CreateProcessing(ctx context.Context, scope domain.IdempotencyScope, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	record, err := domain.NewIdempotencyRecord(scope, requestHash, ttlAt, time.Now().UTC())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	insertCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = r.db.ExecContext(insertCtx, `
		INSERT INTO idempotency_keys (`+idempotencyColumns+`)
		VALUES ($1,$2,$3,$4,NULL,NULL,NULL,$5,$6,$7,$7)
	`, record.Key, string(record.Operation), record.Subject, record.RequestHash,
		string(record.Status), record.TTLAt, record.CreatedAt)
	if err == nil {
		return record, nil
	}
	if !isUniqueViolation(err) {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}

	existing, getErr := r.get(ctx, record.Key)
	if getErr != nil {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if !existing.Matches(requestHash) {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyRepository) Get(ctx context.Context, scope domain.IdempotencyScope) (domain.IdempotencyRecord, error) {
	storageKey, err := scope.StorageKey()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return r.get(ctx, storageKey)
}

func (r *idempotencyRepository) get(ctx context.Context, storageKey string) (domain.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record         domain.IdempotencyRecord
		operation      string
		statusRaw      string
		consultationID sql.NullString
		responseBody   []byte
		responseCode   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_keys
		WHERE key = $1
	`, storageKey).Scan(
		&record.Key,
		&operation,
		&record.Subject,
		&record.RequestHash,
		&consultationID,
		&responseBody,
		&responseCode,
		&statusRaw,
		&record.TTLAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.Operation = domain.IdempotencyOperation(operation)
	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", statusRaw, storageKey)
	}
	record.ConsultationID = consultationID.String
	record.ResponseBody = append([]byte(nil), responseBody...)
	if responseCode.Valid {
		record.ResponseCode = int(responseCode.Int64)
	}
	return record, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, scope domain.IdempotencyScope, result domain.IdempotencyResult) error {
	return r.finish(ctx, scope, domain.IdempotencyStatusDone, result)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, scope domain.IdempotencyScope, result domain.IdempotencyResult) error {
	return r.finish(ctx, scope, domain.IdempotencyStatusFailed, result)
}

// DeleteExpired удаляет просроченные ключи; limit<=0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE key IN (
				SELECT key
				FROM idempotency_keys
				WHERE ttl_at <= $1
				ORDER BY ttl_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE ttl_at <= $1`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *idempotencyRepository) finish(ctx context.Context, scope domain.IdempotencyScope, status domain.IdempotencyStatus, result domain.IdempotencyResult) error {
	storageKey, err := scope.StorageKey()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	consultationID := sql.NullString{String: result.ConsultationID, Valid: result.ConsultationID != ""}
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET consultation_id = $1,
		    response_body = $2,
		    response_code = $3,
		    status = $4,
		    updated_at = $5
		WHERE key = $6
	`, consultationID, result.Body, result.Code, string(status), time.Now().UTC(), storageKey)
	if err != nil {
		return fmt.Errorf("mark idempotency key %s: %w", status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
