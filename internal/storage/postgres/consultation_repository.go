package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

const consultationColumns = `
	id, user_id, service_choice_id, status, payment_path, payment_ref, redirect_url,
	required_offerings, analysis_job_id, analysis_attempts, result_ref, analysis_notified,
	retryable, needs_review, failure_reason, version, created_at, status_changed_at, completed_at,
	last_verified_at`

type consultationRepository struct {
	db *sql.DB
}

// NewConsultationRepository создаёт PostgreSQL-реализацию ConsultationRepository.
func NewConsultationRepository(store *Store) domain.ConsultationRepository {
	return &consultationRepository{db: store.DB()}
}

func (r *consultationRepository) Create(ctx context.Context, c domain.Consultation) error {
	if c.ID == "" {
		return domain.ErrConsultationIDRequired
	}
	lines, err := json.Marshal(c.RequiredOfferings)
	if err != nil {
		return fmt.Errorf("marshal required offerings: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO consultations (`+consultationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		c.ID, c.UserID, c.ServiceChoiceID, string(c.Status), string(c.PaymentPath), c.PaymentRef, c.RedirectURL,
		lines, c.AnalysisJobID, c.AnalysisAttempts, c.ResultRef, c.AnalysisNotified,
		c.Retryable, c.NeedsReview, c.FailureReason, c.Version, c.CreatedAt.UTC(), c.StatusChangedAt.UTC(), nullTime(c.CompletedAt),
		nullTime(c.LastVerifiedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConsultationExists
		}
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *consultationRepository) Get(ctx context.Context, id string) (domain.Consultation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = $1`, id)
	return scanConsultation(row)
}

// Save обновляет запись только при совпадении версии; версия растёт на единицу.
// last_verified_at пишет только MarkVerified.
func (r *consultationRepository) Save(ctx context.Context, c domain.Consultation) error {
	lines, err := json.Marshal(c.RequiredOfferings)
	if err != nil {
		return fmt.Errorf("marshal required offerings: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE consultations
		SET status = $1,
		    payment_path = $2,
		    payment_ref = $3,
		    redirect_url = $4,
		    required_offerings = $5,
		    analysis_job_id = $6,
		    analysis_attempts = $7,
		    result_ref = $8,
		    analysis_notified = $9,
		    retryable = $10,
		    needs_review = $11,
		    failure_reason = $12,
		    status_changed_at = $13,
		    completed_at = $14,
		    version = version + 1
		WHERE id = $15
		  AND version = $16
	`,
		string(c.Status), string(c.PaymentPath), c.PaymentRef, c.RedirectURL, lines,
		c.AnalysisJobID, c.AnalysisAttempts, c.ResultRef, c.AnalysisNotified,
		c.Retryable, c.NeedsReview, c.FailureReason, c.StatusChangedAt.UTC(), nullTime(c.CompletedAt),
		c.ID, c.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment reference %q is already bound: %w", c.PaymentRef, domain.ErrPaymentPathConflict)
		}
		return fmt.Errorf("update consultation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM consultations WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check consultation exists: %w", err)
	}
	if !exists {
		return domain.ErrConsultationNotFound
	}
	return domain.ErrConsultationVersionConflict
}

func (r *consultationRepository) FindByPaymentRef(ctx context.Context, ref string) (domain.Consultation, error) {
	if ref == "" {
		return domain.Consultation{}, domain.ErrConsultationNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE payment_ref = $1`, ref)
	return scanConsultation(row)
}

func (r *consultationRepository) ListByStatus(ctx context.Context, status domain.ConsultationStatus, changedBefore time.Time, limit int) ([]domain.Consultation, error) {
	if changedBefore.IsZero() {
		changedBefore = time.Now().UTC().Add(time.Hour)
	}
	return r.list(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status = $1
		  AND status_changed_at < $2
		ORDER BY status_changed_at ASC, id ASC
		LIMIT $3
	`, string(status), changedBefore.UTC(), limitOrAll(limit))
}

// ListDueForVerification: NULLS FIRST ставит непроверенные консультации в начало очереди.
func (r *consultationRepository) ListDueForVerification(ctx context.Context, changedBefore, verifiedBefore time.Time, limit int) ([]domain.Consultation, error) {
	if changedBefore.IsZero() {
		changedBefore = time.Now().UTC().Add(time.Hour)
	}
	return r.list(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status = $1
		  AND status_changed_at < $2
		  AND (last_verified_at IS NULL OR last_verified_at <= $3)
		ORDER BY last_verified_at ASC NULLS FIRST, status_changed_at ASC, id ASC
		LIMIT $4
	`, string(domain.ConsultationStatusAwaitingPayment), changedBefore.UTC(), verifiedBefore.UTC(), limitOrAll(limit))
}

func (r *consultationRepository) MarkVerified(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE consultations SET last_verified_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark consultation verified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrConsultationNotFound
	}
	return nil
}

func (r *consultationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Consultation, error) {
	return r.list(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limitOrAll(limit))
}

func (r *consultationRepository) ListUnnotified(ctx context.Context, limit int) ([]domain.Consultation, error) {
	return r.list(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status = $1
		  AND analysis_notified = FALSE
		ORDER BY completed_at ASC, id ASC
		LIMIT $2
	`, string(domain.ConsultationStatusCompleted), limitOrAll(limit))
}

func (r *consultationRepository) list(ctx context.Context, query string, args ...any) ([]domain.Consultation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Consultation, 0)
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consultation rows: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsultation(row rowScanner) (domain.Consultation, error) {
	var (
		c           domain.Consultation
		status      string
		paymentPath string
		lines       []byte
		completedAt sql.NullTime
		verifiedAt  sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.ServiceChoiceID, &status, &paymentPath, &c.PaymentRef, &c.RedirectURL,
		&lines, &c.AnalysisJobID, &c.AnalysisAttempts, &c.ResultRef, &c.AnalysisNotified,
		&c.Retryable, &c.NeedsReview, &c.FailureReason, &c.Version, &c.CreatedAt, &c.StatusChangedAt, &completedAt,
		&verifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Consultation{}, domain.ErrConsultationNotFound
		}
		return domain.Consultation{}, fmt.Errorf("scan consultation: %w", err)
	}

	c.Status = domain.ConsultationStatus(status)
	c.PaymentPath = domain.PaymentPath(paymentPath)
	if err := json.Unmarshal(lines, &c.RequiredOfferings); err != nil {
		return domain.Consultation{}, fmt.Errorf("decode required offerings of %s: %w", c.ID, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.StatusChangedAt = c.StatusChangedAt.UTC()
	if completedAt.Valid {
		c.CompletedAt = completedAt.Time.UTC()
	}
	if verifiedAt.Valid {
		c.LastVerifiedAt = verifiedAt.Time.UTC()
	}
	return c, nil
}

// limitOrAll переводит limit<=0 в NULL: LIMIT NULL в PostgreSQL снимает ограничение.
func limitOrAll(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

var _ domain.ConsultationRepository = (*consultationRepository)(nil)
