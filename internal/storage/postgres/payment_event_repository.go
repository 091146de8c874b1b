package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

const paymentEventColumns = `
	token, provider_status_code, outcome, consultation_id, unlinked, needs_review,
	state, applied, ack_success, ack_message, payload, received_at, processed_at`

type paymentEventRepository struct {
	db *sql.DB
}

// NewPaymentEventRepository создаёт PostgreSQL-реализацию PaymentEventRepository.
func NewPaymentEventRepository(store *Store) domain.PaymentEventRepository {
	return &paymentEventRepository{db: store.DB()}
}

// Reserve опирается на первичный ключ token: вставка либо проходит, либо
// возвращает уже существующую запись вместе с ErrPaymentEventExists.
func (r *paymentEventRepository) Reserve(ctx context.Context, event domain.PaymentEvent) (domain.PaymentEvent, error) {
	event.Token = strings.TrimSpace(event.Token)
	if event.Token == "" {
		return domain.PaymentEvent{}, domain.ErrPaymentTokenRequired
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	event.State = domain.PaymentEventReserved

	insertCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(insertCtx, `
		INSERT INTO payment_events (`+paymentEventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULL)
		ON CONFLICT (token) DO NOTHING
	`,
		event.Token, event.ProviderStatusCode, string(event.Outcome), event.ConsultationID,
		event.Unlinked, event.NeedsReview, string(event.State), event.Applied,
		event.AckSuccess, event.AckMessage, event.Payload, event.ReceivedAt.UTC(),
	)
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("reserve payment event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, getErr := r.Get(ctx, event.Token)
		if getErr != nil {
			return domain.PaymentEvent{}, getErr
		}
		return existing, domain.ErrPaymentEventExists
	}
	return event, nil
}

func (r *paymentEventRepository) Finalize(ctx context.Context, event domain.PaymentEvent) error {
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_events
		SET provider_status_code = $2,
		    outcome = $3,
		    consultation_id = $4,
		    unlinked = $5,
		    needs_review = $6,
		    state = $7,
		    applied = $8,
		    ack_success = $9,
		    ack_message = $10,
		    payload = COALESCE($11, payload),
		    processed_at = $12
		WHERE token = $1
	`,
		event.Token, event.ProviderStatusCode, string(event.Outcome), event.ConsultationID,
		event.Unlinked, event.NeedsReview, string(event.State), event.Applied,
		event.AckSuccess, event.AckMessage, event.Payload, event.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("finalize payment event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrPaymentEventNotFound
	}
	return nil
}

func (r *paymentEventRepository) Get(ctx context.Context, token string) (domain.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+paymentEventColumns+` FROM payment_events WHERE token = $1`, strings.TrimSpace(token))
	return scanPaymentEvent(row)
}

func (r *paymentEventRepository) ListUnlinked(ctx context.Context, limit int) ([]domain.PaymentEvent, error) {
	return r.list(ctx, `
		SELECT `+paymentEventColumns+`
		FROM payment_events
		WHERE unlinked = TRUE
		ORDER BY received_at ASC, token ASC
		LIMIT $1
	`, limitOrAll(limit))
}

func (r *paymentEventRepository) ListStalled(ctx context.Context, before time.Time, limit int) ([]domain.PaymentEvent, error) {
	return r.list(ctx, `
		SELECT `+paymentEventColumns+`
		FROM payment_events
		WHERE state IN ($1, $2)
		  AND received_at < $3
		ORDER BY received_at ASC, token ASC
		LIMIT $4
	`, string(domain.PaymentEventReserved), string(domain.PaymentEventFailed), before.UTC(), limitOrAll(limit))
}

func (r *paymentEventRepository) list(ctx context.Context, query string, args ...any) ([]domain.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PaymentEvent, 0)
	for rows.Next() {
		event, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment events: %w", err)
	}
	return result, nil
}

func scanPaymentEvent(row rowScanner) (domain.PaymentEvent, error) {
	var (
		event       domain.PaymentEvent
		outcome     string
		state       string
		processedAt sql.NullTime
	)
	err := row.Scan(
		&event.Token, &event.ProviderStatusCode, &outcome, &event.ConsultationID, &event.Unlinked, &event.NeedsReview,
		&state, &event.Applied, &event.AckSuccess, &event.AckMessage, &event.Payload, &event.ReceivedAt, &processedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentEvent{}, domain.ErrPaymentEventNotFound
		}
		return domain.PaymentEvent{}, fmt.Errorf("scan payment event: %w", err)
	}

	event.Outcome = domain.PaymentOutcome(outcome)
	event.State = domain.PaymentEventState(state)
	event.ReceivedAt = event.ReceivedAt.UTC()
	if processedAt.Valid {
		event.ProcessedAt = processedAt.Time.UTC()
	}
	return event, nil
}

var _ domain.PaymentEventRepository = (*paymentEventRepository)(nil)
