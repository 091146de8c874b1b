package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

type settlementAttemptRepository struct {
	db *sql.DB
}

// NewSettlementAttemptRepository создаёт append-only аудит попыток переходов в PostgreSQL.
func NewSettlementAttemptRepository(store *Store) domain.SettlementAttemptRepository {
	return &settlementAttemptRepository{db: store.DB()}
}

func (r *settlementAttemptRepository) Append(ctx context.Context, a domain.SettlementAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settlement_attempts (
			consultation_id, source, requested, from_status, to_status, outcome, reason, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		a.ConsultationID, string(a.Source), a.Requested, string(a.From), string(a.To),
		string(a.Outcome), a.Reason, a.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append settlement attempt: %w", err)
	}
	return nil
}

func (r *settlementAttemptRepository) List(ctx context.Context, consultationID string) ([]domain.SettlementAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT consultation_id, source, requested, from_status, to_status, outcome, reason, occurred_at
		FROM settlement_attempts
		WHERE consultation_id = $1
		ORDER BY id ASC
	`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list settlement attempts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SettlementAttempt, 0)
	for rows.Next() {
		var a domain.SettlementAttempt
		var source, from, to, outcome string
		if err := rows.Scan(&a.ConsultationID, &source, &a.Requested, &from, &to, &outcome, &a.Reason, &a.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan settlement attempt: %w", err)
		}
		a.Source = domain.SettlementSource(source)
		a.From = domain.ConsultationStatus(from)
		a.To = domain.ConsultationStatus(to)
		a.Outcome = domain.AttemptOutcome(outcome)
		a.OccurredAt = a.OccurredAt.UTC()
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlement attempts: %w", err)
	}
	return result, nil
}

var _ domain.SettlementAttemptRepository = (*settlementAttemptRepository)(nil)
