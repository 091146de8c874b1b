package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

var errInsufficientStock = errors.New("insufficient stock")

type offeringLedger struct {
	store *Store
}

// NewOfferingLedger создаёт PostgreSQL-реализацию OfferingLedger.
// Списание и возврат идут в одной транзакции: advisory-lock по консультации,
// затем SELECT ... FOR UPDATE строк остатка в порядке NormalizeLines.
func NewOfferingLedger(store *Store) domain.OfferingLedger {
	return &offeringLedger{store: store}
}

func (l *offeringLedger) Consume(ctx context.Context, userID, consultationID string, lines []domain.OfferingLine) (domain.ConsumeResult, error) {
	if userID == "" {
		return "", domain.ErrUserRequired
	}
	if consultationID == "" {
		return "", domain.ErrConsultationIDRequired
	}
	if err := domain.ValidateLines(lines); err != nil {
		return "", err
	}
	lines = domain.NormalizeLines(lines)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result := domain.ConsumeResultConsumed
	err := l.store.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockConsultation(ctx, tx, consultationID); err != nil {
			return err
		}

		epochs, err := loadEpochs(ctx, tx, consultationID)
		if err != nil {
			return err
		}
		if epochs.active() {
			result = domain.ConsumeResultAlreadyConsumed
			return nil
		}
		epoch := epochs.consumed + 1

		for _, line := range lines {
			available, err := lockStock(ctx, tx, userID, line.OfferingID)
			if err != nil {
				return err
			}
			if available < line.Quantity {
				return errInsufficientStock
			}
		}

		now := time.Now().UTC()
		for _, line := range lines {
			if _, err := tx.ExecContext(ctx, `
				UPDATE offering_stock
				SET available = available - $3, updated_at = $4
				WHERE user_id = $1 AND offering_id = $2
			`, userID, line.OfferingID, line.Quantity, now); err != nil {
				return fmt.Errorf("decrement stock %s: %w", line.OfferingID, err)
			}
			if err := insertLedgerEntry(ctx, tx, domain.LedgerEntry{
				UserID:         userID,
				ConsultationID: consultationID,
				OfferingID:     line.OfferingID,
				Kind:           domain.LedgerEntryConsume,
				Quantity:       line.Quantity,
				Epoch:          epoch,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errInsufficientStock):
		return domain.ConsumeResultInsufficientStock, nil
	case isUniqueViolation(err):
		// Параллельное списание той же консультации успело раньше.
		return domain.ConsumeResultAlreadyConsumed, nil
	case err != nil:
		return "", fmt.Errorf("consume offerings for %s: %w", consultationID, err)
	}
	return result, nil
}

func (l *offeringLedger) Refund(ctx context.Context, userID, consultationID string) (domain.RefundResult, error) {
	if consultationID == "" {
		return "", domain.ErrConsultationIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result := domain.RefundResultRefunded
	err := l.store.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockConsultation(ctx, tx, consultationID); err != nil {
			return err
		}

		epochs, err := loadEpochs(ctx, tx, consultationID)
		if err != nil {
			return err
		}
		if !epochs.active() {
			result = domain.RefundResultNothingToRefund
			return nil
		}
		consumed, err := loadEntries(ctx, tx, consultationID, domain.LedgerEntryConsume, epochs.consumed)
		if err != nil {
			return err
		}
		if len(consumed) == 0 {
			result = domain.RefundResultNothingToRefund
			return nil
		}
		for _, entry := range consumed {
			if userID != "" && entry.UserID != userID {
				result = domain.RefundResultNothingToRefund
				return nil
			}
		}

		sort.Slice(consumed, func(i, j int) bool { return consumed[i].OfferingID < consumed[j].OfferingID })
		now := time.Now().UTC()
		for _, entry := range consumed {
			if _, err := lockStock(ctx, tx, entry.UserID, entry.OfferingID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE offering_stock
				SET available = available + $3, updated_at = $4
				WHERE user_id = $1 AND offering_id = $2
			`, entry.UserID, entry.OfferingID, entry.Quantity, now); err != nil {
				return fmt.Errorf("restore stock %s: %w", entry.OfferingID, err)
			}
			if err := insertLedgerEntry(ctx, tx, domain.LedgerEntry{
				UserID:         entry.UserID,
				ConsultationID: consultationID,
				OfferingID:     entry.OfferingID,
				Kind:           domain.LedgerEntryRefund,
				Quantity:       entry.Quantity,
				Epoch:          entry.Epoch,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return domain.RefundResultNothingToRefund, nil
	}
	if err != nil {
		return "", fmt.Errorf("refund offerings for %s: %w", consultationID, err)
	}
	return result, nil
}

func (l *offeringLedger) Credit(ctx context.Context, userID, offeringID string, quantity int64) error {
	if userID == "" {
		return domain.ErrUserRequired
	}
	if offeringID == "" {
		return domain.ErrOfferingIDRequired
	}
	if quantity <= 0 {
		return domain.ErrOfferingQtyInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	return l.store.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offering_stock (user_id, offering_id, available, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, offering_id)
			DO UPDATE SET available = offering_stock.available + EXCLUDED.available,
			              updated_at = EXCLUDED.updated_at
		`, userID, offeringID, quantity, now); err != nil {
			return fmt.Errorf("credit stock %s: %w", offeringID, err)
		}
		return insertLedgerEntry(ctx, tx, domain.LedgerEntry{
			UserID:     userID,
			OfferingID: offeringID,
			Kind:       domain.LedgerEntryCredit,
			Quantity:   quantity,
			CreatedAt:  now,
		})
	})
}

func (l *offeringLedger) Stock(ctx context.Context, userID, offeringID string) (domain.OfferingStock, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stock := domain.OfferingStock{UserID: userID, OfferingID: offeringID}
	err := l.store.DB().QueryRowContext(ctx, `
		SELECT available, updated_at
		FROM offering_stock
		WHERE user_id = $1 AND offering_id = $2
	`, userID, offeringID).Scan(&stock.Available, &stock.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return stock, nil
	}
	if err != nil {
		return domain.OfferingStock{}, fmt.Errorf("get stock: %w", err)
	}
	stock.UpdatedAt = stock.UpdatedAt.UTC()
	return stock, nil
}

func (l *offeringLedger) Entries(ctx context.Context, consultationID string) ([]domain.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, user_id, consultation_id, offering_id, kind, quantity, epoch, created_at
		FROM ledger_entries
		WHERE consultation_id = $1
		ORDER BY seq
	`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return scanLedgerEntries(rows)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lockConsultation сериализует списание и возврат по одной консультации до конца транзакции.
func lockConsultation(ctx context.Context, q queryer, consultationID string) error {
	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, consultationID); err != nil {
		return fmt.Errorf("lock consultation %s: %w", consultationID, err)
	}
	return nil
}

// lockStock блокирует строку остатка; отсутствующая строка: нулевой остаток.
func lockStock(ctx context.Context, q queryer, userID, offeringID string) (int64, error) {
	var available int64
	err := q.QueryRowContext(ctx, `
		SELECT available
		FROM offering_stock
		WHERE user_id = $1 AND offering_id = $2
		FOR UPDATE
	`, userID, offeringID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock stock %s: %w", offeringID, err)
	}
	return available, nil
}

// ledgerEpochs: последние циклы списания и возврата консультации.
type ledgerEpochs struct {
	consumed int
	refunded int
}

// active сообщает, есть ли списание, которое ещё не возвращено.
func (e ledgerEpochs) active() bool {
	return e.consumed > e.refunded
}

func loadEpochs(ctx context.Context, q queryer, consultationID string) (ledgerEpochs, error) {
	var epochs ledgerEpochs
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(MAX(epoch) FILTER (WHERE kind = 'consume'), 0),
			COALESCE(MAX(epoch) FILTER (WHERE kind = 'refund'), 0)
		FROM ledger_entries
		WHERE consultation_id = $1
	`, consultationID).Scan(&epochs.consumed, &epochs.refunded)
	if err != nil {
		return ledgerEpochs{}, fmt.Errorf("load ledger epochs: %w", err)
	}
	return epochs, nil
}

func loadEntries(ctx context.Context, q queryer, consultationID string, kind domain.LedgerEntryKind, epoch int) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, consultation_id, offering_id, kind, quantity, epoch, created_at
		FROM ledger_entries
		WHERE consultation_id = $1 AND kind = $2 AND epoch = $3
		ORDER BY seq
	`, consultationID, string(kind), epoch)
	if err != nil {
		return nil, fmt.Errorf("load %s entries: %w", kind, err)
	}
	return scanLedgerEntries(rows)
}

func insertLedgerEntry(ctx context.Context, q queryer, entry domain.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, consultation_id, offering_id, kind, quantity, epoch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.UserID, entry.ConsultationID, entry.OfferingID, string(entry.Kind), entry.Quantity, entry.Epoch, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s ledger entry: %w", entry.Kind, err)
	}
	return nil
}

func scanLedgerEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	result := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			entry domain.LedgerEntry
			kind  string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.ConsultationID, &entry.OfferingID, &kind, &entry.Quantity, &entry.Epoch, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Kind = domain.LedgerEntryKind(kind)
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return result, nil
}

var _ domain.OfferingLedger = (*offeringLedger)(nil)
