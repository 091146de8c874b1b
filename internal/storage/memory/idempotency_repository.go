package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// IdempotencyRepository держит записи по ключу хранения из IdempotencyScope.
// Просроченные записи остаются видимыми до очистки.
type IdempotencyRepository struct {
	mu      sync.RWMutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт in-memory хранилище ключей идемпотентности.
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		records: make(map[string]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateProcessing занимает ключ; на занятом ключе отдаёт сохранённую запись.
func (r *IdempotencyRepository) CreateProcessing(_ context.Context, scope domain.IdempotencyScope, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	record, err := domain.NewIdempotencyRecord(scope, requestHash, ttlAt, r.now())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[record.Key]; ok {
		if !existing.Matches(requestHash) {
			return copyIdempotencyRecord(existing), domain.ErrIdempotencyHashMismatch
		}
		return copyIdempotencyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}
	r.records[record.Key] = record
	return copyIdempotencyRecord(record), nil
}

// Get возвращает запись по ключу.
func (r *IdempotencyRepository) Get(_ context.Context, scope domain.IdempotencyScope) (domain.IdempotencyRecord, error) {
	storageKey, err := scope.StorageKey()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[storageKey]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyIdempotencyRecord(record), nil
}

// MarkDone сохраняет успешный ответ.
func (r *IdempotencyRepository) MarkDone(_ context.Context, scope domain.IdempotencyScope, result domain.IdempotencyResult) error {
	return r.finish(scope, domain.IdempotencyStatusDone, result)
}

// MarkFailed сохраняет ответ с ошибкой.
func (r *IdempotencyRepository) MarkFailed(_ context.Context, scope domain.IdempotencyScope, result domain.IdempotencyResult) error {
	return r.finish(scope, domain.IdempotencyStatusFailed, result)
}

// DeleteExpired удаляет не больше limit записей с ttl <= before, старшие первыми.
// limit<=0 снимает ограничение.
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, record := range r.records {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TTLAt.Before(expired[j].TTLAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(r.records, record.Key)
	}
	return len(expired), nil
}

func (r *IdempotencyRepository) finish(scope domain.IdempotencyScope, status domain.IdempotencyStatus, result domain.IdempotencyResult) error {
	storageKey, err := scope.StorageKey()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[storageKey]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Finish(status, result, r.now())
	r.records[storageKey] = record
	return nil
}

func copyIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
