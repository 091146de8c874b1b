package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

func TestOutboxRepository_EnqueuePreservesOrder(t *testing.T) {
	repo := NewOutboxRepository()
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "consultation", AggregateID: "c-1", EventType: "ConsultationStatusChanged"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	second, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "consultation", AggregateID: "c-1", EventType: "ConsultationStatusChanged"})
	require.NoError(t, err)

	pending, err := repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())
}

func TestOutboxRepository_MarkSentAndFailed(t *testing.T) {
	repo := NewOutboxRepository()
	ctx := context.Background()

	saved, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "consultation"})
	require.NoError(t, err)

	require.NoError(t, repo.MarkSent(ctx, saved.ID))
	assert.Empty(t, repo.AllPending())

	require.NoError(t, repo.MarkFailed(ctx, saved.ID))
	assert.ErrorIs(t, repo.MarkFailed(ctx, "missing"), domain.ErrOutboxPublish)
}
