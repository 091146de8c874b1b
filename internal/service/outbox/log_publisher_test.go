package outbox

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

func TestLogPublisher_LogsEvent(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	publisher := NewLogPublisher(logger.WithField("component", "outbox-log"))

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "evt-1",
		AggregateType: "consultation",
		AggregateID:   "c-1",
		EventType:     "ConsultationStatusChanged",
	})
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, log.InfoLevel, entry.Level)
	require.Equal(t, "c-1", entry.Data["aggregate_id"])
	require.Equal(t, "ConsultationStatusChanged", entry.Data["event_type"])
}

func TestLogPublisher_DrainsOutbox(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "c-1")
	enqueue(t, repo, "c-2")

	logger, _ := logtest.NewNullLogger()
	worker := NewWorker(repo, NewLogPublisher(logger.WithField("component", "outbox-log")))
	sent, failed := worker.ProcessOnce(context.Background())

	require.Equal(t, 2, sent)
	require.Zero(t, failed)
	require.Empty(t, repo.AllPending())
}
