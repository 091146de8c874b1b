package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

type stubPublisher struct {
	mu        sync.Mutex
	err       error
	sequence  []error
	published []domain.OutboxMessage
	callCount int
}

func (p *stubPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.callCount++
	if len(p.sequence) > 0 {
		err := p.sequence[0]
		p.sequence = p.sequence[1:]
		if err != nil {
			return err
		}
	} else if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func (p *stubPublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

func enqueue(t *testing.T, repo *memory.OutboxRepository, aggregateID string) domain.OutboxMessage {
	t.Helper()
	msg, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: "consultation",
		AggregateID:   aggregateID,
		EventType:     "ConsultationStatusChanged",
		Payload:       []byte(`{"to":"GENERATING"}`),
	})
	require.NoError(t, err)
	return msg
}

func TestWorker_ProcessOnce_MarksSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "c-1")
	enqueue(t, repo, "c-2")
	publisher := &stubPublisher{}

	sent, failed := NewWorker(repo, publisher, WithRetryBaseDelay(0)).ProcessOnce(context.Background())
	assert.Equal(t, 2, sent)
	assert.Zero(t, failed)
	assert.Empty(t, repo.AllPending())
	require.Len(t, publisher.published, 2)
	assert.Equal(t, "c-1", publisher.published[0].AggregateID)
}

func TestWorker_ProcessOnce_FailedGoesToDLQ(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	msg := enqueue(t, repo, "c-1")
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlq), WithRetryBaseDelay(0), WithMaxAttempts(3))
	sent, failed := worker.ProcessOnce(context.Background())

	assert.Zero(t, sent)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, publisher.calls())
	assert.Empty(t, repo.AllPending())
	require.Len(t, dlq.published, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &payload))
	assert.Equal(t, msg.ID, payload["outbox_id"])
	assert.Contains(t, payload["publish_error"], "broker down")
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "c-1")
	publisher := &stubPublisher{sequence: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	sent, failed := NewWorker(repo, publisher, WithRetryBaseDelay(time.Millisecond), WithMaxAttempts(3)).
		ProcessOnce(context.Background())
	assert.Equal(t, 1, sent)
	assert.Zero(t, failed)
	assert.Equal(t, 3, publisher.calls())
}

func TestWorker_Backoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, worker.backoff(1))
	assert.Equal(t, 40*time.Millisecond, worker.backoff(3))
	assert.Equal(t, time.Minute, worker.backoff(64))

	assert.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(0)).backoff(5))
}

func TestWorker_RunDisabledWithoutPublisher(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWorker(memory.NewOutboxRepository(), nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "c-1")
	publisher := &stubPublisher{}
	worker := NewWorker(repo, publisher, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return publisher.calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
