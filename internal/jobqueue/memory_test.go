package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, q Queue, want int) []Job {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []Job
		done = make(chan struct{})
	)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job Job) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, job)
			if len(seen) == want {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %d jobs", want)
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]Job(nil), seen...)
}

func TestMemoryQueueDeliversJobs(t *testing.T) {
	q := NewMemoryQueue(8, 2, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ConsultationID: "c-1"}, 0))
	require.NoError(t, q.Enqueue(ctx, Job{ConsultationID: "c-2", Attempt: 1}, 0))

	jobs := collect(t, q, 2)
	ids := []string{jobs[0].ConsultationID, jobs[1].ConsultationID}
	assert.ElementsMatch(t, []string{"c-1", "c-2"}, ids)
	for _, job := range jobs {
		assert.NotEmpty(t, job.ID)
		assert.False(t, job.StartedAt.IsZero())
	}
}

func TestMemoryQueueDelayedJob(t *testing.T) {
	q := NewMemoryQueue(8, 1, nil)
	start := time.Now()

	require.NoError(t, q.Enqueue(context.Background(), Job{ConsultationID: "c-1"}, 50*time.Millisecond))
	assert.Equal(t, 0, q.Len())

	jobs := collect(t, q, 1)
	assert.Equal(t, "c-1", jobs[0].ConsultationID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueueRejectsInvalidJob(t *testing.T) {
	q := NewMemoryQueue(1, 1, nil)
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{}, 0), ErrJobInvalid)
}
