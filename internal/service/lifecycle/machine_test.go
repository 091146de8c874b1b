package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

type fixture struct {
	machine       *Machine
	consultations domain.ConsultationRepository
	attempts      domain.SettlementAttemptRepository
	outbox        *memory.OutboxRepository
}

func newFixture(t *testing.T, status domain.ConsultationStatus) fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	f := fixture{
		consultations: memory.NewConsultationRepository(),
		attempts:      memory.NewSettlementAttemptRepository(),
		outbox:        memory.NewOutboxRepository(),
	}
	f.machine = NewMachine(f.consultations, f.attempts, f.outbox, logger.WithField("component", "test"))

	now := time.Now().UTC()
	require.NoError(t, f.consultations.Create(context.Background(), domain.Consultation{
		ID:                "c-1",
		UserID:            "u-1",
		ServiceChoiceID:   "natal-chart",
		Status:            status,
		RequiredOfferings: []domain.OfferingLine{{OfferingID: "reading", Quantity: 1}},
		CreatedAt:         now,
		StatusChangedAt:   now,
	}))
	return f
}

func TestApplyPersistsTransitionAndEmitsEvent(t *testing.T) {
	f := newFixture(t, domain.ConsultationStatusGenerating)
	ctx := context.Background()

	updated, outcome, err := f.machine.Apply(ctx, "c-1", Change{
		Source: domain.SourceAnalysis,
		Action: "complete",
		Mutate: func(c *domain.Consultation, now time.Time) (domain.TransitionOutcome, error) {
			out := c.Transition(domain.ConsultationStatusCompleted, now)
			if out.Applied {
				c.ResultRef = "analysis/c-1"
			}
			return out, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, outcome.StatusChanged())
	assert.Equal(t, domain.ConsultationStatusCompleted, updated.Status)
	assert.Equal(t, int64(1), updated.Version)

	stored, err := f.consultations.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "analysis/c-1", stored.ResultRef)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, EventConsultationStatusChanged, pending[0].EventType)

	var event StatusChangedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	assert.Equal(t, "GENERATING", event.From)
	assert.Equal(t, "COMPLETED", event.To)
	assert.Equal(t, "analysis/c-1", event.ResultRef)

	attempts, err := f.attempts.List(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptApplied, attempts[0].Outcome)
}

func TestApplyInvalidTransitionIsRecordedNoop(t *testing.T) {
	f := newFixture(t, domain.ConsultationStatusCompleted)
	ctx := context.Background()

	current, outcome, err := f.machine.Apply(ctx, "c-1", Change{
		Source: domain.SourceWebhook,
		Action: "payment_success",
		Mutate: TransitionFrom(domain.ConsultationStatusAwaitingPayment, domain.ConsultationStatusGenerating),
	})
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, domain.ConsultationStatusCompleted, current.Status)
	assert.Equal(t, int64(0), current.Version)
	assert.Empty(t, f.outbox.AllPending())

	attempts, _ := f.attempts.List(ctx, "c-1")
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptNoop, attempts[0].Outcome)
}

func TestApplyMutationErrorIsNotPersisted(t *testing.T) {
	f := newFixture(t, domain.ConsultationStatusGenerating)
	ctx := context.Background()
	boom := errors.New("boom")

	_, _, err := f.machine.Apply(ctx, "c-1", Change{
		Source: domain.SourceAPI,
		Action: "cancel",
		Mutate: func(c *domain.Consultation, _ time.Time) (domain.TransitionOutcome, error) {
			c.Status = domain.ConsultationStatusCancelled
			return domain.TransitionOutcome{}, boom
		},
	})
	require.ErrorIs(t, err, boom)

	stored, _ := f.consultations.Get(ctx, "c-1")
	assert.Equal(t, domain.ConsultationStatusGenerating, stored.Status)

	attempts, _ := f.attempts.List(ctx, "c-1")
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptRejected, attempts[0].Outcome)
}

func TestApplyUnknownConsultation(t *testing.T) {
	f := newFixture(t, domain.ConsultationStatusPending)

	_, _, err := f.machine.Apply(context.Background(), "missing", Change{Mutate: TransitionTo(domain.ConsultationStatusCancelled)})
	assert.ErrorIs(t, err, domain.ErrConsultationNotFound)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	f := newFixture(t, domain.ConsultationStatusAwaitingPayment)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := f.machine.Apply(ctx, "c-1", Change{
				Source: domain.SourceWebhook,
				Action: "payment_success",
				Mutate: TransitionFrom(domain.ConsultationStatusAwaitingPayment, domain.ConsultationStatusGenerating),
			})
			if err == nil && outcome.StatusChanged() {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Len(t, f.outbox.AllPending(), 1)
	assert.Equal(t, 0, f.machine.locks.size())
}

func TestCreateEmitsCreatedEvent(t *testing.T) {
	f := newFixture(t, domain.ConsultationStatusPending)
	ctx := context.Background()

	err := f.machine.Create(ctx, domain.Consultation{
		ID:                "c-2",
		UserID:            "u-1",
		ServiceChoiceID:   "tarot",
		Status:            domain.ConsultationStatusPending,
		RequiredOfferings: []domain.OfferingLine{{OfferingID: "reading", Quantity: 1}},
	}, domain.SourceAPI)
	require.NoError(t, err)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, EventConsultationCreated, pending[0].EventType)
	assert.Equal(t, "c-2", pending[0].AggregateID)
}
