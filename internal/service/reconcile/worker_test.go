package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/jobqueue"
	"github.com/vladislavdragonenkov/settlement/internal/service/analysis"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/settlement/internal/service/payment"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	"github.com/vladislavdragonenkov/settlement/internal/service/webhook"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) NotifyAnalysisReady(context.Context, domain.Consultation) error {
	n.calls++
	return nil
}

type fixture struct {
	worker        *Worker
	provider      *payment.MockProvider
	consultations domain.ConsultationRepository
	events        domain.PaymentEventRepository
	queue         *jobqueue.MemoryQueue
	notifier      *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	logger := logrus.New().WithField("component", "test")
	f := fixture{
		provider:      payment.NewMockProvider(),
		consultations: memory.NewConsultationRepository(),
		events:        memory.NewPaymentEventRepository(),
		queue:         jobqueue.NewMemoryQueue(16, 1, logger),
		notifier:      &recordingNotifier{},
	}
	machine := lifecycle.NewMachine(f.consultations, memory.NewSettlementAttemptRepository(), nil, logger)
	trigger := analysis.NewTrigger(machine, f.queue, analysis.NewStubAnalyzer(0), f.notifier, analysis.Config{}, nil, logger)
	coordinator := settlement.NewCoordinator(machine, memory.NewOfferingLedger(), f.provider, trigger, nil, logger)
	ingestor := webhook.NewIngestor(f.events, f.consultations, coordinator, "", nil, logger)

	f.worker = NewWorker(machine, f.provider, f.events, ingestor, trigger, Config{
		VerifyAfter:          time.Minute,
		StalledAfter:         time.Minute,
		GeneratingStuckAfter: 10 * time.Minute,
	}, nil, logger)
	return f
}

func (f fixture) seed(t *testing.T, c domain.Consultation, age time.Duration) {
	t.Helper()
	changed := time.Now().UTC().Add(-age)
	c.UserID = "u-1"
	c.ServiceChoiceID = "natal-chart"
	c.CreatedAt = changed
	c.StatusChangedAt = changed
	require.NoError(t, f.consultations.Create(context.Background(), c))
}

func (f fixture) get(t *testing.T, id string) domain.Consultation {
	t.Helper()
	c, err := f.consultations.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestRunOnceVerifiesOverduePayments(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.Consultation{
		ID: "c-old", Status: domain.ConsultationStatusAwaitingPayment,
		PaymentPath: domain.PaymentPathExternalProvider, PaymentRef: "pay-c-old",
	}, time.Hour)
	f.seed(t, domain.Consultation{
		ID: "c-fresh", Status: domain.ConsultationStatusAwaitingPayment,
		PaymentPath: domain.PaymentPathExternalProvider, PaymentRef: "pay-c-fresh",
	}, 0)

	report := f.worker.RunOnce(context.Background())
	assert.Equal(t, 1, report.Verified)
	assert.Zero(t, report.Started, "analysis is started by the payment path itself")

	assert.Equal(t, domain.ConsultationStatusGenerating, f.get(t, "c-old").Status)
	assert.NotEmpty(t, f.get(t, "c-old").AnalysisJobID)
	assert.Equal(t, domain.ConsultationStatusAwaitingPayment, f.get(t, "c-fresh").Status)
	assert.Equal(t, 1, f.queue.Len())

	_, verifyCalls, _ := f.provider.Calls()
	assert.Equal(t, 1, verifyCalls)
}

func TestRunOnceRotatesVerificationBatch(t *testing.T) {
	f := newFixture(t)
	f.worker.cfg.BatchSize = 1
	f.provider.SetVerifyCode(domain.ProviderStatusPending)
	for id, age := range map[string]time.Duration{"c-a": 3 * time.Hour, "c-b": 2 * time.Hour} {
		f.seed(t, domain.Consultation{
			ID: id, Status: domain.ConsultationStatusAwaitingPayment,
			PaymentPath: domain.PaymentPathExternalProvider, PaymentRef: "pay-" + id,
		}, age)
	}

	now := time.Now().UTC()
	f.worker.now = func() time.Time { return now }

	f.worker.RunOnce(context.Background())
	assert.False(t, f.get(t, "c-a").LastVerifiedAt.IsZero())
	assert.True(t, f.get(t, "c-b").LastVerifiedAt.IsZero())

	f.worker.RunOnce(context.Background())
	assert.False(t, f.get(t, "c-b").LastVerifiedAt.IsZero(), "newer consultation must get its turn")

	f.worker.RunOnce(context.Background())
	_, verifyCalls, _ := f.provider.Calls()
	assert.Equal(t, 2, verifyCalls, "recently verified consultations are not polled again")

	now = now.Add(2 * time.Minute)
	f.worker.RunOnce(context.Background())
	_, verifyCalls, _ = f.provider.Calls()
	assert.Equal(t, 3, verifyCalls)
	assert.Equal(t, now, f.get(t, "c-a").LastVerifiedAt)
}

func TestRunOnceLeavesPendingPayments(t *testing.T) {
	f := newFixture(t)
	f.provider.SetVerifyCode(domain.ProviderStatusPending)
	f.seed(t, domain.Consultation{
		ID: "c-1", Status: domain.ConsultationStatusAwaitingPayment, PaymentRef: "pay-c-1",
	}, time.Hour)

	report := f.worker.RunOnce(context.Background())
	assert.Zero(t, report.Verified)
	assert.Equal(t, domain.ConsultationStatusAwaitingPayment, f.get(t, "c-1").Status)
}

func TestRunOnceCountsProviderErrors(t *testing.T) {
	f := newFixture(t)
	f.provider.VerifyErr = errors.New("provider down")
	f.seed(t, domain.Consultation{
		ID: "c-1", Status: domain.ConsultationStatusAwaitingPayment, PaymentRef: "pay-c-1",
	}, time.Hour)

	report := f.worker.RunOnce(context.Background())
	assert.Equal(t, 1, report.Errors)
}

func TestRunOnceReprocessesStalledEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, domain.Consultation{
		ID: "c-1", Status: domain.ConsultationStatusAwaitingPayment, PaymentRef: "pay-c-1",
	}, 0)

	_, err := f.events.Reserve(ctx, domain.PaymentEvent{
		Token:              "tok-1",
		ProviderStatusCode: domain.ProviderStatusSuccess,
		Outcome:            domain.PaymentOutcomeSuccess,
		ConsultationID:     "c-1",
		ReceivedAt:         time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	report := f.worker.RunOnce(ctx)
	assert.Equal(t, 1, report.Reprocessed)
	assert.Equal(t, domain.ConsultationStatusGenerating, f.get(t, "c-1").Status)

	event, err := f.events.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEventProcessed, event.State)
}

func TestRunOnceRestartsGeneration(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.Consultation{ID: "c-nojob", Status: domain.ConsultationStatusGenerating}, 0)
	f.seed(t, domain.Consultation{ID: "c-stuck", Status: domain.ConsultationStatusGenerating, AnalysisJobID: "lost"}, time.Hour)
	f.seed(t, domain.Consultation{ID: "c-running", Status: domain.ConsultationStatusGenerating, AnalysisJobID: "live"}, 0)

	report := f.worker.RunOnce(context.Background())
	assert.Equal(t, 2, report.Started)
	assert.NotEmpty(t, f.get(t, "c-nojob").AnalysisJobID)
	assert.NotEqual(t, "lost", f.get(t, "c-stuck").AnalysisJobID)
	assert.Equal(t, "live", f.get(t, "c-running").AnalysisJobID)
	assert.Equal(t, 2, f.queue.Len())
}

func TestRunOnceSendsMissedNotifications(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.Consultation{ID: "c-1", Status: domain.ConsultationStatusCompleted, ResultRef: "analysis/c-1"}, time.Minute)
	f.seed(t, domain.Consultation{ID: "c-2", Status: domain.ConsultationStatusCompleted, ResultRef: "analysis/c-2", AnalysisNotified: true}, time.Minute)

	report := f.worker.RunOnce(context.Background())
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 1, f.notifier.calls)
	assert.True(t, f.get(t, "c-1").AnalysisNotified)

	report = f.worker.RunOnce(context.Background())
	assert.Zero(t, report.Notified)
	assert.Equal(t, 1, f.notifier.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.worker.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
