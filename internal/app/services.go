package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
	"github.com/vladislavdragonenkov/settlement/internal/service/analysis"
	grpcsvc "github.com/vladislavdragonenkov/settlement/internal/service/grpc"
	"github.com/vladislavdragonenkov/settlement/internal/service/httpapi"
	"github.com/vladislavdragonenkov/settlement/internal/service/idempotency"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/settlement/internal/service/payment"
	"github.com/vladislavdragonenkov/settlement/internal/service/reconcile"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	"github.com/vladislavdragonenkov/settlement/internal/service/status"
	"github.com/vladislavdragonenkov/settlement/internal/service/webhook"
)

// services: прикладной слой поверх runtimeDependencies.
type services struct {
	provider    domain.PaymentProvider
	machine     *lifecycle.Machine
	trigger     *analysis.Trigger
	coordinator *settlement.Coordinator
	ingestor    *webhook.Ingestor
	reconciler  *reconcile.Worker
	status      *status.Service
	cleanup     *idempotency.CleanupWorker
	httpHandler *httpapi.Handler
	grpcService *grpcsvc.ConsultationService
}

// newPaymentProvider выбирает HTTP-клиент провайдера; без base URL работает mock.
func newPaymentProvider(cfg Config, logger *log.Entry) domain.PaymentProvider {
	if cfg.ProviderBaseURL == "" {
		logger.Warn("payment provider base url is empty, using mock provider")
		return payment.NewMockProvider()
	}
	return payment.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderReturnURL, cfg.ProviderTimeout)
}

func buildServices(cfg Config, deps *runtimeDependencies, provider domain.PaymentProvider, m *metrics.SettlementMetrics, logger *log.Entry) *services {
	machine := lifecycle.NewMachine(
		deps.consultations,
		deps.attempts,
		deps.outbox,
		logger.WithField("component", "lifecycle"),
		lifecycle.WithMetrics(m),
	)

	trigger := analysis.NewTrigger(
		machine,
		deps.queue,
		analysis.NewStubAnalyzer(cfg.AnalysisStubLatency),
		analysis.NewOutboxNotifier(deps.outbox),
		analysis.Config{MaxAttempts: cfg.AnalysisMaxAttempts, RetryDelay: cfg.AnalysisRetryDelay},
		m,
		logger.WithField("component", "analysis"),
	)

	coordinator := settlement.NewCoordinator(
		machine,
		deps.ledger,
		provider,
		trigger,
		m,
		logger.WithField("component", "settlement"),
	)

	ingestor := webhook.NewIngestor(
		deps.paymentEvents,
		deps.consultations,
		coordinator,
		cfg.ProviderWebhookSecret,
		m,
		logger.WithField("component", "webhook"),
	)

	reconciler := reconcile.NewWorker(
		machine,
		provider,
		deps.paymentEvents,
		ingestor,
		trigger,
		reconcile.Config{
			Interval:             cfg.ReconcileInterval,
			VerifyAfter:          cfg.ReconcileVerifyAfter,
			StalledAfter:         cfg.ReconcileStalledAfter,
			GeneratingStuckAfter: cfg.ReconcileGeneratingStuckAfter,
			BatchSize:            cfg.ReconcileBatchSize,
		},
		m,
		logger.WithField("component", "reconcile"),
	)

	statusSvc := status.NewService(machine)

	cleanup := idempotency.NewCleanupWorker(
		deps.idempotency,
		idempotency.CleanupConfig{
			Interval:  cfg.IdempotencyCleanupInterval,
			BatchSize: cfg.IdempotencyCleanupBatchSize,
		},
		m,
		logger.WithField("component", "idempotency-cleanup"),
	)

	httpHandler := httpapi.NewHandler(httpapi.Deps{
		Consultations: coordinator,
		Analysis:      trigger,
		Status:        statusSvc,
		PaymentEvents: ingestor,
		Ledger:        deps.ledger,
		Idempotency:   deps.idempotency,
		Logger:        logger.WithField("component", "httpapi"),
	})

	grpcService := grpcsvc.NewConsultationService(
		coordinator,
		trigger,
		statusSvc,
		deps.idempotency,
		logger.WithField("component", "grpc-consultations"),
	)

	return &services{
		provider:    provider,
		machine:     machine,
		trigger:     trigger,
		coordinator: coordinator,
		ingestor:    ingestor,
		reconciler:  reconciler,
		status:      statusSvc,
		cleanup:     cleanup,
		httpHandler: httpHandler,
		grpcService: grpcService,
	}
}
