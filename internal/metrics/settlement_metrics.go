package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics содержит метрики конвейера расчётов.
// Все методы безопасны для nil-получателя: сервисы в тестах работают без метрик.
type SettlementMetrics struct {
	transitions      *prometheus.CounterVec
	ledgerOperations *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	analysisJobs     *prometheus.CounterVec
	reconcileActions *prometheus.CounterVec

	analysisDuration prometheus.Histogram
	stepDuration     *prometheus.HistogramVec

	outboxEvents    prometheus.Counter
	outboxPublish   *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	outboxOldestAge prometheus.Gauge
	activeAnalyses  prometheus.Gauge
}

// NewSettlementMetrics регистрирует метрики в DefaultRegisterer.
func NewSettlementMetrics() *SettlementMetrics {
	return NewSettlementMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSettlementMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSettlementMetricsWithRegisterer(registerer prometheus.Registerer) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SettlementMetrics{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_transitions_total",
			Help: "Consultation transition attempts by source and outcome",
		}, []string{"source", "from", "to", "outcome"}),
		ledgerOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_ledger_operations_total",
			Help: "Offering ledger operations by result",
		}, []string{"operation", "result"}),
		webhookEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_webhook_events_total",
			Help: "Payment webhook deliveries by provider outcome and handling result",
		}, []string{"outcome", "result"}),
		analysisJobs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_analysis_jobs_total",
			Help: "Analysis job lifecycle events",
		}, []string{"result"}),
		reconcileActions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_reconcile_actions_total",
			Help: "Reconcile worker actions by kind and result",
		}, []string{"kind", "result"}),
		analysisDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "settlement_analysis_duration_seconds",
			Help:    "Duration of analysis generation in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "settlement_step_duration_seconds",
			Help:    "Duration of settlement steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "settlement_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		outboxPublish: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_outbox_publish_attempts_total",
			Help: "Outbox publish attempts grouped by result",
		}, []string{"result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "settlement_outbox_pending_records",
			Help: "Current number of pending outbox records",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "settlement_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		activeAnalyses: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "settlement_active_analyses",
			Help: "Number of analysis jobs currently running",
		}),
	}
}

// RecordTransition учитывает попытку перехода статуса.
func (m *SettlementMetrics) RecordTransition(source, from, to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(source, from, to, outcome).Inc()
}

// RecordLedgerOperation учитывает операцию леджера (consume/refund/credit).
func (m *SettlementMetrics) RecordLedgerOperation(operation, result string) {
	if m == nil {
		return
	}
	m.ledgerOperations.WithLabelValues(operation, result).Inc()
}

// RecordWebhookEvent учитывает доставку webhook.
func (m *SettlementMetrics) RecordWebhookEvent(outcome, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome, result).Inc()
}

// RecordAnalysisJob учитывает событие жизненного цикла задачи анализа.
func (m *SettlementMetrics) RecordAnalysisJob(result string) {
	if m == nil {
		return
	}
	m.analysisJobs.WithLabelValues(result).Inc()
}

// RecordReconcileAction учитывает действие reconcile-воркера.
func (m *SettlementMetrics) RecordReconcileAction(kind, result string) {
	if m == nil {
		return
	}
	m.reconcileActions.WithLabelValues(kind, result).Inc()
}

// AnalysisStarted увеличивает количество выполняющихся анализов.
func (m *SettlementMetrics) AnalysisStarted() {
	if m == nil {
		return
	}
	m.activeAnalyses.Inc()
}

// AnalysisFinished уменьшает количество выполняющихся анализов и записывает длительность.
func (m *SettlementMetrics) AnalysisFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.activeAnalyses.Dec()
	m.analysisDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага расчёта.
func (m *SettlementMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SettlementMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordOutboxPublish учитывает попытку публикации из outbox.
func (m *SettlementMetrics) RecordOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublish.WithLabelValues(result).Inc()
}

// SetOutboxBacklog выставляет размер и возраст backlog outbox.
func (m *SettlementMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}
