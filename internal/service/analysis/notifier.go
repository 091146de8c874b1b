package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/service/lifecycle"
)

// EventAnalysisReady: тип outbox-события для сервиса уведомлений.
const EventAnalysisReady = "AnalysisReady"

// LogNotifier только пишет уведомление в лог.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт notifier для локального запуска.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	return &LogNotifier{logger: logger}
}

// NotifyAnalysisReady логирует готовность анализа.
func (n *LogNotifier) NotifyAnalysisReady(_ context.Context, consultation domain.Consultation) error {
	n.logger.WithFields(log.Fields{
		"consultation_id": consultation.ID,
		"user_id":         consultation.UserID,
		"result_ref":      consultation.ResultRef,
	}).Info("analysis ready")
	return nil
}

type analysisReadyEvent struct {
	ConsultationID string `json:"consultation_id"`
	UserID         string `json:"user_id"`
	ResultRef      string `json:"result_ref"`
	Ts             string `json:"ts"`
}

// OutboxNotifier кладёт событие AnalysisReady в outbox; доставку выполняет outbox-воркер.
type OutboxNotifier struct {
	outbox domain.OutboxRepository
}

// NewOutboxNotifier создаёт notifier поверх outbox.
func NewOutboxNotifier(outbox domain.OutboxRepository) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox}
}

// NotifyAnalysisReady сохраняет событие для сервиса уведомлений.
func (n *OutboxNotifier) NotifyAnalysisReady(ctx context.Context, consultation domain.Consultation) error {
	payload, err := json.Marshal(analysisReadyEvent{
		ConsultationID: consultation.ID,
		UserID:         consultation.UserID,
		ResultRef:      consultation.ResultRef,
		Ts:             time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal analysis ready: %w", err)
	}

	_, err = n.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: lifecycle.AggregateConsultation,
		AggregateID:   consultation.ID,
		EventType:     EventAnalysisReady,
		Payload:       payload,
	})
	return err
}

var (
	_ domain.Notifier = (*LogNotifier)(nil)
	_ domain.Notifier = (*OutboxNotifier)(nil)
	_ domain.Analyzer = (*StubAnalyzer)(nil)
)
