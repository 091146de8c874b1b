package outbox

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// LogPublisher пишет события в лог. Используется, когда брокер не настроен:
// outbox всё равно разбирается и не копит backlog.
type LogPublisher struct {
	logger *log.Entry
}

// NewLogPublisher создаёт publisher без внешнего брокера.
func NewLogPublisher(logger *log.Entry) *LogPublisher {
	if logger == nil {
		logger = log.WithField("component", "outbox-log")
	}
	return &LogPublisher{logger: logger}
}

// Publish логирует событие и всегда завершается успешно.
func (p *LogPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":       event.ID,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"event_type":     event.EventType,
	}).Info("outbox event published to log")
	return nil
}

var _ domain.OutboxPublisher = (*LogPublisher)(nil)
