package kafka

import (
	"context"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/service/webhook"
)

// WebhookIngestor: приёмник событий провайдера.
type WebhookIngestor interface {
	IngestRaw(ctx context.Context, body []byte, signature string) webhook.Ack
}

// PaymentEventHandler передаёт события провайдера из топика в тот же путь, что и HTTP webhook.
// Отказ в ack (плохая подпись или тело) не повторяется: сообщение коммитится и логируется.
func PaymentEventHandler(ingestor WebhookIngestor, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "kafka-payment-relay")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ack := ingestor.IngestRaw(ctx, message.Value, HeaderValue(message, HeaderSignature))
		if !ack.Success {
			logger.WithFields(log.Fields{
				"partition": message.Partition,
				"offset":    message.Offset,
				"message":   ack.Message,
			}).Warn("payment event rejected")
		}
		return nil
	}
}
