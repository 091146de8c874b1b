package app

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/settlement/internal/service/outbox"
)

var errKafkaUnavailable = errors.New("kafka producer is not connected")

// initKafkaProducer инициализирует Kafka producer, если брокеры заданы.
// Возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer, если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// outboxPublishers возвращает основной publisher и DLQ. Без producer события уходят в лог.
func outboxPublishers(cfg Config, producer *kafka.Producer, logger *log.Entry) (domain.OutboxPublisher, domain.OutboxPublisher) {
	if producer == nil {
		return outbox.NewLogPublisher(logger.WithField("component", "outbox-log")), nil
	}
	return kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic), kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)
}

// startPaymentRelay подписывается на топик событий провайдера и передаёт их в ingestor.
// Необработанные сообщения уходят в DLQ через тот же producer.
func startPaymentRelay(ctx context.Context, cfg Config, producer *kafka.Producer, ingestor kafka.WebhookIngestor, logger *log.Entry) (*kafka.Consumer, error) {
	if !cfg.KafkaEnabled() {
		return nil, nil
	}

	relayLogger := logger.WithField("component", "kafka-payment-relay")
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    cfg.KafkaBrokers,
		GroupID:    cfg.KafkaConsumerGroup,
		Topics:     []string{cfg.KafkaPaymentTopic},
		DLQ:        producer,
		DLQTopic:   cfg.KafkaDLQTopic,
		MaxRetries: cfg.KafkaMaxRetries,
		RetryDelay: cfg.KafkaRetryDelay,
		Logger:     relayLogger,
	}, kafka.PaymentEventHandler(ingestor, relayLogger))
	if err != nil {
		logger.WithError(err).Warn("failed to create payment relay consumer, webhook endpoint stays the only source")
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	return consumer, nil
}

// stopPaymentRelay останавливает consumer, если он запущен.
func stopPaymentRelay(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop payment relay consumer")
	}
}
