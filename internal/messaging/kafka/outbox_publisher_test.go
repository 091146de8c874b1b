package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var envelope Envelope
		if err := json.Unmarshal(val, &envelope); err != nil {
			return err
		}
		if envelope.AggregateID != "c-123" || envelope.EventType != "ConsultationStatusChanged" {
			return errors.New("unexpected envelope")
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, nil), "")
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: "consultation",
		AggregateID:   "c-123",
		EventType:     "ConsultationStatusChanged",
		Payload:       []byte(`{"to":"GENERATING"}`),
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_ProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, nil), TopicDeadLetterQueue)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-2", Payload: []byte(`{}`)})
	assert.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_NotInitialized(t *testing.T) {
	t.Parallel()

	var publisher *OutboxTopicPublisher
	assert.Error(t, publisher.Publish(context.Background(), domain.OutboxMessage{}))
}
