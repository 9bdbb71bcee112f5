package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"harvester/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes one message per record, keyed by identity key so that
// updates for one candidate land on one partition.
type Kafka struct {
	writer messageWriter
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{writer: kafka.NewWriter(kafka.WriterConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxAttempts: 3,
		Balancer:    &kafka.Hash{},
	})}
}

func (k *Kafka) Save(ctx context.Context, source string, records []models.CandidateRecord) error {
	if len(records) == 0 {
		return nil
	}
	runID := RunIDFrom(ctx)
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("sink: kafka: marshal: %w", err)
		}
		msg := kafka.Message{
			Value: payload,
			Headers: []kafka.Header{
				{Key: "source", Value: []byte(source)},
				{Key: "run_id", Value: []byte(runID)},
			},
		}
		if rec.IdentityKey != "" {
			msg.Key = []byte(rec.IdentityKey)
		}
		msgs = append(msgs, msg)
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("sink: kafka: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
