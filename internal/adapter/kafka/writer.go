package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/config"
	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes committed assessments to the assessments topic.
// It implements pipeline.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured assessments topic.
// Messages are keyed by footprint so each footprint's versions stay ordered
// within one partition.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAssessmentsTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish serializes and writes assessments in a single WriteMessages call.
func (w *Writer) Publish(ctx context.Context, assessments []domain.Assessment) error {
	if len(assessments) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(assessments))
	for i := range assessments {
		msg, err := serializeToMessage(assessments[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d assessments: %w", len(msgs), err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an Assessment into a Kafka message.
func serializeToMessage(a domain.Assessment) (kafkago.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize assessment: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(a.FootprintID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "grade", Value: []byte(a.Grade.String())},
			{Key: "version", Value: []byte(strconv.Itoa(a.Version))},
			{Key: "committed_at", Value: []byte(a.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
