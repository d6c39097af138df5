package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/firewatch-service/internal/config"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/notify"
)

// ChannelName identifies the Kafka alert channel in deliveries.
const ChannelName = "kafka"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes dispatched alerts to the alert topic.
// It implements notify.Channel.
type Writer struct {
	writer messageWriter
}

// NewWriter creates a Kafka producer for the configured alert topic.
func NewWriter(cfg *config.Config) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAlertTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w}
}

// Name implements notify.Channel.
func (w *Writer) Name() string { return ChannelName }

// Send implements notify.Channel. Messages are keyed by alert ID so every
// update of one alert lands on the same partition.
func (w *Writer) Send(ctx context.Context, msg notify.Message) error {
	m, err := serializeToMessage(msg)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, m)
}

// Close flushes and closes the producer.
func (w *Writer) Close() error {
	return w.writer.Close()
}

type alertEnvelope struct {
	Subject string       `json:"subject"`
	Text    string       `json:"text"`
	Alert   domain.Alert `json:"alert"`
}

func serializeToMessage(msg notify.Message) (kafkago.Message, error) {
	data, err := json.Marshal(alertEnvelope{Subject: msg.Subject, Text: msg.Text, Alert: msg.Alert})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert: %w", err)
	}
	a := msg.Alert
	return kafkago.Message{
		Key:   []byte(a.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "severity", Value: []byte(a.Severity.String())},
			{Key: "area_id", Value: []byte(a.AreaID)},
			{Key: "created_at", Value: []byte(a.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}
