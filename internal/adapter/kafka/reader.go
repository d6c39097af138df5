// Package kafka connects the pipeline to Kafka: a detection feed consumed
// from a source topic and an alert channel produced to a sink topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/firewatch-service/internal/config"
	"github.com/couchcryptid/firewatch-service/internal/domain"
)

// messageFetcher is the subset of *kafkago.Reader the feed uses.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Reader consumes raw detections, one JSON object per message, and hands
// them to the pipeline in batches. Offsets are committed only after the
// pipeline has ingested a batch, so a crash redelivers rather than loses
// detections; hotspot IDs make the redelivery idempotent.
type Reader struct {
	reader        messageFetcher
	batchSize     int
	flushInterval time.Duration
	maxWait       time.Duration
	logger        *slog.Logger
}

// NewReader creates a consumer-group reader on the configured source topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaSourceTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newReader(r, cfg.BatchSize, cfg.BatchFlushInterval, cfg.CycleInterval, logger)
}

func newReader(r messageFetcher, batchSize int, flush, maxWait time.Duration, logger *slog.Logger) *Reader {
	return &Reader{reader: r, batchSize: max(1, batchSize), flushInterval: flush, maxWait: maxWait, logger: logger}
}

// Fetch waits up to maxWait for the first message, then collects until the
// batch is full or the flush interval has passed since that first message.
// An idle topic yields an empty batch so the cycle still runs. An
// undecodable message is returned in Rejected and still committed with the
// batch.
func (r *Reader) Fetch(ctx context.Context) (domain.Batch, error) {
	waitCtx, cancelWait := context.WithTimeout(ctx, r.maxWait)
	first, err := r.reader.FetchMessage(waitCtx)
	cancelWait()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return domain.Batch{}, nil
		}
		return domain.Batch{}, fmt.Errorf("fetch detection: %w", err)
	}
	msgs := []kafkago.Message{first}

	fillCtx, cancel := context.WithTimeout(ctx, r.flushInterval)
	defer cancel()
	for len(msgs) < r.batchSize {
		msg, err := r.reader.FetchMessage(fillCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || fillCtx.Err() != nil {
				break
			}
			return domain.Batch{}, fmt.Errorf("fetch detection: %w", err)
		}
		msgs = append(msgs, msg)
	}

	batch := domain.Batch{
		Commit: func(ctx context.Context) error {
			return r.reader.CommitMessages(ctx, msgs...)
		},
	}
	for _, m := range msgs {
		raw, err := decodeDetection(m)
		if err != nil {
			r.logger.Debug("undecodable detection message",
				"partition", m.Partition, "offset", m.Offset, "error", err)
			batch.Rejected = append(batch.Rejected, err)
			continue
		}
		batch.Detections = append(batch.Detections, raw)
	}
	return batch, nil
}

// Close closes the underlying reader.
func (r *Reader) Close() error {
	return r.reader.Close()
}

func decodeDetection(m kafkago.Message) (domain.RawDetection, error) {
	var raw domain.RawDetection
	if err := json.Unmarshal(m.Value, &raw); err != nil {
		return domain.RawDetection{}, fmt.Errorf("%w: partition %d offset %d: %w",
			domain.ErrMalformedRecord, m.Partition, m.Offset, err)
	}
	return raw, nil
}
