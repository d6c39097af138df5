//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/firewatch-service/internal/adapter/areafile"
	"github.com/couchcryptid/firewatch-service/internal/adapter/kafka"
	"github.com/couchcryptid/firewatch-service/internal/alert"
	"github.com/couchcryptid/firewatch-service/internal/config"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/notify"
	"github.com/couchcryptid/firewatch-service/internal/observability"
	"github.com/couchcryptid/firewatch-service/internal/pipeline"
	"github.com/couchcryptid/firewatch-service/internal/store"
	"github.com/couchcryptid/firewatch-service/internal/threat"
)

const (
	testDetectionTopic = "test-detections"
	testAlertTopic     = "test-alerts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("firewatch-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

func loadFixture(t *testing.T) ([]domain.ProtectedArea, [][]byte) {
	t.Helper()
	areas, err := areafile.Load("../pipeline/testdata/areas.yaml")
	require.NoError(t, err)

	data, err := os.ReadFile("../pipeline/testdata/detections.json")
	require.NoError(t, err)
	var raws []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raws))
	payloads := make([][]byte, len(raws))
	for i, r := range raws {
		payloads[i] = r
	}
	return areas, payloads
}

// TestKafkaPipeline publishes fixture detections to the detection topic, runs
// cycles until the alert is dispatched, and reads it back from the alert
// topic.
func TestKafkaPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testDetectionTopic)
	createTopic(t, broker, testAlertTopic)

	cfg := &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaSourceTopic:   testDetectionTopic,
		KafkaAlertTopic:    testAlertTopic,
		KafkaGroupID:       fmt.Sprintf("firewatch-it-%d", time.Now().UnixNano()),
		BatchSize:          10,
		BatchFlushInterval: 2 * time.Second,
		CycleInterval:      10 * time.Second,
	}

	areas, payloads := loadFixture(t)
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testDetectionTopic}
	t.Cleanup(func() { _ = producer.Close() })
	msgs := make([]kafkago.Message, len(payloads))
	for i, p := range payloads {
		msgs[i] = kafkago.Message{Value: p}
	}
	require.NoError(t, producer.WriteMessages(ctx, msgs...))

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg)
	t.Cleanup(func() { _ = writer.Close() })

	registry := store.NewAreaRegistry()
	require.Empty(t, registry.RegisterAll(areas))
	assessor, err := threat.NewAssessor(threat.DefaultConfig(), discardLogger())
	require.NoError(t, err)
	engine, err := alert.NewEngine(alert.DefaultConfig(), alert.NewLedger(), discardLogger())
	require.NoError(t, err)
	dispatcher, err := notify.NewDispatcher([]notify.Route{{Channel: writer, MinSeverity: domain.SeverityMedium}}, discardLogger())
	require.NoError(t, err)

	// Detections in the fixture are from 2025-01-08; a long lookback keeps
	// them in the window regardless of when the test runs.
	svc := pipeline.New(store.NewHotspotStore(), registry, assessor, engine,
		pipeline.Config{Interval: time.Second, Lookback: 24 * 365 * 10 * time.Hour, Retention: 24 * 365 * 10 * time.Hour},
		discardLogger(), observability.NewMetricsForTesting(),
		pipeline.WithSource(reader),
		pipeline.WithNotifier(dispatcher),
	)

	// The consumer group may need several fetches before partitions are
	// assigned, so run cycles until everything published has been fetched.
	var total pipeline.CycleSummary
	for total.Fetched < len(payloads) {
		require.NoError(t, ctx.Err(), "timed out waiting for detections")
		sum, err := svc.RunCycle(ctx)
		require.NoError(t, err)
		total.Fetched += sum.Fetched
		total.Inserted += sum.Inserted
		total.Malformed += sum.Malformed
		total.Dispatched += sum.Dispatched
	}
	assert.Equal(t, 2, total.Inserted)
	assert.Equal(t, 2, total.Malformed)
	assert.Equal(t, 1, total.Dispatched)

	active := svc.ActiveAlerts(domain.SeverityMedium)
	require.Len(t, active, 1)
	require.Len(t, active[0].Deliveries, 1)
	assert.True(t, active[0].Deliveries[0].OK, active[0].Deliveries[0].Error)

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testAlertTopic,
		GroupID:     fmt.Sprintf("firewatch-it-alerts-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from alert topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, active[0].ID, string(msg.Key))
	assert.Equal(t, "CRITICAL", headers["severity"])
	assert.Equal(t, "downtown-la", headers["area_id"])

	var env struct {
		Subject string       `json:"subject"`
		Alert   domain.Alert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Contains(t, env.Subject, "CRITICAL WILDFIRE ALERT")
	assert.Equal(t, domain.AlertDispatched, env.Alert.State)
}
