package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

const testMapboxToken = "pk.test-token"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "firms-detections", cfg.KafkaSourceTopic)
	assert.Equal(t, "wildfire-alerts", cfg.KafkaAlertTopic)
	assert.Equal(t, "firewatch", cfg.KafkaGroupID)
	assert.Equal(t, FeedKafka, cfg.FeedSource)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "areas.yaml", cfg.AreasFile)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 5*time.Minute, cfg.CycleInterval)
	assert.Equal(t, 24*time.Hour, cfg.LookbackWindow)
	assert.Equal(t, 72*time.Hour, cfg.HotspotRetention)
	assert.Equal(t, "@every 15m", cfg.MaintenanceSchedule)

	assert.Equal(t, 60*time.Minute, cfg.Alert.SuppressionWindow)
	assert.Equal(t, 10, cfg.Alert.RateLimit)
	assert.Equal(t, 15*time.Minute, cfg.Alert.RateWindow)
	assert.Equal(t, 24*time.Hour, cfg.Alert.TTL)
	assert.Equal(t, 4, cfg.Threat.Workers)

	assert.False(t, cfg.DryRun)
	assert.Equal(t, domain.SeverityHigh, cfg.SlackMinSeverity)
	assert.Equal(t, domain.SeverityMedium, cfg.WebhookMinSeverity)
	assert.Equal(t, 30, cfg.ChannelRatePerMinute)

	assert.False(t, cfg.MapboxEnabled)
	assert.Equal(t, 5*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 1000, cfg.MapboxCacheSize)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_ALERT_TOPIC", "alerts")
	t.Setenv("FEED_SOURCE", "firms")
	t.Setenv("FIRMS_MAP_KEY", "abc123")
	t.Setenv("FIRMS_DAYS", "3")
	t.Setenv("AREAS_FILE", "/etc/firewatch/areas.yaml")
	t.Setenv("CYCLE_INTERVAL", "1m")
	t.Setenv("SUPPRESSION_WINDOW", "30m")
	t.Setenv("ALERT_RATE_LIMIT", "5")
	t.Setenv("ASSESS_WORKERS", "8")
	t.Setenv("SLACK_MIN_SEVERITY", "critical")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "alerts", cfg.KafkaAlertTopic)
	assert.Equal(t, FeedFIRMS, cfg.FeedSource)
	assert.Equal(t, "abc123", cfg.FIRMSMapKey)
	assert.Equal(t, 3, cfg.FIRMSDays)
	assert.Equal(t, "/etc/firewatch/areas.yaml", cfg.AreasFile)
	assert.Equal(t, time.Minute, cfg.CycleInterval)
	assert.Equal(t, 30*time.Minute, cfg.Alert.SuppressionWindow)
	assert.Equal(t, 5, cfg.Alert.RateLimit)
	assert.Equal(t, 8, cfg.Threat.Workers)
	assert.Equal(t, domain.SeverityCritical, cfg.SlackMinSeverity)
	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.MapboxEnabled)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SHUTDOWN_TIMEOUT", "not-a-duration"},
		{"BATCH_SIZE", "0"},
		{"CYCLE_INTERVAL", "-1m"},
		{"SUPPRESSION_WINDOW", "soon"},
		{"ALERT_RATE_LIMIT", "0"},
		{"ASSESS_WORKERS", "many"},
		{"SAFETY_MARGIN_KM", "-2"},
		{"SLACK_MIN_SEVERITY", "urgent"},
		{"MAPBOX_TIMEOUT", "bad"},
		{"FEED_SOURCE", "sqs"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_FIRMSRequiresKey(t *testing.T) {
	t.Setenv("FEED_SOURCE", "firms")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIRMS_MAP_KEY")
}

func TestLoad_LookbackExceedsRetention(t *testing.T) {
	t.Setenv("LOOKBACK_WINDOW", "96h")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOOKBACK_WINDOW")
}

func TestLoad_MapboxEnabledWithoutToken(t *testing.T) {
	t.Setenv("MAPBOX_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAPBOX_TOKEN")
}

func TestLoad_MapboxExplicitlyDisabled(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.MapboxEnabled)
}
