package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/firewatch-service/internal/alert"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/threat"
)

// Feed sources.
const (
	FeedKafka = "kafka"
	FeedFIRMS = "firms"
	FeedNone  = "none"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaAlertTopic  string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// FeedSource selects where detections come from.
	FeedSource   string
	FIRMSBaseURL string
	FIRMSMapKey  string
	FIRMSSource  string
	FIRMSDays    int
	FIRMSTimeout time.Duration

	AreasFile   string
	DatabaseURL string

	CycleInterval       time.Duration
	LookbackWindow      time.Duration
	HotspotRetention    time.Duration
	MaintenanceSchedule string

	Threat threat.Config
	Alert  alert.Config

	// Notification channels. Empty URLs disable the channel.
	DryRun                bool
	SlackWebhookURL       string
	SlackMinSeverity      domain.Severity
	AlertWebhookURL       string
	WebhookMinSeverity    domain.Severity
	KafkaAlertMinSeverity domain.Severity
	ChannelRatePerMinute  int

	// Mapbox reverse geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	thr := threat.DefaultConfig()
	thr.Workers = p.positiveInt("ASSESS_WORKERS", thr.Workers)
	thr.SafetyMarginKm = p.nonNegativeFloat("SAFETY_MARGIN_KM", thr.SafetyMarginKm)

	alr := alert.DefaultConfig()
	alr.SuppressionWindow = p.duration("SUPPRESSION_WINDOW", alr.SuppressionWindow)
	alr.RateLimit = p.positiveInt("ALERT_RATE_LIMIT", alr.RateLimit)
	alr.RateWindow = p.duration("ALERT_RATE_WINDOW", alr.RateWindow)
	alr.TTL = p.duration("ALERT_TTL", alr.TTL)

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "firms-detections"),
		KafkaAlertTopic:    sharedcfg.EnvOrDefault("KAFKA_ALERT_TOPIC", "wildfire-alerts"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "firewatch"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		FeedSource:   sharedcfg.EnvOrDefault("FEED_SOURCE", FeedKafka),
		FIRMSBaseURL: sharedcfg.EnvOrDefault("FIRMS_BASE_URL", "https://firms.modaps.eosdis.nasa.gov/api"),
		FIRMSMapKey:  os.Getenv("FIRMS_MAP_KEY"),
		FIRMSSource:  sharedcfg.EnvOrDefault("FIRMS_SOURCE", "VIIRS_SNPP_NRT"),
		FIRMSDays:    p.positiveInt("FIRMS_DAYS", 1),
		FIRMSTimeout: p.duration("FIRMS_TIMEOUT", 30*time.Second),

		AreasFile:   sharedcfg.EnvOrDefault("AREAS_FILE", "areas.yaml"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		CycleInterval:       p.duration("CYCLE_INTERVAL", 5*time.Minute),
		LookbackWindow:      p.duration("LOOKBACK_WINDOW", 24*time.Hour),
		HotspotRetention:    p.duration("HOTSPOT_RETENTION", 72*time.Hour),
		MaintenanceSchedule: sharedcfg.EnvOrDefault("MAINTENANCE_SCHEDULE", "@every 15m"),

		Threat: thr,
		Alert:  alr,

		DryRun:                os.Getenv("DRY_RUN") == "true",
		SlackWebhookURL:       os.Getenv("SLACK_WEBHOOK_URL"),
		SlackMinSeverity:      p.severity("SLACK_MIN_SEVERITY", domain.SeverityHigh),
		AlertWebhookURL:       os.Getenv("ALERT_WEBHOOK_URL"),
		WebhookMinSeverity:    p.severity("WEBHOOK_MIN_SEVERITY", domain.SeverityMedium),
		KafkaAlertMinSeverity: p.severity("KAFKA_ALERT_MIN_SEVERITY", domain.SeverityMedium),
		ChannelRatePerMinute:  p.positiveInt("CHANNEL_RATE_PER_MINUTE", 30),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   p.duration("MAPBOX_TIMEOUT", 5*time.Second),
		MapboxCacheSize: parseMapboxCacheSize(),
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.FeedSource {
	case FeedKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required")
		}
		if c.KafkaSourceTopic == "" {
			return errors.New("KAFKA_SOURCE_TOPIC is required")
		}
	case FeedFIRMS:
		if c.FIRMSMapKey == "" {
			return errors.New("FEED_SOURCE is firms but FIRMS_MAP_KEY is not set")
		}
	case FeedNone:
	default:
		return fmt.Errorf("invalid FEED_SOURCE %q: want kafka, firms or none", c.FeedSource)
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if c.LookbackWindow > c.HotspotRetention {
		return errors.New("LOOKBACK_WINDOW must not exceed HOTSPOT_RETENTION")
	}
	if err := c.Threat.Validate(); err != nil {
		return fmt.Errorf("threat config: %w", err)
	}
	if err := c.Alert.Validate(); err != nil {
		return fmt.Errorf("alert config: %w", err)
	}
	return nil
}

// parser collects the first parse failure so Load can report it once.
type parser struct {
	first error
}

func (p *parser) fail(key, value string) {
	if p.first == nil {
		p.first = fmt.Errorf("invalid %s: %q", key, value)
	}
}

func (p *parser) err() error { return p.first }

func (p *parser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		p.fail(key, s)
		return def
	}
	return d
}

func (p *parser) positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		p.fail(key, s)
		return def
	}
	return n
}

func (p *parser) nonNegativeFloat(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		p.fail(key, s)
		return def
	}
	return f
}

func (p *parser) severity(key string, def domain.Severity) domain.Severity {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	sev, err := domain.ParseSeverity(s)
	if err != nil {
		p.fail(key, s)
		return def
	}
	return sev
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
