// Command firewatch runs the wildfire threat service: it ingests satellite
// hotspot detections, assesses them against protected areas, dispatches
// alerts and serves health, metrics and a read-only query API.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/couchcryptid/firewatch-service/internal/adapter/areafile"
	"github.com/couchcryptid/firewatch-service/internal/adapter/firms"
	"github.com/couchcryptid/firewatch-service/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/firewatch-service/internal/adapter/kafka"
	"github.com/couchcryptid/firewatch-service/internal/adapter/mapbox"
	"github.com/couchcryptid/firewatch-service/internal/adapter/postgres"
	"github.com/couchcryptid/firewatch-service/internal/adapter/webhook"
	"github.com/couchcryptid/firewatch-service/internal/alert"
	"github.com/couchcryptid/firewatch-service/internal/config"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/notify"
	"github.com/couchcryptid/firewatch-service/internal/observability"
	"github.com/couchcryptid/firewatch-service/internal/pipeline"
	"github.com/couchcryptid/firewatch-service/internal/store"
	"github.com/couchcryptid/firewatch-service/internal/threat"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	areas := store.NewAreaRegistry()
	loadAreas(cfg.AreasFile, areas, logger)

	assessor, err := threat.NewAssessor(cfg.Threat, logger)
	if err != nil {
		logger.Error("invalid threat config", "error", err)
		os.Exit(1)
	}
	engine, err := alert.NewEngine(cfg.Alert, alert.NewLedger(), logger)
	if err != nil {
		logger.Error("invalid alert config", "error", err)
		os.Exit(1)
	}

	var closers []io.Closer
	opts := []pipeline.Option{}

	// Initialize geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger, metrics)
		cached, err := mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		if err != nil {
			logger.Error("geocoder init failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, pipeline.WithGeocoder(cached))
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	switch cfg.FeedSource {
	case config.FeedKafka:
		reader := kafkaadapter.NewReader(cfg, logger)
		closers = append(closers, reader)
		opts = append(opts, pipeline.WithSource(reader))
	case config.FeedFIRMS:
		opts = append(opts, pipeline.WithSource(firms.NewClient(cfg.FIRMSMapKey, cfg.FIRMSSource, cfg.FIRMSDays,
			cfg.FIRMSTimeout, areas, logger, firms.WithBaseURL(cfg.FIRMSBaseURL), firms.WithMarginKm(cfg.Threat.SafetyMarginKm))))
	}
	logger.Info("detection feed selected", "feed", cfg.FeedSource)

	routes, routeClosers := buildRoutes(cfg, logger)
	closers = append(closers, routeClosers...)
	dispatcher, err := notify.NewDispatcher(routes, logger, notify.WithObserver(metrics))
	if err != nil {
		logger.Error("dispatcher init failed", "error", err)
		os.Exit(1)
	}
	opts = append(opts, pipeline.WithNotifier(dispatcher))
	logger.Info("notification channels configured", "channels", dispatcher.Channels(), "dry_run", cfg.DryRun)

	var db *postgres.Store
	if cfg.DatabaseURL != "" {
		db, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Error("postgres migrate failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, pipeline.WithPersister(db))
	}

	svc := pipeline.New(store.NewHotspotStore(), areas, assessor, engine, pipeline.Config{
		Interval:  cfg.CycleInterval,
		Lookback:  cfg.LookbackWindow,
		Retention: cfg.HotspotRetention,
	}, logger, metrics, opts...)

	if db != nil {
		restore(ctx, db, svc, cfg.HotspotRetention, logger)
	}

	scheduler := cron.New(cron.WithLogger(cronLogger{logger}))
	if _, err := scheduler.AddFunc(cfg.MaintenanceSchedule, func() {
		loadAreasInto(cfg.AreasFile, svc, logger)
		res := svc.Maintain(time.Now().UTC())
		if db != nil {
			pruned, err := db.Prune(ctx, time.Now().UTC().Add(-cfg.HotspotRetention))
			if err != nil {
				logger.Error("postgres prune failed", "error", err)
				return
			}
			logger.Info("postgres pruned", "hotspots", pruned.Hotspots, "alerts", pruned.Alerts, "evicted_in_memory", res.Hotspots)
		}
	}); err != nil {
		logger.Error("invalid MAINTENANCE_SCHEDULE", "schedule", cfg.MaintenanceSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	srv := httpadapter.NewServer(cfg.HTTPAddr, svc, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the detection cycle.
	pipelineDone := svc.Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	<-scheduler.Stop().Done()

	// Let a cycle in flight deliver and persist its alerts before the
	// channels and database close under it.
	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before shutdown timeout", "timeout", cfg.ShutdownTimeout)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error("close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// buildRoutes returns the notification routes for the configured channels.
// Dry-run mode keeps only the log channel.
func buildRoutes(cfg *config.Config, logger *slog.Logger) ([]notify.Route, []io.Closer) {
	routes := []notify.Route{{Channel: notify.NewLogChannel(logger), MinSeverity: domain.SeverityMedium}}
	if cfg.DryRun {
		return routes, nil
	}

	var closers []io.Closer
	if cfg.SlackWebhookURL != "" {
		routes = append(routes, notify.Route{
			Channel:     webhook.NewSlack(cfg.SlackWebhookURL, nil),
			MinSeverity: cfg.SlackMinSeverity,
			PerMinute:   cfg.ChannelRatePerMinute,
		})
	}
	if cfg.AlertWebhookURL != "" {
		routes = append(routes, notify.Route{
			Channel:     webhook.NewJSON(cfg.AlertWebhookURL, nil),
			MinSeverity: cfg.WebhookMinSeverity,
			PerMinute:   cfg.ChannelRatePerMinute,
		})
	}
	if cfg.KafkaAlertTopic != "" && len(cfg.KafkaBrokers) > 0 {
		w := kafkaadapter.NewWriter(cfg)
		closers = append(closers, w)
		routes = append(routes, notify.Route{Channel: w, MinSeverity: cfg.KafkaAlertMinSeverity})
	}
	return routes, closers
}

func loadAreas(path string, reg *store.AreaRegistry, logger *slog.Logger) {
	areas, err := areafile.Load(path)
	if err != nil {
		logger.Warn("protected areas not loaded", "path", path, "error", err)
		return
	}
	for _, err := range reg.RegisterAll(areas) {
		logger.Warn("area rejected", "error", err)
	}
	logger.Info("protected areas loaded", "path", path, "count", reg.Len())
}

func loadAreasInto(path string, svc *pipeline.Service, logger *slog.Logger) {
	areas, err := areafile.Load(path)
	if err != nil {
		logger.Warn("protected areas reload skipped", "path", path, "error", err)
		return
	}
	for _, err := range svc.ReplaceAreas(areas) {
		logger.Warn("area rejected", "error", err)
	}
}

func restore(ctx context.Context, db *postgres.Store, svc *pipeline.Service, retention time.Duration, logger *slog.Logger) {
	since := time.Now().UTC().Add(-retention)
	hotspots, err := db.LoadHotspots(ctx, since)
	if err != nil {
		logger.Error("restore hotspots failed", "error", err)
		return
	}
	alerts, err := db.LoadAlerts(ctx, since)
	if err != nil {
		logger.Error("restore alerts failed", "error", err)
		return
	}
	svc.Restore(hotspots, alerts)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
