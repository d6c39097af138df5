// Package pipeline runs the detection-to-alert cycle: ingest hotspots,
// assess them against protected areas, decide alerts and hand dispatchable
// alerts to notification channels.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/alert"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/observability"
	"github.com/couchcryptid/firewatch-service/internal/store"
	"github.com/couchcryptid/firewatch-service/internal/threat"
	"github.com/jonboulle/clockwork"
)

// Source yields batches of raw detections from a feed.
type Source interface {
	Fetch(ctx context.Context) (domain.Batch, error)
}

// Notifier delivers a dispatchable decision and reports per-channel results.
type Notifier interface {
	Dispatch(ctx context.Context, dec domain.Decision) []domain.Delivery
}

// Persister stores hotspots and alert state durably.
type Persister interface {
	SaveHotspots(ctx context.Context, hotspots []domain.Hotspot) error
	SaveAlerts(ctx context.Context, alerts []domain.Alert) error
}

// Config controls the cycle cadence and retention.
type Config struct {
	// Interval is the wait between cycles.
	Interval time.Duration
	// Lookback is how far back from now a cycle assesses hotspots.
	Lookback time.Duration
	// Retention bounds how long hotspots, threat history and closed alerts
	// are kept.
	Retention time.Duration
}

// Service wires the stores, the assessor and the alert engine together and
// exposes the core operations and queries.
type Service struct {
	hotspots *store.HotspotStore
	areas    *store.AreaRegistry
	assessor *threat.Assessor
	history  *threat.History
	engine   *alert.Engine

	source    Source
	notifier  Notifier
	geocoder  domain.Geocoder
	persister Persister
	clock     clockwork.Clock

	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	cycleMu sync.Mutex // serializes RunCycle
	mu      sync.Mutex
	latest  []domain.ThreatRecord
	ready   atomic.Bool
}

// Option configures optional collaborators.
type Option func(*Service)

// WithSource sets the detection feed read at the start of every cycle.
func WithSource(src Source) Option { return func(s *Service) { s.source = src } }

// WithNotifier sets where dispatchable alerts are sent.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithGeocoder enables place-name enrichment of dispatched alerts.
func WithGeocoder(g domain.Geocoder) Option { return func(s *Service) { s.geocoder = g } }

// WithPersister enables durable storage of hotspots and alerts.
func WithPersister(p Persister) Option { return func(s *Service) { s.persister = p } }

// WithClock overrides the clock that stamps cycles.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// New creates a Service. The area registry may be updated while the service
// runs; every assessment uses the registry snapshot current at its start.
func New(hotspots *store.HotspotStore, areas *store.AreaRegistry, assessor *threat.Assessor, engine *alert.Engine,
	cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Service {
	s := &Service{
		hotspots: hotspots,
		areas:    areas,
		assessor: assessor,
		history:  threat.NewHistory(),
		engine:   engine,
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore seeds the hotspot store and the alert ledger, typically from
// persistence at startup.
func (s *Service) Restore(hotspots []domain.Hotspot, alerts []domain.Alert) {
	n := s.hotspots.Restore(hotspots)
	s.engine.Ledger().Restore(alerts)
	s.metrics.HotspotsStored.Set(float64(s.hotspots.Len()))
	s.metrics.ActiveAlerts.Set(float64(len(s.engine.Ledger().Active(domain.SeverityLow))))
	s.logger.Info("state restored", "hotspots", n, "alerts", s.engine.Ledger().Len())
}

// IngestHotspots parses and stores a batch of raw detections. Malformed
// records are skipped and counted; newly inserted hotspots are persisted
// when a persister is configured.
func (s *Service) IngestHotspots(ctx context.Context, raws []domain.RawDetection) store.IngestResult {
	res := s.hotspots.Ingest(raws)
	for _, err := range res.Errors {
		s.logger.Debug("detection rejected", "error", err)
	}
	s.metrics.HotspotsIngested.WithLabelValues("inserted").Add(float64(res.Inserted))
	s.metrics.HotspotsIngested.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	s.metrics.HotspotsIngested.WithLabelValues("malformed").Add(float64(res.Malformed))
	s.metrics.HotspotsStored.Set(float64(s.hotspots.Len()))

	if s.persister != nil && len(res.New) > 0 {
		if err := s.persister.SaveHotspots(ctx, res.New); err != nil {
			s.logger.Error("persist hotspots failed", "count", len(res.New), "error", err)
		}
	}
	return res
}

// RunAssessmentCycle assesses every hotspot acquired within the lookback
// window ending at now against the current areas. It returns
// domain.ErrEmptyInput when the window holds no hotspots; the alert cycle
// then sees no threats.
func (s *Service) RunAssessmentCycle(ctx context.Context, now time.Time) ([]domain.ThreatRecord, error) {
	hotspots := slices.Collect(s.hotspots.QueryWindow(now.Add(-s.cfg.Lookback), now, store.Filter{}))
	records, err := s.assessor.Assess(ctx, hotspots, s.areas.Snapshot(), now)
	if err != nil && !errors.Is(err, domain.ErrEmptyInput) {
		return nil, err
	}

	s.mu.Lock()
	s.latest = records
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.history.Add(records)
	for _, rec := range records {
		s.metrics.Threats.WithLabelValues(rec.Severity.String()).Inc()
	}
	return records, nil
}

// RunAlertCycle evaluates the most recent assessment against the alert
// ledger at now.
func (s *Service) RunAlertCycle(_ context.Context, now time.Time) []domain.Decision {
	s.mu.Lock()
	records := s.latest
	s.mu.Unlock()

	decisions := s.engine.Evaluate(records, now)
	for _, d := range decisions {
		s.metrics.AlertDecisions.WithLabelValues(outcome(d.Alert)).Inc()
	}
	s.metrics.ActiveAlerts.Set(float64(len(s.engine.Ledger().Active(domain.SeverityLow))))
	return decisions
}

func outcome(a domain.Alert) string {
	switch {
	case a.Suppression == domain.SuppressedDuplicate:
		return "duplicate"
	case a.Suppression == domain.SuppressedRateLimited:
		return "rate_limited"
	case a.State == domain.AlertResolved:
		return "resolved"
	case a.State == domain.AlertExpired:
		return "expired"
	default:
		return "dispatched"
	}
}

// LatestThreats returns the ranked records of the most recent assessment.
func (s *Service) LatestThreats() []domain.ThreatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.latest)
}

// ActiveAlerts returns dispatched alerts at or above min.
func (s *Service) ActiveAlerts(min domain.Severity) []domain.Alert {
	return s.engine.Ledger().Active(min)
}

// Alert returns one alert by ID.
func (s *Service) Alert(id string) (domain.Alert, error) {
	return s.engine.Ledger().Get(id)
}

// AlertStats summarises the alerts created within window before now.
func (s *Service) AlertStats(window time.Duration) domain.AlertStats {
	return s.engine.Ledger().Stats(s.clock.Now().Add(-window))
}

// ThreatHistory returns the ranked assessments of hotspots acquired within
// window before now that threatened the area.
func (s *Service) ThreatHistory(areaID string, window time.Duration) ([]domain.ThreatRecord, error) {
	if _, err := s.areas.GetArea(areaID); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	return s.history.Query(areaID, now.Add(-window), now), nil
}

// Areas lists the registered protected areas.
func (s *Service) Areas() []domain.ProtectedArea {
	return s.areas.ListAreas()
}

// ReplaceAreas swaps the registered areas for a new set. Invalid areas are
// rejected and reported; the rest are registered.
func (s *Service) ReplaceAreas(areas []domain.ProtectedArea) []error {
	errs := s.areas.ReplaceAll(areas)
	for _, err := range errs {
		s.logger.Warn("area rejected", "error", err)
	}
	return errs
}

// CheckReadiness returns nil once the service has completed a cycle.
func (s *Service) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("pipeline has not completed a cycle yet")
	}
	if s.areas.Len() == 0 {
		return errors.New("no protected areas registered")
	}
	return nil
}

// MaintenanceResult reports what Maintain removed.
type MaintenanceResult struct {
	Hotspots int
	History  int
	Alerts   int
}

// Maintain evicts hotspots and threat history older than the retention and
// compacts closed alerts from the ledger.
func (s *Service) Maintain(now time.Time) MaintenanceResult {
	cutoff := now.Add(-s.cfg.Retention)
	res := MaintenanceResult{
		Hotspots: s.hotspots.EvictOlderThan(cutoff),
		History:  s.history.EvictOlderThan(cutoff),
		Alerts:   s.engine.Ledger().Compact(cutoff),
	}
	s.metrics.HotspotsStored.Set(float64(s.hotspots.Len()))
	s.logger.Info("maintenance complete",
		"cutoff", cutoff,
		"hotspots_evicted", res.Hotspots,
		"history_evicted", res.History,
		"alerts_compacted", res.Alerts,
	)
	return res
}

// deliver enriches and dispatches every dispatchable decision, records the
// deliveries on the ledger and counts failed deliveries.
func (s *Service) deliver(ctx context.Context, decisions []domain.Decision) int {
	if s.notifier == nil {
		return 0
	}
	ledger := s.engine.Ledger()
	failures := 0
	for i := range decisions {
		dec := &decisions[i]
		if !dec.Dispatch() {
			continue
		}
		s.enrich(ctx, dec)
		deliveries := s.notifier.Dispatch(ctx, *dec)
		if err := ledger.RecordDeliveries(dec.Alert.ID, deliveries); err != nil {
			s.logger.Error("record deliveries failed", "alert_id", dec.Alert.ID, "error", err)
		}
		dec.Alert.Deliveries = append(dec.Alert.Deliveries, deliveries...)
		for _, d := range deliveries {
			if !d.OK {
				failures++
			}
		}
	}
	return failures
}

func (s *Service) enrich(ctx context.Context, dec *domain.Decision) {
	if s.geocoder == nil {
		return
	}
	place, err := s.geocoder.ReverseGeocode(ctx, dec.Alert.Location)
	if err != nil {
		s.logger.Warn("reverse geocode failed", "alert_id", dec.Alert.ID, "error", err)
		return
	}
	name := place.FormattedAddress
	if name == "" {
		name = place.Name
	}
	if name == "" {
		return
	}
	if err := s.engine.Ledger().SetPlaceName(dec.Alert.ID, name); err != nil {
		s.logger.Warn("store place name failed", "alert_id", dec.Alert.ID, "error", err)
		return
	}
	dec.Alert.PlaceName = name
}

func (s *Service) persistAlerts(ctx context.Context, since time.Time) {
	if s.persister == nil {
		return
	}
	touched := s.engine.Ledger().UpdatedSince(since)
	if len(touched) == 0 {
		return
	}
	if err := s.persister.SaveAlerts(ctx, touched); err != nil {
		s.logger.Error("persist alerts failed", "count", len(touched), "error", err)
	}
}
