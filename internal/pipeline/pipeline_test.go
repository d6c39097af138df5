package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/alert"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
	"github.com/couchcryptid/firewatch-service/internal/observability"
	"github.com/couchcryptid/firewatch-service/internal/pipeline"
	"github.com/couchcryptid/firewatch-service/internal/store"
	"github.com/couchcryptid/firewatch-service/internal/threat"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeSource struct {
	mu        sync.Mutex
	batches   []domain.Batch
	errs      []error
	calls     int
	committed atomic.Int32
}

func (f *fakeSource) Fetch(_ context.Context) (domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return domain.Batch{}, f.errs[i]
	}
	if i >= len(f.batches) {
		return domain.Batch{}, nil
	}
	b := f.batches[i]
	b.Commit = func(context.Context) error {
		f.committed.Add(1)
		return nil
	}
	return b, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Decision
	fail bool

	// When release is set, Dispatch closes started and waits for release.
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeNotifier) Dispatch(_ context.Context, dec domain.Decision) []domain.Delivery {
	if f.release != nil {
		f.once.Do(func() { close(f.started) })
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, dec)
	d := domain.Delivery{Channel: "fake", OK: !f.fail, Attempts: 1}
	if f.fail {
		d.Error = "boom"
	}
	return []domain.Delivery{d}
}

type fakeGeocoder struct{}

func (fakeGeocoder) ReverseGeocode(_ context.Context, _ geo.Point) (domain.Place, error) {
	return domain.Place{Name: "Los Angeles", FormattedAddress: "Los Angeles, California, United States"}, nil
}

type fakePersister struct {
	mu       sync.Mutex
	hotspots []domain.Hotspot
	alerts   []domain.Alert
}

func (f *fakePersister) SaveHotspots(_ context.Context, hs []domain.Hotspot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hotspots = append(f.hotspots, hs...)
	return nil
}

func (f *fakePersister) SaveAlerts(_ context.Context, as []domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, as...)
	return nil
}

// --- helpers ---

var cycleStart = time.Date(2025, time.January, 8, 18, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v float64) *float64 { return &v }

func detection(lat, lon float64, hhmm string) domain.RawDetection {
	return domain.RawDetection{
		Latitude:   ptr(lat),
		Longitude:  ptr(lon),
		Confidence: "h",
		Brightness: 367.2,
		FRP:        80,
		AcqDate:    "2025-01-08",
		AcqTime:    domain.FlexString(hhmm),
		Satellite:  "N20",
		Instrument: "VIIRS",
		DayNight:   "D",
	}
}

func downtownLA() domain.ProtectedArea {
	c := geo.Point{Lat: 34.05, Lon: -118.24}
	return domain.ProtectedArea{
		ID:       "downtown-la",
		Name:     "DowntownLA",
		Priority: domain.PriorityCritical,
		Polygon: []geo.Point{
			{Lat: 34.02, Lon: -118.27}, {Lat: 34.02, Lon: -118.21},
			{Lat: 34.08, Lon: -118.21}, {Lat: 34.08, Lon: -118.27},
		},
		Center:             c,
		MonitoringRadiusKm: 10,
	}
}

type fixture struct {
	svc       *pipeline.Service
	clock     *clockwork.FakeClock
	source    *fakeSource
	notifier  *fakeNotifier
	persister *fakePersister
	engine    *alert.Engine
}

func newFixture(t *testing.T, cfg pipeline.Config, batches ...domain.Batch) *fixture {
	t.Helper()
	areas := store.NewAreaRegistry()
	require.NoError(t, areas.Register(downtownLA()))

	assessor, err := threat.NewAssessor(threat.DefaultConfig(), discard())
	require.NoError(t, err)
	engine, err := alert.NewEngine(alert.DefaultConfig(), alert.NewLedger(), discard())
	require.NoError(t, err)

	f := &fixture{
		clock:     clockwork.NewFakeClockAt(cycleStart),
		source:    &fakeSource{batches: batches},
		notifier:  &fakeNotifier{},
		persister: &fakePersister{},
		engine:    engine,
	}
	f.svc = pipeline.New(store.NewHotspotStore(), areas, assessor, engine, cfg, discard(),
		observability.NewMetricsForTesting(),
		pipeline.WithSource(f.source),
		pipeline.WithNotifier(f.notifier),
		pipeline.WithGeocoder(fakeGeocoder{}),
		pipeline.WithPersister(f.persister),
		pipeline.WithClock(f.clock),
	)
	return f
}

func defaultConfig() pipeline.Config {
	return pipeline.Config{Interval: time.Minute, Lookback: 24 * time.Hour, Retention: 72 * time.Hour}
}

// --- tests ---

func TestRunCycle_EndToEnd(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, defaultConfig(), batch)

	require.Error(t, f.svc.CheckReadiness(context.Background()))

	sum, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 1, sum.Inserted)
	assert.Equal(t, 1, sum.Assessed)
	assert.Equal(t, 1, sum.Threats)
	assert.Equal(t, 1, sum.Candidates)
	assert.Equal(t, 1, sum.Dispatched)
	assert.Zero(t, sum.DeliveryFailures)
	assert.Equal(t, int32(1), f.source.committed.Load())

	require.Len(t, f.notifier.sent, 1)
	sent := f.notifier.sent[0]
	assert.Equal(t, domain.SeverityCritical, sent.Alert.Severity)
	assert.Equal(t, "downtown-la", sent.Alert.AreaID)
	assert.Equal(t, "Los Angeles, California, United States", sent.Alert.PlaceName)

	stored, err := f.svc.Alert(sent.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "Los Angeles, California, United States", stored.PlaceName)
	require.Len(t, stored.Deliveries, 1)
	assert.True(t, stored.Deliveries[0].OK)

	assert.Len(t, f.persister.hotspots, 1)
	require.Len(t, f.persister.alerts, 1)
	assert.Len(t, f.persister.alerts[0].Deliveries, 1)

	assert.NoError(t, f.svc.CheckReadiness(context.Background()))
	assert.Len(t, f.svc.ActiveAlerts(domain.SeverityHigh), 1)
}

func TestRunCycle_RedeliveredBatchIsIdempotent(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, defaultConfig(), batch, batch)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	sum, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Inserted)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Zero(t, sum.Candidates, "the pair already has an alert")
	assert.Zero(t, sum.Resolved, "the area is still threatened")
	assert.Len(t, f.notifier.sent, 1)
	assert.Len(t, f.svc.ActiveAlerts(domain.SeverityLow), 1)
}

func TestRunCycle_ResolvesWhenWindowEmpties(t *testing.T) {
	cfg := defaultConfig()
	cfg.Lookback = time.Hour
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, cfg, batch)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	sum, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err, "an empty window is not a cycle failure")
	assert.Zero(t, sum.Assessed)
	assert.Equal(t, 1, sum.Resolved)
	assert.Empty(t, f.svc.ActiveAlerts(domain.SeverityLow))
}

func TestRunCycle_CountsMalformed(t *testing.T) {
	bad := detection(34.05, -118.24, "1730")
	bad.Latitude = nil
	batch := domain.Batch{
		Detections: []domain.RawDetection{bad, detection(34.06, -118.25, "1731")},
		Rejected:   []error{errors.New("invalid character")},
	}
	f := newFixture(t, defaultConfig(), batch)

	sum, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Fetched)
	assert.Equal(t, 1, sum.Inserted)
	assert.Equal(t, 2, sum.Malformed)
}

func TestRunCycle_DeliveryFailureIsRecorded(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, defaultConfig(), batch)
	f.notifier.fail = true

	sum, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DeliveryFailures)

	active := f.svc.ActiveAlerts(domain.SeverityLow)
	require.Len(t, active, 1)
	assert.Len(t, active[0].Failed(), 1)
}

func TestAlertStats(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, defaultConfig(), batch)
	f.notifier.fail = true

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)

	st := f.svc.AlertStats(time.Hour)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Dispatched)
	assert.Equal(t, 1, st.BySeverity[domain.SeverityCritical])
	assert.Equal(t, 1, st.NotificationsFailed)
	assert.Zero(t, st.NotificationsSent)

	f.clock.Advance(2 * time.Hour)
	assert.Zero(t, f.svc.AlertStats(time.Hour).Total)
}

func TestRunCycle_CancelledBeforeAssessment(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, defaultConfig(), batch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.svc.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Inserted, "ingest finished before the stage boundary")
	assert.Empty(t, f.notifier.sent)
	assert.Zero(t, f.engine.Ledger().Len())
}

func TestRunCycle_FetchError(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.source.errs = []error{errors.New("broker unavailable")}

	_, err := f.svc.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch detections")
	assert.Error(t, f.svc.CheckReadiness(context.Background()))
}

func TestRun_BacksOffThenContinues(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.source.errs = []error{errors.New("broker unavailable")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, f.source.Calls())
	f.clock.Advance(200 * time.Millisecond)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 2, f.source.Calls())
	assert.NoError(t, f.svc.CheckReadiness(ctx))

	cancel()
	require.NoError(t, <-done)
}

func TestStart_FinishesCycleInFlight(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, defaultConfig(), batch)
	f.notifier.started = make(chan struct{})
	f.notifier.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := f.svc.Start(ctx)

	select {
	case <-f.notifier.started:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never started")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("pipeline stopped with a delivery in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.notifier.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after the cycle finished")
	}

	active := f.svc.ActiveAlerts(domain.SeverityLow)
	require.Len(t, active, 1)
	assert.Len(t, active[0].Deliveries, 1)

	f.persister.mu.Lock()
	defer f.persister.mu.Unlock()
	require.NotEmpty(t, f.persister.alerts)
	last := f.persister.alerts[len(f.persister.alerts)-1]
	assert.Equal(t, active[0].ID, last.ID)
	assert.Len(t, last.Deliveries, 1, "persisted after delivery")
}

func TestThreatHistory(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{
		detection(34.05, -118.24, "1730"),
		detection(34.30, -118.60, "1700"),
	}}
	f := newFixture(t, defaultConfig(), batch)
	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)

	recs, err := f.svc.ThreatHistory("downtown-la", 6*time.Hour)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the far detection never intersected the area")
	assert.Equal(t, domain.SeverityCritical, recs[0].Severity)

	recs, err = f.svc.ThreatHistory("downtown-la", 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = f.svc.ThreatHistory("nowhere", time.Hour)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMaintain_EvictsExpiredState(t *testing.T) {
	cfg := defaultConfig()
	cfg.Retention = 2 * time.Hour
	batch := domain.Batch{Detections: []domain.RawDetection{detection(34.05, -118.24, "1730")}}
	f := newFixture(t, cfg, batch)
	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res := f.svc.Maintain(f.clock.Now())
	assert.Zero(t, res.Hotspots)

	f.clock.Advance(3 * time.Hour)
	res = f.svc.Maintain(f.clock.Now())
	assert.Equal(t, 1, res.Hotspots)
	assert.Equal(t, 1, res.History)
	assert.Zero(t, res.Alerts, "the alert is still open")
}

func TestCycle_Deterministic(t *testing.T) {
	batch := domain.Batch{Detections: []domain.RawDetection{
		detection(34.05, -118.24, "1730"),
		detection(34.051, -118.241, "1731"),
		detection(34.10, -118.30, "1645"),
	}}

	run := func() []domain.Decision {
		f := newFixture(t, defaultConfig(), batch)
		_, err := f.svc.RunCycle(context.Background())
		require.NoError(t, err)
		return f.notifier.sent
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("cycle output differs between runs (-first +second):\n%s", diff)
	}
}

func TestReplaceAreas_RejectsInvalid(t *testing.T) {
	f := newFixture(t, defaultConfig())
	errs := f.svc.ReplaceAreas([]domain.ProtectedArea{downtownLA(), {ID: "broken", Priority: domain.PriorityLow}})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrInvalidPolygon)
	assert.Len(t, f.svc.Areas(), 1)
}
