package threat_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
	"github.com/couchcryptid/firewatch-service/internal/threat"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAssessor(t *testing.T) *threat.Assessor {
	t.Helper()
	a, err := threat.NewAssessor(threat.DefaultConfig(), discardLogger())
	require.NoError(t, err)
	return a
}

// square builds a closed ring of half-width d degrees around center.
func square(center geo.Point, d float64) []geo.Point {
	return []geo.Point{
		{Lat: center.Lat - d, Lon: center.Lon - d},
		{Lat: center.Lat - d, Lon: center.Lon + d},
		{Lat: center.Lat + d, Lon: center.Lon + d},
		{Lat: center.Lat + d, Lon: center.Lon - d},
		{Lat: center.Lat - d, Lon: center.Lon - d},
	}
}

func downtownLA() domain.ProtectedArea {
	c := geo.Point{Lat: 34.05, Lon: -118.24}
	return domain.ProtectedArea{
		ID:                 "downtown-la",
		Name:               "DowntownLA",
		Priority:           domain.PriorityCritical,
		Polygon:            square(c, 0.03),
		Center:             c,
		MonitoringRadiusKm: 10,
	}
}

func hotspot(lat, lon float64, conf float64, frp float64, at time.Time) domain.Hotspot {
	return domain.NewHotspot(geo.Point{Lat: lat, Lon: lon}, domain.Confidence{Percent: conf}, frp, at, "N20", "VIIRS")
}

func TestAssess_DowntownLAIsCritical(t *testing.T) {
	a := newAssessor(t)
	h := domain.NewHotspot(geo.Point{Lat: 34.05, Lon: -118.24}, domain.Confidence{Label: "high", Percent: 90}, 80, now.Add(-time.Hour), "N20", "VIIRS")

	records, err := a.Assess(context.Background(), []domain.Hotspot{h}, []domain.ProtectedArea{downtownLA()}, now)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.Len(t, rec.Intersections, 1)
	in := rec.Intersections[0]
	assert.True(t, in.Inside)
	assert.Equal(t, "downtown-la", in.AreaID)
	assert.InDelta(t, 0.925, rec.Score, 1e-9)
	assert.GreaterOrEqual(t, rec.Score, 0.8)
	assert.Equal(t, domain.SeverityCritical, rec.Severity)
	assert.Equal(t, domain.Factors{Confidence: 0.9, Intensity: 0.8, Proximity: 1, Priority: 1}, rec.Factors)
	assert.Equal(t, now, rec.AssessedAt)
}

func TestAssess_NoAreasScoresDetectionOnly(t *testing.T) {
	a := newAssessor(t)
	far := hotspot(10, 10, 90, 80, now)
	weak := hotspot(10, 11, 30, 0, now)

	records, err := a.Assess(context.Background(), []domain.Hotspot{weak, far}, []domain.ProtectedArea{downtownLA()}, now)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, far.ID, records[0].Hotspot.ID)
	assert.Empty(t, records[0].Intersections)
	assert.InDelta(t, 0.425, records[0].Score, 1e-9)
	assert.Equal(t, domain.SeverityMedium, records[0].Severity)
	assert.Zero(t, records[0].Factors.Proximity)
	assert.Zero(t, records[0].Factors.Priority)

	assert.InDelta(t, 0.075, records[1].Score, 1e-9)
	assert.Equal(t, domain.SeverityLow, records[1].Severity)
}

func TestAssess_NearbyProximity(t *testing.T) {
	a := newAssessor(t)
	area := downtownLA()
	area.Polygon = square(area.Center, 0.005)

	// ~5.56 km due north of the center, outside the small polygon.
	h := hotspot(34.10, -118.24, 60, 50, now)
	records, err := a.Assess(context.Background(), []domain.Hotspot{h}, []domain.ProtectedArea{area}, now)
	require.NoError(t, err)

	require.Len(t, records[0].Intersections, 1)
	in := records[0].Intersections[0]
	assert.False(t, in.Inside)
	assert.InDelta(t, 5.56, in.DistanceKm, 0.02)
	assert.InDelta(t, 1-in.DistanceKm/10, in.Factors.Proximity, 1e-9)

	beyond := hotspot(34.15, -118.24, 60, 50, now)
	records, err = a.Assess(context.Background(), []domain.Hotspot{beyond}, []domain.ProtectedArea{area}, now)
	require.NoError(t, err)
	assert.Empty(t, records[0].Intersections, "11 km from center with a 10 km radius is discarded")
}

func TestAssess_ProximityMonotonic(t *testing.T) {
	a := newAssessor(t)
	area := downtownLA()
	area.Polygon = square(area.Center, 0.01)

	prevScore, prevProx := -1.0, -1.0
	for step := 10; step >= 0; step-- {
		lat := area.Center.Lat + float64(step)*0.0089
		h := hotspot(lat, area.Center.Lon, 60, 40, now)
		records, err := a.Assess(context.Background(), []domain.Hotspot{h}, []domain.ProtectedArea{area}, now)
		require.NoError(t, err)

		rec := records[0]
		assert.GreaterOrEqual(t, rec.Score, prevScore, "step %d", step)
		assert.GreaterOrEqual(t, rec.Factors.Proximity, prevProx, "step %d", step)
		prevScore, prevProx = rec.Score, rec.Factors.Proximity
	}
	assert.Equal(t, 1.0, prevProx)
}

func TestAssess_IntersectionOrderAndBestScore(t *testing.T) {
	a := newAssessor(t)
	p := geo.Point{Lat: 34.0, Lon: -118.0}

	low := domain.ProtectedArea{ID: "low-inside", Priority: domain.PriorityLow, Polygon: square(p, 0.2), Center: geo.Point{Lat: 34.15, Lon: -118.0}, MonitoringRadiusKm: 1}
	crit := domain.ProtectedArea{ID: "crit-near", Priority: domain.PriorityCritical, Polygon: square(geo.Point{Lat: 34.02, Lon: -118.0}, 0.001), Center: geo.Point{Lat: 34.02, Lon: -118.0}, MonitoringRadiusKm: 20}
	other := domain.ProtectedArea{ID: "a-near", Priority: domain.PriorityMedium, Polygon: square(geo.Point{Lat: 34.02, Lon: -118.0}, 0.001), Center: geo.Point{Lat: 34.02, Lon: -118.0}, MonitoringRadiusKm: 20}

	h := domain.NewHotspot(p, domain.Confidence{Percent: 90}, 90, now, "N20", "VIIRS")
	records, err := a.Assess(context.Background(), []domain.Hotspot{h}, []domain.ProtectedArea{crit, low, other}, now)
	require.NoError(t, err)

	ids := []string{}
	for _, in := range records[0].Intersections {
		ids = append(ids, in.AreaID)
	}
	assert.Equal(t, []string{"low-inside", "a-near", "crit-near"}, ids, "inside first, then distance, then id")

	critIn, ok := records[0].Intersection("crit-near")
	require.True(t, ok)
	assert.Equal(t, critIn.Score, records[0].Score, "record takes the strongest intersection")
	assert.Equal(t, critIn.Severity, records[0].Severity)
}

func TestAssess_SkipsMalformedArea(t *testing.T) {
	a := newAssessor(t)
	bad := downtownLA()
	bad.ID = "broken"
	bad.Polygon = bad.Polygon[:2]

	h := hotspot(34.05, -118.24, 90, 80, now)
	records, err := a.Assess(context.Background(), []domain.Hotspot{h}, []domain.ProtectedArea{bad, downtownLA()}, now)
	require.NoError(t, err)
	require.Len(t, records[0].Intersections, 1)
	assert.Equal(t, "downtown-la", records[0].Intersections[0].AreaID)
}

func TestAssess_EmptyInput(t *testing.T) {
	a := newAssessor(t)
	_, err := a.Assess(context.Background(), nil, []domain.ProtectedArea{downtownLA()}, now)
	assert.ErrorIs(t, err, domain.ErrEmptyInput)

	records, err := a.Assess(context.Background(), []domain.Hotspot{hotspot(0, 0, 10, 0, now)}, nil, now)
	require.NoError(t, err, "no areas is not empty input")
	assert.Len(t, records, 1)
}

func TestAssess_RankingTieBreak(t *testing.T) {
	a := newAssessor(t)
	older := hotspot(10, 10, 50, 50, now.Add(-2*time.Hour))
	newer := hotspot(10, 10, 50, 50, now.Add(-time.Hour))
	sameTimeA := hotspot(11, 11, 50, 50, now.Add(-time.Hour))

	records, err := a.Assess(context.Background(), []domain.Hotspot{older, sameTimeA, newer}, nil, now)
	require.NoError(t, err)

	first, second := newer, sameTimeA
	if sameTimeA.ID < newer.ID {
		first, second = sameTimeA, newer
	}
	got := []string{records[0].Hotspot.ID, records[1].Hotspot.ID, records[2].Hotspot.ID}
	assert.Equal(t, []string{first.ID, second.ID, older.ID}, got)
}

func TestAssess_Deterministic(t *testing.T) {
	cfg := threat.DefaultConfig()
	cfg.Workers = 8
	a, err := threat.NewAssessor(cfg, discardLogger())
	require.NoError(t, err)

	areas := []domain.ProtectedArea{downtownLA()}
	var hotspots []domain.Hotspot
	for i := 0; i < 200; i++ {
		lat := 33.9 + float64(i%20)*0.015
		lon := -118.4 + float64(i/20)*0.03
		hotspots = append(hotspots, hotspot(lat, lon, float64(30+i%70), float64(i%120), now.Add(-time.Duration(i%5)*time.Hour)))
	}

	first, err := a.Assess(context.Background(), hotspots, areas, now)
	require.NoError(t, err)
	for run := 0; run < 5; run++ {
		again, err := a.Assess(context.Background(), hotspots, areas, now)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", run, diff)
		}
	}
	for i := 1; i < len(first); i++ {
		assert.LessOrEqual(t, threat.CompareRecords(first[i-1], first[i]), 0)
	}
}

func TestNewAssessor_RejectsBadConfig(t *testing.T) {
	cfg := threat.DefaultConfig()
	cfg.Weights.Proximity = 0.5
	_, err := threat.NewAssessor(cfg, discardLogger())
	assert.ErrorContains(t, err, "sum")

	cfg = threat.DefaultConfig()
	cfg.Thresholds.High = 0.9
	_, err = threat.NewAssessor(cfg, discardLogger())
	assert.Error(t, err)

	cfg = threat.DefaultConfig()
	cfg.FRPCeilingMW = 0
	_, err = threat.NewAssessor(cfg, discardLogger())
	assert.Error(t, err)
}

func TestThresholds_Classify(t *testing.T) {
	th := threat.DefaultThresholds()
	tests := []struct {
		score float64
		want  domain.Severity
	}{
		{1, domain.SeverityCritical},
		{0.8, domain.SeverityCritical},
		{0.7999, domain.SeverityHigh},
		{0.6, domain.SeverityHigh},
		{0.5999, domain.SeverityMedium},
		{0.35, domain.SeverityMedium},
		{0.3499, domain.SeverityLow},
		{0, domain.SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.score), "score %v", tt.score)
	}
}
