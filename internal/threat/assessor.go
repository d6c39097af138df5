// Package threat scores hotspot detections against protected areas and ranks
// the results.
//
// A hotspot's relation to each nearby area is scored independently as a
// weighted sum of four normalized factors (confidence, intensity, proximity,
// area priority). The record takes the strongest of those scores. Severity is
// a pure function of that score and the configured thresholds.
package threat

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
)

// Assessor computes ThreatRecords. It holds no mutable state and is safe for
// concurrent use.
type Assessor struct {
	cfg    Config
	logger *slog.Logger
}

// NewAssessor validates cfg and returns an Assessor.
func NewAssessor(cfg Config, logger *slog.Logger) (*Assessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("threat config: %w", err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Assessor{cfg: cfg, logger: logger}, nil
}

// Config returns the configuration in use.
func (a *Assessor) Config() Config { return a.cfg }

// Assess scores every hotspot against areas and returns the records ranked
// by severity, score, acquisition time (newest first) and hotspot ID.
// Malformed areas are logged and skipped. Zero hotspots is ErrEmptyInput.
//
// Assessment does not observe cancellation: once started it runs to
// completion so callers never see a partial ranking.
func (a *Assessor) Assess(ctx context.Context, hotspots []domain.Hotspot, areas []domain.ProtectedArea, now time.Time) ([]domain.ThreatRecord, error) {
	if len(hotspots) == 0 {
		return nil, domain.ErrEmptyInput
	}

	usable, maxRadius := a.usableAreas(ctx, areas)
	pruneKm := maxRadius + a.cfg.SafetyMarginKm

	records := make([]domain.ThreatRecord, len(hotspots))
	var g errgroup.Group
	g.SetLimit(a.cfg.Workers)
	for i, h := range hotspots {
		g.Go(func() error {
			records[i] = a.assessOne(h, usable, pruneKm, now)
			return nil
		})
	}
	_ = g.Wait()

	Rank(records)
	return records, nil
}

func (a *Assessor) usableAreas(ctx context.Context, areas []domain.ProtectedArea) ([]domain.ProtectedArea, float64) {
	usable := make([]domain.ProtectedArea, 0, len(areas))
	maxRadius := 0.0
	for _, area := range areas {
		area = area.Normalize()
		if err := area.Validate(); err != nil {
			a.logger.WarnContext(ctx, "skipping malformed area", "area_id", area.ID, "error", err)
			continue
		}
		usable = append(usable, area)
		maxRadius = math.Max(maxRadius, area.MonitoringRadiusKm)
	}
	return usable, maxRadius
}

func (a *Assessor) assessOne(h domain.Hotspot, areas []domain.ProtectedArea, pruneKm float64, now time.Time) domain.ThreatRecord {
	rec := domain.ThreatRecord{Hotspot: h, AssessedAt: now}

	base := domain.Factors{
		Confidence: h.Confidence.Factor(),
		Intensity:  clamp01(h.FRP / a.cfg.FRPCeilingMW),
	}

	for _, area := range geo.BoundingBoxPrune(h.Location, areas, pruneKm) {
		in, ok := a.intersect(h, area, base)
		if ok {
			rec.Intersections = append(rec.Intersections, in)
		}
	}
	slices.SortFunc(rec.Intersections, compareIntersections)

	rec.Factors = base
	rec.Score = a.cfg.Weights.score(base)
	rec.Severity = a.cfg.Thresholds.Classify(rec.Score)
	if len(rec.Intersections) == 0 {
		return rec
	}

	best := rec.Intersections[0]
	for _, in := range rec.Intersections[1:] {
		if in.Score > best.Score {
			best = in
		}
	}
	rec.Score, rec.Severity, rec.Factors = best.Score, best.Severity, best.Factors
	return rec
}

// intersect classifies the hotspot against one area: inside the polygon,
// nearby (within the monitoring radius of the declared center) or unrelated.
func (a *Assessor) intersect(h domain.Hotspot, area domain.ProtectedArea, base domain.Factors) (domain.Intersection, bool) {
	inside := geo.PointInPolygon(h.Location, area.Polygon)
	dist, err := geo.HaversineKm(h.Location, area.Center)
	if err != nil {
		return domain.Intersection{}, false
	}
	if !inside && dist > area.MonitoringRadiusKm {
		return domain.Intersection{}, false
	}

	f := base
	f.Priority = area.Priority.Factor()
	f.Proximity = proximity(inside, dist, area.MonitoringRadiusKm)

	score := a.cfg.Weights.score(f)
	return domain.Intersection{
		AreaID:     area.ID,
		AreaName:   area.Name,
		Priority:   area.Priority,
		DistanceKm: dist,
		Inside:     inside,
		Score:      score,
		Severity:   a.cfg.Thresholds.Classify(score),
		Factors:    f,
	}, true
}

func proximity(inside bool, distKm, radiusKm float64) float64 {
	if inside || radiusKm <= 0 {
		return 1
	}
	return clamp01(1 - distKm/radiusKm)
}

func compareIntersections(a, b domain.Intersection) int {
	if a.Inside != b.Inside {
		if a.Inside {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
		return c
	}
	return cmp.Compare(a.AreaID, b.AreaID)
}

// Rank sorts records by severity desc, score desc, acquisition time desc and
// hotspot ID asc. The ID makes the order total.
func Rank(records []domain.ThreatRecord) {
	slices.SortFunc(records, CompareRecords)
}

// CompareRecords is the ranking order used by Rank.
func CompareRecords(a, b domain.ThreatRecord) int {
	if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := b.Hotspot.AcquiredAt.Compare(a.Hotspot.AcquiredAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Hotspot.ID, b.Hotspot.ID)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
