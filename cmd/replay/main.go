// Command replay runs one offline detection cycle over fixture files and
// prints the resulting threats and alerts as JSON. Notifications go to the
// log only, so it is safe to point at production area files.
//
// Usage:
//
//	go run ./cmd/replay \
//	  -areas testdata/areas.yaml \
//	  -detections testdata/detections.json \
//	  -now 2025-01-08T18:00:00Z
//
// Detections may be a JSON array of FIRMS records or a FIRMS CSV export
// (selected by the .csv extension).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/firewatch-service/internal/adapter/areafile"
	"github.com/couchcryptid/firewatch-service/internal/adapter/firms"
	"github.com/couchcryptid/firewatch-service/internal/alert"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/notify"
	"github.com/couchcryptid/firewatch-service/internal/observability"
	"github.com/couchcryptid/firewatch-service/internal/pipeline"
	"github.com/couchcryptid/firewatch-service/internal/store"
	"github.com/couchcryptid/firewatch-service/internal/threat"
)

// report is what replay prints.
type report struct {
	Now     time.Time             `json:"now"`
	Summary summary               `json:"summary"`
	Threats []domain.ThreatRecord `json:"threats"`
	Alerts  []domain.Alert        `json:"alerts"`
}

type summary struct {
	Fetched    int `json:"fetched"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
	Assessed   int `json:"assessed"`
	Threats    int `json:"threats"`
	Dispatched int `json:"dispatched"`
	Suppressed int `json:"suppressed"`
}

// staticSource yields one fixed batch.
type staticSource struct {
	batch domain.Batch
	done  bool
}

func (s *staticSource) Fetch(context.Context) (domain.Batch, error) {
	if s.done {
		return domain.Batch{}, nil
	}
	s.done = true
	return s.batch, nil
}

func main() {
	if err := run(os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(out io.Writer) error {
	areasPath := flag.String("areas", "", "protected-area YAML file")
	detPath := flag.String("detections", "", "detections JSON array or FIRMS CSV file")
	nowFlag := flag.String("now", "", "cycle time, RFC3339 (default: latest acquisition)")
	top := flag.Int("top", 10, "number of highest-ranked threats to print")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	if *areasPath == "" || *detPath == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -areas, -detections")
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := observability.NewLogger(level, "text")

	areas, err := areafile.Load(*areasPath)
	if err != nil {
		return err
	}
	batch, err := loadDetections(*detPath)
	if err != nil {
		return err
	}

	now, err := cycleTime(*nowFlag, batch.Detections)
	if err != nil {
		return err
	}

	registry := store.NewAreaRegistry()
	for _, err := range registry.RegisterAll(areas) {
		log.Printf("area rejected: %v", err)
	}
	if registry.Len() == 0 {
		return fmt.Errorf("no valid areas in %s", *areasPath)
	}

	assessor, err := threat.NewAssessor(threat.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	engine, err := alert.NewEngine(alert.DefaultConfig(), alert.NewLedger(), logger)
	if err != nil {
		return err
	}
	clock := clockwork.NewFakeClockAt(now)
	dispatcher, err := notify.NewDispatcher(
		[]notify.Route{{Channel: notify.NewLogChannel(logger), MinSeverity: domain.SeverityMedium}},
		logger, notify.WithClock(clock))
	if err != nil {
		return err
	}

	svc := pipeline.New(store.NewHotspotStore(), registry, assessor, engine,
		pipeline.Config{Interval: time.Minute, Lookback: 24 * time.Hour, Retention: 72 * time.Hour},
		logger, observability.NewMetricsForTesting(),
		pipeline.WithSource(&staticSource{batch: batch}),
		pipeline.WithNotifier(dispatcher),
		pipeline.WithClock(clock),
	)

	sum, err := svc.RunCycle(context.Background())
	if err != nil {
		return fmt.Errorf("cycle: %w", err)
	}

	threats := svc.LatestThreats()
	if len(threats) > *top {
		threats = threats[:*top]
	}

	rep := report{
		Now: now,
		Summary: summary{
			Fetched:    sum.Fetched,
			Inserted:   sum.Inserted,
			Duplicates: sum.Duplicates,
			Malformed:  sum.Malformed,
			Assessed:   sum.Assessed,
			Threats:    sum.Threats,
			Dispatched: sum.Dispatched,
			Suppressed: sum.SuppressedDuplicate + sum.SuppressedRateLimited,
		},
		Threats: threats,
		Alerts:  svc.ActiveAlerts(domain.SeverityLow),
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func loadDetections(path string) (domain.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("open detections: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		dets, rejected, err := firms.ParseCSV(f)
		if err != nil {
			return domain.Batch{}, err
		}
		return domain.Batch{Detections: dets, Rejected: rejected}, nil
	}

	var dets []domain.RawDetection
	if err := json.NewDecoder(f).Decode(&dets); err != nil {
		return domain.Batch{}, fmt.Errorf("decode detections: %w", err)
	}
	return domain.Batch{Detections: dets}, nil
}

// cycleTime parses -now or falls back to the latest valid acquisition so a
// fixture replays the same way regardless of when it runs.
func cycleTime(flagValue string, dets []domain.RawDetection) (time.Time, error) {
	if flagValue != "" {
		t, err := time.Parse(time.RFC3339, flagValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse -now: %w", err)
		}
		return t.UTC(), nil
	}
	var latest time.Time
	for _, d := range dets {
		h, err := domain.ParseDetection(d)
		if err == nil && h.AcquiredAt.After(latest) {
			latest = h.AcquiredAt
		}
	}
	if latest.IsZero() {
		return time.Time{}, fmt.Errorf("no valid detections; pass -now")
	}
	return latest.Add(time.Minute), nil
}
