// Command synthgen writes synthetic FIRMS-style detections and a matching
// protected-area file for local runs and tests. With -kafka-brokers it also
// publishes the detections to the detection topic.
//
// Usage:
//
//	go run ./cmd/synthgen \
//	  -areas-out testdata/areas.yaml \
//	  -detections-out testdata/detections.json \
//	  -count 200 -seed 7
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/firewatch-service/internal/adapter/areafile"
	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
)

// defaultAreas are the sample regions detections are scattered around.
var defaultAreas = []struct {
	id, name string
	priority domain.Priority
	center   geo.Point
	halfKm   float64
	radiusKm float64
}{
	{"yellowstone-np", "Yellowstone National Park", domain.PriorityHigh, geo.Point{Lat: 44.4280, Lon: -110.5885}, 40, 25},
	{"yosemite-np", "Yosemite National Park", domain.PriorityHigh, geo.Point{Lat: 37.8651, Lon: -119.5383}, 25, 20},
	{"los-angeles-metro", "Los Angeles Metropolitan Area", domain.PriorityCritical, geo.Point{Lat: 34.0522, Lon: -118.2437}, 20, 15},
	{"san-francisco-bay", "San Francisco Bay Area", domain.PriorityHigh, geo.Point{Lat: 37.7749, Lon: -122.4194}, 15, 15},
}

var sensors = []struct{ satellite, instrument string }{
	{"N", "VIIRS"},
	{"N20", "VIIRS"},
	{"Terra", "MODIS"},
	{"Aqua", "MODIS"},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	areasOut := flag.String("areas-out", "", "output path for the protected-area YAML (optional)")
	detOut := flag.String("detections-out", "", "output path for the detections JSON array")
	count := flag.Int("count", 100, "number of detections")
	seed := flag.Uint64("seed", 1, "random seed")
	end := flag.String("end", "", "latest acquisition time, RFC3339 (default now)")
	hours := flag.Int("hours", 24, "spread acquisitions over this many hours before -end")
	malformed := flag.Float64("malformed", 0.02, "fraction of detections with missing coordinates")
	brokers := flag.String("kafka-brokers", "", "comma-separated brokers to publish detections to (optional)")
	topic := flag.String("kafka-topic", "firms-detections", "detection topic")
	flag.Parse()

	if *detOut == "" && *brokers == "" {
		flag.Usage()
		return fmt.Errorf("one of -detections-out or -kafka-brokers is required")
	}

	endAt := time.Now().UTC().Truncate(time.Minute)
	if *end != "" {
		t, err := time.Parse(time.RFC3339, *end)
		if err != nil {
			return fmt.Errorf("parse -end: %w", err)
		}
		endAt = t.UTC()
	}

	areas := sampleAreas()
	if *areasOut != "" {
		data, err := areafile.Marshal(areas)
		if err != nil {
			return fmt.Errorf("marshal areas: %w", err)
		}
		if err := os.WriteFile(*areasOut, data, 0o644); err != nil {
			return fmt.Errorf("write areas: %w", err)
		}
		log.Printf("wrote %d areas: %s", len(areas), *areasOut)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	dets := generate(rng, *count, endAt, time.Duration(*hours)*time.Hour, *malformed)

	if *detOut != "" {
		data, err := json.MarshalIndent(dets, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal detections: %w", err)
		}
		if err := os.WriteFile(*detOut, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write detections: %w", err)
		}
		log.Printf("wrote %d detections: %s", len(dets), *detOut)
	}

	if *brokers != "" {
		if err := publish(strings.Split(*brokers, ","), *topic, dets); err != nil {
			return err
		}
		log.Printf("published %d detections to %s", len(dets), *topic)
	}
	return nil
}

func sampleAreas() []domain.ProtectedArea {
	out := make([]domain.ProtectedArea, 0, len(defaultAreas))
	for _, a := range defaultAreas {
		box := geo.Around(a.center, a.halfKm)
		out = append(out, domain.ProtectedArea{
			ID:       a.id,
			Name:     a.name,
			Priority: a.priority,
			Center:   a.center,
			Polygon: []geo.Point{
				{Lat: box.MinLat, Lon: box.MinLon},
				{Lat: box.MinLat, Lon: box.MaxLon},
				{Lat: box.MaxLat, Lon: box.MaxLon},
				{Lat: box.MaxLat, Lon: box.MinLon},
			},
			MonitoringRadiusKm: a.radiusKm,
		})
	}
	return out
}

// generate scatters detections around the sample areas, most within a few
// tens of kilometres so every severity tier shows up.
func generate(rng *rand.Rand, n int, end time.Time, spread time.Duration, malformed float64) []domain.RawDetection {
	dets := make([]domain.RawDetection, 0, n)
	for range n {
		area := defaultAreas[rng.IntN(len(defaultAreas))]
		sensor := sensors[rng.IntN(len(sensors))]

		distKm := math.Abs(rng.NormFloat64()) * area.halfKm * 1.5
		bearing := rng.Float64() * 2 * math.Pi
		lat := area.center.Lat + distKm*math.Cos(bearing)/111.0
		lon := area.center.Lon + distKm*math.Sin(bearing)/(111.0*math.Cos(area.center.Lat*math.Pi/180))
		lat, lon = round4(lat), round4(lon)

		acquired := end.Add(-time.Duration(rng.Int64N(int64(spread) + 1))).Truncate(time.Minute)
		d := domain.RawDetection{
			Latitude:   &lat,
			Longitude:  &lon,
			Confidence: confidence(rng, sensor.instrument),
			Brightness: round1(300 + rng.Float64()*90),
			FRP:        round1(rng.ExpFloat64() * 25),
			AcqDate:    acquired.Format("2006-01-02"),
			AcqTime:    domain.FlexString(acquired.Format("1504")),
			Satellite:  sensor.satellite,
			Instrument: sensor.instrument,
			DayNight:   dayNight(acquired),
		}
		if rng.Float64() < malformed {
			d.Latitude = nil
		}
		dets = append(dets, d)
	}
	return dets
}

// confidence mimics the two FIRMS encodings: VIIRS letters and MODIS
// percentages.
func confidence(rng *rand.Rand, instrument string) domain.FlexString {
	if instrument == "VIIRS" {
		return domain.FlexString([]string{"l", "n", "n", "h"}[rng.IntN(4)])
	}
	return domain.FlexString(fmt.Sprintf("%d", 30+rng.IntN(71)))
}

func dayNight(t time.Time) string {
	if h := t.Hour(); h >= 14 || h < 2 {
		return "D"
	}
	return "N"
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

func publish(brokers []string, topic string, dets []domain.RawDetection) error {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	defer w.Close()

	msgs := make([]kafkago.Message, 0, len(dets))
	for _, d := range dets {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal detection: %w", err)
		}
		msgs = append(msgs, kafkago.Message{Value: data})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish detections: %w", err)
	}
	return nil
}
