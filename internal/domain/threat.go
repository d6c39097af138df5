package domain

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the derived threat tier. Values are ordered so tiers can be
// compared with < and >=.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Notifiable reports whether the tier is eligible for alerting.
func (s Severity) Notifiable() bool {
	return s >= SeverityMedium
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a case-insensitive tier name.
func ParseSeverity(v string) (Severity, error) {
	want := strings.ToUpper(strings.TrimSpace(v))
	for s, name := range severityNames {
		if name == want {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

// Factors are the normalized [0,1] inputs to a composite score.
type Factors struct {
	Confidence float64 `json:"confidence"`
	Intensity  float64 `json:"intensity"`
	Proximity  float64 `json:"proximity"`
	Priority   float64 `json:"priority"`
}

// Intersection relates one hotspot to one protected area.
type Intersection struct {
	AreaID     string   `json:"area_id"`
	AreaName   string   `json:"area_name"`
	Priority   Priority `json:"priority"`
	DistanceKm float64  `json:"distance_km"`
	Inside     bool     `json:"inside"`
	Score      float64  `json:"score"`
	Severity   Severity `json:"severity"`
	Factors    Factors  `json:"factors"`
}

// ThreatRecord is the assessment of one hotspot against the area registry.
// Intersections are ordered inside-first, then by distance, then by area id.
// Score, Severity and Factors are those of the highest-scoring intersection,
// or of the hotspot alone when there are none.
type ThreatRecord struct {
	Hotspot       Hotspot        `json:"hotspot"`
	Intersections []Intersection `json:"intersections"`
	Score         float64        `json:"score"`
	Severity      Severity       `json:"severity"`
	Factors       Factors        `json:"factors"`
	AssessedAt    time.Time      `json:"assessed_at"`
}

// Intersection returns the intersection for areaID, if any.
func (r ThreatRecord) Intersection(areaID string) (Intersection, bool) {
	for _, in := range r.Intersections {
		if in.AreaID == areaID {
			return in, true
		}
	}
	return Intersection{}, false
}
