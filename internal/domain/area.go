package domain

import (
	"encoding"
	"fmt"
	"math"
	"strings"

	"github.com/couchcryptid/firewatch-service/internal/geo"
)

// Priority is the protection tier of an area.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

var (
	_ encoding.TextMarshaler   = Priority(0)
	_ encoding.TextUnmarshaler = (*Priority)(nil)
)

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Factor maps the tier onto the priority component of the threat score.
func (p Priority) Factor() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.75
	case PriorityMedium:
		return 0.5
	case PriorityLow:
		return 0.25
	default:
		return 0
	}
}

// Valid reports whether p is one of the four defined tiers.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority parses a case-insensitive tier name.
func ParsePriority(s string) (Priority, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == want {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// ProtectedArea is a monitored asset or region.
type ProtectedArea struct {
	ID                 string      `json:"id" yaml:"id"`
	Name               string      `json:"name" yaml:"name"`
	Priority           Priority    `json:"priority" yaml:"priority"`
	Polygon            []geo.Point `json:"polygon" yaml:"polygon"`
	Center             geo.Point   `json:"center" yaml:"center"`
	MonitoringRadiusKm float64     `json:"monitoring_radius_km" yaml:"radius_km"`
}

// Normalize returns a copy of a with a closed polygon ring and trimmed
// identifiers. The input slice is never modified.
func (a ProtectedArea) Normalize() ProtectedArea {
	a.ID = strings.TrimSpace(a.ID)
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		a.Name = a.ID
	}

	ring := make([]geo.Point, len(a.Polygon), len(a.Polygon)+1)
	copy(ring, a.Polygon)
	if n := len(ring); n > 0 && ring[0] != ring[n-1] {
		ring = append(ring, ring[0])
	}
	a.Polygon = ring
	return a
}

// Validate checks a normalized area. Every failure wraps ErrInvalidPolygon.
func (a ProtectedArea) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPolygon)
	}
	if !a.Priority.Valid() {
		return fmt.Errorf("%w: area %s: invalid priority", ErrInvalidPolygon, a.ID)
	}
	if a.MonitoringRadiusKm < 0 || math.IsNaN(a.MonitoringRadiusKm) || math.IsInf(a.MonitoringRadiusKm, 0) {
		return fmt.Errorf("%w: area %s: invalid monitoring radius %v", ErrInvalidPolygon, a.ID, a.MonitoringRadiusKm)
	}
	if err := geo.Validate(a.Center); err != nil {
		return fmt.Errorf("%w: area %s: center: %w", ErrInvalidPolygon, a.ID, err)
	}

	distinct := make(map[geo.Point]struct{}, len(a.Polygon))
	for i, v := range a.Polygon {
		if err := geo.Validate(v); err != nil {
			return fmt.Errorf("%w: area %s: vertex %d: %w", ErrInvalidPolygon, a.ID, i, err)
		}
		distinct[v] = struct{}{}
	}
	if len(distinct) < 3 {
		return fmt.Errorf("%w: area %s: %d distinct vertices, need at least 3", ErrInvalidPolygon, a.ID, len(distinct))
	}
	return nil
}

// Bounds covers the polygon and the declared center.
func (a ProtectedArea) Bounds() geo.BBox {
	return geo.BoundsOf(a.Polygon...).Extend(a.Center)
}
