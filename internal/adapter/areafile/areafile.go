// Package areafile loads protected-area definitions from a YAML file.
//
//	areas:
//	  - id: downtown-la
//	    name: Downtown Los Angeles
//	    priority: CRITICAL
//	    center: {lat: 34.05, lon: -118.24}
//	    radius_km: 10
//	    polygon:
//	      - [34.02, -118.27]
//	      - {lat: 34.02, lon: -118.21}
//	      - ...
//
// Vertices may be written as {lat, lon} mappings or [lat, lon] pairs.
package areafile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
)

type file struct {
	Areas []area `yaml:"areas"`
}

type area struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Priority domain.Priority `yaml:"priority"`
	Center   point           `yaml:"center"`
	RadiusKm float64         `yaml:"radius_km"`
	Polygon  []point         `yaml:"polygon"`
}

type point geo.Point

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *point) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.SequenceNode:
		var pair []float64
		if err := n.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("line %d: vertex needs [lat, lon], got %d values", n.Line, len(pair))
		}
		*p = point{Lat: pair[0], Lon: pair[1]}
		return nil
	case yaml.MappingNode:
		var m struct {
			Lat *float64 `yaml:"lat"`
			Lon *float64 `yaml:"lon"`
		}
		if err := n.Decode(&m); err != nil {
			return err
		}
		if m.Lat == nil || m.Lon == nil {
			return fmt.Errorf("line %d: point needs lat and lon", n.Line)
		}
		*p = point{Lat: *m.Lat, Lon: *m.Lon}
		return nil
	default:
		return fmt.Errorf("line %d: point must be a mapping or a [lat, lon] pair", n.Line)
	}
}

// Load reads and parses the area file at path.
func Load(path string) ([]domain.ProtectedArea, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	areas, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return areas, nil
}

// Parse decodes area definitions. Unknown keys and duplicate IDs are errors;
// geometry is validated later by the area registry.
func Parse(data []byte) ([]domain.ProtectedArea, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode areas: %w", err)
	}

	seen := make(map[string]bool, len(f.Areas))
	out := make([]domain.ProtectedArea, 0, len(f.Areas))
	for i, a := range f.Areas {
		if a.ID == "" {
			return nil, fmt.Errorf("area %d: missing id", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("area %s: duplicate id", a.ID)
		}
		seen[a.ID] = true

		poly := make([]geo.Point, len(a.Polygon))
		for j, v := range a.Polygon {
			poly[j] = geo.Point(v)
		}
		out = append(out, domain.ProtectedArea{
			ID:                 a.ID,
			Name:               a.Name,
			Priority:           a.Priority,
			Polygon:            poly,
			Center:             geo.Point(a.Center),
			MonitoringRadiusKm: a.RadiusKm,
		})
	}
	return out, nil
}

// Marshal encodes areas in the file format, vertices as [lat, lon] pairs.
func Marshal(areas []domain.ProtectedArea) ([]byte, error) {
	type outArea struct {
		ID       string          `yaml:"id"`
		Name     string          `yaml:"name"`
		Priority domain.Priority `yaml:"priority"`
		Center   geo.Point       `yaml:"center,flow"`
		RadiusKm float64         `yaml:"radius_km"`
		Polygon  [][2]float64    `yaml:"polygon,flow"`
	}
	doc := struct {
		Areas []outArea `yaml:"areas"`
	}{}
	for _, a := range areas {
		oa := outArea{ID: a.ID, Name: a.Name, Priority: a.Priority, Center: a.Center, RadiusKm: a.MonitoringRadiusKm}
		for _, v := range a.Polygon {
			oa.Polygon = append(oa.Polygon, [2]float64{v.Lat, v.Lon})
		}
		doc.Areas = append(doc.Areas, oa)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
