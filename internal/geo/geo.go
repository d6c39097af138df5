// Package geo provides the stateless geometric primitives used to correlate
// point detections with protected areas: great-circle distance, planar
// point-in-polygon and a coarse bounding-box pre-filter.
//
// All coordinates are WGS-84 decimal degrees. Polygon tests treat the ring as
// planar in lat/lon space, which is accurate enough at the scale of a
// monitored area (tens of kilometres) and far from the antimeridian.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// edgeEpsilon is the tolerance, in degrees, for treating a point as lying on
// a polygon edge.
const edgeEpsilon = 1e-12

// ErrInvalidCoordinate is returned for latitudes outside [-90,90], longitudes
// outside [-180,180] or NaN values.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a latitude/longitude pair.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Validate reports whether p is a usable coordinate.
func Validate(p Point) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return fmt.Errorf("%w: NaN in (%v, %v)", ErrInvalidCoordinate, p.Lat, p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, p.Lon)
	}
	return nil
}

// HaversineKm returns the great-circle distance between a and b in kilometres
// on a spherical Earth.
func HaversineKm(a, b Point) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h marginally past 1 for antipodal points.
	h = math.Min(1, h)
	c := 2 * math.Asin(math.Sqrt(h))

	return EarthRadiusKm * c, nil
}

// PointInPolygon reports whether p lies inside ring using the even-odd rule.
// Points on an edge or vertex count as inside. The ring may be open or closed;
// rings with fewer than three vertices contain nothing.
func PointInPolygon(p Point, ring []Point) bool {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[j], ring[i]
		if onSegment(p, a, b) {
			return true
		}
		// x = lon, y = lat. Half-open crossing test avoids double counting
		// vertices shared by two edges.
		if (b.Lat > p.Lat) != (a.Lat > p.Lat) {
			xCross := (a.Lon-b.Lon)*(p.Lat-b.Lat)/(a.Lat-b.Lat) + b.Lon
			if p.Lon < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// onSegment reports whether p lies on the segment a-b.
func onSegment(p, a, b Point) bool {
	cross := (b.Lon-a.Lon)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lon-a.Lon)
	if math.Abs(cross) > edgeEpsilon {
		return false
	}
	return p.Lon >= math.Min(a.Lon, b.Lon)-edgeEpsilon &&
		p.Lon <= math.Max(a.Lon, b.Lon)+edgeEpsilon &&
		p.Lat >= math.Min(a.Lat, b.Lat)-edgeEpsilon &&
		p.Lat <= math.Max(a.Lat, b.Lat)+edgeEpsilon
}
