package geo

import "math"

// Degrees-per-kilometre approximation used for pruning. The latitude figure
// is the equatorial minimum so the derived boxes err on the large side.
const (
	kmPerDegreeLat = 110.574
	kmPerDegreeLon = 111.320
	minCosLat      = 0.01
)

// BBox is an axis-aligned box in lat/lon space.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Bounded is implemented by anything that can report its bounding box.
type Bounded interface {
	Bounds() BBox
}

// BoundsOf returns the smallest box containing every point. The zero BBox is
// returned for no points.
func BoundsOf(points ...Point) BBox {
	if len(points) == 0 {
		return BBox{}
	}
	b := BBox{MinLat: points[0].Lat, MaxLat: points[0].Lat, MinLon: points[0].Lon, MaxLon: points[0].Lon}
	for _, p := range points[1:] {
		b = b.Extend(p)
	}
	return b
}

// Extend grows the box to include p.
func (b BBox) Extend(p Point) BBox {
	b.MinLat = math.Min(b.MinLat, p.Lat)
	b.MaxLat = math.Max(b.MaxLat, p.Lat)
	b.MinLon = math.Min(b.MinLon, p.Lon)
	b.MaxLon = math.Max(b.MaxLon, p.Lon)
	return b
}

// Contains reports whether p lies within the box, edges included.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Intersects reports whether the two boxes overlap, touching edges included.
func (b BBox) Intersects(o BBox) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat &&
		b.MinLon <= o.MaxLon && o.MinLon <= b.MaxLon
}

// Around returns a box centred on p reaching radiusKm in every direction.
// Longitude spread uses the cosine of the box's poleward edge so the box never
// under-covers the circle it approximates.
func Around(p Point, radiusKm float64) BBox {
	if radiusKm < 0 {
		radiusKm = 0
	}
	dLat := radiusKm / kmPerDegreeLat
	minLat := math.Max(-90, p.Lat-dLat)
	maxLat := math.Min(90, p.Lat+dLat)

	edge := math.Max(math.Abs(minLat), math.Abs(maxLat))
	cos := math.Max(minCosLat, math.Cos(edge*math.Pi/180))
	dLon := radiusKm / (kmPerDegreeLon * cos)

	return BBox{
		MinLat: minLat,
		MaxLat: maxLat,
		MinLon: math.Max(-180, p.Lon-dLon),
		MaxLon: math.Min(180, p.Lon+dLon),
	}
}

// BoundingBoxPrune returns the items whose bounds intersect the box of
// maxRadiusKm around p, preserving input order. It is a cheap pre-filter;
// survivors still need exact distance and containment tests.
func BoundingBoxPrune[T Bounded](p Point, items []T, maxRadiusKm float64) []T {
	box := Around(p, maxRadiusKm)
	out := make([]T, 0, len(items))
	for _, it := range items {
		if box.Intersects(it.Bounds()) {
			out = append(out, it)
		}
	}
	return out
}
