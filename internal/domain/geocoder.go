package domain

import (
	"context"

	"github.com/couchcryptid/firewatch-service/internal/geo"
)

// Place is a human-readable description of a coordinate returned by a
// geocoding provider.
type Place struct {
	Name             string
	FormattedAddress string
	Relevance        float64 // 0.0–1.0 provider relevance score
}

// Geocoder resolves alert locations to place names. Implementations must be
// safe for concurrent use.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p geo.Point) (Place, error)
}
