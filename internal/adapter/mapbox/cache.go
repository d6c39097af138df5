package mapbox

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
	"github.com/couchcryptid/firewatch-service/internal/observability"
)

// CachedGeocoder wraps a Geocoder with an in-memory LRU cache keyed by the
// coordinate rounded to three decimals (about 100 m), so detections of the
// same fire share one lookup. Concurrent misses for one key share a single
// upstream call.
type CachedGeocoder struct {
	inner   domain.Geocoder
	cache   *lru.Cache
	group   singleflight.Group
	metrics *observability.Metrics
}

// NewCachedGeocoder creates a cache decorator around a geocoder.
func NewCachedGeocoder(inner domain.Geocoder, maxEntries int, metrics *observability.Metrics) (*CachedGeocoder, error) {
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, fmt.Errorf("geocode cache: %w", err)
	}
	return &CachedGeocoder{inner: inner, cache: cache, metrics: metrics}, nil
}

// ReverseGeocode implements domain.Geocoder.
func (c *CachedGeocoder) ReverseGeocode(ctx context.Context, p geo.Point) (domain.Place, error) {
	key := fmt.Sprintf("rev:%.3f,%.3f", p.Lat, p.Lon)
	if v, ok := c.cache.Get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues("hit").Inc()
		return v.(domain.Place), nil
	}
	c.metrics.GeocodeCache.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		place, err := c.inner.ReverseGeocode(ctx, p)
		if err != nil {
			return place, err
		}
		// Only cache non-empty results so transient "not found" responses can be retried.
		if place.FormattedAddress != "" {
			c.cache.Add(key, place)
		}
		return place, nil
	})
	if err != nil {
		return domain.Place{}, err
	}
	return v.(domain.Place), nil
}

// Len returns the number of cached places.
func (c *CachedGeocoder) Len() int {
	return c.cache.Len()
}
