package mapbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
	"github.com/couchcryptid/firewatch-service/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock for cache tests ---

type countingGeocoder struct {
	calls atomic.Int32
	place domain.Place
	err   error
}

func (m *countingGeocoder) ReverseGeocode(_ context.Context, _ geo.Point) (domain.Place, error) {
	m.calls.Add(1)
	return m.place, m.err
}

func newCached(t *testing.T, inner domain.Geocoder, size int) *CachedGeocoder {
	t.Helper()
	c, err := NewCachedGeocoder(inner, size, observability.NewMetricsForTesting())
	require.NoError(t, err)
	return c
}

// --- CachedGeocoder tests ---

func TestCachedGeocoder_CacheHit(t *testing.T) {
	inner := &countingGeocoder{place: domain.Place{Name: "Los Angeles", FormattedAddress: "Los Angeles, CA"}}
	cached := newCached(t, inner, 10)

	p1, err := cached.ReverseGeocode(context.Background(), losAngeles)
	require.NoError(t, err)
	p2, err := cached.ReverseGeocode(context.Background(), geo.Point{Lat: 34.0521, Lon: -118.2438})
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), inner.calls.Load(), "points within the rounding cell share an entry")
}

func TestCachedGeocoder_DistinctCells(t *testing.T) {
	inner := &countingGeocoder{place: domain.Place{FormattedAddress: "somewhere"}}
	cached := newCached(t, inner, 10)

	_, _ = cached.ReverseGeocode(context.Background(), losAngeles)
	_, _ = cached.ReverseGeocode(context.Background(), geo.Point{Lat: 34.10, Lon: -118.30})
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedGeocoder_EmptyResultNotCached(t *testing.T) {
	inner := &countingGeocoder{}
	cached := newCached(t, inner, 10)

	_, _ = cached.ReverseGeocode(context.Background(), losAngeles)
	_, _ = cached.ReverseGeocode(context.Background(), losAngeles)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Zero(t, cached.Len())
}

func TestCachedGeocoder_ErrorNotCached(t *testing.T) {
	inner := &countingGeocoder{err: errors.New("api down")}
	cached := newCached(t, inner, 10)

	_, err := cached.ReverseGeocode(context.Background(), losAngeles)
	require.Error(t, err)
	_, err = cached.ReverseGeocode(context.Background(), losAngeles)
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedGeocoder_Eviction(t *testing.T) {
	inner := &countingGeocoder{place: domain.Place{FormattedAddress: "x"}}
	cached := newCached(t, inner, 2)

	for i := range 3 {
		_, err := cached.ReverseGeocode(context.Background(), geo.Point{Lat: float64(i), Lon: 0})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cached.Len())

	_, _ = cached.ReverseGeocode(context.Background(), geo.Point{Lat: 0, Lon: 0})
	assert.Equal(t, int32(4), inner.calls.Load(), "oldest entry was evicted")
}

func TestCachedGeocoder_Concurrent(t *testing.T) {
	inner := &countingGeocoder{place: domain.Place{FormattedAddress: "x"}}
	cached := newCached(t, inner, 100)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.ReverseGeocode(context.Background(), geo.Point{Lat: float64(i % 5), Lon: 0})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, inner.calls.Load(), int32(50))
	assert.Equal(t, 5, cached.Len())
}

func TestNewCachedGeocoder_InvalidSize(t *testing.T) {
	_, err := NewCachedGeocoder(&countingGeocoder{}, 0, observability.NewMetricsForTesting())
	assert.Error(t, err)
}
