// Package firms fetches active fire detections from the NASA FIRMS area API.
package firms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
	"github.com/couchcryptid/firewatch-service/internal/retry"
)

// DefaultBaseURL is the public FIRMS API root.
const DefaultBaseURL = "https://firms.modaps.eosdis.nasa.gov/api"

// maxDays is the largest day range the area API accepts.
const maxDays = 10

// AreaLister supplies the areas whose surroundings should be queried.
type AreaLister interface {
	Snapshot() []domain.ProtectedArea
}

// Client queries the FIRMS area endpoint for the box covering every
// registered area. It implements the pipeline's detection source.
type Client struct {
	baseURL    string
	mapKey     string
	source     string
	days       int
	marginKm   float64
	httpClient *http.Client
	policy     retry.Policy
	areas      AreaLister
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API root, e.g. for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRetryPolicy overrides the request retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithMarginKm widens the queried box around the areas.
func WithMarginKm(km float64) Option {
	return func(c *Client) {
		if km >= 0 {
			c.marginKm = km
		}
	}
}

// NewClient creates a FIRMS client for one data source, e.g. VIIRS_SNPP_NRT
// or MODIS_NRT, looking back days (1–10).
func NewClient(mapKey, source string, days int, timeout time.Duration, areas AreaLister, logger *slog.Logger, opts ...Option) *Client {
	days = max(1, min(days, maxDays))
	c := &Client{
		baseURL:    DefaultBaseURL,
		mapKey:     mapKey,
		source:     source,
		days:       days,
		marginKm:   5,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.DefaultPolicy(),
		areas:      areas,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the detections around the registered areas. With no areas
// registered it returns an empty batch without calling the API.
func (c *Client) Fetch(ctx context.Context) (domain.Batch, error) {
	box, ok := Coverage(c.areas.Snapshot(), c.marginKm)
	if !ok {
		return domain.Batch{}, nil
	}
	dets, rejected, err := c.FetchArea(ctx, box)
	if err != nil {
		return domain.Batch{}, err
	}
	return domain.Batch{Detections: dets, Rejected: rejected}, nil
}

// FetchArea queries one bounding box.
func (c *Client) FetchArea(ctx context.Context, box geo.BBox) ([]domain.RawDetection, []error, error) {
	u := fmt.Sprintf("%s/area/csv/%s/%s/%.4f,%.4f,%.4f,%.4f/%d",
		c.baseURL, c.mapKey, c.source, box.MinLon, box.MinLat, box.MaxLon, box.MaxLat, c.days)

	var (
		dets     []domain.RawDetection
		rejected []error
	)
	attempts, err := retry.DoNotify(ctx, c.policy, func(ctx context.Context) error {
		var err error
		dets, rejected, err = c.get(ctx, u)
		return err
	}, func(err error, wait time.Duration) {
		c.logger.Warn("firms request failed, retrying", "source", c.source, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("firms %s: %w", c.source, err)
	}
	c.logger.Info("firms detections fetched",
		"source", c.source,
		"detections", len(dets),
		"rejected", len(rejected),
		"attempts", attempts,
	)
	return dets, rejected, nil
}

func (c *Client) get(ctx context.Context, u string) ([]domain.RawDetection, []error, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("firms API error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, nil, retry.Permanent(err)
		}
		return nil, nil, err
	}

	dets, rejected, err := ParseCSV(resp.Body)
	if err != nil {
		// FIRMS reports a bad key or source as a 200 with a plain-text body.
		return nil, nil, retry.Permanent(err)
	}
	return dets, rejected, nil
}

// Coverage returns the box around every area extended by its monitoring
// radius plus marginKm. It reports false when there are no areas.
func Coverage(areas []domain.ProtectedArea, marginKm float64) (geo.BBox, bool) {
	var box geo.BBox
	found := false
	for _, a := range areas {
		ab := geo.Around(a.Center, a.MonitoringRadiusKm+marginKm)
		for _, p := range a.Polygon {
			pb := geo.Around(p, marginKm)
			ab = ab.Extend(geo.Point{Lat: pb.MinLat, Lon: pb.MinLon}).Extend(geo.Point{Lat: pb.MaxLat, Lon: pb.MaxLon})
		}
		if !found {
			box, found = ab, true
			continue
		}
		box = box.Extend(geo.Point{Lat: ab.MinLat, Lon: ab.MinLon}).Extend(geo.Point{Lat: ab.MaxLat, Lon: ab.MaxLon})
	}
	return box, found
}
