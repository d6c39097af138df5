// Package notify fans dispatched alerts out to notification channels.
//
// Each channel is independent: it has its own severity floor, its own send
// rate limit and its own retry budget, and a failure on one never delays or
// cancels another. Results come back as per-channel deliveries for the alert
// ledger rather than as errors.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/retry"
)

// Message is what a channel sends.
type Message struct {
	Subject string
	Text    string
	Alert   domain.Alert
	// Hotspot is the detection behind the alert; zero for lifecycle updates.
	Hotspot domain.Hotspot
	Areas   []string
}

// Channel delivers a rendered message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Route attaches a channel to the dispatcher.
type Route struct {
	Channel     Channel
	MinSeverity domain.Severity
	// PerMinute caps sends on this channel; zero means unlimited.
	PerMinute int
}

type route struct {
	Route
	limiter *rate.Limiter
}

// Observer receives per-delivery outcomes, e.g. for metrics.
type Observer interface {
	ObserveDelivery(channel string, ok bool, attempts int, elapsed time.Duration)
}

// Dispatcher sends alerts to every route whose severity floor they meet.
type Dispatcher struct {
	routes         []route
	template       *Template
	policy         retry.Policy
	attemptTimeout time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
	observer       Observer
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithTemplate overrides the message template.
func WithTemplate(t *Template) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.template = t
		}
	}
}

// WithRetryPolicy overrides the per-channel retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithAttemptTimeout bounds each individual send attempt.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.attemptTimeout = timeout
		}
	}
}

// WithClock overrides the clock used to stamp deliveries.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithObserver registers a delivery observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher builds a dispatcher over routes.
func NewDispatcher(routes []Route, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		return nil, errors.New("notify: nil logger")
	}
	tpl, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		template:       tpl,
		policy:         retry.DefaultPolicy(),
		attemptTimeout: 10 * time.Second,
		clock:          clockwork.NewRealClock(),
		logger:         logger,
	}
	for _, r := range routes {
		if r.Channel == nil {
			return nil, errors.New("notify: nil channel")
		}
		rt := route{Route: r}
		if r.PerMinute > 0 {
			rt.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.PerMinute)), r.PerMinute)
		}
		d.routes = append(d.routes, rt)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Channels returns the configured channel names in route order.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.routes))
	for i, r := range d.routes {
		names[i] = r.Channel.Name()
	}
	return names
}

// Dispatch renders the decision and sends it concurrently to every eligible
// channel. It blocks until all channels finish and returns one delivery per
// channel in route order. Decisions that are not dispatchable are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, dec domain.Decision) []domain.Delivery {
	if !dec.Dispatch() {
		return nil
	}
	msg, err := d.render(dec)
	if err != nil {
		d.logger.Error("render alert failed", "alert_id", dec.Alert.ID, "error", err)
		return []domain.Delivery{{Channel: "template", Error: err.Error(), At: d.clock.Now()}}
	}

	var eligible []route
	for _, r := range d.routes {
		if dec.Alert.Severity >= r.MinSeverity {
			eligible = append(eligible, r)
		}
	}

	out := make([]domain.Delivery, len(eligible))
	var wg sync.WaitGroup
	for i, r := range eligible {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = d.send(ctx, r, msg)
		}()
	}
	wg.Wait()
	return out
}

func (d *Dispatcher) send(ctx context.Context, r route, msg Message) domain.Delivery {
	name := r.Channel.Name()
	start := d.clock.Now()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return d.finish(name, msg.Alert.ID, start, 0, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	attempts, err := retry.DoNotify(ctx, d.policy, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
		return r.Channel.Send(attemptCtx, msg)
	}, func(err error, wait time.Duration) {
		d.logger.Warn("notification send failed, retrying", "channel", name, "alert_id", msg.Alert.ID, "wait", wait, "error", err)
	})
	return d.finish(name, msg.Alert.ID, start, attempts, err)
}

func (d *Dispatcher) finish(channel, alertID string, start time.Time, attempts int, err error) domain.Delivery {
	now := d.clock.Now()
	del := domain.Delivery{Channel: channel, OK: err == nil, Attempts: attempts, At: now}
	if err != nil {
		del.Error = err.Error()
		d.logger.Error("notification failed", "channel", channel, "alert_id", alertID, "attempts", attempts, "error", err)
	} else {
		d.logger.Info("notification sent", "channel", channel, "alert_id", alertID, "attempts", attempts)
	}
	if d.observer != nil {
		d.observer.ObserveDelivery(channel, del.OK, attempts, now.Sub(start))
	}
	return del
}

func (d *Dispatcher) render(dec domain.Decision) (Message, error) {
	a := dec.Alert
	h := dec.Record.Hotspot

	var areas []string
	for _, in := range dec.Record.Intersections {
		if len(areas) == maxListedAreas {
			break
		}
		areas = append(areas, in.AreaName)
	}

	data := TemplateData{
		AlertID:    a.ID,
		Severity:   a.Severity.String(),
		AreaID:     a.AreaID,
		AreaName:   a.AreaName,
		PlaceName:  a.PlaceName,
		Lat:        a.Location.Lat,
		Lon:        a.Location.Lon,
		DistanceKm: a.DistanceKm,
		Inside:     a.Inside,
		Score:      a.Score,
		Confidence: h.Confidence.Percent,
		FRP:        h.FRP,
		Source:     h.Source(),
		Areas:      areas,
		Escalation: a.Escalation,
	}
	if !h.AcquiredAt.IsZero() {
		data.Acquired = h.AcquiredAt.UTC().Format("2006-01-02 15:04 UTC")
	}

	subject, body, err := d.template.Render(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Subject: subject, Text: body, Alert: a, Hotspot: h, Areas: areas}, nil
}

// LogChannel writes alerts to the structured log. It is always safe to
// configure and is the only channel in dry-run mode.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel returns a LogChannel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	c.logger.InfoContext(ctx, "wildfire alert",
		"alert_id", msg.Alert.ID,
		"severity", msg.Alert.Severity.String(),
		"area_id", msg.Alert.AreaID,
		"subject", msg.Subject,
		"text", msg.Text,
	)
	return nil
}
