// Package alert decides which threat records become outbound alerts.
//
// Evaluation runs strictly sequentially under the ledger lock: every decision
// depends on the rate-limit count and on alerts written by earlier decisions
// in the same cycle.
package alert

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

// alertNamespace seeds the name-based alert IDs.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/couchcryptid/firewatch-service/alert"))

// Config controls suppression, rate limiting and alert lifetime.
type Config struct {
	// SuppressionWindow is how long an active alert suppresses candidates of
	// the same or lower tier for its area.
	SuppressionWindow time.Duration

	// RateLimit caps dispatched alerts across all areas per RateWindow.
	RateLimit  int
	RateWindow time.Duration

	// TTL expires dispatched alerts that were never resolved.
	TTL time.Duration
}

// DefaultConfig returns the standard alerting policy.
func DefaultConfig() Config {
	return Config{
		SuppressionWindow: 60 * time.Minute,
		RateLimit:         10,
		RateWindow:        15 * time.Minute,
		TTL:               24 * time.Hour,
	}
}

// Validate checks that all durations and the limit are positive.
func (c Config) Validate() error {
	var errs []error
	if c.SuppressionWindow <= 0 {
		errs = append(errs, errors.New("suppression window must be positive"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate window must be positive"))
	}
	if c.TTL <= 0 {
		errs = append(errs, errors.New("ttl must be positive"))
	}
	return errors.Join(errs...)
}

// Engine applies suppression and rate limiting to threat records.
type Engine struct {
	cfg    Config
	ledger *Ledger
	logger *slog.Logger
}

// NewEngine returns an Engine writing to ledger.
func NewEngine(cfg Config, ledger *Ledger, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("alert config: %w", err)
	}
	if ledger == nil {
		return nil, errors.New("alert ledger is required")
	}
	return &Engine{cfg: cfg, ledger: ledger, logger: logger}, nil
}

// Ledger returns the ledger the engine writes to.
func (e *Engine) Ledger() *Ledger { return e.ledger }

type candidate struct {
	record domain.ThreatRecord
	in     domain.Intersection
}

func compareCandidates(a, b candidate) int {
	if c := cmp.Compare(b.in.Severity, a.in.Severity); c != 0 {
		return c
	}
	if c := cmp.Compare(b.in.Score, a.in.Score); c != 0 {
		return c
	}
	if c := b.record.Hotspot.AcquiredAt.Compare(a.record.Hotspot.AcquiredAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.record.Hotspot.ID, b.record.Hotspot.ID); c != 0 {
		return c
	}
	return cmp.Compare(a.in.AreaID, b.in.AreaID)
}

// Evaluate decides the fate of every notifiable (area, hotspot) pair in
// records and advances the lifecycle of existing alerts. Candidate decisions
// come first, in the order they were decided; lifecycle transitions of
// existing alerts (expired, superseded, resolved) follow. Identical inputs
// against an identical ledger produce identical output.
func (e *Engine) Evaluate(records []domain.ThreatRecord, now time.Time) []domain.Decision {
	l := e.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	var transitions []domain.Alert
	transitions = append(transitions, e.expire(now)...)

	threatened := make(map[string]bool)
	var cands []candidate
	for _, rec := range records {
		for _, in := range rec.Intersections {
			if !in.Severity.Notifiable() {
				continue
			}
			threatened[in.AreaID] = true
			if l.seen(in.AreaID, rec.Hotspot.ID) {
				continue
			}
			cands = append(cands, candidate{record: rec, in: in})
		}
	}
	slices.SortFunc(cands, compareCandidates)

	dispatched := l.dispatchedSince(now.Add(-e.cfg.RateWindow))
	decisions := make([]domain.Decision, 0, len(cands))
	for _, c := range cands {
		a, superseded := e.decide(c, now, &dispatched)
		decisions = append(decisions, domain.Decision{Alert: a, Record: c.record})
		transitions = append(transitions, superseded...)
	}

	transitions = append(transitions, e.resolve(now, threatened)...)
	for _, a := range transitions {
		decisions = append(decisions, domain.Decision{Alert: a})
	}
	return decisions
}

// decide settles one candidate. Callers hold the ledger lock.
func (e *Engine) decide(c candidate, now time.Time, dispatched *int) (domain.Alert, []domain.Alert) {
	l := e.ledger
	a := newAlert(c, now)

	active := e.activeInWindow(c.in.AreaID, now)
	top := highest(active)
	if top != nil && top.Severity >= a.Severity {
		a.Suppression = domain.SuppressedDuplicate
		e.mustTransition(&a, domain.AlertSuppressed, now)
		if !slices.Contains(top.HotspotIDs, c.record.Hotspot.ID) {
			top.HotspotIDs = append(top.HotspotIDs, c.record.Hotspot.ID)
			top.UpdatedAt = now
		}
		l.add(a)
		return a.Clone(), nil
	}

	if *dispatched >= e.cfg.RateLimit {
		a.Suppression = domain.SuppressedRateLimited
		e.mustTransition(&a, domain.AlertSuppressed, now)
		l.add(a)
		return a.Clone(), nil
	}

	var superseded []domain.Alert
	if top != nil {
		a.Escalation = true
		a.Supersedes = top.ID
		for _, prev := range active {
			prev.SupersededBy = a.ID
			e.mustTransition(prev, domain.AlertResolved, now)
			superseded = append(superseded, prev.Clone())
		}
	}
	e.mustTransition(&a, domain.AlertDispatched, now)
	*dispatched++
	l.add(a)
	return a.Clone(), superseded
}

// activeInWindow returns dispatched alerts for the area created less than
// the suppression window ago, in creation order.
func (e *Engine) activeInWindow(areaID string, now time.Time) []*domain.Alert {
	var out []*domain.Alert
	for _, id := range e.ledger.order {
		a := e.ledger.alerts[id]
		if a.AreaID == areaID && a.State.Active() && now.Sub(a.CreatedAt) < e.cfg.SuppressionWindow {
			out = append(out, a)
		}
	}
	return out
}

func highest(alerts []*domain.Alert) *domain.Alert {
	var top *domain.Alert
	for _, a := range alerts {
		if top == nil || a.Severity > top.Severity {
			top = a
		}
	}
	return top
}

// expire closes dispatched alerts whose TTL has elapsed.
func (e *Engine) expire(now time.Time) []domain.Alert {
	var out []domain.Alert
	for _, id := range e.ledger.order {
		a := e.ledger.alerts[id]
		if a.State == domain.AlertDispatched && a.DispatchedAt != nil && now.Sub(*a.DispatchedAt) >= e.cfg.TTL {
			e.mustTransition(a, domain.AlertExpired, now)
			out = append(out, a.Clone())
		}
	}
	return out
}

// resolve closes dispatched alerts from earlier cycles whose area had no
// notifiable intersection in this one.
func (e *Engine) resolve(now time.Time, threatened map[string]bool) []domain.Alert {
	var out []domain.Alert
	for _, id := range e.ledger.order {
		a := e.ledger.alerts[id]
		if a.State != domain.AlertDispatched || !a.CreatedAt.Before(now) || threatened[a.AreaID] {
			continue
		}
		e.mustTransition(a, domain.AlertResolved, now)
		out = append(out, a.Clone())
	}
	return out
}

func (e *Engine) mustTransition(a *domain.Alert, next domain.AlertState, now time.Time) {
	if err := a.Transition(next, now); err != nil {
		// Only reachable through a ledger restored with inconsistent states.
		e.logger.Error("alert transition rejected", "alert_id", a.ID, "error", err)
	}
}

func newAlert(c candidate, now time.Time) domain.Alert {
	h := c.record.Hotspot
	return domain.Alert{
		ID:          AlertID(c.in.AreaID, h.ID, c.in.Severity, now),
		AreaID:      c.in.AreaID,
		AreaName:    c.in.AreaName,
		Priority:    c.in.Priority,
		Severity:    c.in.Severity,
		Score:       c.in.Score,
		HotspotIDs:  []string{h.ID},
		Location:    h.Location,
		DistanceKm:  c.in.DistanceKm,
		Inside:      c.in.Inside,
		State:       domain.AlertNew,
		Suppression: domain.SuppressionNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AlertID derives the deterministic ID of the alert raised for a hotspot in
// an area at a given evaluation instant.
func AlertID(areaID, hotspotID string, sev domain.Severity, now time.Time) string {
	name := areaID + "|" + hotspotID + "|" + sev.String() + "|" + now.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}
