package alert

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

type pairKey struct {
	areaID    string
	hotspotID string
}

// Ledger is the alert history used for suppression decisions and audit. It is
// constructed once per process and passed to the Engine; all writes happen
// under a single lock so decisions within a cycle see each other.
type Ledger struct {
	mu     sync.Mutex
	alerts map[string]*domain.Alert
	order  []string           // creation order
	pairs  map[pairKey]string // (area, hotspot) → alert that consumed it
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		alerts: make(map[string]*domain.Alert),
		pairs:  make(map[pairKey]string),
	}
}

// Get returns a copy of the alert with the given ID.
func (l *Ledger) Get(id string) (domain.Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.alerts[id]
	if !ok {
		return domain.Alert{}, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

// Len returns the number of alerts held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Active returns dispatched, not yet closed alerts at or above min, ordered
// by severity desc, creation time desc and ID.
func (l *Ledger) Active(min domain.Severity) []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Alert
	for _, id := range l.order {
		a := l.alerts[id]
		if a.State.Active() && a.Severity >= min {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Alert) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// DispatchedSince counts alerts dispatched at or after t.
func (l *Ledger) DispatchedSince(t time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispatchedSince(t)
}

func (l *Ledger) dispatchedSince(t time.Time) int {
	n := 0
	for _, a := range l.alerts {
		if a.DispatchedAt != nil && !a.DispatchedAt.Before(t) {
			n++
		}
	}
	return n
}

// UpdatedSince returns copies of alerts created or changed at or after t, in
// creation order.
func (l *Ledger) UpdatedSince(t time.Time) []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Alert
	for _, id := range l.order {
		if a := l.alerts[id]; !a.UpdatedAt.Before(t) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// RecordDeliveries appends per-channel dispatch results to an alert.
func (l *Ledger) RecordDeliveries(id string, deliveries []domain.Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	a.Deliveries = append(a.Deliveries, deliveries...)
	return nil
}

// SetPlaceName stores the geocoded place name of an alert.
func (l *Ledger) SetPlaceName(id, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	a.PlaceName = name
	return nil
}

// Stats summarises alerts created at or after since: totals per tier, how
// many were dispatched or suppressed, and per-channel delivery outcomes.
func (l *Ledger) Stats(since time.Time) domain.AlertStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := domain.AlertStats{Since: since, BySeverity: map[domain.Severity]int{}}
	for _, id := range l.order {
		a := l.alerts[id]
		if a.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		st.BySeverity[a.Severity]++
		switch a.Suppression {
		case domain.SuppressedDuplicate:
			st.SuppressedDuplicate++
		case domain.SuppressedRateLimited:
			st.SuppressedRateLimited++
		}
		if a.DispatchedAt != nil {
			st.Dispatched++
		}
		for _, d := range a.Deliveries {
			if d.OK {
				st.NotificationsSent++
			} else {
				st.NotificationsFailed++
			}
		}
	}
	return st
}

// Snapshot returns copies of every alert in creation order.
func (l *Ledger) Snapshot() []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Alert, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.alerts[id].Clone())
	}
	return out
}

// Restore replaces the ledger contents, typically with alerts loaded from
// persistence at startup. Alerts are kept in creation order.
func (l *Ledger) Restore(alerts []domain.Alert) {
	sorted := slices.Clone(alerts)
	slices.SortStableFunc(sorted, func(a, b domain.Alert) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = make(map[string]*domain.Alert, len(sorted))
	l.order = l.order[:0]
	l.pairs = make(map[pairKey]string)
	for _, a := range sorted {
		if _, dup := l.alerts[a.ID]; dup {
			continue
		}
		l.add(a.Clone())
	}
}

// Compact drops closed alerts that closed before cutoff and returns how many
// were removed. Pairs they consumed become eligible again, so cutoff should
// be older than the assessment lookback.
func (l *Ledger) Compact(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.order[:0]
	removed := 0
	for _, id := range l.order {
		a := l.alerts[id]
		if a == nil {
			continue
		}
		if a.State.Closed() && a.ClosedAt != nil && a.ClosedAt.Before(cutoff) {
			for _, hs := range a.HotspotIDs {
				k := pairKey{a.AreaID, hs}
				if l.pairs[k] == id {
					delete(l.pairs, k)
				}
			}
			delete(l.alerts, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return removed
}

// add inserts a new alert. An alert whose ID is already held, such as a
// rate-limited candidate re-decided at the same instant, replaces the stored
// one and keeps its position. Callers hold the lock.
func (l *Ledger) add(a domain.Alert) *domain.Alert {
	p, ok := l.alerts[a.ID]
	if ok {
		*p = a
	} else {
		p = &a
		l.alerts[a.ID] = p
		l.order = append(l.order, a.ID)
	}
	if a.Suppression != domain.SuppressedRateLimited {
		for _, hs := range a.HotspotIDs {
			l.pairs[pairKey{a.AreaID, hs}] = a.ID
		}
	}
	return p
}

func (l *Ledger) seen(areaID, hotspotID string) bool {
	_, ok := l.pairs[pairKey{areaID, hotspotID}]
	return ok
}
