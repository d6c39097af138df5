package threat

import (
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

// History keeps the latest assessment of every hotspot that intersected each
// area, for per-area threat history queries. Records without intersections
// are not retained.
type History struct {
	mu     sync.RWMutex
	byArea map[string]map[string]domain.ThreatRecord // area id → hotspot id → record
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{byArea: make(map[string]map[string]domain.ThreatRecord)}
}

// Add records the assessments, replacing older assessments of the same
// hotspot.
func (h *History) Add(records []domain.ThreatRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range records {
		for _, in := range rec.Intersections {
			m, ok := h.byArea[in.AreaID]
			if !ok {
				m = make(map[string]domain.ThreatRecord)
				h.byArea[in.AreaID] = m
			}
			if prev, ok := m[rec.Hotspot.ID]; ok && prev.AssessedAt.After(rec.AssessedAt) {
				continue
			}
			m[rec.Hotspot.ID] = rec
		}
	}
}

// Query returns the ranked records for areaID whose hotspot was acquired in
// [since, until]. A zero bound is open.
func (h *History) Query(areaID string, since, until time.Time) []domain.ThreatRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []domain.ThreatRecord
	for _, rec := range h.byArea[areaID] {
		at := rec.Hotspot.AcquiredAt
		if !since.IsZero() && at.Before(since) {
			continue
		}
		if !until.IsZero() && at.After(until) {
			continue
		}
		out = append(out, rec)
	}
	Rank(out)
	return out
}

// EvictOlderThan drops records whose hotspot was acquired before cutoff.
func (h *History) EvictOlderThan(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for areaID, m := range h.byArea {
		for id, rec := range m {
			if rec.Hotspot.AcquiredAt.Before(cutoff) {
				delete(m, id)
				n++
			}
		}
		if len(m) == 0 {
			delete(h.byArea, areaID)
		}
	}
	return n
}

// Areas returns the IDs of areas with retained history, sorted.
func (h *History) Areas() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byArea))
	for id := range h.byArea {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
