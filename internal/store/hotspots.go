// Package store holds the in-memory state the threat pipeline reads from:
// deduplicated hotspot detections and the protected area registry.
//
// Both stores are read-mostly. Writers build a new sorted slice and publish it
// under the write lock; readers take the current slice under the read lock and
// iterate it without holding any lock, so an assessment pass always sees one
// consistent version.
package store

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
)

// IngestResult accounts for one ingest call.
type IngestResult struct {
	Inserted   int
	Duplicates int
	Malformed  int
	Errors     []error
	// New holds the hotspots inserted by this call, newest first.
	New []domain.Hotspot
}

// Filter narrows a window query. Zero values match everything.
type Filter struct {
	MinConfidence float64 // percent, 0–100
	Source        string  // "satellite/instrument", "satellite/" or "/instrument"
	Bounds        *geo.BBox
}

func (f Filter) match(h domain.Hotspot) bool {
	if h.Confidence.Percent < f.MinConfidence {
		return false
	}
	if f.Source != "" && !matchSource(f.Source, h.Source()) {
		return false
	}
	if f.Bounds != nil && !f.Bounds.Contains(h.Location) {
		return false
	}
	return true
}

func matchSource(want, got string) bool {
	want = strings.ToLower(want)
	if want == got {
		return true
	}
	sat, inst, ok := strings.Cut(want, "/")
	if !ok {
		return false
	}
	gotSat, gotInst, _ := strings.Cut(got, "/")
	return (sat == "" || sat == gotSat) && (inst == "" || inst == gotInst)
}

// HotspotStore is a deduplicated, time-ordered set of detections.
type HotspotStore struct {
	mu     sync.RWMutex
	byID   map[string]domain.Hotspot
	sorted []domain.Hotspot // newest first, ties by id; never mutated once published
}

// NewHotspotStore returns an empty store.
func NewHotspotStore() *HotspotStore {
	return &HotspotStore{byID: make(map[string]domain.Hotspot)}
}

// Ingest parses and stores raw detections. Records that fail to parse are
// counted as malformed and skipped; records whose ID is already present
// (including earlier in the same batch) are counted as duplicates. Stored
// hotspots are never overwritten.
func (s *HotspotStore) Ingest(raws []domain.RawDetection) IngestResult {
	var res IngestResult
	parsed := make([]domain.Hotspot, 0, len(raws))
	for i, raw := range raws {
		h, err := domain.ParseDetection(raw)
		if err != nil {
			res.Malformed++
			res.Errors = append(res.Errors, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		parsed = append(parsed, h)
	}

	res.New, res.Duplicates = s.insert(parsed)
	res.Inserted = len(res.New)
	return res
}

// Restore loads already-parsed hotspots, typically from persistence, with the
// same deduplication as Ingest. It returns the number inserted.
func (s *HotspotStore) Restore(hotspots []domain.Hotspot) int {
	inserted, _ := s.insert(hotspots)
	return len(inserted)
}

func (s *HotspotStore) insert(hotspots []domain.Hotspot) ([]domain.Hotspot, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]domain.Hotspot, 0, len(hotspots))
	dups := 0
	for _, h := range hotspots {
		if _, ok := s.byID[h.ID]; ok {
			dups++
			continue
		}
		s.byID[h.ID] = h
		fresh = append(fresh, h)
	}
	if len(fresh) == 0 {
		return nil, dups
	}

	slices.SortFunc(fresh, compareHotspots)
	s.sorted = mergeSorted(s.sorted, fresh)
	return fresh, dups
}

// QueryWindow yields hotspots acquired in [start, end] that match f, newest
// first with ties broken by ID. A zero start or end leaves that side open.
// The sequence iterates the snapshot current at call time; later writes are
// not observed.
func (s *HotspotStore) QueryWindow(start, end time.Time, f Filter) iter.Seq[domain.Hotspot] {
	s.mu.RLock()
	snap := s.sorted
	s.mu.RUnlock()

	from := 0
	if !end.IsZero() {
		from = sort.Search(len(snap), func(i int) bool { return !snap[i].AcquiredAt.After(end) })
	}

	return func(yield func(domain.Hotspot) bool) {
		for _, h := range snap[from:] {
			if !start.IsZero() && h.AcquiredAt.Before(start) {
				return
			}
			if !f.match(h) {
				continue
			}
			if !yield(h) {
				return
			}
		}
	}
}

// EvictOlderThan drops hotspots acquired before cutoff and returns how many
// were removed. It is meant for the maintenance path, not every ingest.
func (s *HotspotStore) EvictOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i].AcquiredAt.Before(cutoff) })
	evicted := s.sorted[keep:]
	for _, h := range evicted {
		delete(s.byID, h.ID)
	}
	s.sorted = s.sorted[:keep:keep]
	return len(evicted)
}

// Get returns the hotspot with the given ID.
func (s *HotspotStore) Get(id string) (domain.Hotspot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	if !ok {
		return domain.Hotspot{}, fmt.Errorf("hotspot %s: %w", id, domain.ErrNotFound)
	}
	return h, nil
}

// Len returns the number of stored hotspots.
func (s *HotspotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sorted)
}

func compareHotspots(a, b domain.Hotspot) int {
	if c := b.AcquiredAt.Compare(a.AcquiredAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// mergeSorted merges two sorted slices into a newly allocated one.
func mergeSorted(a, b []domain.Hotspot) []domain.Hotspot {
	out := make([]domain.Hotspot, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if compareHotspots(a[i], b[j]) <= 0 {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
