package store

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

// AreaRegistry holds validated protected areas. Polygons are checked at
// registration time so assessment never sees an invalid ring.
type AreaRegistry struct {
	mu     sync.RWMutex
	byID   map[string]domain.ProtectedArea
	sorted []domain.ProtectedArea // by id; never mutated once published
}

// NewAreaRegistry returns an empty registry.
func NewAreaRegistry() *AreaRegistry {
	return &AreaRegistry{byID: make(map[string]domain.ProtectedArea)}
}

// Register validates and adds an area, replacing any area with the same ID.
func (r *AreaRegistry) Register(area domain.ProtectedArea) error {
	area = area.Normalize()
	if err := area.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[area.ID] = area
	r.publish()
	return nil
}

// RegisterAll registers each area and returns one error per rejected area.
// Valid areas are registered even when others fail.
func (r *AreaRegistry) RegisterAll(areas []domain.ProtectedArea) []error {
	valid, errs := normalizeAll(areas)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range valid {
		r.byID[a.ID] = a
	}
	r.publish()
	return errs
}

// ReplaceAll swaps the whole registry for the valid subset of areas in one
// step, so readers never observe a half-reloaded set.
func (r *AreaRegistry) ReplaceAll(areas []domain.ProtectedArea) []error {
	valid, errs := normalizeAll(areas)

	next := make(map[string]domain.ProtectedArea, len(valid))
	for _, a := range valid {
		next[a.ID] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = next
	r.publish()
	return errs
}

// Remove deletes an area.
func (r *AreaRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("area %s: %w", id, domain.ErrNotFound)
	}
	delete(r.byID, id)
	r.publish()
	return nil
}

// GetArea returns the area with the given ID.
func (r *AreaRegistry) GetArea(id string) (domain.ProtectedArea, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return domain.ProtectedArea{}, fmt.Errorf("area %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// ListAreas returns areas sorted by ID, restricted to the given priorities
// when any are passed.
func (r *AreaRegistry) ListAreas(priorities ...domain.Priority) []domain.ProtectedArea {
	snap := r.Snapshot()
	if len(priorities) == 0 {
		return slices.Clone(snap)
	}
	out := make([]domain.ProtectedArea, 0, len(snap))
	for _, a := range snap {
		if slices.Contains(priorities, a.Priority) {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns the current immutable area list, sorted by ID. Callers
// must not modify it.
func (r *AreaRegistry) Snapshot() []domain.ProtectedArea {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted
}

// Len returns the number of registered areas.
func (r *AreaRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sorted)
}

// publish rebuilds the sorted snapshot. Callers hold the write lock.
func (r *AreaRegistry) publish() {
	next := make([]domain.ProtectedArea, 0, len(r.byID))
	for _, a := range r.byID {
		next = append(next, a)
	}
	slices.SortFunc(next, func(a, b domain.ProtectedArea) int { return strings.Compare(a.ID, b.ID) })
	r.sorted = next
}

func normalizeAll(areas []domain.ProtectedArea) ([]domain.ProtectedArea, []error) {
	valid := make([]domain.ProtectedArea, 0, len(areas))
	var errs []error
	for i, a := range areas {
		a = a.Normalize()
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("area %d: %w", i, err))
			continue
		}
		valid = append(valid, a)
	}
	return valid, errs
}
