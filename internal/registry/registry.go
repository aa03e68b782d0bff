// Package registry keeps the active matches in memory and serializes mutations per match.
package registry

import (
	"sort"
	"sync"

	"github.com/Proton-105/xo-arena/internal/board"
	"github.com/Proton-105/xo-arena/internal/match"
)

// Filter selects matches in List. A nil Filter selects everything.
type Filter func(m *match.Match) bool

// entry guards a single match. mu is held for the whole duration of an update.
type entry struct {
	mu      sync.Mutex
	match   *match.Match
	removed bool
}

// Registry is a concurrent map of active matches. The map lock is never held
// while a match is being mutated, so distinct matches progress independently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create stores m. It returns false if a match with the same id already exists.
func (r *Registry) Create(m *match.Match) bool {
	if m == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[m.ID]; exists {
		return false
	}

	r.entries[m.ID] = &entry{match: m}
	return true
}

// Get returns a snapshot of the match.
func (r *Registry) Get(id string) (match.Match, error) {
	e := r.lookup(id)
	if e == nil {
		return match.Match{}, match.ErrMatchNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return match.Match{}, match.ErrMatchNotFound
	}

	return e.match.Snapshot(), nil
}

// Update runs fn with exclusive access to the match and returns the resulting
// snapshot. fn must leave the match untouched when it returns an error; the
// snapshot is returned in both cases so callers can resync clients.
func (r *Registry) Update(id string, fn func(m *match.Match) error) (match.Match, error) {
	e := r.lookup(id)
	if e == nil {
		return match.Match{}, match.ErrMatchNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return match.Match{}, match.ErrMatchNotFound
	}

	err := fn(e.match)
	return e.match.Snapshot(), err
}

// Remove deletes the match. It reports whether the match was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	return true
}

// RemoveIf deletes the match when remove returns true under the match lock.
// It returns the final snapshot and whether the match was removed.
func (r *Registry) RemoveIf(id string, remove func(m *match.Match) bool) (match.Match, bool) {
	e := r.lookup(id)
	if e == nil {
		return match.Match{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || !remove(e.match) {
		return e.match.Snapshot(), false
	}

	e.removed = true

	r.mu.Lock()
	if current, ok := r.entries[id]; ok && current == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	return e.match.Snapshot(), true
}

// List returns snapshots of matching entries ordered by creation time.
func (r *Registry) List(filter Filter) []match.Match {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]match.Match, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && (filter == nil || filter(e.match)) {
			result = append(result, e.match.Snapshot())
		}
		e.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result
}

// Len returns the number of stored matches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByStatus reports how many matches are stored per status.
func (r *Registry) CountByStatus() map[string]int {
	counts := make(map[string]int)
	for _, m := range r.List(nil) {
		counts[string(m.Status)]++
	}
	return counts
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Waiting selects open matches visible in the lobby.
func Waiting(m *match.Match) bool {
	return m.Status == match.StatusWaiting && m.ReservedFor == ""
}

// Playing selects matches in progress.
func Playing(m *match.Match) bool {
	return m.Status == match.StatusPlaying
}

// Involving selects matches where userID holds a seat.
func Involving(userID string) Filter {
	return func(m *match.Match) bool {
		return m.MarkOf(userID) != board.Empty
	}
}

// SettlementFailed selects terminal matches whose payout could not be committed.
func SettlementFailed(m *match.Match) bool {
	return m.Settlement == match.SettlementFailed
}
