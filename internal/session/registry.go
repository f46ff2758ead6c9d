package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfci-online/luminate-cookbook/pkg/models"
)

// Registry is the in-memory keyed store of session records. It is the only
// mutable structure shared across sessions; a single registry-wide lock
// keeps create, remove, and expiry listing from interleaving destructively.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Record
	capacity int
}

// NewRegistry creates an empty registry holding at most capacity
// non-terminal sessions.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		records:  make(map[string]*Record),
		capacity: capacity,
	}
}

// Create generates a correlation id, builds the record, and stores it. The
// capacity check and the insert happen under one lock so concurrent callers
// cannot both slip past the ceiling. Terminal records awaiting removal do
// not count against capacity.
func (g *Registry) Create(username string, payload []models.WorkItem, now time.Time) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	active := 0
	for _, rec := range g.records {
		if !rec.State().Terminal() {
			active++
		}
	}
	if active >= g.capacity {
		return nil, ErrCapacity
	}

	rec := newRecord(uuid.New().String(), username, payload, now)
	g.records[rec.ID] = rec
	return rec, nil
}

// Get fetches a record by correlation id.
func (g *Registry) Get(id string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Remove drops a record without closing its resources; release ordering is
// the lifecycle manager's responsibility.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, id)
}

// ListStale returns non-terminal records whose activity window or
// second-factor deadline has lapsed at now.
func (g *Registry) ListStale(now time.Time, ttl time.Duration) []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stale []*Record
	for _, rec := range g.records {
		if rec.staleAt(now, ttl) {
			stale = append(stale, rec)
		}
	}
	return stale
}

// ListAll returns every record, for health and shutdown handling.
func (g *Registry) ListAll() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	all := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		all = append(all, rec)
	}
	return all
}

// ActiveCount returns the number of non-terminal sessions.
func (g *Registry) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	active := 0
	for _, rec := range g.records {
		if !rec.State().Terminal() {
			active++
		}
	}
	return active
}

// Capacity returns the configured session ceiling.
func (g *Registry) Capacity() int {
	return g.capacity
}
