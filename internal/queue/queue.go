package queue

import (
	"fmt"
	"sort"
	"sync"
)

// entry is the per-identity FIFO plus its busy token.
type entry struct {
	items []WorkItem
	busy  bool
}

// Registry owns every identity's pending work and busy flag.
// A single mutex guards the map; every method is a short critical section
// and none of them block on processing.
type Registry struct {
	mu         sync.Mutex
	entries    map[Identity]*entry
	maxPending int
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxPending bounds the number of buffered items per identity.
// Zero or negative means unbounded.
func WithMaxPending(n int) Option {
	return func(r *Registry) { r.maxPending = n }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{entries: make(map[Identity]*entry)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue appends item to identity's sequence, creating it if absent, and
// returns the item's 1-based position. Position 1 means it is the only
// pending item.
func (r *Registry) Enqueue(identity Identity, item WorkItem) (int, error) {
	if identity == "" {
		return 0, ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		e = &entry{}
		r.entries[identity] = e
	}
	if r.maxPending > 0 && len(e.items) >= r.maxPending {
		return 0, fmt.Errorf("identity has %d pending items: %w", len(e.items), ErrQueueFull)
	}
	e.items = append(e.items, item)
	return len(e.items), nil
}

// TryAcquire sets identity's busy flag if it is clear. It returns true when
// the caller now owns the drain loop for identity.
func (r *Registry) TryAcquire(identity Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		// Nothing pending; owning an empty loop would leak an entry.
		return false
	}
	if e.busy {
		return false
	}
	e.busy = true
	return true
}

// PopFront removes and returns the oldest pending item for identity.
func (r *Registry) PopFront(identity Identity) (WorkItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || len(e.items) == 0 {
		return WorkItem{}, false
	}
	item := e.items[0]
	e.items[0] = WorkItem{}
	e.items = e.items[1:]
	return item, true
}

// Release clears identity's busy flag and reclaims the entry if nothing is
// pending. It is the unconditional form of ReleaseIfEmpty, for an owner that
// will not pop again (a drain loop discarding its backlog on shutdown).
func (r *Registry) Release(identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		return
	}
	e.busy = false
	if len(e.items) == 0 {
		delete(r.entries, identity)
	}
}

// ReleaseIfEmpty releases and reclaims identity only when no item is pending.
// It returns false, leaving the caller as owner, when an item arrived after
// the caller's last empty PopFront.
func (r *Registry) ReleaseIfEmpty(identity Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		return true
	}
	if len(e.items) > 0 {
		return false
	}
	delete(r.entries, identity)
	return true
}

// Len returns the number of pending items for identity.
func (r *Registry) Len(identity Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[identity]; ok {
		return len(e.items)
	}
	return 0
}

// Busy reports whether a drain loop owns identity.
func (r *Registry) Busy(identity Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	return ok && e.busy
}

// Has reports whether identity has an entry at all.
func (r *Registry) Has(identity Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[identity]
	return ok
}

// Identities returns the number of identities with a live entry.
func (r *Registry) Identities() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain removes and returns every pending item across all identities.
// Busy flags are left alone so running loops finish and release normally.
func (r *Registry) Drain() []WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []WorkItem
	for id, e := range r.entries {
		out = append(out, e.items...)
		e.items = nil
		if !e.busy {
			delete(r.entries, id)
		}
	}
	return out
}

// Snapshot returns the status of every live entry, sorted by identity.
func (r *Registry) Snapshot() []EntryStatus {
	r.mu.Lock()
	out := make([]EntryStatus, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, EntryStatus{Identity: id, Pending: len(e.items), Busy: e.busy})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
