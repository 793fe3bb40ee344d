package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Journal = (*MemoryJournal)(nil)

// MemoryJournal is a time-bounded in-process journal. A zero ttl keeps
// entries for the life of the process. Placed and unknown entries never
// expire: they are what blocks a second commit.
type MemoryJournal struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	ttl   time.Duration
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

func NewMemory(ttl time.Duration) *MemoryJournal {
	return &MemoryJournal{
		items: make(map[string]memoryEntry),
		ttl:   ttl,
	}
}

func (m *MemoryJournal) Get(_ context.Context, clientOrderID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[clientOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(item) {
		delete(m.items, clientOrderID)
		return nil, ErrNotFound
	}
	e := item.entry
	return &e, nil
}

func (m *MemoryJournal) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	item := memoryEntry{entry: e}
	if m.ttl > 0 && e.State != StatePlaced && e.State != StateUnknown {
		item.expiresAt = time.Now().Add(m.ttl)
	}
	m.items[e.ClientOrderID] = item
	return nil
}

// List returns entries in state, or all entries when state is empty,
// oldest first.
func (m *MemoryJournal) List(_ context.Context, state State) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.items))
	for k, item := range m.items {
		if m.expired(item) {
			delete(m.items, k)
			continue
		}
		if state == "" || item.entry.State == state {
			out = append(out, item.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryJournal) expired(item memoryEntry) bool {
	return !item.expiresAt.IsZero() && time.Now().After(item.expiresAt)
}
