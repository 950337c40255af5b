package audit

import (
	"context"
	"sync"
	"time"
)

// BuildFunc turns the current chain tail into the event to persist.
type BuildFunc func(prevHash string) (Event, error)

// Store is the event persistence layer behind a Chain.
type Store interface {
	// Append reads the tail hash, calls build with it and persists the result
	// as one atomic step, assigning Event.ID. It returns ErrChainConflict if
	// the tail moved underneath it.
	Append(ctx context.Context, build BuildFunc) (Event, error)
	// Range returns events with fromID <= id <= toID in insertion order.
	// A toID of zero means no upper bound.
	Range(ctx context.Context, fromID, toID int64, limit int) ([]Event, error)
	// Before returns the latest event inserted before id.
	Before(ctx context.Context, id int64) (Event, bool, error)
	// Search returns matching events newest first, at most f.Limit of them.
	Search(ctx context.Context, f Filter) ([]Event, error)
}

// MemoryStore keeps the chain in process. Appends are serialized by its mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, build BuildFunc) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := GenesisHash
	if n := len(m.events); n > 0 {
		prev = m.events[n-1].Hash
	}
	ev, err := build(prev)
	if err != nil {
		return Event{}, err
	}
	if ev.PrevHash != prev {
		return Event{}, ErrChainConflict
	}
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *MemoryStore) Range(_ context.Context, fromID, toID int64, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if fromID < 1 {
		fromID = 1
	}
	var out []Event
	for i := fromID - 1; i < int64(len(m.events)); i++ {
		ev := m.events[i]
		if toID > 0 && ev.ID > toID {
			break
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Before(_ context.Context, id int64) (Event, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := id - 2
	if idx < 0 || len(m.events) == 0 {
		return Event{}, false, nil
	}
	if idx >= int64(len(m.events)) {
		idx = int64(len(m.events)) - 1
	}
	return m.events[idx], true, nil
}

func (m *MemoryStore) Search(_ context.Context, f Filter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if !f.Matches(m.events[i]) {
			continue
		}
		out = append(out, m.events[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Filter selects events for Search and export. Zero fields match everything.
// From is inclusive and To is exclusive.
type Filter struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	From       time.Time
	To         time.Time
	Limit      int
}

// Matches reports whether e passes every set field of f.
func (f Filter) Matches(e Event) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
