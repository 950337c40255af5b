// Package stream fans appended audit events out to live subscribers.
package stream

import (
	"context"
	"sync"

	"adminpanel.io/internal/audit"
	"adminpanel.io/internal/obs"
)

const subscriberBuffer = 64

// Feed fans out audit events to all active subscribers (SSE clients).
type Feed struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch     chan audit.Event
	filter audit.Filter
}

// New initialises an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for events matching filter and returns a
// channel which will receive them. The channel is closed when ctx ends.
func (f *Feed) Subscribe(ctx context.Context, filter audit.Filter) <-chan audit.Event {
	ch := make(chan audit.Event, subscriberBuffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = subscriber{ch: ch, filter: filter}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every matching subscriber. It never blocks: a
// subscriber whose buffer is full misses the event.
func (f *Feed) Publish(evt audit.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, sub := range f.subs {
		if !sub.filter.Matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			obs.Warn("audit stream subscriber lagging", map[string]any{
				"subscriber": id,
				"event_id":   evt.ID,
			})
		}
	}
}

// Subscribers reports the number of live subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
