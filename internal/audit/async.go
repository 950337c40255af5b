package audit

import (
	"context"
	"sync"
	"time"

	"adminpanel.io/internal/obs"
)

const (
	defaultQueueSize     = 1024
	defaultAppendTimeout = 5 * time.Second
)

// Appender is satisfied by *Chain.
type Appender interface {
	Append(ctx context.Context, in Input) (Event, error)
}

// AsyncWriter appends events from a single goroutine so request handlers never
// wait on, or fail because of, the audit store. Failures and drops are logged
// and counted.
type AsyncWriter struct {
	appender Appender
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Input
	done   chan struct{}
}

// NewAsyncWriter starts the writer goroutine. size <= 0 selects the default.
func NewAsyncWriter(appender Appender, size int) *AsyncWriter {
	if size <= 0 {
		size = defaultQueueSize
	}
	w := &AsyncWriter{
		appender: appender,
		timeout:  defaultAppendTimeout,
		queue:    make(chan Input, size),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit enqueues in without blocking. It reports false when the event was
// dropped because the queue is full or the writer is closed.
func (w *AsyncWriter) Submit(in Input) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped(in, "closed")
		return false
	}
	select {
	case w.queue <- in:
		return true
	default:
		w.dropped(in, "queue full")
		return false
	}
}

// Close stops accepting events and waits until queued ones are written or
// ctx is done.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for in := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		_, err := w.appender.Append(ctx, in)
		cancel()
		if err != nil {
			obs.Error("audit append failed", map[string]any{
				"action":      in.Action,
				"actor_id":    in.ActorID,
				"entity_type": in.EntityType,
				"error":       err.Error(),
			})
		}
	}
}

func (w *AsyncWriter) dropped(in Input, reason string) {
	obs.ObserveAuditDropped()
	obs.Warn("audit event dropped", map[string]any{
		"action":   in.Action,
		"actor_id": in.ActorID,
		"reason":   reason,
	})
}
