package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingAppender holds every append until release is closed.
type blockingAppender struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Input
	err     error
}

func (b *blockingAppender) Append(_ context.Context, in Input) (Event, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, in)
	return Event{}, b.err
}

func TestAsyncWriterWritesInOrder(t *testing.T) {
	store := NewMemoryStore()
	w := NewAsyncWriter(NewChain(store), 16)

	for _, action := range []string{"a1", "a2", "a3"} {
		require.True(t, w.Submit(Input{ActorID: "u", Action: action, EntityType: "e"}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	events, err := store.Range(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "a1", events[0].Action)
	assert.Equal(t, "a3", events[2].Action)
}

func TestAsyncWriterDropsWhenFullOrClosed(t *testing.T) {
	app := &blockingAppender{release: make(chan struct{})}
	w := NewAsyncWriter(app, 1)

	// The first event may already be held by the writer goroutine; keep
	// submitting until the one-slot queue rejects.
	accepted := 0
	for i := 0; i < 3; i++ {
		if w.Submit(Input{ActorID: "u", Action: "a", EntityType: "e"}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 3)

	close(app.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
	assert.False(t, w.Submit(Input{ActorID: "u", Action: "late", EntityType: "e"}))

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Len(t, app.got, accepted)
}

func TestAsyncWriterSurvivesAppendErrors(t *testing.T) {
	app := &blockingAppender{release: make(chan struct{}), err: errors.New("store down")}
	close(app.release)
	w := NewAsyncWriter(app, 4)

	assert.True(t, w.Submit(Input{ActorID: "u", Action: "a", EntityType: "e"}))
	assert.True(t, w.Submit(Input{ActorID: "u", Action: "b", EntityType: "e"}))
	require.NoError(t, w.Close(context.Background()))

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Len(t, app.got, 2)
}

func TestAsyncWriterCloseHonoursContext(t *testing.T) {
	app := &blockingAppender{release: make(chan struct{})}
	w := NewAsyncWriter(app, 4)
	require.True(t, w.Submit(Input{ActorID: "u", Action: "a", EntityType: "e"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
	close(app.release)
}
