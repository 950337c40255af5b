package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adminpanel.io/internal/obs"
)

const (
	defaultMaxRetries = 3
	verifyPageSize    = 500
)

// Chain appends events to a Store and verifies the stored chain.
type Chain struct {
	store    Store
	now      func() time.Time
	retries  int
	onAppend func(Event)
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithClock overrides the time source for CreatedAt.
func WithClock(fn func() time.Time) ChainOption {
	return func(c *Chain) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithMaxRetries bounds re-reads of the tail after a write conflict.
func WithMaxRetries(n int) ChainOption {
	return func(c *Chain) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithAppendHook registers fn to be called with every event after it is
// stored. fn runs on the appending goroutine and must not block.
func WithAppendHook(fn func(Event)) ChainOption {
	return func(c *Chain) { c.onAppend = fn }
}

// NewChain builds a chain over store.
func NewChain(store Store, opts ...ChainOption) *Chain {
	c := &Chain{store: store, now: time.Now, retries: defaultMaxRetries}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append records in as the new chain tail. A write conflict is retried
// against the new tail; once retries run out the conflict is returned.
func (c *Chain) Append(ctx context.Context, in Input) (Event, error) {
	base, err := prepare(in)
	if err != nil {
		return Event{}, err
	}

	for attempt := 0; ; attempt++ {
		ev, err := c.store.Append(ctx, func(prevHash string) (Event, error) {
			ev := base
			ev.CreatedAt = c.now().UTC().Truncate(time.Microsecond)
			ev.PrevHash = prevHash
			hash, err := ComputeHash(ev)
			if err != nil {
				return Event{}, err
			}
			ev.Hash = hash
			return ev, nil
		})
		switch {
		case err == nil:
			obs.ObserveAuditAppend("ok")
			if c.onAppend != nil {
				c.onAppend(ev)
			}
			return ev, nil
		case errors.Is(err, ErrChainConflict):
			obs.ObserveAuditAppend("conflict")
			if attempt >= c.retries {
				return Event{}, fmt.Errorf("%w: unresolved after %d attempts", ErrChainConflict, attempt+1)
			}
		default:
			obs.ObserveAuditAppend("error")
			return Event{}, err
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
	}
}

// Verify walks events fromID..toID (toID zero means the tail) checking that
// each prev hash links to its predecessor and each stored hash recomputes.
// The first event is checked against the event preceding fromID, or against
// GenesisHash when there is none. It returns the id of the first bad event.
func (c *Chain) Verify(ctx context.Context, fromID, toID int64) (bool, int64, error) {
	if fromID < 1 {
		fromID = 1
	}
	if toID > 0 && toID < fromID {
		return false, 0, fmt.Errorf("%w: to %d precedes from %d", ErrInvalidInput, toID, fromID)
	}

	prev := GenesisHash
	if fromID > 1 {
		before, ok, err := c.store.Before(ctx, fromID)
		if err != nil {
			return false, 0, err
		}
		if ok {
			prev = before.Hash
		}
	}

	cursor := fromID
	for {
		page, err := c.store.Range(ctx, cursor, toID, verifyPageSize)
		if err != nil {
			return false, 0, err
		}
		for _, ev := range page {
			if ev.PrevHash != prev {
				return false, ev.ID, nil
			}
			hash, err := ComputeHash(ev)
			if err != nil {
				return false, 0, err
			}
			if hash != ev.Hash {
				return false, ev.ID, nil
			}
			prev = ev.Hash
		}
		if len(page) < verifyPageSize {
			return true, 0, nil
		}
		cursor = page[len(page)-1].ID + 1
	}
}

// CheckIntegrity is Verify reported as an error wrapping ErrChainBroken.
func (c *Chain) CheckIntegrity(ctx context.Context, fromID, toID int64) error {
	ok, badID, err := c.Verify(ctx, fromID, toID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w at event %d", ErrChainBroken, badID)
	}
	return nil
}

func prepare(in Input) (Event, error) {
	ev := Event{
		ActorID:    strings.TrimSpace(in.ActorID),
		Action:     strings.TrimSpace(in.Action),
		EntityType: strings.TrimSpace(in.EntityType),
		EntityID:   strings.TrimSpace(in.EntityID),
		IPAddress:  strings.TrimSpace(in.IPAddress),
		UserAgent:  in.UserAgent,
	}
	if ev.ActorID == "" || ev.Action == "" || ev.EntityType == "" {
		return Event{}, fmt.Errorf("%w: actor, action and entity type are required", ErrInvalidInput)
	}
	var err error
	if ev.Before, err = normalizeState(in.Before); err != nil {
		return Event{}, err
	}
	if ev.After, err = normalizeState(in.After); err != nil {
		return Event{}, err
	}
	return ev, nil
}
