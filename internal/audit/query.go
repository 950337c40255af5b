package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"adminpanel.io/internal/obs"
)

const (
	DefaultSearchLimit = 100
	// MaxSearchLimit caps Search regardless of the requested limit.
	MaxSearchLimit = 1000
	// DefaultMaxExportRange bounds the date range of a single export.
	DefaultMaxExportRange = 90 * 24 * time.Hour
	defaultExportRows     = 50000
)

// CSVHeader is the column layout of exports.
var CSVHeader = []string{
	"Timestamp", "Actor ID", "Actor Name", "Actor Email", "Action",
	"Entity Type", "Entity ID", "IP Address", "User Agent",
	"Before State", "After State", "Hash",
}

// Actor is the display form of an event's actor.
type Actor struct {
	ID    string
	Name  string
	Email string
}

// ActorDirectory resolves actor ids for exports.
type ActorDirectory interface {
	Actors(ctx context.Context, ids []string) (map[string]Actor, error)
}

// Query is the read side of the audit chain.
type Query struct {
	store     Store
	actors    ActorDirectory
	maxRange  time.Duration
	exportCap int
	now       func() time.Time
}

// QueryOption configures a Query.
type QueryOption func(*Query)

// WithActorDirectory enables actor name and email columns in exports.
func WithActorDirectory(d ActorDirectory) QueryOption {
	return func(q *Query) { q.actors = d }
}

// WithMaxExportRange overrides DefaultMaxExportRange.
func WithMaxExportRange(d time.Duration) QueryOption {
	return func(q *Query) {
		if d > 0 {
			q.maxRange = d
		}
	}
}

// WithExportRowLimit caps the rows of a single export.
func WithExportRowLimit(n int) QueryOption {
	return func(q *Query) {
		if n > 0 {
			q.exportCap = n
		}
	}
}

// WithQueryClock overrides the time source used to default export ranges.
func WithQueryClock(fn func() time.Time) QueryOption {
	return func(q *Query) {
		if fn != nil {
			q.now = fn
		}
	}
}

// NewQuery builds the read side over store.
func NewQuery(store Store, opts ...QueryOption) *Query {
	q := &Query{
		store:     store,
		maxRange:  DefaultMaxExportRange,
		exportCap: defaultExportRows,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Search returns matching events newest first. The limit defaults to
// DefaultSearchLimit and never exceeds MaxSearchLimit.
func (q *Query) Search(ctx context.Context, f Filter) ([]Event, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: range ends before it starts", ErrInvalidInput)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultSearchLimit
	case f.Limit > MaxSearchLimit:
		f.Limit = MaxSearchLimit
	}
	return q.store.Search(ctx, f)
}

// ExportCSV writes matching events to w as CSV and returns the row count.
// A missing To defaults to now and a missing From to To minus the maximum
// range; a wider range is rejected with ErrRangeTooLarge before any read.
func (q *Query) ExportCSV(ctx context.Context, w io.Writer, f Filter) (int, error) {
	f, err := q.exportRange(f)
	if err != nil {
		return 0, err
	}
	f.Limit = q.exportCap

	events, err := q.store.Search(ctx, f)
	if err != nil {
		return 0, err
	}
	actors := q.lookupActors(ctx, events)

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}
	for _, ev := range events {
		actor := actors[ev.ActorID]
		if err := cw.Write([]string{
			FormatTimestamp(ev.CreatedAt),
			ev.ActorID,
			actor.Name,
			actor.Email,
			ev.Action,
			ev.EntityType,
			ev.EntityID,
			ev.IPAddress,
			ev.UserAgent,
			string(ev.Before),
			string(ev.After),
			ev.Hash,
		}); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, err
	}
	return len(events), nil
}

func (q *Query) exportRange(f Filter) (Filter, error) {
	if f.To.IsZero() {
		f.To = q.now().UTC()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-q.maxRange)
	}
	if f.To.Before(f.From) {
		return f, fmt.Errorf("%w: range ends before it starts", ErrInvalidInput)
	}
	if f.To.Sub(f.From) > q.maxRange {
		return f, fmt.Errorf("%w: %s exceeds %s", ErrRangeTooLarge, f.To.Sub(f.From), q.maxRange)
	}
	return f, nil
}

// lookupActors resolves display names. Directory failures leave the columns
// blank rather than failing the export.
func (q *Query) lookupActors(ctx context.Context, events []Event) map[string]Actor {
	if q.actors == nil || len(events) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, ev := range events {
		if _, ok := seen[ev.ActorID]; ok {
			continue
		}
		seen[ev.ActorID] = struct{}{}
		ids = append(ids, ev.ActorID)
	}
	actors, err := q.actors.Actors(ctx, ids)
	if err != nil {
		obs.Warn("actor lookup failed", map[string]any{"error": err.Error(), "actors": len(ids)})
		return nil
	}
	return actors
}
