package pg

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"adminpanel.io/internal/audit"
)

var _ audit.Store = (*Store)(nil)

const eventColumns = `id, actor_id, action, entity_type, entity_id, before_state, after_state,
		ip_address, user_agent, created_at, hash, prev_hash`

// Append locks the single-row chain head, builds the event against it and
// inserts it in the same transaction. The unique index on prev_hash turns a
// fork into audit.ErrChainConflict.
func (s *Store) Append(ctx context.Context, build audit.BuildFunc) (audit.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var prevHash string
	err = tx.QueryRowContext(ctx, `select last_hash from audit_chain_head where id = 1 for update`).Scan(&prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, errors.New("pg: audit chain head missing, run migrations")
	}
	if err != nil {
		return audit.Event{}, err
	}

	ev, err := build(prevHash)
	if err != nil {
		return audit.Event{}, err
	}

	err = tx.QueryRowContext(ctx, `
		insert into audit_events(actor_id, action, entity_type, entity_id, before_state, after_state,
			ip_address, user_agent, created_at, hash, prev_hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning id
	`,
		ev.ActorID, ev.Action, ev.EntityType, nullIfEmpty(ev.EntityID),
		nullJSON(ev.Before), nullJSON(ev.After),
		nullIfEmpty(ev.IPAddress), nullIfEmpty(ev.UserAgent),
		ev.CreatedAt, ev.Hash, ev.PrevHash,
	).Scan(&ev.ID)
	if isUniqueViolation(err) {
		return audit.Event{}, fmt.Errorf("%w: %v", audit.ErrChainConflict, err)
	}
	if err != nil {
		return audit.Event{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update audit_chain_head set last_id = $1, last_hash = $2 where id = 1
	`, ev.ID, ev.Hash); err != nil {
		return audit.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return audit.Event{}, err
	}
	return ev, nil
}

// Range lists events by ascending id.
func (s *Store) Range(ctx context.Context, fromID, toID int64, limit int) ([]audit.Event, error) {
	var (
		conds = []string{"id >= $1"}
		args  = []any{fromID}
	)
	if toID > 0 {
		args = append(args, toID)
		conds = append(conds, fmt.Sprintf("id <= $%d", len(args)))
	}
	query := fmt.Sprintf(`select %s from audit_events where %s order by id asc`, eventColumns, strings.Join(conds, " and "))
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	return s.queryEvents(ctx, query, args...)
}

// Before returns the event with the highest id below id.
func (s *Store) Before(ctx context.Context, id int64) (audit.Event, bool, error) {
	events, err := s.queryEvents(ctx, fmt.Sprintf(`
		select %s from audit_events where id < $1 order by id desc limit 1
	`, eventColumns), id)
	if err != nil || len(events) == 0 {
		return audit.Event{}, false, err
	}
	return events[0], true, nil
}

// Search filters events newest first.
func (s *Store) Search(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To.UTC())
	}

	query := `select ` + eventColumns + ` from audit_events`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	query += ` order by id desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			ev                  audit.Event
			entityID, ip, agent sql.NullString
			before, after       []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ActorID, &ev.Action, &ev.EntityType, &entityID,
			&before, &after, &ip, &agent, &ev.CreatedAt, &ev.Hash, &ev.PrevHash); err != nil {
			return nil, err
		}
		ev.EntityID = entityID.String
		ev.IPAddress = ip.String
		ev.UserAgent = agent.String
		ev.CreatedAt = ev.CreatedAt.UTC()
		if ev.Before, err = compactJSON(before); err != nil {
			return nil, err
		}
		if ev.After, err = compactJSON(after); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// compactJSON undoes jsonb's output whitespace. Key order may still differ
// from what was written; hashes are computed over canonical JSON.
func compactJSON(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("pg: stored state: %w", err)
	}
	return buf.Bytes(), nil
}
