package pg

import (
	"context"
	"fmt"

	"adminpanel.io/internal/audit"
)

var _ audit.ActorDirectory = (*Store)(nil)

// Actors resolves display names and emails. Unknown ids are absent from the map.
func (s *Store) Actors(ctx context.Context, ids []string) (map[string]audit.Actor, error) {
	out := make(map[string]audit.Actor, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select id, coalesce(display_name, ''), coalesce(email, '')
		from principals
		where id in (%s)
	`, placeholders(1, len(ids))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a audit.Actor
		if err := rows.Scan(&a.ID, &a.Name, &a.Email); err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}
