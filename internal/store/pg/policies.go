package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"adminpanel.io/internal/policy"
)

var _ policy.Source = (*Store)(nil)

// Principal loads status and role ids of a principal.
func (s *Store) Principal(ctx context.Context, id string) (policy.Principal, error) {
	p := policy.Principal{ID: id}
	err := s.db.QueryRowContext(ctx, `select status from principals where id = $1`, id).Scan(&p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Principal{}, policy.ErrPrincipalNotFound
	}
	if err != nil {
		return policy.Principal{}, err
	}
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))

	rows, err := s.db.QueryContext(ctx, `
		select role_id
		from principal_roles
		where principal_id = $1
		order by role_id
	`, id)
	if err != nil {
		return policy.Principal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return policy.Principal{}, err
		}
		p.Roles = append(p.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return policy.Principal{}, err
	}
	return p, nil
}

// PoliciesFor returns the union of role and direct policies, each once.
func (s *Store) PoliciesFor(ctx context.Context, id string) ([]policy.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.statements
		from policies p
		where p.id in (
			select rp.policy_id
			from role_policies rp
			join principal_roles pr on pr.role_id = rp.role_id
			where pr.principal_id = $1
			union
			select pp.policy_id
			from principal_policies pp
			where pp.principal_id = $1
		)
		order by p.id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []policy.Document
	for rows.Next() {
		var (
			doc        policy.Document
			statements []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Name, &statements); err != nil {
			return nil, err
		}
		doc.Statements = json.RawMessage(statements)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}
