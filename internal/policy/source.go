package policy

import "context"

// Source is the policy store adapter consulted by the evaluator.
type Source interface {
	// Principal returns ErrPrincipalNotFound for unknown ids.
	Principal(ctx context.Context, id string) (Principal, error)
	// PoliciesFor returns every policy attached to the principal directly or
	// through one of its roles.
	PoliciesFor(ctx context.Context, id string) ([]Document, error)
}
