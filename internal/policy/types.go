package policy

import (
	"encoding/json"
	"errors"
)

// Effect is the outcome a statement contributes when it matches.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Principal statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

var (
	// ErrMalformed marks a statement or statement list that failed validation.
	// It is reported for observability only and never fails a check.
	ErrMalformed = errors.New("policy: malformed statement")
	// ErrPrincipalNotFound is returned by sources for unknown principals.
	ErrPrincipalNotFound = errors.New("policy: principal not found")
)

// Statement is one Allow/Deny rule. Conditions are carried but not evaluated.
type Statement struct {
	Effect     Effect         `json:"effect" yaml:"effect"`
	Actions    []string       `json:"actions" yaml:"actions"`
	Resources  []string       `json:"resources" yaml:"resources"`
	Conditions map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Document is a policy as persisted: the statement list is raw JSON and is
// only trusted after Compile.
type Document struct {
	ID         string
	Name       string
	Statements json.RawMessage
}

// Principal is the authorization-relevant view of an actor.
type Principal struct {
	ID     string
	Status string
	Roles  []string
}

// Active reports whether the principal may be granted anything at all.
func (p Principal) Active() bool { return p.Status == StatusActive }
