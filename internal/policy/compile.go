package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Rule is a validated statement with precompiled pattern sets.
type Rule struct {
	Effect    Effect
	Actions   PatternSet
	Resources PatternSet
}

// Compiled is a policy whose statements passed validation.
type Compiled struct {
	ID    string
	Name  string
	Rules []Rule
}

// Compile validates a document and compiles the statements that are usable.
// A statement list that is not a JSON array yields no rules; individual bad
// statements are skipped. Every skip is reported as an ErrMalformed error.
func Compile(doc Document) (*Compiled, []error) {
	out := &Compiled{ID: doc.ID, Name: doc.Name}

	var raw []json.RawMessage
	if err := json.Unmarshal(doc.Statements, &raw); err != nil {
		return out, []error{fmt.Errorf("%w: policy %s: statements are not a list: %v", ErrMalformed, doc.ID, err)}
	}

	var errs []error
	for i, item := range raw {
		rule, err := compileStatement(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: policy %s statement %d: %v", ErrMalformed, doc.ID, i, err))
			continue
		}
		out.Rules = append(out.Rules, rule)
	}
	return out, errs
}

func compileStatement(raw json.RawMessage) (Rule, error) {
	var st Statement
	if err := json.Unmarshal(raw, &st); err != nil {
		return Rule{}, err
	}
	effect, err := normalizeEffect(st.Effect)
	if err != nil {
		return Rule{}, err
	}
	if len(st.Actions) == 0 {
		return Rule{}, fmt.Errorf("actions are required")
	}
	if len(st.Resources) == 0 {
		return Rule{}, fmt.Errorf("resources are required")
	}
	actions, err := CompileSet(st.Actions)
	if err != nil {
		return Rule{}, fmt.Errorf("actions: %v", err)
	}
	resources, err := CompileSet(st.Resources)
	if err != nil {
		return Rule{}, fmt.Errorf("resources: %v", err)
	}
	return Rule{Effect: effect, Actions: actions, Resources: resources}, nil
}

func normalizeEffect(e Effect) (Effect, error) {
	switch {
	case strings.EqualFold(string(e), string(EffectAllow)):
		return EffectAllow, nil
	case strings.EqualFold(string(e), string(EffectDeny)):
		return EffectDeny, nil
	default:
		return "", fmt.Errorf("unsupported effect %q", e)
	}
}

// Decide applies the combination rule over every rule of every policy:
// any matching Deny wins, otherwise at least one matching Allow is required.
// The result does not depend on policy or statement order.
func Decide(policies []*Compiled, action, resource string) bool {
	allowed := false
	for _, p := range policies {
		if p == nil {
			continue
		}
		for _, r := range p.Rules {
			if !r.Actions.Match(action) || !r.Resources.Match(resource) {
				continue
			}
			if r.Effect == EffectDeny {
				return false
			}
			allowed = true
		}
	}
	return allowed
}
