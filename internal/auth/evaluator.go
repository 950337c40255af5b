package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adminpanel.io/internal/obs"
	"adminpanel.io/internal/policy"
)

const defaultLookupTimeout = 2 * time.Second

// Evaluator decides whether a principal may perform an action on a resource.
// It holds no per-request state and is safe for concurrent use.
type Evaluator struct {
	source  policy.Source
	cache   *policy.Cache
	timeout time.Duration
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator) error

// WithPolicyCache replaces the default compiled-policy cache.
func WithPolicyCache(c *policy.Cache) EvaluatorOption {
	return func(e *Evaluator) error {
		if c == nil {
			return errors.New("auth: nil policy cache")
		}
		e.cache = c
		return nil
	}
}

// WithLookupTimeout bounds each call into the policy source.
func WithLookupTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) error {
		if d <= 0 {
			return fmt.Errorf("%w: lookup timeout must be positive", ErrInvalidInput)
		}
		e.timeout = d
		return nil
	}
}

// NewEvaluator builds an evaluator over the given policy source.
func NewEvaluator(source policy.Source, opts ...EvaluatorOption) (*Evaluator, error) {
	if source == nil {
		return nil, errors.New("auth: policy source is required")
	}
	e := &Evaluator{
		source:  source,
		cache:   policy.NewCache(0),
		timeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache.OnMalformed == nil {
		e.cache.OnMalformed = logMalformed
	}
	return e, nil
}

// Check reports whether principalID may perform action on resource.
//
// Unknown and inactive principals are denied without error. Any other failure
// to resolve the principal or its policies is returned wrapped in
// ErrPolicyLookup together with a false decision.
func (e *Evaluator) Check(ctx context.Context, principalID, action, resource string) (bool, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		obs.ObserveDecision("deny")
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	principal, err := e.source.Principal(ctx, principalID)
	if errors.Is(err, policy.ErrPrincipalNotFound) {
		obs.ObserveDecision("deny")
		return false, nil
	}
	if err != nil {
		obs.ObserveDecision("error")
		return false, fmt.Errorf("%w: principal %s: %w", ErrPolicyLookup, principalID, err)
	}
	if !principal.Active() {
		obs.ObserveDecision("deny")
		return false, nil
	}

	docs, err := e.source.PoliciesFor(ctx, principalID)
	if err != nil {
		obs.ObserveDecision("error")
		return false, fmt.Errorf("%w: policies of %s: %w", ErrPolicyLookup, principalID, err)
	}

	compiled := make([]*policy.Compiled, 0, len(docs))
	for _, doc := range docs {
		compiled = append(compiled, e.cache.Get(doc))
	}

	allowed := policy.Decide(compiled, action, resource)
	if allowed {
		obs.ObserveDecision("allow")
	} else {
		obs.ObserveDecision("deny")
	}
	return allowed, nil
}

func logMalformed(doc policy.Document, errs []error) {
	obs.ObserveSkippedStatements(len(errs))
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	obs.Warn("policy statements skipped", map[string]any{
		"policy_id":   doc.ID,
		"policy_name": doc.Name,
		"errors":      msgs,
	})
}
