package auth

import "errors"

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrInvalidToken covers malformed, expired, and revoked tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrPolicyLookup means access could not be determined. Callers must
	// treat it as a denial but report it apart from one.
	ErrPolicyLookup = errors.New("auth: policy lookup failed")
)
