package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"adminpanel.io/internal/session"
)

const defaultIssuer = "adminpanel"

var errMissingSecret = errors.New("auth: token secret is not configured")

// SessionStore is the part of the session registry tokens depend on.
type SessionStore interface {
	RecordSession(ctx context.Context, userID, tokenID string, expiresAt time.Time, meta session.Metadata) bool
	IsBlacklisted(ctx context.Context, tokenID string) bool
}

// IssuedToken is a freshly signed access token.
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Tokens issues and authenticates HS256 access tokens. The token id (jti)
// doubles as the session registry key.
type Tokens struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
	sessions SessionStore
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *Tokens) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return fmt.Errorf("%w: issuer is empty", ErrInvalidInput)
		}
		t.issuer = issuer
		return nil
	}
}

// WithTokenLifetime overrides session.TokenLifetime.
func WithTokenLifetime(d time.Duration) TokenOption {
	return func(t *Tokens) error {
		if d <= 0 {
			return fmt.Errorf("%w: token lifetime must be positive", ErrInvalidInput)
		}
		t.lifetime = d
		return nil
	}
}

// WithClock overrides the time source used for issuing and validation.
func WithClock(fn func() time.Time) TokenOption {
	return func(t *Tokens) error {
		if fn == nil {
			return errors.New("auth: nil clock")
		}
		t.now = fn
		return nil
	}
}

// NewTokens configures token handling. sessions may be nil, in which case
// sessions are neither recorded nor checked for revocation.
func NewTokens(secret string, sessions SessionStore, opts ...TokenOption) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	t := &Tokens{
		secret:   []byte(secret),
		issuer:   defaultIssuer,
		lifetime: session.TokenLifetime,
		now:      time.Now,
		sessions: sessions,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Issue signs a token for userID and records its session.
func (t *Tokens) Issue(ctx context.Context, userID string, meta session.Metadata) (IssuedToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return IssuedToken{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	now := t.now().UTC().Truncate(time.Second)
	expires := now.Add(t.lifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}

	if t.sessions != nil {
		// A failed write is logged by the registry; the token stays usable.
		t.sessions.RecordSession(ctx, userID, claims.ID, expires, meta)
	}
	return IssuedToken{Token: signed, ID: claims.ID, ExpiresAt: expires}, nil
}

// Authenticate verifies signature and claims and rejects revoked tokens.
func (t *Tokens) Authenticate(ctx context.Context, raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return Identity{}, fmt.Errorf("%w: subject and id are required", ErrInvalidToken)
	}
	if t.sessions != nil && t.sessions.IsBlacklisted(ctx, claims.ID) {
		return Identity{}, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}

	id := Identity{UserID: claims.Subject, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
