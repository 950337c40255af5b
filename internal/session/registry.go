// Package session tracks issued authentication tokens and their revocation.
//
// All registry operations degrade instead of failing: when the backing store
// is unavailable reads report "not found" and writes report false. Revocation
// therefore cannot be enforced during a store outage, which is surfaced
// through logs and the session_store_errors_total metric.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"adminpanel.io/internal/obs"
)

const (
	// TokenLifetime is the maximum lifetime of an access token and the TTL
	// of its session record.
	TokenLifetime = 24 * time.Hour
	// MinBlacklistTTL keeps a revocation from being written without expiry
	// or with a non-positive one.
	MinBlacklistTTL = time.Second

	defaultOpTimeout = 2 * time.Second

	sessionPrefix   = "session:"
	blacklistPrefix = "blacklist:"
)

// Metadata describes the client a token was issued to.
type Metadata struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Record is a stored session. ExpiresAt is the token's own expiry, which
// bounds any later revocation of it.
type Record struct {
	UserID    string    `json:"user_id"`
	TokenID   string    `json:"token_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Metadata
}

// BlacklistEntry is a stored revocation.
type BlacklistEntry struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

// Registry records sessions and revokes tokens.
type Registry struct {
	kv       KV
	lifetime time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLifetime overrides TokenLifetime.
func WithLifetime(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lifetime = d
		}
	}
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry builds a registry over kv.
func NewRegistry(kv KV, opts ...Option) *Registry {
	r := &Registry{
		kv:       kv,
		lifetime: TokenLifetime,
		timeout:  defaultOpTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lifetime returns the configured token lifetime.
func (r *Registry) Lifetime() time.Duration { return r.lifetime }

// RecordSession stores a session entry that expires with the token at
// expiresAt. A zero expiresAt means the registry lifetime from now.
func (r *Registry) RecordSession(ctx context.Context, userID, tokenID string, expiresAt time.Time, meta Metadata) bool {
	if !validKeyPart(userID) || !validKeyPart(tokenID) {
		return false
	}
	now := r.now().UTC()
	if expiresAt.IsZero() {
		expiresAt = now.Add(r.lifetime)
	}
	ttl := expiresAt.Sub(now)
	if ttl < MinBlacklistTTL {
		ttl = MinBlacklistTTL
	}
	rec := Record{UserID: userID, TokenID: tokenID, IssuedAt: now, ExpiresAt: expiresAt.UTC(), Metadata: meta}
	data, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.kv.Set(ctx, sessionKey(userID, tokenID), data, ttl); err != nil {
		r.degraded("record_session", err)
		return false
	}
	return true
}

// IsBlacklisted reports whether tokenID has been revoked. It reports false
// when the store cannot be reached.
func (r *Registry) IsBlacklisted(ctx context.Context, tokenID string) bool {
	if !validKeyPart(tokenID) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.kv.Exists(ctx, blacklistPrefix+tokenID)
	if err != nil {
		r.degraded("is_blacklisted", err)
		return false
	}
	return ok
}

// Blacklist revokes tokenID for at least ttl, never less than MinBlacklistTTL.
// Callers pass the token's remaining lifetime so the entry outlives the token.
func (r *Registry) Blacklist(ctx context.Context, tokenID, userID, reason string, ttl time.Duration) bool {
	if !validKeyPart(tokenID) {
		return false
	}
	if ttl < MinBlacklistTTL {
		ttl = MinBlacklistTTL
	}
	data, err := json.Marshal(BlacklistEntry{UserID: userID, Reason: reason, RevokedAt: r.now().UTC()})
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.kv.Set(ctx, blacklistPrefix+tokenID, data, ttl); err != nil {
		r.degraded("blacklist", err)
		return false
	}
	return true
}

// Revoke blacklists a single token until expiresAt and drops its session.
func (r *Registry) Revoke(ctx context.Context, userID, tokenID, reason string, expiresAt time.Time) bool {
	if !r.Blacklist(ctx, tokenID, userID, reason, expiresAt.Sub(r.now())) {
		return false
	}
	r.deleteSession(ctx, userID, tokenID)
	return true
}

// RevokeAll blacklists every token with a live session for userID and
// removes those sessions. A token whose blacklist write fails keeps its
// session and is not counted.
func (r *Registry) RevokeAll(ctx context.Context, userID, reason string) int {
	if !validKeyPart(userID) {
		return 0
	}
	prefix := sessionPrefix + userID + ":"
	listCtx, cancel := context.WithTimeout(ctx, r.timeout)
	keys, err := r.kv.Keys(listCtx, prefix+"*")
	cancel()
	if err != nil {
		r.degraded("list_sessions", err)
		return 0
	}

	revoked := 0
	for _, key := range keys {
		tokenID := strings.TrimPrefix(key, prefix)
		if tokenID == "" || strings.Contains(tokenID, ":") {
			continue
		}
		ttl := r.remaining(ctx, key)
		if !r.Blacklist(ctx, tokenID, userID, reason, ttl) {
			continue
		}
		r.deleteSession(ctx, userID, tokenID)
		revoked++
	}
	return revoked
}

// remaining returns how long the stored session's token stays valid. Records
// written without an expiry fall back to issuedAt + lifetime. When the
// record cannot be read the full lifetime is used.
func (r *Registry) remaining(ctx context.Context, key string) time.Duration {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.degraded("get_session", err)
		}
		return r.lifetime
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return r.lifetime
	}
	expiresAt := rec.ExpiresAt
	if expiresAt.IsZero() {
		if rec.IssuedAt.IsZero() {
			return r.lifetime
		}
		expiresAt = rec.IssuedAt.Add(r.lifetime)
	}
	ttl := expiresAt.Sub(r.now())
	if ttl < MinBlacklistTTL {
		ttl = MinBlacklistTTL
	}
	return ttl
}

func (r *Registry) deleteSession(ctx context.Context, userID, tokenID string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.kv.Del(ctx, sessionKey(userID, tokenID)); err != nil {
		r.degraded("delete_session", err)
	}
}

func (r *Registry) degraded(op string, err error) {
	obs.ObserveSessionStoreError(op)
	obs.Warn("session store unavailable", map[string]any{"op": op, "error": err.Error()})
}

func sessionKey(userID, tokenID string) string {
	return sessionPrefix + userID + ":" + tokenID
}

// validKeyPart rejects ids that would collide with the key layout or act as
// glob metacharacters in Keys patterns. '/' is rejected as well because
// MemoryKV's '*' stops at it while Redis MATCH does not.
func validKeyPart(s string) bool {
	return s != "" && !strings.ContainsAny(s, ":*?[]\\/")
}
