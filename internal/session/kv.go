package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV.Get for missing or expired keys.
var ErrNotFound = errors.New("session: key not found")

// KV is the key-value store behind the registry. Every value carries its own
// expiry; a zero ttl is never used by the registry.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns keys matching a glob pattern where '*' matches any run of characters.
	Keys(ctx context.Context, pattern string) ([]string, error)
}
