// Package audit records tamper-evident audit events. Every event carries the
// hash of its predecessor, so editing or removing a stored event breaks the
// chain at that point.
package audit

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// GenesisHash is the prev hash of the first event in a chain.
var GenesisHash = strings.Repeat("0", 64)

var (
	ErrInvalidInput = errors.New("audit: invalid input")
	// ErrChainConflict means another writer moved the chain tail between the
	// read of prev hash and the insert.
	ErrChainConflict = errors.New("audit: chain write conflict")
	ErrChainBroken   = errors.New("audit: hash chain is broken")
	ErrRangeTooLarge = errors.New("audit: export range too large")
)

// Input describes a mutating operation to be recorded.
type Input struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Before     json.RawMessage
	After      json.RawMessage
	IPAddress  string
	UserAgent  string
}

// Event is a persisted audit record. Events are never updated.
type Event struct {
	ID         int64           `json:"id"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Before     json.RawMessage `json:"before_state,omitempty"`
	After      json.RawMessage `json:"after_state,omitempty"`
	IPAddress  string          `json:"ip_address,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Hash       string          `json:"hash"`
	PrevHash   string          `json:"prev_hash"`
}
