package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// TimestampLayout is the form in which CreatedAt enters the hash. Stores keep
// microsecond precision, so CreatedAt is truncated before hashing.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

type hashInput struct {
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before_state"`
	After      json.RawMessage `json:"after_state"`
	IPAddress  string          `json:"ip_address"`
	UserAgent  string          `json:"user_agent"`
	PrevHash   string          `json:"prev_hash"`
	Timestamp  string          `json:"timestamp"`
}

// ComputeHash returns the hex SHA-256 of the RFC 8785 canonical JSON of the
// event fields, its prev hash and its timestamp. ID and Hash are ignored.
func ComputeHash(e Event) (string, error) {
	in := hashInput{
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Before:     nullable(e.Before),
		After:      nullable(e.After),
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		PrevHash:   e.PrevHash,
		Timestamp:  FormatTimestamp(e.CreatedAt),
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("audit: marshal hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize hash input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// FormatTimestamp renders t in UTC at microsecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
