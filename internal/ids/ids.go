package ids

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a lexicographically sortable identifier used for request ids.
func New() string {
	return ulid.Make().String()
}

// Valid reports whether s is a well-formed ULID. Inbound request ids that
// fail this check are replaced rather than trusted.
func Valid(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}
