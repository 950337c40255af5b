package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxStateBytes is the ceiling for a stored before/after state.
	MaxStateBytes = 10 * 1024
	previewBytes  = 512
)

type truncatedState struct {
	Truncated     bool   `json:"_truncated"`
	OriginalBytes int    `json:"original_bytes"`
	Preview       string `json:"preview"`
}

// normalizeState validates and compacts a state document and replaces it
// with a truncation marker when it exceeds MaxStateBytes. JSON null and empty
// input both mean "no state".
func normalizeState(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: state is not valid JSON", ErrInvalidInput)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if buf.Len() <= MaxStateBytes {
		return buf.Bytes(), nil
	}
	return truncateState(buf.Bytes())
}

func truncateState(compact []byte) (json.RawMessage, error) {
	preview := compact[:previewBytes]
	// Back off a partial rune at the cut.
	for i := 0; i < utf8.UTFMax && len(preview) > 0 && !utf8.Valid(preview); i++ {
		preview = preview[:len(preview)-1]
	}
	return json.Marshal(truncatedState{
		Truncated:     true,
		OriginalBytes: len(compact),
		Preview:       strings.ToValidUTF8(string(preview), ""),
	})
}

// IsTruncated reports whether a stored state is a truncation marker.
func IsTruncated(state json.RawMessage) bool {
	var marker truncatedState
	if err := json.Unmarshal(state, &marker); err != nil {
		return false
	}
	return marker.Truncated
}
