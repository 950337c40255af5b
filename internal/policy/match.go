package policy

import (
	"regexp"
	"strings"
)

// Pattern is a compiled action or resource pattern. The only wildcard is
// '*', which matches any run of characters including the empty one; every
// other character, regex metacharacters included, matches itself.
type Pattern struct {
	raw      string
	wildcard bool
	re       *regexp.Regexp
}

// CompilePattern compiles a single wildcard pattern.
func CompilePattern(raw string) (Pattern, error) {
	p := Pattern{raw: raw}
	switch {
	case raw == "*":
		p.wildcard = true
	case strings.Contains(raw, "*"):
		parts := strings.Split(raw, "*")
		for i, part := range parts {
			parts[i] = regexp.QuoteMeta(part)
		}
		re, err := regexp.Compile(`(?s)^` + strings.Join(parts, ".*") + `$`)
		if err != nil {
			return Pattern{}, err
		}
		p.re = re
	}
	return p, nil
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Match reports whether value matches the whole pattern.
func (p Pattern) Match(value string) bool {
	switch {
	case p.wildcard:
		return true
	case p.re != nil:
		return p.re.MatchString(value)
	default:
		return p.raw == value
	}
}

// PatternSet matches when any member matches.
type PatternSet []Pattern

// CompileSet compiles every pattern, failing on the first invalid one.
func CompileSet(raw []string) (PatternSet, error) {
	set := make(PatternSet, 0, len(raw))
	for _, r := range raw {
		p, err := CompilePattern(r)
		if err != nil {
			return nil, err
		}
		set = append(set, p)
	}
	return set, nil
}

// Match reports whether value matches any pattern in the set.
func (s PatternSet) Match(value string) bool {
	for _, p := range s {
		if p.Match(value) {
			return true
		}
	}
	return false
}

// Matches compiles patterns on the fly and reports whether value matches any
// of them. Hot paths should hold a compiled PatternSet instead.
func Matches(value string, patterns []string) bool {
	for _, raw := range patterns {
		p, err := CompilePattern(raw)
		if err != nil {
			continue
		}
		if p.Match(value) {
			return true
		}
	}
	return false
}
