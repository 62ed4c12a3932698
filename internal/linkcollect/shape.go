package linkcollect

import (
	"fmt"
	"regexp"
	"strings"
)

// Shape is the declarative form of a link predicate: every Contains fragment must be present,
// no Excludes fragment may be present, and Pattern (if set) must match.
type Shape struct {
	Contains []string
	Excludes []string
	Pattern  string
}

// Predicate compiles the shape. An empty shape accepts every URL.
func (s Shape) Predicate() (Predicate, error) {
	contains := nonEmpty(s.Contains)
	excludes := nonEmpty(s.Excludes)

	var pattern *regexp.Regexp
	if strings.TrimSpace(s.Pattern) != "" {
		compiled, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile shape pattern: %w", err)
		}
		pattern = compiled
	}

	if len(contains) == 0 && len(excludes) == 0 && pattern == nil {
		return nil, nil
	}

	return func(rawURL string) bool {
		for _, c := range contains {
			if !strings.Contains(rawURL, c) {
				return false
			}
		}
		for _, x := range excludes {
			if strings.Contains(rawURL, x) {
				return false
			}
		}
		if pattern != nil && !pattern.MatchString(rawURL) {
			return false
		}
		return true
	}, nil
}

// ParseCanonical maps a config value onto a Canonical mode.
func ParseCanonical(v string) (Canonical, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "strip_query":
		return CanonicalStripQuery, nil
	case "keep_query":
		return CanonicalKeepQuery, nil
	default:
		return CanonicalStripQuery, fmt.Errorf("unknown canonical mode %q", v)
	}
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
