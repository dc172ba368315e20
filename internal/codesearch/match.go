package codesearch

import (
	"fmt"
	"regexp"
	"strings"
)

// MinFuzzyLength is the shortest pattern that gets word-boundary matching
// in fuzzy mode; shorter patterns match as plain substrings.
const MinFuzzyLength = 3

// lineMatcher returns the 0-based byte offset of the first match in line
type lineMatcher func(line string) (int, bool)

// effectivePattern returns the pattern handed to a regex engine and whether
// it must be treated as a fixed string.
func effectivePattern(pattern string, opts Options) (string, bool) {
	switch {
	case opts.Fuzzy && len(pattern) >= MinFuzzyLength:
		q := regexp.QuoteMeta(pattern)
		return `\b` + q + `|` + q + `\b`, false
	case opts.Fuzzy:
		return pattern, true
	case opts.Regex:
		return pattern, false
	default:
		return pattern, true
	}
}

func compileMatcher(pattern string, opts Options) (lineMatcher, error) {
	expr, fixed := effectivePattern(pattern, opts)
	if fixed && opts.CaseSensitive {
		return func(line string) (int, bool) {
			i := strings.Index(line, expr)
			return i, i >= 0
		}, nil
	}
	if fixed {
		expr = regexp.QuoteMeta(expr)
	}
	if !opts.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return func(line string) (int, bool) {
		loc := re.FindStringIndex(line)
		if loc == nil {
			return 0, false
		}
		return loc[0], true
	}, nil
}
