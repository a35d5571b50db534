package messaging

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// SingleWordWildcard matches exactly one routing key segment
	SingleWordWildcard = "*"
	// MultiWordWildcard matches one or more routing key segments
	MultiWordWildcard = "#"

	segmentSeparator = "."
)

// Pattern is a compiled routing key pattern.
// A Pattern is immutable and safe for concurrent use.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern validates a routing key pattern and compiles it into a matcher.
//
// Wildcards are only recognised as whole segments: "a.*.c" has a wildcard,
// "a.b*.c" does not.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: pattern is empty", ErrInvalidPattern)
	}

	segments := strings.Split(pattern, segmentSeparator)
	parts := make([]string, 0, len(segments))
	for i, segment := range segments {
		switch segment {
		case "":
			return nil, fmt.Errorf("%w: empty segment %d in %q", ErrInvalidPattern, i, pattern)
		case SingleWordWildcard:
			parts = append(parts, `[^.]+`)
		case MultiWordWildcard:
			// One or more segments. Zero is not allowed.
			parts = append(parts, `[^.]+(?:\.[^.]+)*`)
		default:
			parts = append(parts, regexp.QuoteMeta(segment))
		}
	}

	re, err := regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	return &Pattern{raw: pattern, re: re}, nil
}

// MustCompilePattern is like CompilePattern but panics on an invalid pattern
func MustCompilePattern(pattern string) *Pattern {
	p, err := CompilePattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether the routing key matches the pattern
func (p *Pattern) Match(routingKey string) bool {
	if routingKey == p.raw {
		return true
	}
	return p.re.MatchString(routingKey)
}

// String returns the pattern as written
func (p *Pattern) String() string {
	return p.raw
}

// HasWildcards reports whether any segment of the pattern is a wildcard
func (p *Pattern) HasWildcards() bool {
	for _, segment := range strings.Split(p.raw, segmentSeparator) {
		if segment == SingleWordWildcard || segment == MultiWordWildcard {
			return true
		}
	}
	return false
}

// Matches reports whether routingKey matches pattern.
//
// A key that is literally equal to the pattern always matches. Otherwise "*"
// stands for exactly one segment and "#" for one or more segments, and the
// whole key must match. Invalid patterns match only by literal equality.
//
// Matches compiles the pattern on every call; hot paths should hold on to a
// compiled *Pattern instead.
func Matches(routingKey, pattern string) bool {
	if routingKey == pattern {
		return true
	}
	p, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return p.Match(routingKey)
}
