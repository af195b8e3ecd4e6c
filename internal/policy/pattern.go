package policy

import (
	"net/url"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// patternKind classifies a manifest pattern on insertion (spec §4.1).
type patternKind int

const (
	kindLiteral patternKind = iota
	kindGlob
	kindRegex
)

// regexMeta are regex metacharacters other than '*' and '?' whose presence
// classifies a pattern as "regex" rather than "glob".
var regexMeta = regexp.MustCompile(`[\[\](){}|^$+\\]`)

func classify(pattern string) patternKind {
	if pattern == "*" {
		return kindGlob
	}
	if regexMeta.MatchString(pattern) {
		return kindRegex
	}
	if strings.ContainsAny(pattern, "*?") {
		return kindGlob
	}
	return kindLiteral
}

// PatternMatcher compiles and caches manifest patterns (glob/regex) in an
// LRU of configurable max size (hashicorp/golang-lru/v2), grounded on the
// same library's usage elsewhere in the example pack for compiled
// pattern/regex caches. A pattern is compiled on its first Match call and
// again on any later call after it has been evicted; literal patterns and
// "*" are matched without compiling.
type PatternMatcher struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

// NewPatternMatcher builds a matcher with an LRU of the given size (default
// 1000, per spec §4.1).
func NewPatternMatcher(maxSize int) *PatternMatcher {
	if maxSize <= 0 {
		maxSize = 1000
	}
	c, _ := lru.New[string, *regexp.Regexp](maxSize)
	return &PatternMatcher{cache: c}
}

// Match reports whether value matches pattern under the glob/regex/literal
// rules of spec §4.1. "*" matches anything.
func (pm *PatternMatcher) Match(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	switch classify(pattern) {
	case kindLiteral:
		return pattern == value
	default:
		re, err := pm.compile(pattern)
		if err != nil {
			return pattern == value
		}
		return re.MatchString(value)
	}
}

// MatchAny reports whether value matches any of patterns.
func (pm *PatternMatcher) MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if pm.Match(p, value) {
			return true
		}
	}
	return false
}

func (pm *PatternMatcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := pm.cache.Get(pattern); ok {
		return re, nil
	}
	expr := toRegex(pattern)
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	pm.cache.Add(pattern, re)
	return re, nil
}

// toRegex translates a glob pattern (* -> .*, ? -> .) into an anchored
// regex, or anchors a regex pattern as-is.
func toRegex(pattern string) string {
	if classify(pattern) == kindRegex {
		return "^(?:" + pattern + ")$"
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// MatchDomain implements spec §4.1's "*.example.com matches both the bare
// apex and any deeper subdomain" rule, plus the "resource extraction: try
// URL host, else the whole string" rule. Grounded on
// internal/capability/scope.go's matchPath host/prefix fallback idiom.
func (pm *PatternMatcher) MatchDomain(pattern, resource string) bool {
	host := extractHost(resource)
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		apex := pattern[2:]
		if host == apex {
			return true
		}
		return strings.HasSuffix(host, "."+apex) || pm.Match(pattern, host)
	}
	if pm.Match(pattern, host) {
		return true
	}
	return pm.Match(pattern, resource)
}

// MatchAnyDomain reports whether resource matches any of patterns using
// MatchDomain semantics.
func (pm *PatternMatcher) MatchAnyDomain(patterns []string, resource string) bool {
	for _, p := range patterns {
		if pm.MatchDomain(p, resource) {
			return true
		}
	}
	return false
}

// extractHost tries to parse resource as a URL and returns its host;
// falls back to the verbatim string when not URL-parseable.
func extractHost(resource string) string {
	u, err := url.Parse(resource)
	if err != nil || u.Host == "" {
		return resource
	}
	return u.Hostname()
}
