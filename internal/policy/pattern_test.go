package policy

import "testing"

func TestPatternMatcher_Literal(t *testing.T) {
	pm := NewPatternMatcher(0)
	if !pm.Match("database:drop", "database:drop") {
		t.Error("literal pattern should match identical value")
	}
	if pm.Match("database:drop", "database:create") {
		t.Error("literal pattern should not match different value")
	}
}

func TestPatternMatcher_Star(t *testing.T) {
	pm := NewPatternMatcher(0)
	if !pm.Match("*", "anything") {
		t.Error("* should match anything")
	}
	if !pm.Match("database:*", "database:drop") {
		t.Error("glob should match prefix")
	}
	if pm.Match("database:*", "files:drop") {
		t.Error("glob should not match unrelated prefix")
	}
}

func TestPatternMatcher_Regex(t *testing.T) {
	pm := NewPatternMatcher(0)
	if !pm.Match("^database:(drop|truncate)$", "database:drop") {
		t.Error("regex pattern should match")
	}
	if pm.Match("^database:(drop|truncate)$", "database:create") {
		t.Error("regex pattern should not match")
	}
}

func TestPatternMatcher_MatchAny(t *testing.T) {
	pm := NewPatternMatcher(0)
	patterns := []string{"file:read", "database:*"}
	if !pm.MatchAny(patterns, "database:drop") {
		t.Error("MatchAny should find a matching pattern")
	}
	if pm.MatchAny(patterns, "network:call") {
		t.Error("MatchAny should not match an unrelated action")
	}
	if pm.MatchAny(nil, "anything") {
		t.Error("MatchAny of an empty pattern list must be false")
	}
}

func TestPatternMatcher_DomainWildcard(t *testing.T) {
	pm := NewPatternMatcher(0)

	tests := []struct {
		pattern  string
		resource string
		want     bool
	}{
		{"*.example.com", "https://api.example.com/x", true},
		{"*.example.com", "https://example.com/x", true},
		{"*.example.com", "https://evil.com", false},
		{"*.example.com", "https://notexample.com", false},
		{"example.com", "https://example.com/path", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.resource, func(t *testing.T) {
			got := pm.MatchDomain(tt.pattern, tt.resource)
			if got != tt.want {
				t.Errorf("MatchDomain(%q, %q) = %v, want %v", tt.pattern, tt.resource, got, tt.want)
			}
		})
	}
}

func TestPatternMatcher_MatchAnyDomain(t *testing.T) {
	pm := NewPatternMatcher(0)
	patterns := []string{"*.example.com", "trusted.org"}

	if !pm.MatchAnyDomain(patterns, "https://api.example.com") {
		t.Error("expected subdomain match")
	}
	if !pm.MatchAnyDomain(patterns, "https://trusted.org/path") {
		t.Error("expected exact host match")
	}
	if pm.MatchAnyDomain(patterns, "https://evil.com") {
		t.Error("expected no match")
	}
}

func TestPatternMatcher_NonURLResourceFallsBackVerbatim(t *testing.T) {
	pm := NewPatternMatcher(0)
	if !pm.MatchDomain("raw-resource-id", "raw-resource-id") {
		t.Error("a non-URL resource should match verbatim against a literal pattern")
	}
}

func TestPatternMatcher_CacheReuse(t *testing.T) {
	pm := NewPatternMatcher(2)
	if !pm.Match("a:*", "a:1") {
		t.Fatal("expected match")
	}
	// Same pattern compiled again should hit the cache path without error.
	if !pm.Match("a:*", "a:2") {
		t.Fatal("expected match on second use of cached pattern")
	}
}
