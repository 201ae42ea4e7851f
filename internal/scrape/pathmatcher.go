package scrape

import (
	"net/url"
	"path"
	"strings"
)

// defaultExcludePatterns filter URLs that never carry company facts
// worth an extraction request.
var defaultExcludePatterns = []string{
	"/wp-content/*",
	"/tag/*",
	"/category/*",
	"/login*",
	"/signin*",
	"/cart*",
	"/*.pdf",
	"/*.jpg",
	"/*.png",
	"/*.zip",
}

// PathMatcher filters URLs based on glob-style path patterns.
// Uses path.Match from stdlib for proper glob matching, plus a segmented
// match so "/tag/*" matches multi-level paths like "/tag/a/b".
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher creates a PathMatcher from glob patterns (e.g.
// "/tag/*", "/*.pdf"). Falls back to default patterns if none are
// provided.
func NewPathMatcher(patterns []string) *PathMatcher {
	if len(patterns) == 0 {
		patterns = defaultExcludePatterns
	}
	return &PathMatcher{patterns: patterns}
}

// Patterns returns the configured patterns.
func (m *PathMatcher) Patterns() []string {
	return m.patterns
}

// IsExcluded checks whether a URL matches any exclude pattern.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return m.isPathExcluded(u.Path)
}

func (m *PathMatcher) isPathExcluded(urlPath string) bool {
	urlPath = strings.ToLower(urlPath)
	for _, pattern := range m.patterns {
		if matchSegmented(strings.ToLower(pattern), urlPath) {
			return true
		}
	}
	return false
}

// matchSegmented performs glob matching where a pattern like "/tag/*"
// matches both "/tag/x" and "/tag/deep/nested/path".
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}

	// For patterns ending in "/*", also match the URL path against the
	// pattern's directory prefix so "/tag/*" matches "/tag/a/b/c".
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}

	// Trailing-star patterns like "/login*" match any suffix.
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		return strings.HasPrefix(urlPath, pattern[:len(pattern)-1])
	}

	return false
}
