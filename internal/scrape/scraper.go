// Package scrape provides the JS-capable page readers behind the
// content extraction phase, chained so a blocked or thin response falls
// through to the next provider.
package scrape

import (
	"context"
)

// Result holds one scraped page.
type Result struct {
	URL      string
	Title    string
	Markdown string
	Source   string // "jina" or "firecrawl"
	// Tokens is the reader-reported token count, 0 when the provider
	// does not report usage.
	Tokens int
}

// Scraper fetches a single URL and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}
