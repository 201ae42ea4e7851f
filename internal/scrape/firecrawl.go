package scrape

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intel-engine/pkg/firecrawl"
)

// FirecrawlReader wraps a Firecrawl client as the fallback Scraper for
// pages Jina cannot render.
type FirecrawlReader struct {
	client firecrawl.Client
}

// NewFirecrawlReader creates a FirecrawlReader from a Firecrawl client.
func NewFirecrawlReader(client firecrawl.Client) *FirecrawlReader {
	return &FirecrawlReader{client: client}
}

// Name implements Scraper.
func (f *FirecrawlReader) Name() string { return "firecrawl" }

// Supports returns true; Firecrawl can attempt any URL as a fallback.
func (f *FirecrawlReader) Supports(_ string) bool { return true }

// Scrape fetches a single URL via Firecrawl's scrape API.
func (f *FirecrawlReader) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:     targetURL,
		Formats: []string{"markdown"},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, eris.New("firecrawl: scrape not successful")
	}
	return &Result{
		URL:      resp.Data.URL,
		Title:    resp.Data.Title,
		Markdown: resp.Data.Markdown,
		Source:   "firecrawl",
	}, nil
}
