package scrape

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intel-engine/pkg/firecrawl"
)

// Chain tries scrapers in priority order, returning the first success.
type Chain struct {
	matcher  *PathMatcher
	scrapers []Scraper
	fcClient firecrawl.Client // optional: enables batch scrape fallback
}

// NewChain creates a Chain with the given path matcher and scrapers.
// Scrapers are tried in order; the first successful result wins.
func NewChain(matcher *PathMatcher, scrapers ...Scraper) *Chain {
	return &Chain{
		matcher:  matcher,
		scrapers: scrapers,
	}
}

// WithFirecrawlClient enables batch scrape fallback for ScrapeAll.
func (c *Chain) WithFirecrawlClient(fc firecrawl.Client) *Chain {
	c.fcClient = fc
	return c
}

// Excluded reports whether the URL matches an exclude pattern.
func (c *Chain) Excluded(targetURL string) bool {
	return c.matcher.IsExcluded(targetURL)
}

// Scrape tries each scraper in order for a single URL.
// Returns the first successful result, or an error if all fail.
func (c *Chain) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	if c.matcher.IsExcluded(targetURL) {
		return nil, eris.Errorf("scrape: url excluded by path matcher: %s", targetURL)
	}

	var lastErr error
	for _, s := range c.scrapers {
		if !s.Supports(targetURL) {
			continue
		}
		result, err := s.Scrape(ctx, targetURL)
		if err == nil && result != nil {
			return result, nil
		}
		if err != nil {
			zap.L().Debug("scrape: scraper failed, trying next",
				zap.String("scraper", s.Name()),
				zap.String("url", targetURL),
				zap.Error(err),
			)
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, eris.Wrap(lastErr, "scrape: all scrapers failed")
	}
	return nil, eris.Errorf("scrape: no suitable scraper for url: %s", targetURL)
}

// ScrapeAll fetches multiple URLs in parallel with at most maxConcurrent
// in flight and perPage as the per-URL time budget. Excluded and failed
// URLs are skipped; results come back in no particular order.
//
// When a Firecrawl client is set, URLs that fail on every primary
// scraper are accumulated and sent through Firecrawl's batch scrape API
// in a single call instead of one fallback request each.
func (c *Chain) ScrapeAll(ctx context.Context, urls []string, maxConcurrent int, perPage time.Duration) []Result {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if perPage <= 0 {
		perPage = 20 * time.Second
	}

	var (
		mu         sync.Mutex
		results    []Result
		failedURLs []string
	)

	// With batch fallback enabled, the trailing firecrawl scraper is held
	// back from the per-URL pass and exercised once over all failures.
	useBatch := c.fcClient != nil && len(c.scrapers) > 1 &&
		c.scrapers[len(c.scrapers)-1].Name() == "firecrawl"
	primary := c.scrapers
	if useBatch {
		primary = c.scrapers[:len(c.scrapers)-1]
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, u := range urls {
		g.Go(func() error {
			if c.matcher.IsExcluded(u) {
				return nil
			}

			pageCtx, cancel := context.WithTimeout(gCtx, perPage)
			defer cancel()

			for _, s := range primary {
				if !s.Supports(u) {
					continue
				}
				result, err := s.Scrape(pageCtx, u)
				if err == nil && result != nil {
					mu.Lock()
					results = append(results, *result)
					mu.Unlock()
					return nil
				}
				if err != nil {
					zap.L().Debug("scrape: primary scraper failed",
						zap.String("scraper", s.Name()),
						zap.String("url", u),
						zap.Error(err),
					)
				}
			}

			if useBatch {
				mu.Lock()
				failedURLs = append(failedURLs, u)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()

	if useBatch && len(failedURLs) > 0 {
		results = append(results, c.batchScrapeFirecrawl(ctx, failedURLs)...)
	}

	return results
}

// batchScrapeFirecrawl sends all URLs to Firecrawl's batch scrape API
// and polls for results.
func (c *Chain) batchScrapeFirecrawl(ctx context.Context, urls []string) []Result {
	zap.L().Info("scrape: batch-scraping via firecrawl",
		zap.Int("urls", len(urls)),
	)

	resp, err := c.fcClient.BatchScrape(ctx, firecrawl.BatchScrapeRequest{
		URLs:    urls,
		Formats: []string{"markdown"},
	})
	if err != nil {
		zap.L().Warn("scrape: firecrawl batch scrape failed", zap.Error(err))
		return nil
	}

	status, err := firecrawl.PollBatchScrape(ctx, c.fcClient, resp.ID,
		firecrawl.WithPollInterval(2*time.Second),
		firecrawl.WithPollCap(10*time.Second),
	)
	if err != nil {
		zap.L().Warn("scrape: firecrawl batch scrape poll failed", zap.Error(err))
		return nil
	}

	var results []Result
	for _, d := range status.Data {
		if d.Markdown != "" {
			results = append(results, Result{
				URL:      d.URL,
				Title:    d.Title,
				Markdown: d.Markdown,
				Source:   "firecrawl",
			})
		}
	}

	zap.L().Info("scrape: firecrawl batch scrape complete",
		zap.Int("requested", len(urls)),
		zap.Int("received", len(results)),
	)
	return results
}
