package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/intel-engine/internal/config"
	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/scrape"
)

// Extractor fetches and cleans the selected pages through the scraper
// chain under a weighted semaphore.
type Extractor struct {
	chain       *scrape.Chain
	parallelism int
	perPage     time.Duration
	maxBytes    int
	maxChars    int
}

// ExtractOptions overrides per run. Zero values keep the configured
// defaults; the batch coordinator lowers Parallelism and PageTimeout
// when it detects connection storms.
type ExtractOptions struct {
	Parallelism int
	PageTimeout time.Duration
	// Blocked routes the whole batch through the chain's bulk path so
	// the firecrawl fallback handles a bot-walled site in one call.
	Blocked bool
}

// NewExtractor creates an Extractor from config.
func NewExtractor(chain *scrape.Chain, cfg config.ExtractConfig) *Extractor {
	x := &Extractor{
		chain:       chain,
		parallelism: cfg.Parallelism,
		perPage:     time.Duration(cfg.PageTimeoutSecs) * time.Second,
		maxBytes:    cfg.MaxPageBytes,
		maxChars:    cfg.MaxPageChars,
	}
	if x.parallelism <= 0 {
		x.parallelism = 10
	}
	if x.perPage <= 0 {
		x.perPage = 20 * time.Second
	}
	if x.maxBytes <= 0 {
		x.maxBytes = 2 * 1024 * 1024
	}
	if x.maxChars <= 0 {
		x.maxChars = 10000
	}
	return x
}

// Extract fetches the given URLs and returns cleaned page content in
// input order plus per-page outcome counters. An empty result is not an
// error; the orchestrator downgrades the phase instead.
func (x *Extractor) Extract(ctx context.Context, urls []string, opts ExtractOptions) ([]model.PageContent, model.ExtractStats) {
	par := opts.Parallelism
	if par <= 0 {
		par = x.parallelism
	}
	perPage := opts.PageTimeout
	if perPage <= 0 {
		perPage = x.perPage
	}

	stats := model.ExtractStats{Requested: len(urls)}
	if len(urls) == 0 {
		return nil, stats
	}

	if opts.Blocked {
		return x.extractBulk(ctx, urls, par, perPage, stats)
	}

	sem := semaphore.NewWeighted(int64(par))
	slots := make([]*model.PageContent, len(urls))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, u := range urls {
		if x.chain.Excluded(u) {
			stats.Skipped++
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			stats.Failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer sem.Release(1)

			pctx, cancel := context.WithTimeout(ctx, perPage)
			defer cancel()

			start := time.Now()
			res, err := x.chain.Scrape(pctx, u)
			elapsed := time.Since(start).Milliseconds()

			if err != nil {
				zap.L().Debug("pipeline: page fetch failed",
					zap.String("url", u),
					zap.Error(err),
				)
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				return
			}

			page := x.cleanResult(*res, elapsed)
			mu.Lock()
			if page == nil {
				stats.Failed++
			} else {
				stats.Fetched++
				stats.ReaderTokens += res.Tokens
				if page.Source == "firecrawl" {
					stats.FallbackPages++
				}
				slots[i] = page
			}
			mu.Unlock()
		}(i, u)
	}
	wg.Wait()

	pages := make([]model.PageContent, 0, stats.Fetched)
	for _, p := range slots {
		if p != nil {
			pages = append(pages, *p)
		}
	}
	return pages, stats
}

// extractBulk pushes all URLs through the chain at once so failures
// coalesce into the firecrawl batch fallback. No per-page timing is
// available on this path.
func (x *Extractor) extractBulk(ctx context.Context, urls []string, par int, perPage time.Duration, stats model.ExtractStats) ([]model.PageContent, model.ExtractStats) {
	kept := urls[:0:0]
	for _, u := range urls {
		if x.chain.Excluded(u) {
			stats.Skipped++
			continue
		}
		kept = append(kept, u)
	}

	results := x.chain.ScrapeAll(ctx, kept, par, perPage)
	var pages []model.PageContent
	for _, res := range results {
		if page := x.cleanResult(res, 0); page != nil {
			stats.ReaderTokens += res.Tokens
			if page.Source == "firecrawl" {
				stats.FallbackPages++
			}
			pages = append(pages, *page)
		}
	}
	stats.Fetched = len(pages)
	stats.Failed = len(kept) - len(pages)
	return pages, stats
}

// cleanResult converts one scrape result into page content, or nil when
// nothing useful survives cleaning.
func (x *Extractor) cleanResult(res scrape.Result, fetchMS int64) *model.PageContent {
	raw := res.Markdown
	if len(raw) > x.maxBytes {
		raw = raw[:x.maxBytes]
	}
	text := CleanMarkdown(raw, x.maxChars)
	if text == "" {
		return nil
	}
	return &model.PageContent{
		URL:       res.URL,
		Title:     res.Title,
		Text:      text,
		ByteCount: len(res.Markdown),
		FetchMS:   fetchMS,
		Source:    res.Source,
	}
}
