package crawl

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/scrape"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; IntelEngineBot/1.0)"

// Options bounds a discovery run.
type Options struct {
	MaxLinks           int
	MaxDepth           int
	Deadline           time.Duration
	PerHostConcurrency int
	PerHostRPS         int
}

func (o Options) withDefaults() Options {
	if o.MaxLinks <= 0 {
		o.MaxLinks = 1000
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.Deadline <= 0 {
		o.Deadline = 20 * time.Second
	}
	if o.PerHostConcurrency <= 0 {
		o.PerHostConcurrency = 4
	}
	if o.PerHostRPS <= 0 {
		o.PerHostRPS = 4
	}
	return o
}

// ProbeResult holds the outcome of probing a site before crawling.
type ProbeResult struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code"`
	Blocked    bool   `json:"blocked"`
	BlockType  string `json:"block_type,omitempty"`
	FinalURL   string `json:"final_url"`
}

// Discoverer collects candidate URLs for a company site.
type Discoverer struct {
	http      *http.Client
	userAgent string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDiscoverer creates a Discoverer with a sensible default HTTP client.
func NewDiscoverer() *Discoverer {
	return &Discoverer{
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 8,
			},
		},
		userAgent: defaultUserAgent,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// WithHTTPClient overrides the HTTP client (tests).
func (d *Discoverer) WithHTTPClient(hc *http.Client) *Discoverer {
	d.http = hc
	return d
}

// Probe checks reachability and bot-block status of the base URL.
func (d *Discoverer) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	normalized, err := NormalizeBase(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: create probe request")
	}
	req.Header.Set("User-Agent", d.userAgent)

	result := &ProbeResult{}
	resp, err := d.http.Do(req)
	if err != nil {
		return result, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	result.Reachable = true
	result.StatusCode = resp.StatusCode
	result.FinalURL = resp.Request.URL.String()

	if blocked, blockType := scrape.DetectBlock(resp, body); blocked {
		result.Blocked = true
		result.BlockType = string(blockType)
	}
	return result, nil
}

// Discover runs robots + sitemap + BFS discovery and returns canonical
// links in discovery order, tagged by path category. Single fetch
// failures are logged and skipped; an unreachable site yields an empty
// slice and no error.
func (d *Discoverer) Discover(ctx context.Context, rawURL string, opts Options) ([]model.Link, error) {
	opts = opts.withDefaults()

	normalized, err := NormalizeBase(rawURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: parse base url")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()

	origin := base.Scheme + "://" + base.Host
	robots := d.fetchRobots(ctx, origin)

	type crawlItem struct {
		url   string
		depth int
	}

	seen := make(map[string]bool)
	var links []model.Link

	add := func(rawLink string, depth int) bool {
		canon, err := Canonical(rawLink)
		if err != nil {
			return false
		}
		if seen[canon] {
			return false
		}
		u, err := url.Parse(canon)
		if err != nil || !SameScope(base, u) {
			return false
		}
		if !robots.Allowed(u.Path) {
			return false
		}
		seen[canon] = true
		links = append(links, model.Link{URL: canon, Category: Categorize(canon), Depth: depth})
		return true
	}

	var queue []crawlItem
	canonBase, err := Canonical(normalized)
	if err != nil {
		return nil, err
	}
	seen[canonBase] = true
	links = append(links, model.Link{URL: canonBase, Category: Categorize(canonBase), Depth: 0})
	queue = append(queue, crawlItem{url: canonBase, depth: 0})

	// Seed from robots-declared sitemaps, falling back to the default
	// location.
	sitemaps := robots.Sitemaps
	if len(sitemaps) == 0 {
		sitemaps = []string{origin + "/sitemap.xml"}
	}
	seeded := 0
	for _, sm := range sitemaps {
		if len(links) >= opts.MaxLinks {
			break
		}
		for _, su := range d.fetchSitemap(ctx, sm, base, opts.MaxLinks-len(links)) {
			if len(links) >= opts.MaxLinks {
				break
			}
			if add(su, 1) {
				queue = append(queue, crawlItem{url: links[len(links)-1].URL, depth: 1})
				seeded++
			}
		}
	}
	if seeded > 0 {
		zap.L().Debug("crawl: seeded urls from sitemap",
			zap.Int("count", seeded),
			zap.String("base", origin),
		)
	}

	var mu sync.Mutex

	for {
		if ctx.Err() != nil {
			break
		}

		mu.Lock()
		if len(queue) == 0 || len(links) >= opts.MaxLinks {
			mu.Unlock()
			break
		}

		// Drain a wave from the queue for parallel fetching.
		var batch []crawlItem
		for len(batch) < opts.PerHostConcurrency && len(queue) > 0 {
			item := queue[0]
			queue = queue[1:]
			if item.depth < opts.MaxDepth {
				batch = append(batch, item)
			}
		}
		mu.Unlock()

		if len(batch) == 0 {
			break
		}

		// Fresh errgroup per wave so a cancelled derived context does
		// not leak between iterations.
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(opts.PerHostConcurrency)

		for _, item := range batch {
			g.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				default:
				}

				found, err := d.extractLinks(gCtx, item.url, base, opts.PerHostRPS)
				if err != nil {
					zap.L().Debug("crawl: error extracting links",
						zap.String("url", item.url),
						zap.Error(err),
					)
					return nil
				}

				mu.Lock()
				for _, link := range found {
					if len(links) >= opts.MaxLinks {
						break
					}
					if add(link, item.depth+1) {
						queue = append(queue, crawlItem{url: links[len(links)-1].URL, depth: item.depth + 1})
					}
				}
				mu.Unlock()
				return nil
			})
		}

		_ = g.Wait()
	}

	zap.L().Info("crawl: discovery complete",
		zap.String("base", origin),
		zap.Int("links", len(links)),
	)
	return links, nil
}

// hostLimiter returns the token bucket pacing requests to one host.
func (d *Discoverer) hostLimiter(host string, rps int) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[host]
	if !ok {
		if rps <= 0 {
			rps = 4
		}
		lim = rate.NewLimiter(rate.Limit(rps), rps)
		d.limiters[host] = lim
	}
	return lim
}

func (d *Discoverer) extractLinks(ctx context.Context, pageURL string, base *url.URL, rps int) ([]string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: parse page url")
	}
	if err := d.hostLimiter(u.Host, rps).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: create request")
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	// Only HTML responses are parsed for further links.
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, eris.Wrap(err, "crawl: read body")
	}

	return parseLinks(string(body), base), nil
}

// parseLinks does a simple extraction of href attributes from HTML.
func parseLinks(html string, base *url.URL) []string {
	var links []string
	seen := make(map[string]bool)

	idx := 0
	for {
		pos := strings.Index(html[idx:], "href=\"")
		if pos == -1 {
			break
		}
		idx += pos + 6

		end := strings.Index(html[idx:], "\"")
		if end == -1 {
			break
		}

		href := html[idx : idx+end]
		idx += end + 1

		// Skip anchors, javascript, mailto.
		if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			continue
		}

		resolved, err := url.Parse(href)
		if err != nil {
			continue
		}
		absolute := base.ResolveReference(resolved)
		if !SameScope(base, absolute) {
			continue
		}

		absolute.Fragment = ""
		normalized := absolute.String()
		if !seen[normalized] {
			seen[normalized] = true
			links = append(links, normalized)
		}
	}

	return links
}
