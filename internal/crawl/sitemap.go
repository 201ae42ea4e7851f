package crawl

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const (
	sitemapMaxBytes  = 2 * 1024 * 1024
	sitemapMaxNested = 10
)

// sitemapURLSet represents a sitemap.xml <urlset> document.
type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapLoc `xml:"url"`
}

// sitemapIndex represents a <sitemapindex> document of nested sitemaps.
type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

// sitemapLoc represents a single <loc> entry.
type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// fetchSitemap fetches one sitemap, following nested index documents one
// level deep, and returns in-scope page URLs up to limit.
func (d *Discoverer) fetchSitemap(ctx context.Context, sitemapURL string, base *url.URL, limit int) []string {
	body := d.fetchXML(ctx, sitemapURL)
	if body == nil {
		return nil
	}

	var urlSet sitemapURLSet
	if err := xml.Unmarshal(body, &urlSet); err == nil && len(urlSet.URLs) > 0 {
		return d.scopeLocs(urlSet.URLs, base, limit)
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil || len(index.Sitemaps) == 0 {
		return nil
	}

	var urls []string
	nested := index.Sitemaps
	if len(nested) > sitemapMaxNested {
		nested = nested[:sitemapMaxNested]
	}
	for _, sm := range nested {
		if len(urls) >= limit {
			break
		}
		loc := strings.TrimSpace(sm.Loc)
		if loc == "" {
			continue
		}
		child := d.fetchXML(ctx, loc)
		if child == nil {
			continue
		}
		var childSet sitemapURLSet
		if err := xml.Unmarshal(child, &childSet); err != nil {
			continue
		}
		urls = append(urls, d.scopeLocs(childSet.URLs, base, limit-len(urls))...)
	}

	zap.L().Debug("crawl: sitemap index expanded",
		zap.String("sitemap", sitemapURL),
		zap.Int("children", len(nested)),
		zap.Int("urls", len(urls)),
	)
	return urls
}

func (d *Discoverer) fetchXML(ctx context.Context, rawURL string) []byte {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, sitemapMaxBytes))
	if err != nil {
		return nil
	}
	return body
}

func (d *Discoverer) scopeLocs(locs []sitemapLoc, base *url.URL, limit int) []string {
	var urls []string
	for _, entry := range locs {
		if limit > 0 && len(urls) >= limit {
			break
		}
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		u, err := url.Parse(loc)
		if err != nil {
			continue
		}
		if !SameScope(base, u) {
			continue
		}
		urls = append(urls, loc)
	}
	return urls
}
