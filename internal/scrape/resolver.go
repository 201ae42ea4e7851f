package scrape

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/pkg/jina"
)

// aggregatorHosts are domains a company-name search surfaces that are
// never the company's own site.
var aggregatorHosts = []string{
	"linkedin.com",
	"facebook.com",
	"x.com",
	"twitter.com",
	"instagram.com",
	"youtube.com",
	"wikipedia.org",
	"crunchbase.com",
	"glassdoor.com",
	"indeed.com",
	"bloomberg.com",
	"yelp.com",
	"bbb.org",
	"zoominfo.com",
	"pitchbook.com",
}

// WebsiteResolver finds a company's website from its name via web
// search, skipping social and data-aggregator hits.
type WebsiteResolver struct {
	search jina.Client
}

// NewWebsiteResolver creates a resolver backed by Jina search.
func NewWebsiteResolver(search jina.Client) *WebsiteResolver {
	return &WebsiteResolver{search: search}
}

// Resolve returns the first organic result that looks like the
// company's own domain.
func (r *WebsiteResolver) Resolve(ctx context.Context, name string) (string, error) {
	resp, err := r.search.Search(ctx, name+" official website")
	if err != nil {
		return "", eris.Wrapf(err, "scrape: resolve website for %q", name)
	}

	for _, hit := range resp.Data {
		site, ok := ownSite(hit.URL)
		if !ok {
			continue
		}
		zap.L().Debug("scrape: resolved website",
			zap.String("company", name),
			zap.String("website", site),
		)
		return site, nil
	}
	return "", eris.Errorf("scrape: no website found for %q", name)
}

// ownSite reduces a search hit to scheme://host and rejects
// aggregator domains.
func ownSite(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for _, agg := range aggregatorHosts {
		if host == agg || strings.HasSuffix(host, "."+agg) {
			return "", false
		}
	}
	return u.Scheme + "://" + u.Host, true
}
