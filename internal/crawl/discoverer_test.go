package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intel-engine/internal/model"
)

// siteServer serves a small fake company site.
func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nDisallow: /admin/\nSitemap: http://%s/sitemap.xml\n", r.Host)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<urlset><url><loc>http://%[1]s/about</loc></url><url><loc>http://%[1]s/products</loc></url></urlset>`, r.Host)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
<a href="/about">About</a>
<a href="/team">Team</a>
<a href="/admin/secret">Admin</a>
<a href="https://external.example.com/x">External</a>
<a href="/about#history">About anchor</a>
<a href="mailto:hi@acme.com">Mail</a>
</body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/contact">Contact</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func findLink(links []model.Link, path string) *model.Link {
	for i := range links {
		u, _ := url.Parse(links[i].URL)
		if u.Path == path {
			return &links[i]
		}
	}
	return nil
}

func TestDiscoverBFSWithSitemapAndRobots(t *testing.T) {
	srv := siteServer(t)
	d := NewDiscoverer().WithHTTPClient(srv.Client())

	links, err := d.Discover(context.Background(), srv.URL, Options{
		MaxLinks: 100,
		MaxDepth: 3,
		Deadline: 10 * time.Second,
	})
	require.NoError(t, err)

	// Base page first.
	base, _ := url.Parse(srv.URL)
	first, _ := url.Parse(links[0].URL)
	assert.Equal(t, base.Host, first.Host)
	assert.Equal(t, 0, links[0].Depth)

	assert.NotNil(t, findLink(links, "/about"), "sitemap url missing")
	assert.NotNil(t, findLink(links, "/products"), "sitemap url missing")
	assert.NotNil(t, findLink(links, "/team"), "crawled link missing")
	assert.NotNil(t, findLink(links, "/contact"), "depth-2 link missing")

	// robots.txt disallow honored.
	assert.Nil(t, findLink(links, "/admin/secret"))

	// External hosts are out of scope.
	for _, l := range links {
		u, _ := url.Parse(l.URL)
		assert.Equal(t, registrableDomain(base.Host), registrableDomain(u.Host))
	}

	// Fragment variant deduplicated: exactly one /about entry.
	count := 0
	for _, l := range links {
		u, _ := url.Parse(l.URL)
		if u.Path == "/about" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDiscoverMaxLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		for i := 0; i < 50; i++ {
			fmt.Fprintf(w, `<a href="/page-%d">p</a>`, i)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDiscoverer().WithHTTPClient(srv.Client())
	links, err := d.Discover(context.Background(), srv.URL, Options{
		MaxLinks: 10,
		MaxDepth: 2,
		Deadline: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(links), 10)
}

func TestDiscoverUnreachableSiteReturnsBaseOnly(t *testing.T) {
	d := NewDiscoverer()
	d.http.Timeout = 500 * time.Millisecond

	links, err := d.Discover(context.Background(), "https://nonexistent.invalid", Options{
		MaxLinks: 10,
		MaxDepth: 1,
		Deadline: 3 * time.Second,
	})
	require.NoError(t, err)
	// The base URL is recorded even when nothing is reachable; no
	// crawled links follow.
	assert.LessOrEqual(t, len(links), 1)
}

func TestProbeDetectsBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-ray", "abc123")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "Checking your browser before accessing")
	}))
	defer srv.Close()

	d := NewDiscoverer().WithHTTPClient(srv.Client())
	res, err := d.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	assert.True(t, res.Blocked)
	assert.Equal(t, "cloudflare", res.BlockType)
}

func TestProbeUnreachable(t *testing.T) {
	d := NewDiscoverer()
	d.http.Timeout = 500 * time.Millisecond

	res, err := d.Probe(context.Background(), "https://nonexistent.invalid")
	require.NoError(t, err)
	assert.False(t, res.Reachable)
}
