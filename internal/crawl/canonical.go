// Package crawl implements polite link discovery: robots.txt, sitemaps,
// and a bounded breadth-first crawl scoped to the target's domain.
package crawl

import (
	"net/url"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// NormalizeBase coerces user input into an absolute URL with a path,
// prepending https:// when the scheme is missing.
func NormalizeBase(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", eris.New("crawl: empty url")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrap(err, "crawl: parse url")
	}
	if u.Host == "" {
		return "", eris.Errorf("crawl: url %q has no host", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Canonical deduplication form: lowercase scheme and host, fragment
// stripped, query keys sorted, default ports dropped.
func Canonical(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrap(err, "crawl: parse url")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Hostname()
	}

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// registrableDomain approximates eTLD+1 by keeping the last two labels
// (three for common two-part suffixes like co.uk). Good enough for
// scoping a crawl to one company's site.
func registrableDomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	secondLevel := labels[len(labels)-2]
	switch secondLevel {
	case "co", "com", "net", "org", "gov", "ac", "edu":
		if len(labels) >= 3 {
			return strings.Join(labels[len(labels)-3:], ".")
		}
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// SameScope reports whether candidate shares the base URL's registrable
// domain.
func SameScope(base *url.URL, candidate *url.URL) bool {
	return registrableDomain(base.Host) == registrableDomain(candidate.Host)
}
