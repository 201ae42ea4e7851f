package crawl

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Robots holds the subset of robots.txt the crawler honors: disallow
// prefixes for the wildcard agent and sitemap locations.
type Robots struct {
	disallow []string
	Sitemaps []string
}

// Allowed reports whether the path may be fetched.
func (r *Robots) Allowed(path string) bool {
	if r == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	for _, d := range r.disallow {
		if d == "" {
			continue
		}
		if strings.HasPrefix(path, d) {
			return false
		}
	}
	return true
}

// fetchRobots retrieves and parses <base>/robots.txt. A missing or
// unreadable file yields permissive rules.
func (d *Discoverer) fetchRobots(ctx context.Context, base string) *Robots {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/robots.txt", nil)
	if err != nil {
		return &Robots{}
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		return &Robots{}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return &Robots{}
	}

	robots := parseRobots(io.LimitReader(resp.Body, 256*1024))
	zap.L().Debug("crawl: robots.txt parsed",
		zap.String("base", base),
		zap.Int("disallow_rules", len(robots.disallow)),
		zap.Int("sitemaps", len(robots.Sitemaps)),
	)
	return robots
}

// parseRobots reads the wildcard-agent group's Disallow lines plus all
// Sitemap lines (which are group-independent).
func parseRobots(r io.Reader) *Robots {
	robots := &Robots{}
	scanner := bufio.NewScanner(r)

	inWildcard := false
	lastWasAgent := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			// A user-agent line after rules begins a new group.
			if !lastWasAgent {
				inWildcard = false
			}
			if value == "*" {
				inWildcard = true
			}
			lastWasAgent = true
		case "disallow":
			if inWildcard && value != "" {
				robots.disallow = append(robots.disallow, value)
			}
			lastWasAgent = false
		case "sitemap":
			// Sitemap lines are group-independent.
			if value != "" {
				robots.Sitemaps = append(robots.Sitemaps, value)
			}
			lastWasAgent = false
		default:
			lastWasAgent = false
		}
	}
	return robots
}
