package crawl

import (
	"net/url"
	"strings"

	"github.com/sells-group/intel-engine/internal/model"
)

// categoryPatterns maps path substrings to link categories, checked in
// order so the more specific buckets win.
var categoryPatterns = []struct {
	category model.LinkCategory
	needles  []string
}{
	{model.CategoryTeam, []string{"/team", "/people", "/leadership", "/founders", "/management", "/board"}},
	{model.CategoryAbout, []string{"/about", "/company", "/who-we-are", "/our-story", "/mission", "/history"}},
	{model.CategoryContact, []string{"/contact", "/locations", "/offices", "/get-in-touch"}},
	{model.CategoryCareers, []string{"/careers", "/jobs", "/join", "/hiring", "/work-with-us"}},
	{model.CategoryNews, []string{"/news", "/press", "/media", "/blog", "/insights", "/announcements"}},
	{model.CategoryProducts, []string{"/products", "/product", "/services", "/solutions", "/platform", "/features", "/pricing", "/what-we-do"}},
}

// Categorize tags a URL from path heuristics. The tag is advisory only.
func Categorize(rawURL string) model.LinkCategory {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.CategoryOther
	}
	path := strings.ToLower(u.Path)
	if path == "" || path == "/" {
		return model.CategoryAbout
	}
	for _, p := range categoryPatterns {
		for _, n := range p.needles {
			if strings.Contains(path, n) {
				return p.category
			}
		}
	}
	return model.CategoryOther
}
