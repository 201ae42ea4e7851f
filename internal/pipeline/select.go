package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/model"
)

// Selection bounds. The selector hands extraction between minSelected
// and the configured max, fewer only when discovery found fewer.
const (
	minSelected        = 10
	defaultMaxSelected = 50
	defaultHeuristicK  = 15
)

// pageSelection is the schema of the selection task's output.
type pageSelection struct {
	Selected []string          `json:"selected"`
	Reasons  map[string]string `json:"reasons,omitempty"`
}

// selectionSchema validates that the model picked real, discovered URLs.
func selectionSchema(discovered map[string]bool) *llmpool.Schema {
	return &llmpool.Schema{
		Name: "page_selection",
		Parse: llmpool.ParseInto[pageSelection](func(s *pageSelection) error {
			if len(s.Selected) == 0 {
				return eris.New("selected is empty")
			}
			for _, u := range s.Selected {
				if !discovered[u] {
					return eris.Errorf("url %q is not in the discovered list", u)
				}
			}
			return nil
		}),
	}
}

// selectPages ranks the discovered links for extraction. The LLM path
// is authoritative; on timeout, schema failure, or cancellation-free
// errors the deterministic heuristic takes over and the phase is
// reported partial by the caller (second return true).
func (e *Engine) selectPages(ctx context.Context, rs *runState) ([]string, bool) {
	links := rs.links
	if len(links) == 0 {
		return nil, true
	}

	topK := e.cfg.Research.SelectTopK
	if topK <= 0 {
		topK = defaultHeuristicK
	}
	maxPages := e.cfg.Research.MaxSelectedPages
	if maxPages <= 0 {
		maxPages = defaultMaxSelected
	}

	discovered := make(map[string]bool, len(links))
	for _, l := range links {
		discovered[l.URL] = true
	}

	timeout := time.Duration(e.cfg.LLM.SelectionTimeoutSecs) * time.Second
	fut := e.pool.Submit(llmpool.Task{
		ID:      rs.jobID + "-select",
		JobID:   rs.jobID,
		Kind:    "selection",
		Timeout: timeout,
		Schema:  selectionSchema(discovered),
		Request: e.messageRequest(selectionSystemText,
			buildSelectionPrompt(rs.rec.Name, rs.rec.Website, links, minSelected, maxPages), 2048),
	})

	res, err := fut.Wait(ctx)
	if err != nil {
		zap.L().Warn("pipeline: page selection fell back to heuristic",
			zap.String("job_id", rs.jobID),
			zap.Error(err),
		)
		return heuristicSelect(links, topK), true
	}
	rs.addUsage(res)

	selected := res.Parsed.(*pageSelection).Selected
	if len(selected) > maxPages {
		selected = selected[:maxPages]
	}

	// Pad a thin selection from the heuristic ranking so extraction
	// always gets at least minSelected pages when the site has them.
	if len(selected) < minSelected && len(links) > len(selected) {
		have := make(map[string]bool, len(selected))
		for _, u := range selected {
			have[u] = true
		}
		for _, u := range heuristicSelect(links, len(links)) {
			if len(selected) >= minSelected {
				break
			}
			if !have[u] {
				have[u] = true
				selected = append(selected, u)
			}
		}
	}
	return selected, false
}

// categoryWeight ranks link categories by expected intel yield.
var categoryWeight = map[model.LinkCategory]int{
	model.CategoryAbout:    100,
	model.CategoryProducts: 90,
	model.CategoryTeam:     80,
	model.CategoryContact:  70,
	model.CategoryCareers:  60,
	model.CategoryNews:     50,
	model.CategoryOther:    10,
}

// pathBoosts reward high-value path substrings the category heuristics
// can miss.
var pathBoosts = []string{
	"about", "company", "team", "leadership", "product", "service",
	"solution", "pricing", "customer", "case-stud", "career", "contact",
	"press", "news",
}

// heuristicSelect is the deterministic fallback ranking: category
// weight plus substring boosts minus a depth penalty, ties broken by
// discovery order. The homepage (depth 0) always survives.
func heuristicSelect(links []model.Link, k int) []string {
	type scored struct {
		url   string
		score int
		idx   int
	}
	ranked := make([]scored, 0, len(links))
	for i, l := range links {
		score := categoryWeight[l.Category]
		lower := strings.ToLower(l.URL)
		for _, boost := range pathBoosts {
			if strings.Contains(lower, boost) {
				score += 15
			}
		}
		score -= l.Depth * 5
		if l.Depth == 0 {
			score += 1000
		}
		ranked = append(ranked, scored{url: l.URL, score: score, idx: i})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].idx < ranked[b].idx
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.url)
	}
	return out
}
