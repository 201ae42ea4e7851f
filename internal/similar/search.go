package similar

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/pkg/anthropic"
	"github.com/sells-group/intel-engine/pkg/perplexity"
)

const searchSystemText = `You are a market research assistant. Answer with a plain list of ` +
	`real companies, one per line, formatted exactly as "Company Name | website.com". ` +
	`No commentary, no numbering, no markdown.`

const maxSearchCandidates = 15

// candidate is one company name/website pair parsed from search output.
type candidate struct {
	Name    string
	Website string
}

// searchQueries builds up to three web search prompts for the query
// company, narrowing by whatever profile fields are known.
func searchQueries(prof Profile) []string {
	subject := prof.Name
	if subject == "" {
		subject = prof.Website
	}
	queries := []string{
		fmt.Sprintf("List companies most similar to %s (%s).", subject, prof.Website),
	}
	if prof.Industry != "" {
		queries = append(queries, fmt.Sprintf("List direct competitors of %s in the %s industry.", subject, prof.Industry))
	}
	if prof.BusinessModel != "" {
		queries = append(queries, fmt.Sprintf("List %s companies that are alternatives to %s.", prof.BusinessModel, subject))
	}
	if len(queries) > maxWebQueries {
		queries = queries[:maxWebQueries]
	}
	return queries
}

// searchCandidates issues the bounded search queries through the
// pool's search rate bucket and merges parsed candidates, deduplicated
// by normalized website. Individual query failures are logged and
// skipped; the path errs only when every query fails.
func (e *Engine) searchCandidates(ctx context.Context, prof Profile) ([]candidate, error) {
	queries := searchQueries(prof)
	var (
		candidates []candidate
		seen       = make(map[uint64]bool)
		lastErr    error
		succeeded  int
	)
	for _, query := range queries {
		if e.pool != nil {
			if err := e.pool.WaitSearch(ctx); err != nil {
				return nil, eris.Wrap(err, "similar: search rate wait")
			}
		}
		resp, err := e.search.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "system", Content: searchSystemText},
				{Role: "user", Content: query},
			},
		})
		if err != nil {
			lastErr = err
			zap.L().Warn("similar: web search failed", zap.String("query", query), zap.Error(err))
			continue
		}
		succeeded++
		for _, c := range parseCandidates(resp.Text()) {
			h := identityHash(c.Name, c.Website)
			if seen[h] {
				continue
			}
			seen[h] = true
			candidates = append(candidates, c)
			if len(candidates) >= maxSearchCandidates {
				return candidates, nil
			}
		}
	}
	if succeeded == 0 && lastErr != nil {
		return nil, eris.Wrap(lastErr, "similar: all web searches failed")
	}
	zap.L().Debug("similar: web search done",
		zap.Int("queries", succeeded),
		zap.Int("candidates", len(candidates)),
		zap.Float64("estimated_cost_usd", float64(succeeded)*e.calc.PerplexityQuery()),
	)
	return candidates, nil
}

// parseCandidates extracts "Name | website" lines, tolerating the
// bullets and numbering models add despite instructions.
func parseCandidates(text string) []candidate {
	var out []candidate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		name, site, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		site = strings.TrimSpace(strings.TrimSuffix(site, "/"))
		site = strings.Trim(site, "()<>")
		if name == "" || !strings.Contains(site, ".") || strings.Contains(site, " ") {
			continue
		}
		out = append(out, candidate{Name: name, Website: site})
	}
	return out
}

const explainSystemText = `You explain why two companies are or are not similar. ` +
	`Reply with one or two plain sentences. No preamble.`

const explainPromptTmpl = `Query company: %s (%s), industry: %s, business model: %s.
Candidate: %s (%s), factor scores: %s, overall %.2f.
Explain the similarity in one or two sentences.`

func (e *Engine) explainRequest(query Profile, r Result) anthropic.MessageRequest {
	llmModel := e.cfg.Anthropic.DefaultModel
	if llmModel == "" {
		llmModel = "claude-haiku-4-5-20251001"
	}
	prompt := fmt.Sprintf(explainPromptTmpl,
		query.Name, query.Website, orUnknown(query.Industry), orUnknown(query.BusinessModel),
		r.Name, r.Website, formatFactors(r.Factors), r.Score)
	return anthropic.MessageRequest{
		Model:     llmModel,
		MaxTokens: 300,
		System:    []anthropic.SystemBlock{{Text: explainSystemText}},
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func formatFactors(factors map[string]float64) string {
	parts := make([]string, 0, len(factors))
	for _, name := range []string{"business_model", "industry", "company_size", "tech", "market_focus", "growth_stage"} {
		if score, ok := factors[name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%.2f", name, score))
		}
	}
	return strings.Join(parts, ", ")
}
