// Package pipeline runs the research phases for one company: link
// discovery, page selection, content extraction, aggregation,
// classification, embedding, and the vector store write. The
// orchestrator in research.go owns phase sequencing and outcome
// accounting; every LLM call goes through the shared llmpool.
package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intel-engine/internal/config"
	"github.com/sells-group/intel-engine/internal/cost"
	"github.com/sells-group/intel-engine/internal/crawl"
	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/progress"
	"github.com/sells-group/intel-engine/internal/store"
	"github.com/sells-group/intel-engine/internal/vector"
	"github.com/sells-group/intel-engine/pkg/anthropic"
	"github.com/sells-group/intel-engine/pkg/gemini"
)

// Discoverer is the link-discovery surface the engine needs. Satisfied
// by *crawl.Discoverer.
type Discoverer interface {
	Probe(ctx context.Context, rawURL string) (*crawl.ProbeResult, error)
	Discover(ctx context.Context, rawURL string, opts crawl.Options) ([]model.Link, error)
}

// Resolver supplies a website when the caller provides only a name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// SlugResolver guesses "https://<name-slug>.com". Only used when the
// caller opts in; a wrong guess burns a whole research run.
type SlugResolver struct{}

// Resolve derives a website from the company name.
func (SlugResolver) Resolve(_ context.Context, name string) (string, error) {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, name)
	if slug == "" {
		return "", eris.Errorf("pipeline: cannot derive website from name %q", name)
	}
	return "https://" + slug + ".com", nil
}

// Engine wires the research phases together.
type Engine struct {
	cfg       *config.Config
	bus       *progress.Bus
	pool      *llmpool.Pool
	runs      store.Store
	vectors   vector.Store
	disc      Discoverer
	extractor *Extractor
	embedder  gemini.Client
	taxonomy  *model.Taxonomy
	calc      *cost.Calculator
	resolver  Resolver

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine creates a research engine. The taxonomy falls back to the
// built-in label set when nil.
func NewEngine(
	cfg *config.Config,
	bus *progress.Bus,
	pool *llmpool.Pool,
	runs store.Store,
	vectors vector.Store,
	disc Discoverer,
	extractor *Extractor,
	embedder gemini.Client,
	taxonomy *model.Taxonomy,
) *Engine {
	if taxonomy == nil {
		taxonomy = model.DefaultTaxonomy()
	}
	return &Engine{
		cfg:       cfg,
		bus:       bus,
		pool:      pool,
		runs:      runs,
		vectors:   vectors,
		disc:      disc,
		extractor: extractor,
		embedder:  embedder,
		taxonomy:  taxonomy,
		calc:      cost.NewCalculator(cost.DefaultRates()),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// WithResolver installs a website resolver for name-only requests.
func (e *Engine) WithResolver(r Resolver) *Engine {
	e.resolver = r
	return e
}

// WithCalculator overrides the default pricing rates.
func (e *Engine) WithCalculator(c *cost.Calculator) *Engine {
	e.calc = c
	return e
}

// runState carries everything one research job accumulates across
// phases.
type runState struct {
	jobID   string
	rec     *model.CompanyRecord
	links   []model.Link
	urls    []string
	pages   []model.PageContent
	stats   model.ExtractStats
	blocked bool

	usage      anthropic.TokenUsage
	usageModel string
	embedChars int

	partialReasons []string
}

func (rs *runState) addUsage(res llmpool.Result) {
	rs.usage = rs.usage.Add(res.Usage)
	if res.Model != "" {
		rs.usageModel = res.Model
	}
}

func (rs *runState) markPartial(reason string) {
	rs.partialReasons = append(rs.partialReasons, reason)
}

func (rs *runState) partial() bool { return len(rs.partialReasons) > 0 }

func (rs *runState) counters() map[string]int {
	return map[string]int{
		"links":         len(rs.links),
		"selected":      len(rs.urls),
		"pages_fetched": rs.stats.Fetched,
		"pages_failed":  rs.stats.Failed,
		"total_tokens":  int(rs.usage.Total()),
	}
}

// defaultModel returns the configured model for small tasks.
func (e *Engine) defaultModel() string {
	if e.cfg.Anthropic.DefaultModel != "" {
		return e.cfg.Anthropic.DefaultModel
	}
	return "claude-sonnet-4-5-20250929"
}

// contextModel returns the configured large-context model used by
// aggregation.
func (e *Engine) contextModel() string {
	if e.cfg.Anthropic.ContextModel != "" {
		return e.cfg.Anthropic.ContextModel
	}
	return e.defaultModel()
}

// messageRequest assembles a single-turn request in the shape every
// phase task uses.
func (e *Engine) messageRequest(system, prompt string, maxTokens int64) anthropic.MessageRequest {
	return e.modelRequest(e.defaultModel(), system, prompt, maxTokens)
}

func (e *Engine) modelRequest(llmModel, system, prompt string, maxTokens int64) anthropic.MessageRequest {
	if maxTokens <= 0 {
		maxTokens = int64(e.cfg.Anthropic.MaxTokens)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return anthropic.MessageRequest{
		Model:     llmModel,
		MaxTokens: maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(system),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}
}

// clamp01 clips a confidence to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
