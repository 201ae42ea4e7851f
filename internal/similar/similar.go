// Package similar finds companies resembling a query company. It
// combines cosine search over stored embeddings with a web-search
// fallback, then ranks every candidate with deterministic multi-factor
// scoring. The LLM only writes optional explanations; it never scores.
package similar

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intel-engine/internal/config"
	"github.com/sells-group/intel-engine/internal/cost"
	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/internal/vector"
	"github.com/sells-group/intel-engine/pkg/gemini"
	"github.com/sells-group/intel-engine/pkg/perplexity"
)

// Source selects which discovery path serves a query.
type Source string

const (
	SourceVector Source = "vector"
	SourceWeb    Source = "web"
	SourceHybrid Source = "hybrid"
)

const (
	defaultThreshold = 0.6
	defaultK         = 10
	maxTopK          = 100
	maxWebQueries    = 3
	explainTimeout   = 30 * time.Second
)

// Query describes one similarity discovery request. Exactly one of ID,
// Record, or Text identifies the query company: ID looks up a stored
// embedding, Record carries a full profile, Text is a bare name.
type Query struct {
	ID        string
	Text      string
	Record    *model.CompanyRecord
	Filter    *vector.Filter
	K         int
	Source    Source
	Threshold float64
	Explain   bool
}

// Result is one ranked candidate with its score breakdown.
type Result struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Website     string             `json:"website"`
	Score       float64            `json:"score"`
	Cosine      float64            `json:"cosine,omitempty"`
	Factors     map[string]float64 `json:"factors"`
	Confidence  float64            `json:"confidence"`
	Source      Source             `json:"source"`
	Known       bool               `json:"known"`
	Explanation string             `json:"explanation,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// Engine serves similarity discovery over the vector store with an
// optional web-search fallback.
type Engine struct {
	cfg      *config.Config
	vectors  vector.Store
	embedder gemini.Client
	pool     *llmpool.Pool
	search   perplexity.Client
	calc     *cost.Calculator
}

// NewEngine wires a similarity engine. search may be nil, which
// disables the web and hybrid paths; embedder may be nil when every
// query identifies its company by stored ID.
func NewEngine(cfg *config.Config, vectors vector.Store, embedder gemini.Client, pool *llmpool.Pool, search perplexity.Client) *Engine {
	return &Engine{
		cfg:      cfg,
		vectors:  vectors,
		embedder: embedder,
		pool:     pool,
		search:   search,
		calc:     cost.NewCalculator(cost.DefaultRates()),
	}
}

// WithCalculator overrides the default pricing rates.
func (e *Engine) WithCalculator(c *cost.Calculator) *Engine {
	e.calc = c
	return e
}

func (e *Engine) weights() map[string]float64 {
	if len(e.cfg.Similarity.Weights) > 0 {
		return e.cfg.Similarity.Weights
	}
	return defaultWeights
}

func (e *Engine) threshold(q Query) float64 {
	if q.Threshold > 0 {
		return q.Threshold
	}
	if e.cfg.Similarity.Threshold > 0 {
		return e.cfg.Similarity.Threshold
	}
	return defaultThreshold
}

func (e *Engine) topK(q Query) int {
	k := q.K
	if k <= 0 {
		k = defaultK
	}
	limit := e.cfg.Similarity.MaxK
	if limit <= 0 || limit > maxTopK {
		limit = maxTopK
	}
	if k > limit {
		k = limit
	}
	return k
}

// Discover runs one similarity query and returns candidates ranked by
// descending factor score.
func (e *Engine) Discover(ctx context.Context, q Query) ([]Result, error) {
	source := q.Source
	if source == "" {
		source = SourceVector
	}
	if (source == SourceWeb || source == SourceHybrid) && e.search == nil {
		return nil, resilience.WithKind(resilience.KindInput, eris.Errorf("similar: source %q requires a web search client", source))
	}

	prof, vec, err := e.queryProfile(ctx, q)
	if err != nil {
		return nil, err
	}

	var results []Result
	switch source {
	case SourceVector:
		results, err = e.vectorPath(ctx, q, prof, vec)
	case SourceWeb:
		results, err = e.webPath(ctx, q, prof, vec)
	case SourceHybrid:
		results, err = e.hybridPath(ctx, q, prof, vec)
	default:
		return nil, resilience.WithKind(resilience.KindInput, eris.Errorf("similar: unknown source %q", q.Source))
	}
	if err != nil {
		return nil, err
	}

	sortResults(results)
	if k := e.topK(q); len(results) > k {
		results = results[:k]
	}
	if q.Explain {
		e.explain(ctx, prof, results)
	}
	return results, nil
}

// queryProfile resolves the query company into a scoring profile and,
// when possible, an embedding vector.
func (e *Engine) queryProfile(ctx context.Context, q Query) (Profile, []float32, error) {
	if q.ID != "" {
		rec, err := e.vectors.Fetch(ctx, q.ID)
		if err != nil {
			return Profile{}, nil, eris.Wrap(err, "similar: fetch query vector")
		}
		if rec == nil {
			return Profile{}, nil, resilience.WithKind(resilience.KindInput,
				eris.Errorf("similar: no stored company with id %q", q.ID))
		}
		prof := profileFromMetadata(rec.Metadata)
		if q.Record != nil {
			prof = ProfileFromRecord(q.Record)
		}
		return prof, rec.Values, nil
	}

	var prof Profile
	switch {
	case q.Record != nil:
		prof = ProfileFromRecord(q.Record)
	case strings.TrimSpace(q.Text) != "":
		prof = Profile{Name: strings.TrimSpace(q.Text)}
	default:
		return Profile{}, nil, resilience.WithKind(resilience.KindInput, eris.New("similar: query needs an id, record, or name"))
	}

	if e.embedder == nil {
		return prof, nil, nil
	}
	vec, err := e.embedder.Embed(ctx, embedText(q, prof))
	if err != nil {
		return Profile{}, nil, eris.Wrap(err, "similar: embed query")
	}
	return prof, vec, nil
}

func embedText(q Query, prof Profile) string {
	if q.Record != nil {
		return q.Record.EmbeddingText(0)
	}
	return prof.Name
}

// vectorPath queries stored embeddings and keeps matches above the
// cosine threshold, excluding the query company itself.
func (e *Engine) vectorPath(ctx context.Context, q Query, prof Profile, vec []float32) ([]Result, error) {
	if vec == nil {
		return nil, resilience.WithKind(resilience.KindInput, eris.New("similar: vector path needs an embedding for the query company"))
	}
	matches, err := e.vectors.Query(ctx, vec, e.topK(q)+1, q.Filter)
	if err != nil {
		return nil, eris.Wrap(err, "similar: vector query")
	}

	threshold := e.threshold(q)
	selfKey := prof.key()
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.ID == q.ID || m.Score < threshold {
			continue
		}
		cand := profileFromMetadata(m.Metadata)
		if cand.key() == selfKey {
			continue
		}
		results = append(results, e.scored(prof, cand, Result{
			ID:       m.ID,
			Cosine:   m.Score,
			Source:   SourceVector,
			Known:    true,
			Metadata: m.Metadata,
		}))
	}
	return results, nil
}

// webPath searches the web for lookalike companies and joins any that
// already exist in the vector store. Web candidates carry no cosine, so
// the threshold gates their factor score instead.
func (e *Engine) webPath(ctx context.Context, q Query, prof Profile, vec []float32) ([]Result, error) {
	candidates, err := e.searchCandidates(ctx, prof)
	if err != nil {
		return nil, err
	}
	known := e.knownByWebsite(ctx, q, vec)

	threshold := e.threshold(q)
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		cand := Profile{Name: c.Name, Website: c.Website}
		if cand.key() == prof.key() {
			continue
		}
		base := Result{
			ID:      candidateID(cand),
			Source:  SourceWeb,
			Website: c.Website,
		}
		if m, ok := known[model.NormalizeWebsite(c.Website)]; ok {
			cand = profileFromMetadata(m.Metadata)
			cand.Website = c.Website
			base.ID = m.ID
			base.Known = true
			base.Metadata = m.Metadata
		}
		r := e.scored(prof, cand, base)
		if r.Score < threshold {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// hybridPath runs both paths in parallel and merges duplicates by the
// canonical name+website hash, keeping the richer entry.
func (e *Engine) hybridPath(ctx context.Context, q Query, prof Profile, vec []float32) ([]Result, error) {
	var fromVector, fromWeb []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fromVector, err = e.vectorPath(gctx, q, prof, vec)
		return err
	})
	g.Go(func() error {
		var err error
		fromWeb, err = e.webPath(gctx, q, prof, vec)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[uint64]Result, len(fromVector)+len(fromWeb))
	order := make([]uint64, 0, len(fromVector)+len(fromWeb))
	for _, r := range append(fromVector, fromWeb...) {
		h := identityHash(r.Name, r.Website)
		prev, seen := merged[h]
		if !seen {
			merged[h] = r
			order = append(order, h)
			continue
		}
		// Both paths found the same company. Keep the stored side's
		// identity and cosine, and tag the merged result hybrid.
		keep := prev
		if r.Known && !prev.Known {
			keep = r
		}
		if keep.Cosine == 0 {
			keep.Cosine = max(prev.Cosine, r.Cosine)
		}
		keep.Source = SourceHybrid
		merged[h] = keep
	}

	// Merged entries must clear the threshold on their final score. The
	// vector side only gated cosine, which says nothing about the factor
	// ranking the caller actually receives.
	threshold := e.threshold(q)
	results := make([]Result, 0, len(order))
	for _, h := range order {
		if r := merged[h]; r.Score >= threshold {
			results = append(results, r)
		}
	}
	return results, nil
}

// scored fills in the deterministic scoring fields on a result shell.
func (e *Engine) scored(query, cand Profile, base Result) Result {
	base.Name = cand.Name
	if base.Website == "" {
		base.Website = cand.Website
	}
	base.Factors = factorScores(query, cand)
	base.Score = overallScore(base.Factors, e.weights())
	base.Confidence = pairConfidence(query, cand)
	return base
}

// knownByWebsite indexes stored companies by normalized website so web
// candidates can be joined against the vector store with one query.
func (e *Engine) knownByWebsite(ctx context.Context, q Query, vec []float32) map[string]vector.Match {
	if vec == nil {
		return nil
	}
	matches, err := e.vectors.Query(ctx, vec, maxTopK, q.Filter)
	if err != nil {
		zap.L().Warn("similar: candidate join query failed", zap.Error(err))
		return nil
	}
	index := make(map[string]vector.Match, len(matches))
	for _, m := range matches {
		site := model.NormalizeWebsite(vectorMetaString(m.Metadata, "website"))
		if site != "" {
			index[site] = m
		}
	}
	return index
}

func vectorMetaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Cosine != results[j].Cosine {
			return results[i].Cosine > results[j].Cosine
		}
		return results[i].Name < results[j].Name
	})
}

// identityHash canonicalizes a company identity for merge dedup.
func identityHash(name, website string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(model.NormalizeWebsite(website)))
	h.Write([]byte{'|'})
	h.Write([]byte(foldCaser.String(strings.TrimSpace(name))))
	return h.Sum64()
}

func candidateID(p Profile) string {
	return fmt.Sprintf("web-%x", identityHash(p.Name, p.Website))
}

// explain attaches a short natural-language rationale to each result,
// one pool task per result. Explanation failures degrade to an empty
// field rather than failing the query.
func (e *Engine) explain(ctx context.Context, query Profile, results []Result) {
	if e.pool == nil || len(results) == 0 {
		return
	}
	futures := make([]*llmpool.Future, len(results))
	for i, r := range results {
		futures[i] = e.pool.Submit(llmpool.Task{
			ID:      uuid.NewString(),
			Kind:    "explanation",
			Request: e.explainRequest(query, r),
			Timeout: explainTimeout,
		})
	}
	for i, fut := range futures {
		res, err := fut.Wait(ctx)
		if err != nil {
			zap.L().Warn("similar: explanation failed",
				zap.String("candidate", results[i].Name),
				zap.Error(err))
			continue
		}
		results[i].Explanation = strings.TrimSpace(res.Text)
	}
}
