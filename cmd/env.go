package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intel-engine/internal/batch"
	"github.com/sells-group/intel-engine/internal/config"
	"github.com/sells-group/intel-engine/internal/cost"
	"github.com/sells-group/intel-engine/internal/crawl"
	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/pipeline"
	"github.com/sells-group/intel-engine/internal/progress"
	"github.com/sells-group/intel-engine/internal/scrape"
	"github.com/sells-group/intel-engine/internal/similar"
	"github.com/sells-group/intel-engine/internal/store"
	"github.com/sells-group/intel-engine/internal/vector"
	anthropicpkg "github.com/sells-group/intel-engine/pkg/anthropic"
	"github.com/sells-group/intel-engine/pkg/firecrawl"
	"github.com/sells-group/intel-engine/pkg/gemini"
	"github.com/sells-group/intel-engine/pkg/jina"
	"github.com/sells-group/intel-engine/pkg/perplexity"
)

// engineEnv holds everything the research/similar/batch/serve commands
// share: stores, the LLM pool, the progress bus, and both engines.
type engineEnv struct {
	Store   store.Store
	Vectors vector.Store
	Bus     *progress.Bus
	Pool    *llmpool.Pool
	Engine  *pipeline.Engine
	Similar *similar.Engine
}

// Close releases resources in dependency order.
func (e *engineEnv) Close() {
	if e.Pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = e.Pool.Shutdown(ctx)
		cancel()
	}
	if e.Bus != nil {
		e.Bus.Close()
	}
	if e.Vectors != nil {
		_ = e.Vectors.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine wires the stores, API clients, worker pool, and engines.
// Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	vectors, err := initVectors(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	embedder, err := initEmbedder(ctx)
	if err != nil {
		_ = vectors.Close()
		_ = st.Close()
		return nil, err
	}

	taxonomy, err := initTaxonomy()
	if err != nil {
		_ = vectors.Close()
		_ = st.Close()
		return nil, err
	}

	bus := progress.NewBus(progress.Options{
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		GCAfter:          time.Duration(cfg.Progress.GCAfterMins) * time.Minute,
	})

	pool := llmpool.New(anthropicpkg.NewClient(cfg.Anthropic.Key), llmpool.Options{
		Workers:           cfg.LLM.Workers,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		SearchPerMinute:   cfg.LLM.SearchPerMinute,
		QueueSize:         cfg.LLM.QueueSize,
		MaxRetries:        cfg.LLM.MaxRetries,
		SchemaRetries:     cfg.LLM.SchemaRetries,
	})

	fcOpts := []firecrawl.Option{}
	if cfg.Firecrawl.BaseURL != "" {
		fcOpts = append(fcOpts, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
	}
	fcClient := firecrawl.NewClient(cfg.Firecrawl.Key, fcOpts...)
	jinaOpts := []jina.Option{}
	if cfg.Jina.BaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithBaseURL(cfg.Jina.BaseURL))
	}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)
	chain := scrape.NewChain(scrape.NewPathMatcher(nil),
		scrape.NewJinaReader(jinaClient),
		scrape.NewFirecrawlReader(fcClient),
	).WithFirecrawlClient(fcClient)

	engine := pipeline.NewEngine(
		cfg, bus, pool, st, vectors,
		crawl.NewDiscoverer(),
		pipeline.NewExtractor(chain, cfg.Extract),
		embedder,
		taxonomy,
	).WithCalculator(cost.NewCalculator(ratesFromPricing(cfg.Pricing))).
		WithResolver(scrape.NewWebsiteResolver(jinaClient))

	var search perplexity.Client
	if cfg.Perplexity.Key != "" {
		pplxOpts := []perplexity.Option{}
		if cfg.Perplexity.BaseURL != "" {
			pplxOpts = append(pplxOpts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		if cfg.Perplexity.Model != "" {
			pplxOpts = append(pplxOpts, perplexity.WithModel(cfg.Perplexity.Model))
		}
		search = perplexity.NewClient(cfg.Perplexity.Key, pplxOpts...)
	}

	return &engineEnv{
		Store:   st,
		Vectors: vectors,
		Bus:     bus,
		Pool:    pool,
		Engine:  engine,
		Similar: similar.NewEngine(cfg, vectors, embedder, pool, search).
			WithCalculator(cost.NewCalculator(ratesFromPricing(cfg.Pricing))),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "intel.db"
		}
		st, err = store.NewSQLite(path)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initVectors(ctx context.Context) (vector.Store, error) {
	dim := cfg.Embedding.Dim
	if dim <= 0 {
		dim = 1536
	}
	var (
		vs  vector.Store
		err error
	)
	switch cfg.Vector.Driver {
	case "postgres":
		vs, err = vector.NewPostgres(ctx, cfg.Vector.DatabaseURL, dim)
	default:
		path := cfg.Vector.SQLitePath
		if path == "" {
			path = "vectors.db"
		}
		vs, err = vector.NewSQLite(path, dim)
	}
	if err != nil {
		return nil, err
	}
	if err := vs.Migrate(ctx); err != nil {
		_ = vs.Close()
		return nil, eris.Wrap(err, "migrate vector store")
	}
	return vs, nil
}

func initEmbedder(ctx context.Context) (gemini.Client, error) {
	opts := []gemini.Option{}
	if cfg.Gemini.EmbeddingModel != "" {
		opts = append(opts, gemini.WithModel(cfg.Gemini.EmbeddingModel))
	}
	if cfg.Embedding.Dim > 0 {
		opts = append(opts, gemini.WithDimension(cfg.Embedding.Dim))
	}
	if cfg.Gemini.RequestsPerMinute > 0 {
		opts = append(opts, gemini.WithRequestsPerMinute(cfg.Gemini.RequestsPerMinute))
	}
	return gemini.NewClient(ctx, cfg.Gemini.Key, opts...)
}

func initTaxonomy() (*model.Taxonomy, error) {
	if cfg.Taxonomy.Path == "" {
		return nil, nil
	}
	return model.LoadTaxonomy(cfg.Taxonomy.Path)
}

// newCoordinator builds the batch coordinator over the shared engine.
func (e *engineEnv) newCoordinator() *batch.Coordinator {
	return batch.NewCoordinator(cfg.Batch, e.Engine, e.Bus, e.Store)
}

// ratesFromPricing overlays configured pricing onto the built-in rate
// card, so partial pricing blocks only override what they name.
func ratesFromPricing(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for llmModel, mp := range p.Anthropic {
		r := rates.Anthropic[llmModel]
		if r.BatchDiscount == 0 {
			r.BatchDiscount = 0.5
		}
		if r.CacheWriteMul == 0 {
			r.CacheWriteMul = 1.25
		}
		if r.CacheReadMul == 0 {
			r.CacheReadMul = 0.1
		}
		r.Input = mp.Input
		r.Output = mp.Output
		rates.Anthropic[llmModel] = r
	}
	if p.Jina.PerMTok > 0 {
		rates.Jina.PerMTok = p.Jina.PerMTok
	}
	if p.Gemini.PerMTok > 0 {
		rates.Gemini.EmbedPerMTok = p.Gemini.PerMTok
	}
	if p.Perplexity.PerQuery > 0 {
		rates.Perplexity.PerQuery = p.Perplexity.PerQuery
	}
	return rates
}
