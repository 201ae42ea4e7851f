package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intel-engine/internal/config"
	"github.com/sells-group/intel-engine/internal/crawl"
	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/progress"
	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/internal/scrape"
	"github.com/sells-group/intel-engine/internal/store"
	"github.com/sells-group/intel-engine/internal/vector"
	"github.com/sells-group/intel-engine/pkg/anthropic"
)

// fakeLLM scripts CreateMessage responses. Tests distinguish phases by
// inspecting the system prompt of the incoming request.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []anthropic.MessageRequest
	respond func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

func (f *fakeLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   "claude-sonnet-4-5-20250929",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

// systemOf returns the first system block of a request.
func systemOf(req anthropic.MessageRequest) string {
	if len(req.System) == 0 {
		return ""
	}
	return req.System[0].Text
}

// phaseRouter dispatches a scripted response per task kind.
type phaseRouter struct {
	selection func() (*anthropic.MessageResponse, error)
	aggregate func() (*anthropic.MessageResponse, error)
	classify  func() (*anthropic.MessageResponse, error)
}

func (r phaseRouter) respond(req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	switch systemOf(req) {
	case selectionSystemText:
		return r.selection()
	case aggregateSystemText:
		return r.aggregate()
	case classifySystemText:
		return r.classify()
	}
	return nil, eris.New("unexpected request")
}

// memStore is an in-memory store.Store for orchestrator tests.
type memStore struct {
	mu      sync.Mutex
	runs    map[string]*store.Run
	links   map[string][]model.Link
	resumes map[string]*model.CompanyRecord
	dlq     map[string]resilience.DLQEntry
}

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string]*store.Run),
		links:   make(map[string][]model.Link),
		resumes: make(map[string]*model.CompanyRecord),
		dlq:     make(map[string]resilience.DLQEntry),
	}
}

func (m *memStore) CreateRun(_ context.Context, job model.Job) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &store.Run{
		ID:          job.ID,
		CompanyName: job.CompanyName,
		Website:     job.Website,
		Outcome:     model.PhaseRunning,
		CreatedAt:   time.Now().UTC(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) FinishRun(_ context.Context, runID string, outcome model.PhaseState, rec *model.CompanyRecord, runErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return eris.Errorf("run %s not found", runID)
	}
	run.Outcome = outcome
	run.Record = rec
	run.Error = runErr
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, eris.Errorf("run %s not found", runID)
	}
	return run, nil
}

func (m *memStore) ListRuns(_ context.Context, _ store.RunFilter) ([]store.Run, error) {
	return nil, nil
}

func (m *memStore) GetCachedLinks(_ context.Context, website string) ([]model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[website], nil
}

func (m *memStore) SetCachedLinks(_ context.Context, website string, links []model.Link, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[website] = links
	return nil
}

func (m *memStore) DeleteExpiredLinks(_ context.Context) (int, error) { return 0, nil }

func (m *memStore) GetResume(_ context.Context, website string) (*model.CompanyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumes[website], nil
}

func (m *memStore) SetResume(_ context.Context, website string, rec *model.CompanyRecord, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes[website] = rec
	return nil
}

func (m *memStore) AddDLQ(_ context.Context, entry resilience.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq[entry.ID] = entry
	return nil
}

func (m *memStore) ListDLQ(_ context.Context, _ resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]resilience.DLQEntry, 0, len(m.dlq))
	for _, e := range m.dlq {
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) DeleteDLQ(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dlq, id)
	return nil
}

func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Close() error                    { return nil }

// onlyRun returns the single persisted run, failing the test otherwise.
func (m *memStore) onlyRun(t *testing.T) *store.Run {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(m.runs))
	}
	for _, run := range m.runs {
		return run
	}
	return nil
}

// memVectors is an in-memory vector.Store.
type memVectors struct {
	mu      sync.Mutex
	dim     int
	upserts int
	recs    map[string]vector.Record
	err     error
}

func newMemVectors(dim int) *memVectors {
	return &memVectors{dim: dim, recs: make(map[string]vector.Record)}
}

func (m *memVectors) Upsert(_ context.Context, rec vector.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.err != nil {
		return m.err
	}
	if len(rec.Values) != m.dim {
		return eris.Errorf("dimension mismatch: %d", len(rec.Values))
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memVectors) UpsertBatch(ctx context.Context, recs []vector.Record) error {
	for _, r := range recs {
		if err := m.Upsert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *memVectors) Query(_ context.Context, _ []float32, _ int, _ *vector.Filter) ([]vector.Match, error) {
	return nil, nil
}

func (m *memVectors) Fetch(_ context.Context, id string) (*vector.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memVectors) List(_ context.Context, limit, offset int) ([]vector.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.recs))
	for id := range m.recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]vector.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.recs[id])
	}
	return out, nil
}

func (m *memVectors) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memVectors) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

func (m *memVectors) Dimension() int                  { return m.dim }
func (m *memVectors) Migrate(_ context.Context) error { return nil }
func (m *memVectors) Close() error                    { return nil }

// fakeDiscoverer scripts discovery results.
type fakeDiscoverer struct {
	links   []model.Link
	blocked bool
	err     error
}

func (f *fakeDiscoverer) Probe(_ context.Context, rawURL string) (*crawl.ProbeResult, error) {
	return &crawl.ProbeResult{Reachable: true, StatusCode: 200, Blocked: f.blocked, FinalURL: rawURL}, nil
}

func (f *fakeDiscoverer) Discover(_ context.Context, _ string, _ crawl.Options) ([]model.Link, error) {
	return f.links, f.err
}

// fakeScraper serves canned markdown per URL through the scrape chain.
type fakeScraper struct {
	mu    sync.Mutex
	pages map[string]string
	delay time.Duration
	calls int
}

func (f *fakeScraper) Name() string           { return "fake" }
func (f *fakeScraper) Supports(_ string) bool { return true }

func (f *fakeScraper) Scrape(ctx context.Context, targetURL string) (*scrape.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	md, ok := f.pages[targetURL]
	if !ok {
		return nil, eris.Errorf("no page for %s", targetURL)
	}
	return &scrape.Result{URL: targetURL, Title: "Page", Markdown: md, Source: "fake"}, nil
}

// fakeEmbedder implements gemini.Client.
type fakeEmbedder struct {
	mu    sync.Mutex
	dim   int
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, f.dim)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

// testDeps bundles everything newTestEngine wires together.
type testDeps struct {
	llm      *fakeLLM
	disc     *fakeDiscoverer
	scraper  *fakeScraper
	embedder *fakeEmbedder
	runs     *memStore
	vectors  *memVectors
	bus      *progress.Bus
	pool     *llmpool.Pool
}

func newTestEngine(t *testing.T, deps *testDeps) *Engine {
	t.Helper()

	if deps.runs == nil {
		deps.runs = newMemStore()
	}
	if deps.vectors == nil {
		deps.vectors = newMemVectors(4)
	}
	if deps.embedder == nil {
		deps.embedder = &fakeEmbedder{dim: 4}
	}
	if deps.scraper == nil {
		deps.scraper = &fakeScraper{pages: map[string]string{}}
	}
	if deps.disc == nil {
		deps.disc = &fakeDiscoverer{}
	}

	deps.bus = progress.NewBus(progress.Options{JanitorInterval: time.Hour})
	t.Cleanup(deps.bus.Close)

	deps.pool = llmpool.New(deps.llm, llmpool.Options{
		Workers:           2,
		RequestsPerMinute: 600000,
		QueueSize:         64,
		DefaultTimeout:    5 * time.Second,
		MaxRetries:        2,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = deps.pool.Shutdown(ctx)
	})

	cfg := &config.Config{}
	cfg.Research.OverallTimeoutSecs = 30
	cfg.Embedding.Dim = 4

	chain := scrape.NewChain(scrape.NewPathMatcher(nil), deps.scraper)
	extractor := NewExtractor(chain, config.ExtractConfig{Parallelism: 4, PageTimeoutSecs: 2})

	return NewEngine(cfg, deps.bus, deps.pool, deps.runs, deps.vectors,
		deps.disc, extractor, deps.embedder, model.NewTaxonomy([]string{"CRM", "Payments", "Not SaaS / Traditional Business"}))
}

// siteLinks builds a small discovered link set rooted at base.
func siteLinks(base string) []model.Link {
	return []model.Link{
		{URL: base + "/", Category: model.CategoryOther, Depth: 0},
		{URL: base + "/about", Category: model.CategoryAbout, Depth: 1},
		{URL: base + "/products", Category: model.CategoryProducts, Depth: 1},
		{URL: base + "/contact", Category: model.CategoryContact, Depth: 1},
	}
}

// sitePages returns markdown for every link in siteLinks.
func sitePages(base string) map[string]string {
	md := func(body string) string {
		return "# Acme\n\n" + body + "\n\n[Privacy Policy](/privacy)\n"
	}
	return map[string]string{
		base + "/":         md("Acme builds billing software for small landlords. " + strings.Repeat("More detail. ", 20)),
		base + "/about":    md("Founded in 2015, Acme is a bootstrapped company of 40 people."),
		base + "/products": md("Products: invoicing, rent collection, tenant screening."),
		base + "/contact":  md("Contact us at hello@acme.test."),
	}
}
