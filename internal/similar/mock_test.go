package similar

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/intel-engine/internal/config"
	"github.com/sells-group/intel-engine/internal/llmpool"
	"github.com/sells-group/intel-engine/internal/vector"
	"github.com/sells-group/intel-engine/pkg/anthropic"
	"github.com/sells-group/intel-engine/pkg/perplexity"
)

type fakeVectors struct {
	mu      sync.Mutex
	records map[string]vector.Record
	matches []vector.Match
	queries int
}

func (f *fakeVectors) Upsert(_ context.Context, rec vector.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]vector.Record)
	}
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeVectors) UpsertBatch(ctx context.Context, recs []vector.Record) error {
	for _, rec := range recs {
		if err := f.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeVectors) Query(_ context.Context, _ []float32, topK int, filter *vector.Filter) ([]vector.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	out := make([]vector.Match, 0, len(f.matches))
	for _, m := range f.matches {
		if filter != nil && filter.Industry != "" {
			if ind, _ := m.Metadata["industry"].(string); ind != filter.Industry {
				continue
			}
		}
		out = append(out, m)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Fetch mirrors the real stores: a missing id is (nil, nil), not an
// error.
func (f *fakeVectors) Fetch(_ context.Context, id string) (*vector.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeVectors) List(_ context.Context, limit, offset int) ([]vector.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
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
		out = append(out, f.records[id])
	}
	return out, nil
}

func (f *fakeVectors) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeVectors) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

func (f *fakeVectors) Dimension() int                  { return 4 }
func (f *fakeVectors) Migrate(_ context.Context) error { return nil }
func (f *fakeVectors) Close() error                    { return nil }

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, 4)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int { return 4 }

// fakeSearch returns canned completion texts in order, then empties.
type fakeSearch struct {
	mu        sync.Mutex
	responses []string
	calls     int
	err       error
}

func (f *fakeSearch) ChatCompletion(_ context.Context, _ perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	text := ""
	if len(f.responses) > 0 {
		text = f.responses[0]
		f.responses = f.responses[1:]
	}
	return &perplexity.ChatCompletionResponse{
		Choices: []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: text}}},
	}, nil
}

type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	respond func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

func (f *fakeLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return &anthropic.MessageResponse{
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: "ok"}},
	}, nil
}

func newTestPool(t *testing.T, llm *fakeLLM) *llmpool.Pool {
	t.Helper()
	pool := llmpool.New(llm, llmpool.Options{
		Workers:           2,
		RequestsPerMinute: 600000,
		SearchPerMinute:   600000,
		QueueSize:         16,
		DefaultTimeout:    5 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Similarity.Threshold = 0.6
	cfg.Similarity.MaxK = 100
	return cfg
}

func storedMatch(id, name, website string, cosine float64, meta map[string]any) vector.Match {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["company_name"] = name
	meta["website"] = website
	return vector.Match{ID: id, Score: cosine, Metadata: meta}
}
