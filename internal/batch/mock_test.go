package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/pipeline"
	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/internal/store"
)

// fakeResearcher scripts per-company outcomes. errs holds the error
// returned on each successive call for a company name; calls past the
// end of the slice succeed.
type fakeResearcher struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
	delay time.Duration
}

func newFakeResearcher() *fakeResearcher {
	return &fakeResearcher{errs: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeResearcher) Research(ctx context.Context, req pipeline.Request) (*model.CompanyRecord, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	n := f.calls[req.Name]
	f.calls[req.Name] = n + 1
	script := f.errs[req.Name]
	f.mu.Unlock()

	if n < len(script) && script[n] != nil {
		return nil, script[n]
	}
	rec := model.NewCompanyRecord(req.Name, req.Website)
	rec.ScrapeStatus = model.ScrapeSuccess
	return rec, nil
}

func (f *fakeResearcher) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// fakeStore implements the resume cache and dead letter queue over
// maps; the run and link methods are unused by the coordinator.
type fakeStore struct {
	mu     sync.Mutex
	resume map[string]*model.CompanyRecord
	dlq    []resilience.DLQEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{resume: map[string]*model.CompanyRecord{}}
}

func (f *fakeStore) CreateRun(_ context.Context, _ model.Job) (*store.Run, error) { return nil, nil }
func (f *fakeStore) FinishRun(_ context.Context, _ string, _ model.PhaseState, _ *model.CompanyRecord, _ string) error {
	return nil
}
func (f *fakeStore) GetRun(_ context.Context, _ string) (*store.Run, error) { return nil, nil }
func (f *fakeStore) ListRuns(_ context.Context, _ store.RunFilter) ([]store.Run, error) {
	return nil, nil
}

func (f *fakeStore) GetCachedLinks(_ context.Context, _ string) ([]model.Link, error) {
	return nil, nil
}
func (f *fakeStore) SetCachedLinks(_ context.Context, _ string, _ []model.Link, _ time.Duration) error {
	return nil
}
func (f *fakeStore) DeleteExpiredLinks(_ context.Context) (int, error) { return 0, nil }

func (f *fakeStore) GetResume(_ context.Context, website string) (*model.CompanyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resume[website], nil
}

func (f *fakeStore) SetResume(_ context.Context, website string, rec *model.CompanyRecord, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resume[website] = rec
	return nil
}

func (f *fakeStore) AddDLQ(_ context.Context, entry resilience.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, entry)
	return nil
}

func (f *fakeStore) ListDLQ(_ context.Context, _ resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resilience.DLQEntry(nil), f.dlq...), nil
}

func (f *fakeStore) DeleteDLQ(_ context.Context, _ string) error { return nil }
func (f *fakeStore) Migrate(_ context.Context) error             { return nil }
func (f *fakeStore) Close() error                                { return nil }

// collectSink keeps written results in memory.
type collectSink struct {
	mu      sync.Mutex
	results []RowResult
	err     error
	closed  bool
}

func (s *collectSink) Write(_ context.Context, res RowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, res)
	return nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectSink) byName(name string) (RowResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.Row.Name == name {
			return r, true
		}
	}
	return RowResult{}, false
}

var errBoom = eris.New("boom")
