package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/crawl"
	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/internal/vector"
)

// Request asks for one company to be researched.
type Request struct {
	Name    string
	Website string
	// GuessWebsite permits deriving a website from the name when none
	// is supplied and no resolver is installed.
	GuessWebsite bool
}

const defaultOverallTimeout = 120 * time.Second

// Research runs the full phase sequence synchronously and returns the
// finished record. The record is also persisted to the run store, and,
// unless the job failed or was cancelled, upserted to the vector store.
func (e *Engine) Research(ctx context.Context, req Request) (*model.CompanyRecord, error) {
	website, err := e.resolveWebsite(ctx, req)
	if err != nil {
		return nil, err
	}
	jobID := uuid.NewString()
	if err := e.bus.Create(jobID, req.Name, website, model.ResearchPhases()); err != nil {
		return nil, err
	}
	return e.run(ctx, jobID, req.Name, website)
}

// Start launches a research job in the background and returns its job
// id immediately; progress streams through the bus.
func (e *Engine) Start(req Request) (string, error) {
	website, err := e.resolveWebsite(context.Background(), req)
	if err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	if err := e.bus.Create(jobID, req.Name, website, model.ResearchPhases()); err != nil {
		return "", err
	}
	go func() {
		if _, err := e.run(context.Background(), jobID, req.Name, website); err != nil {
			zap.L().Debug("pipeline: background job finished with error",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}()
	return jobID, nil
}

// Cancel aborts a running job: outstanding pool tasks fail, in-flight
// fetches stop, partial state is discarded without a vector upsert.
// Returns false when the job is unknown or already finished.
func (e *Engine) Cancel(jobID string) bool {
	e.pool.CancelJob(jobID)
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) resolveWebsite(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", resilience.WithKind(resilience.KindInput, eris.New("pipeline: company name is required"))
	}
	if w := strings.TrimSpace(req.Website); w != "" {
		return w, nil
	}
	resolver := e.resolver
	if resolver == nil && req.GuessWebsite {
		resolver = SlugResolver{}
	}
	if resolver == nil {
		return "", resilience.WithKind(resilience.KindInput,
			eris.Errorf("pipeline: no website for %q and no resolver configured", req.Name))
	}
	website, err := resolver.Resolve(ctx, req.Name)
	if err != nil {
		return "", resilience.WithKind(resilience.KindInput, eris.Wrap(err, "pipeline: resolve website"))
	}
	return website, nil
}

// run executes the phase sequence for one job. The terminal progress
// event and the run-store write happen on every exit path.
func (e *Engine) run(ctx context.Context, jobID, name, website string) (*model.CompanyRecord, error) {
	log := zap.L().With(zap.String("job_id", jobID), zap.String("company", name))
	log.Info("pipeline: research starting", zap.String("website", website))

	overall := time.Duration(e.cfg.Research.OverallTimeoutSecs) * time.Second
	if overall <= 0 {
		overall = defaultOverallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, overall)
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, jobID)
		e.mu.Unlock()
		e.pool.ReleaseJob(jobID)
	}()

	rs := &runState{jobID: jobID, rec: model.NewCompanyRecord(name, website)}
	e.bus.SetRecordID(jobID, rs.rec.ID)

	run, err := e.runs.CreateRun(ctx, model.Job{ID: jobID, CompanyName: name, Website: website})
	if err != nil {
		log.Warn("pipeline: create run record", zap.Error(err))
	}

	outcome := model.PhaseFailed
	message := ""
	var runErr error
	defer func() {
		rs.rec.Touch()
		if busErr := e.bus.Update(jobID, model.PhaseJob, outcome, message, rs.counters()); busErr != nil {
			log.Warn("pipeline: emit terminal event", zap.Error(busErr))
		}
		if run != nil {
			finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer finCancel()
			if ferr := e.runs.FinishRun(finCtx, run.ID, outcome, rs.rec, message); ferr != nil {
				log.Warn("pipeline: finish run record", zap.Error(ferr))
			}
		}
		log.Info("pipeline: research finished",
			zap.String("outcome", string(outcome)),
			zap.Int("total_tokens", rs.rec.TotalTokens),
			zap.Float64("total_cost", rs.rec.TotalCost),
		)
	}()

	fail := func(phase model.Phase, started time.Time, err error) (*model.CompanyRecord, error) {
		e.phaseEnd(jobID, phase, started, model.PhaseFailed, err.Error(), nil)
		if state, msg, interrupted := interruption(ctx); interrupted {
			outcome, message = state, msg
		} else {
			outcome, message = model.PhaseFailed, err.Error()
		}
		rs.rec.ScrapeStatus = model.ScrapeFailed
		rs.rec.ScrapeError = message
		runErr = err
		return nil, runErr
	}

	rs.rec.ScrapeStatus = model.ScrapeRunning

	// Link discovery. A dead site is a partial outcome, not a crash; a
	// malformed base URL is fatal.
	started := e.phaseStart(jobID, model.PhaseDiscovery)
	links, blocked, err := e.discoverLinks(ctx, website)
	if err != nil {
		return fail(model.PhaseDiscovery, started, err)
	}
	rs.links, rs.blocked = links, blocked
	rs.rec.CrawlDuration = time.Since(started).Seconds()
	if len(links) == 0 {
		rs.markPartial("no links discovered")
		e.phaseEnd(jobID, model.PhaseDiscovery, started, model.PhasePartial, "no reachable pages", nil)
	} else {
		e.phaseEnd(jobID, model.PhaseDiscovery, started, model.PhaseCompleted, "",
			map[string]int{"links": len(links)})
	}

	// Page selection.
	started = e.phaseStart(jobID, model.PhaseSelection)
	urls, heuristic := e.selectPages(ctx, rs)
	if state, msg, interrupted := interruption(ctx); interrupted {
		e.phaseEnd(jobID, model.PhaseSelection, started, state, msg, nil)
		return e.interrupt(rs, &outcome, &message, &runErr, state, msg)
	}
	rs.urls = urls
	if heuristic {
		rs.markPartial("page selection fell back to heuristic")
		e.phaseEnd(jobID, model.PhaseSelection, started, model.PhasePartial, "heuristic selection",
			map[string]int{"selected": len(urls)})
	} else {
		e.phaseEnd(jobID, model.PhaseSelection, started, model.PhaseCompleted, "",
			map[string]int{"selected": len(urls)})
	}

	// Content extraction.
	started = e.phaseStart(jobID, model.PhaseExtraction)
	rs.pages, rs.stats = e.extractor.Extract(ctx, urls, ExtractOptions{Blocked: rs.blocked})
	if state, msg, interrupted := interruption(ctx); interrupted {
		e.phaseEnd(jobID, model.PhaseExtraction, started, state, msg, nil)
		return e.interrupt(rs, &outcome, &message, &runErr, state, msg)
	}
	extractCounters := map[string]int{
		"requested": rs.stats.Requested,
		"fetched":   rs.stats.Fetched,
		"failed":    rs.stats.Failed,
		"skipped":   rs.stats.Skipped,
	}
	for _, p := range rs.pages {
		rs.rec.PagesCrawled = append(rs.rec.PagesCrawled, p.URL)
	}
	rs.rec.CrawlDepth = maxDepth(rs.links)
	switch {
	case rs.stats.Fetched == 0:
		rs.markPartial("no page content extracted")
		e.phaseEnd(jobID, model.PhaseExtraction, started, model.PhasePartial, "no pages fetched", extractCounters)
	case rs.stats.Failed > 0:
		e.phaseEnd(jobID, model.PhaseExtraction, started, model.PhasePartial, "some pages failed", extractCounters)
	default:
		e.phaseEnd(jobID, model.PhaseExtraction, started, model.PhaseCompleted, "", extractCounters)
	}

	// Aggregation. No structured output means no record worth keeping.
	started = e.phaseStart(jobID, model.PhaseAggregation)
	if err := e.aggregate(ctx, rs); err != nil {
		if state, msg, interrupted := interruption(ctx); interrupted {
			e.phaseEnd(jobID, model.PhaseAggregation, started, state, msg, nil)
			return e.interrupt(rs, &outcome, &message, &runErr, state, msg)
		}
		return fail(model.PhaseAggregation, started, err)
	}
	e.phaseEnd(jobID, model.PhaseAggregation, started, model.PhaseCompleted, "", nil)

	// Classification. Failure stores the record unclassified.
	started = e.phaseStart(jobID, model.PhaseClassification)
	if err := e.classify(ctx, rs); err != nil {
		if state, msg, interrupted := interruption(ctx); interrupted {
			e.phaseEnd(jobID, model.PhaseClassification, started, state, msg, nil)
			return e.interrupt(rs, &outcome, &message, &runErr, state, msg)
		}
		rs.markPartial("classification failed")
		e.phaseEnd(jobID, model.PhaseClassification, started, model.PhasePartial, err.Error(), nil)
		log.Warn("pipeline: classification skipped", zap.Error(err))
	} else {
		e.phaseEnd(jobID, model.PhaseClassification, started, model.PhaseCompleted, "", nil)
	}

	// Embedding. Failure skips the vector write but keeps the record.
	started = e.phaseStart(jobID, model.PhaseEmbedding)
	if err := e.embed(ctx, rs); err != nil {
		if state, msg, interrupted := interruption(ctx); interrupted {
			e.phaseEnd(jobID, model.PhaseEmbedding, started, state, msg, nil)
			return e.interrupt(rs, &outcome, &message, &runErr, state, msg)
		}
		rs.markPartial("embedding failed")
		e.phaseEnd(jobID, model.PhaseEmbedding, started, model.PhasePartial, err.Error(), nil)
		log.Warn("pipeline: embedding skipped", zap.Error(err))
	} else {
		e.phaseEnd(jobID, model.PhaseEmbedding, started, model.PhaseCompleted, "", nil)
	}

	// Vector store write.
	started = e.phaseStart(jobID, model.PhaseStore)
	if len(rs.rec.Embedding) == 0 {
		rs.markPartial("record not stored: no embedding")
		e.phaseEnd(jobID, model.PhaseStore, started, model.PhasePartial, "no embedding to store", nil)
	} else if err := e.upsertRecord(ctx, rs.rec); err != nil {
		if state, msg, interrupted := interruption(ctx); interrupted {
			e.phaseEnd(jobID, model.PhaseStore, started, state, msg, nil)
			return e.interrupt(rs, &outcome, &message, &runErr, state, msg)
		}
		rs.markPartial("record not stored: " + err.Error())
		e.phaseEnd(jobID, model.PhaseStore, started, model.PhasePartial, err.Error(), nil)
		log.Warn("pipeline: vector upsert failed", zap.Error(err))
	} else {
		e.phaseEnd(jobID, model.PhaseStore, started, model.PhaseCompleted, "", nil)
	}

	e.finalizeCosts(rs)

	if rs.partial() {
		outcome = model.PhasePartial
		message = strings.Join(rs.partialReasons, "; ")
		rs.rec.ScrapeStatus = model.ScrapePartial
		rs.rec.ScrapeError = message
	} else {
		outcome = model.PhaseCompleted
		rs.rec.ScrapeStatus = model.ScrapeSuccess
	}
	return rs.rec, nil
}

// interrupt settles a cancelled or deadline-exceeded job: partial state
// is discarded and no vector write happens.
func (e *Engine) interrupt(rs *runState, outcome *model.PhaseState, message *string, runErr *error, state model.PhaseState, msg string) (*model.CompanyRecord, error) {
	*outcome = state
	*message = msg
	rs.rec.ScrapeStatus = model.ScrapeFailed
	rs.rec.ScrapeError = msg
	e.finalizeCosts(rs)
	*runErr = resilience.WithKind(resilience.KindTransient, eris.New("pipeline: "+msg))
	return nil, *runErr
}

// interruption classifies a dead context into a terminal job state.
func interruption(ctx context.Context) (model.PhaseState, string, bool) {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return model.PhaseCancelled, "job cancelled", true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.PhaseFailed, "job deadline exceeded", true
	}
	return "", "", false
}

// discoverLinks consults the crawl cache, probes for bot walls, runs
// discovery, and caches the result.
func (e *Engine) discoverLinks(ctx context.Context, website string) ([]model.Link, bool, error) {
	key := model.NormalizeWebsite(website)
	if cached, err := e.runs.GetCachedLinks(ctx, key); err == nil && len(cached) > 0 {
		zap.L().Debug("pipeline: link cache hit",
			zap.String("website", key),
			zap.Int("links", len(cached)),
		)
		return cached, false, nil
	}

	blocked := false
	if probe, err := e.disc.Probe(ctx, website); err == nil && probe.Blocked {
		blocked = true
		zap.L().Info("pipeline: site is bot-walled, extraction will use the fallback path",
			zap.String("website", key),
			zap.String("block_type", probe.BlockType),
		)
	}

	links, err := e.disc.Discover(ctx, website, crawl.Options{
		MaxLinks:           e.cfg.Crawl.MaxLinks,
		MaxDepth:           e.cfg.Crawl.MaxDepth,
		Deadline:           time.Duration(e.cfg.Crawl.DeadlineSecs) * time.Second,
		PerHostConcurrency: e.cfg.Crawl.PerHostConcurrency,
		PerHostRPS:         e.cfg.Crawl.PerHostRPS,
	})
	if err != nil {
		return nil, blocked, eris.Wrap(err, "pipeline: discover links")
	}

	if len(links) > 0 {
		ttl := time.Duration(e.cfg.Crawl.CacheTTLHours) * time.Hour
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		if err := e.runs.SetCachedLinks(ctx, key, links, ttl); err != nil {
			zap.L().Warn("pipeline: cache links", zap.Error(err))
		}
	}
	return links, blocked, nil
}

// upsertRecord writes the record's vector with a short retry loop.
func (e *Engine) upsertRecord(ctx context.Context, rec *model.CompanyRecord) error {
	cfg := resilience.DefaultRetryConfig()
	// Local stores fail for non-network reasons too; retry everything.
	cfg.ShouldRetry = func(error) bool { return true }
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return e.vectors.Upsert(ctx, vector.Record{
			ID:       rec.ID,
			Values:   rec.Embedding,
			Metadata: rec.Metadata(),
		})
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: upsert record")
	}
	return nil
}

// finalizeCosts rolls token usage into the record's totals.
func (e *Engine) finalizeCosts(rs *runState) {
	// Embedding tokens are estimated at four chars per token; the genai
	// embed response does not report usage.
	embedTokens := rs.embedChars / 4
	rs.rec.TotalTokens = int(rs.usage.Total()) + embedTokens
	rs.rec.TotalCost = e.calc.Claude(rs.usageModel, false,
		int(rs.usage.InputTokens),
		int(rs.usage.OutputTokens),
		int(rs.usage.CacheCreationInputTokens),
		int(rs.usage.CacheReadInputTokens),
	) + e.calc.GeminiEmbed(embedTokens) +
		e.calc.Jina(rs.stats.ReaderTokens) +
		e.calc.FirecrawlPages(rs.stats.FallbackPages)
}

// phaseStart publishes the running event and returns the phase clock.
func (e *Engine) phaseStart(jobID string, phase model.Phase) time.Time {
	if err := e.bus.Update(jobID, phase, model.PhaseRunning, "", nil); err != nil {
		zap.L().Warn("pipeline: publish phase start", zap.String("phase", string(phase)), zap.Error(err))
	}
	return time.Now()
}

// phaseEnd records the timing and publishes the phase outcome.
func (e *Engine) phaseEnd(jobID string, phase model.Phase, started time.Time, state model.PhaseState, msg string, counters map[string]int) {
	e.bus.RecordTiming(jobID, phase, time.Since(started))
	if err := e.bus.Update(jobID, phase, state, msg, counters); err != nil {
		zap.L().Warn("pipeline: publish phase end", zap.String("phase", string(phase)), zap.Error(err))
	}
}

// maxDepth returns the deepest link depth reached by discovery.
func maxDepth(links []model.Link) int {
	depth := 0
	for _, l := range links {
		if l.Depth > depth {
			depth = l.Depth
		}
	}
	return depth
}
