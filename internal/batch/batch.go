// Package batch runs research jobs for row-oriented company lists with
// adaptive concurrency, per-row retries, and a resume cache so a
// restarted batch skips rows it already finished.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/config"
	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/pipeline"
	"github.com/sells-group/intel-engine/internal/progress"
	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/internal/store"
)

// Row is one company to research.
type Row struct {
	Line    int    `json:"line"`
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
}

// RowResult is the outcome of one row, delivered to the Sink.
type RowResult struct {
	Row      Row                  `json:"row"`
	Record   *model.CompanyRecord `json:"record,omitempty"`
	Error    string               `json:"error,omitempty"`
	Attempts int                  `json:"attempts"`
	Resumed  bool                 `json:"resumed"`
	Duration time.Duration        `json:"duration_ms"`
}

// Sink receives completed row results, in completion order.
type Sink interface {
	Write(ctx context.Context, res RowResult) error
	Close() error
}

// Researcher runs one research job to completion. *pipeline.Engine
// satisfies it.
type Researcher interface {
	Research(ctx context.Context, req pipeline.Request) (*model.CompanyRecord, error)
}

// Progress is the aggregate batch state published with each event.
type Progress struct {
	Processed      int     `json:"processed"`
	Successful     int     `json:"successful"`
	Failed         int     `json:"failed"`
	Resumed        int     `json:"resumed"`
	CurrentMessage string  `json:"current_message,omitempty"`
	RatePerHour    float64 `json:"rate_per_hour"`
}

// Coordinator fans rows out to the research engine.
type Coordinator struct {
	cfg   config.BatchConfig
	eng   Researcher
	bus   *progress.Bus
	runs  store.Store
	retry resilience.RetryConfig
}

// NewCoordinator wires a batch coordinator. runs may be nil, which
// disables the resume cache and the dead letter queue.
func NewCoordinator(cfg config.BatchConfig, eng Researcher, bus *progress.Bus, runs store.Store) *Coordinator {
	if cfg.ConcurrencyStart <= 0 {
		cfg.ConcurrencyStart = 3
	}
	if cfg.ConcurrencyMax < cfg.ConcurrencyStart {
		cfg.ConcurrencyMax = 10
	}
	if cfg.RampAfter <= 0 {
		cfg.RampAfter = 5
	}
	if cfg.CooldownSecs <= 0 {
		cfg.CooldownSecs = 60
	}
	if cfg.RowRetries <= 0 {
		cfg.RowRetries = 3
	}
	if cfg.ResumeTTLHours <= 0 {
		cfg.ResumeTTLHours = 36
	}
	return &Coordinator{
		cfg:   cfg,
		eng:   eng,
		bus:   bus,
		runs:  runs,
		retry: resilience.DefaultRetryConfig(),
	}
}

type rowOutcome struct {
	result    RowResult
	transport bool
}

// Run processes every row and returns the final aggregate progress.
// Individual row failures never abort the batch; only context
// cancellation stops it early. batchID names the progress stream and
// may be empty.
func (c *Coordinator) Run(ctx context.Context, batchID string, rows []Row, sink Sink) (Progress, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if c.bus != nil {
		if err := c.bus.Create(batchID, "batch", "", model.BatchPhases()); err != nil {
			return Progress{}, err
		}
	}
	zap.L().Info("batch started",
		zap.String("batch_id", batchID),
		zap.Int("rows", len(rows)),
		zap.Int("concurrency", c.cfg.ConcurrencyStart))

	var agg Progress
	agg.CurrentMessage = fmt.Sprintf("%d rows queued", len(rows))
	c.publish(batchID, model.PhaseRunning, agg, len(rows))

	ctrl := newController(c.cfg)
	start := time.Now()
	done := make(chan rowOutcome)
	var next, inFlight int

	for next < len(rows) || inFlight > 0 {
		for inFlight < ctrl.concurrency() && next < len(rows) && ctx.Err() == nil {
			row := rows[next]
			next++
			inFlight++
			go func() {
				done <- c.processRow(ctx, row)
			}()
		}
		if inFlight == 0 {
			break
		}

		out := <-done
		inFlight--
		agg.Processed++
		res := out.result
		switch {
		case out.transport:
			ctrl.onTransportError()
		case res.Error != "":
			ctrl.onFailure()
		default:
			ctrl.onSuccess()
		}
		if res.Error != "" {
			agg.Failed++
			agg.CurrentMessage = fmt.Sprintf("%s: %s", res.Row.Name, res.Error)
		} else {
			agg.Successful++
			agg.CurrentMessage = res.Row.Name
			if res.Resumed {
				agg.Resumed++
			}
		}
		agg.RatePerHour = ratePerHour(agg.Processed, time.Since(start))

		if sink != nil {
			if err := sink.Write(ctx, res); err != nil {
				zap.L().Warn("batch: sink write failed",
					zap.Int("line", res.Row.Line),
					zap.Error(err))
			}
		}
		c.publish(batchID, model.PhaseRunning, agg, len(rows))
	}

	outcome := model.PhaseCompleted
	var runErr error
	switch {
	case ctx.Err() != nil:
		outcome = model.PhaseCancelled
		agg.CurrentMessage = "batch cancelled"
		runErr = eris.Wrap(ctx.Err(), "batch: cancelled")
	case agg.Failed > 0:
		outcome = model.PhasePartial
		agg.CurrentMessage = fmt.Sprintf("%d of %d rows failed", agg.Failed, agg.Processed)
	default:
		agg.CurrentMessage = fmt.Sprintf("%d rows processed", agg.Processed)
	}
	c.publish(batchID, outcome, agg, len(rows))

	zap.L().Info("batch finished",
		zap.String("batch_id", batchID),
		zap.String("outcome", string(outcome)),
		zap.Int("successful", agg.Successful),
		zap.Int("failed", agg.Failed),
		zap.Int("resumed", agg.Resumed),
		zap.Duration("elapsed", time.Since(start)))
	return agg, runErr
}

// processRow serves one row: resume cache first, then the research
// engine with transient-error retries, then the dead letter queue.
func (c *Coordinator) processRow(ctx context.Context, row Row) rowOutcome {
	started := time.Now()
	site := model.NormalizeWebsite(row.Website)

	if rec := c.resumeHit(ctx, site); rec != nil {
		zap.L().Debug("batch: resume cache hit", zap.String("website", site))
		return rowOutcome{result: RowResult{
			Row: row, Record: rec, Resumed: true, Duration: time.Since(started),
		}}
	}

	var (
		lastErr   error
		transport bool
		attempts  int
	)
	for attempt := 0; attempt <= c.cfg.RowRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, resilience.BackoffDelay(attempt-1, c.retry)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		rec, err := c.eng.Research(ctx, pipeline.Request{
			Name:         row.Name,
			Website:      row.Website,
			GuessWebsite: true,
		})
		if err == nil {
			c.cacheResult(ctx, site, rec)
			return rowOutcome{result: RowResult{
				Row: row, Record: rec, Attempts: attempts, Duration: time.Since(started),
			}}
		}
		lastErr = err
		if resilience.IsConnectionError(err) {
			transport = true
		}
		if !resilience.IsTransient(err) || ctx.Err() != nil {
			break
		}
		zap.L().Warn("batch: row attempt failed, retrying",
			zap.String("company", row.Name),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	c.deadLetter(ctx, row, lastErr, attempts)
	return rowOutcome{
		result: RowResult{
			Row: row, Error: lastErr.Error(), Attempts: attempts, Duration: time.Since(started),
		},
		transport: transport,
	}
}

func (c *Coordinator) resumeHit(ctx context.Context, site string) *model.CompanyRecord {
	if c.runs == nil || site == "" {
		return nil
	}
	rec, err := c.runs.GetResume(ctx, site)
	if err != nil {
		zap.L().Warn("batch: resume lookup failed", zap.String("website", site), zap.Error(err))
		return nil
	}
	return rec
}

func (c *Coordinator) cacheResult(ctx context.Context, site string, rec *model.CompanyRecord) {
	if c.runs == nil || site == "" || rec == nil {
		return
	}
	ttl := time.Duration(c.cfg.ResumeTTLHours) * time.Hour
	if err := c.runs.SetResume(ctx, site, rec, ttl); err != nil {
		zap.L().Warn("batch: resume cache write failed", zap.String("website", site), zap.Error(err))
	}
}

func (c *Coordinator) deadLetter(ctx context.Context, row Row, rowErr error, attempts int) {
	if c.runs == nil || rowErr == nil {
		return
	}
	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		CompanyName:  row.Name,
		Website:      row.Website,
		Error:        rowErr.Error(),
		ErrorKind:    resilience.Classify(rowErr),
		RetryCount:   attempts,
		MaxRetries:   c.cfg.RowRetries + 1,
		NextRetryAt:  now.Add(time.Hour),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := c.runs.AddDLQ(ctx, entry); err != nil {
		zap.L().Warn("batch: dead letter write failed", zap.String("company", row.Name), zap.Error(err))
	}
}

func (c *Coordinator) publish(batchID string, state model.PhaseState, agg Progress, total int) {
	if c.bus == nil {
		return
	}
	phase := model.PhaseBatch
	if state != model.PhaseRunning {
		phase = model.PhaseJob
	}
	counters := map[string]int{
		"total":         total,
		"processed":     agg.Processed,
		"successful":    agg.Successful,
		"failed":        agg.Failed,
		"resumed":       agg.Resumed,
		"rate_per_hour": int(agg.RatePerHour),
	}
	if err := c.bus.Update(batchID, phase, state, agg.CurrentMessage, counters); err != nil {
		zap.L().Warn("batch: progress update failed", zap.Error(err))
	}
}

func ratePerHour(processed int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed.Hours()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "batch: retry wait")
	case <-timer.C:
		return nil
	}
}
