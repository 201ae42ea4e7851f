// Package llmpool owns every LLM call in the process. Callers submit
// tasks and wait on futures; a fixed set of workers drains a FIFO queue
// gated by a token bucket, so no caller ever performs an LLM call on its
// own goroutine.
package llmpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/pkg/anthropic"
)

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateDispatched TaskState = "dispatched"
	StateSucceeded  TaskState = "succeeded"
	StateFailed     TaskState = "failed"
	StateTimeout    TaskState = "timeout"
	StateCancelled  TaskState = "cancelled"
)

var (
	// ErrQueueFull is returned by Submit when the FIFO queue is at
	// capacity. Transient: callers may retry after backoff.
	ErrQueueFull = resilience.WithKind(resilience.KindTransient, eris.New("llmpool: queue full"))
	// ErrTimeout marks a task that exceeded its per-task deadline.
	ErrTimeout = eris.New("llmpool: task deadline exceeded")
	// ErrCancelled marks a task whose job was cancelled.
	ErrCancelled = eris.New("llmpool: task cancelled")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = eris.New("llmpool: pool closed")
)

// SchemaError wraps the last validation failure after all re-prompts.
type SchemaError struct {
	Schema string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llmpool: output failed schema %q: %v", e.Schema, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Task is one unit of LLM work.
type Task struct {
	ID      string
	JobID   string
	Kind    string // selection, aggregation, classification, explanation
	Request anthropic.MessageRequest
	// Schema, when set, gates success on parseable output. Validation
	// failures trigger up to Options.SchemaRetries fix re-prompts.
	Schema *Schema
	// Timeout is the per-task hard deadline. Zero uses the pool default.
	Timeout time.Duration
}

// Result is the outcome of a successful task.
type Result struct {
	Text     string
	Parsed   any
	Usage    anthropic.TokenUsage
	Model    string
	Attempts int
}

// Future resolves when the task completes.
type Future struct {
	mu    sync.Mutex
	state TaskState
	done  chan struct{}
	res   Result
	err   error
}

func newFuture() *Future {
	return &Future{state: StateQueued, done: make(chan struct{})}
}

// Wait blocks until the task resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State returns the task's current lifecycle state.
func (f *Future) State() TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Future) setState(s TaskState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Future) resolve(res Result, err error, terminal TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.state = terminal
	f.res = res
	f.err = err
	close(f.done)
}

// Options tunes the pool.
type Options struct {
	Workers           int
	RequestsPerMinute int
	SearchPerMinute   int
	QueueSize         int
	DefaultTimeout    time.Duration
	MaxRetries        int
	SchemaRetries     int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = 8
	}
	if o.SearchPerMinute <= 0 {
		o.SearchPerMinute = 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.SchemaRetries < 0 {
		o.SchemaRetries = 0
	} else if o.SchemaRetries == 0 {
		o.SchemaRetries = 2
	}
	return o
}

type queued struct {
	task   Task
	future *Future
}

type jobState struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Pool is the process-wide LLM dispatcher.
type Pool struct {
	opts    Options
	client  anthropic.Client
	queue   chan queued
	limiter *rate.Limiter
	search  *rate.Limiter

	mu     sync.Mutex
	jobs   map[string]*jobState
	closed bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates the pool and starts its workers.
func New(client anthropic.Client, opts Options) *Pool {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	burst := opts.RequestsPerMinute / 60
	if burst < 1 {
		burst = 1
	}
	searchBurst := opts.SearchPerMinute / 60
	if searchBurst < 1 {
		searchBurst = 1
	}

	p := &Pool{
		opts:       opts,
		client:     client,
		queue:      make(chan queued, opts.QueueSize),
		limiter:    rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), burst),
		search:     rate.NewLimiter(rate.Limit(float64(opts.SearchPerMinute)/60.0), searchBurst),
		jobs:       make(map[string]*jobState),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit enqueues a task without blocking and returns its future. The
// enqueue happens under the same lock as the closed check so a
// concurrent Shutdown can never close the queue between the two.
func (p *Pool) Submit(task Task) *Future {
	f := newFuture()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		f.resolve(Result{}, ErrClosed, StateFailed)
		return f
	}
	js := p.jobState(task.JobID)
	if js.ctx.Err() != nil {
		f.resolve(Result{}, ErrCancelled, StateCancelled)
		return f
	}

	select {
	case p.queue <- queued{task: task, future: f}:
	default:
		f.resolve(Result{}, ErrQueueFull, StateFailed)
	}
	return f
}

// CancelJob cancels all queued and dispatched tasks for a job. Queued
// tasks fail on dequeue; dispatched ones have their contexts cancelled.
func (p *Pool) CancelJob(jobID string) {
	p.mu.Lock()
	js, ok := p.jobs[jobID]
	p.mu.Unlock()
	if ok {
		js.cancel()
		zap.L().Debug("llmpool: job cancelled", zap.String("job_id", jobID))
	}
}

// WaitSearch blocks until the web-search token bucket grants a slot.
// The similarity engine's web path shares the pool's pacing discipline
// through this.
func (p *Pool) WaitSearch(ctx context.Context) error {
	if err := p.search.Wait(ctx); err != nil {
		return eris.Wrap(err, "llmpool: wait search token")
	}
	return nil
}

// Shutdown stops accepting tasks, cancels in-flight work, and waits for
// workers to exit or ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	// Closing under p.mu pairs with Submit's locked enqueue; no task can
	// hit the queue after this point.
	close(p.queue)
	p.mu.Unlock()

	p.rootCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "llmpool: shutdown")
	}
}

// jobState returns (creating if needed) the cancellation scope for a
// job. Caller must hold p.mu.
func (p *Pool) jobState(jobID string) *jobState {
	if jobID == "" {
		jobID = "-"
	}
	js, ok := p.jobs[jobID]
	if !ok {
		ctx, cancel := context.WithCancel(p.rootCtx)
		js = &jobState{ctx: ctx, cancel: cancel}
		p.jobs[jobID] = js
	}
	return js
}

// ReleaseJob drops a job's cancellation scope once the orchestrator is
// done with it.
func (p *Pool) ReleaseJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if js, ok := p.jobs[jobID]; ok {
		js.cancel()
		delete(p.jobs, jobID)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for q := range p.queue {
		p.run(id, q)
	}
}

func (p *Pool) run(workerID int, q queued) {
	p.mu.Lock()
	js := p.jobState(q.task.JobID)
	p.mu.Unlock()

	if js.ctx.Err() != nil {
		q.future.resolve(Result{}, ErrCancelled, StateCancelled)
		return
	}

	timeout := q.task.Timeout
	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(js.ctx, timeout)
	defer cancel()

	q.future.setState(StateDispatched)
	start := time.Now()
	res, err := p.execute(ctx, q.task)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		zap.L().Debug("llmpool: task succeeded",
			zap.String("task_id", q.task.ID),
			zap.String("kind", q.task.Kind),
			zap.Int("worker", workerID),
			zap.Duration("elapsed", elapsed),
			zap.Int("attempts", res.Attempts),
		)
		q.future.resolve(res, nil, StateSucceeded)
	case js.ctx.Err() != nil && ctx.Err() == context.Canceled:
		q.future.resolve(Result{}, ErrCancelled, StateCancelled)
	case ctx.Err() == context.DeadlineExceeded:
		zap.L().Warn("llmpool: task timed out",
			zap.String("task_id", q.task.ID),
			zap.String("kind", q.task.Kind),
			zap.Duration("timeout", timeout),
		)
		q.future.resolve(Result{}, ErrTimeout, StateTimeout)
	default:
		zap.L().Warn("llmpool: task failed",
			zap.String("task_id", q.task.ID),
			zap.String("kind", q.task.Kind),
			zap.Error(err),
		)
		q.future.resolve(Result{}, err, StateFailed)
	}
}

// execute runs the call-retry-validate loop for one task. Every attempt
// (including schema re-prompts) consumes a fresh rate-limit token.
func (p *Pool) execute(ctx context.Context, task Task) (Result, error) {
	retryCfg := resilience.DefaultRetryConfig()
	req := task.Request

	var (
		usage       anthropic.TokenUsage
		attempts    int
		schemaTries int
		lastErr     error
	)

	for attempt := 0; attempt < p.opts.MaxRetries; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
		attempts++

		resp, err := p.client.CreateMessage(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return Result{}, err
			}
			status := anthropic.StatusCode(err)
			switch {
			case status == 429:
				// Quota: the next limiter.Wait naturally backs off
				// to the following bucket window.
				continue
			case resilience.IsTransientHTTPStatus(status) || resilience.IsTransient(err):
				delay := resilience.BackoffDelay(attempt, retryCfg)
				select {
				case <-ctx.Done():
					return Result{}, err
				case <-time.After(delay):
				}
				continue
			default:
				return Result{}, resilience.WithKind(resilience.KindPermanent, err)
			}
		}

		usage = usage.Add(resp.Usage)
		text := resp.Text()

		if task.Schema == nil {
			return Result{Text: text, Usage: usage, Model: resp.Model, Attempts: attempts}, nil
		}

		parsed, perr := task.Schema.Parse([]byte(CleanJSON(text)))
		if perr == nil {
			return Result{Text: text, Parsed: parsed, Usage: usage, Model: resp.Model, Attempts: attempts}, nil
		}

		lastErr = perr
		if schemaTries >= p.opts.SchemaRetries {
			return Result{}, resilience.WithKind(resilience.KindSchema,
				&SchemaError{Schema: task.Schema.Name, Err: perr})
		}
		schemaTries++
		attempt-- // schema re-prompts do not consume transient-retry budget

		req = task.Request
		req.Messages = append(append([]anthropic.Message{}, task.Request.Messages...),
			anthropic.Message{Role: "assistant", Content: text},
			anthropic.Message{Role: "user", Content: fmt.Sprintf(
				"Your previous reply did not match the required %s JSON schema: %v. Reply again with ONLY the corrected JSON object.",
				task.Schema.Name, perr)},
		)
	}

	if lastErr == nil {
		lastErr = eris.New("llmpool: retries exhausted")
	}
	return Result{}, resilience.WithKind(resilience.KindTransient, lastErr)
}
