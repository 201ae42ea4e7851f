// Package progress implements the in-process pub/sub bus for research
// job phase events. Publishers never block on slow subscribers.
package progress

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/model"
)

const shardCount = 16

// Options tunes the bus.
type Options struct {
	// SubscriberBuffer is the per-subscriber channel capacity. When a
	// subscriber falls this far behind, its oldest buffered event is
	// replaced by one carrying a Dropped count. Default 64.
	SubscriberBuffer int
	// GCAfter is how long a terminal job entry is retained before the
	// janitor removes it. Default 30m.
	GCAfter time.Duration
	// JanitorInterval overrides the GC sweep cadence (tests).
	JanitorInterval time.Duration
}

// Bus tracks per-job progress and fans events out to subscribers.
// Sharded by job id so concurrent jobs do not contend on one lock.
type Bus struct {
	shards  [shardCount]shard
	bufSize int
	gcAfter time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

type shard struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	job        model.Job
	seq        int64
	log        []model.ProgressEvent
	subs       map[int]*subscriber
	nextSub    int
	terminal   bool
	terminalAt time.Time
}

type subscriber struct {
	ch      chan model.ProgressEvent
	dropped int
	closed  bool
}

// NewBus creates a bus and starts its GC janitor.
func NewBus(opts Options) *Bus {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.GCAfter <= 0 {
		opts.GCAfter = 30 * time.Minute
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	b := &Bus{
		bufSize: opts.SubscriberBuffer,
		gcAfter: opts.GCAfter,
		stop:    make(chan struct{}),
	}
	for i := range b.shards {
		b.shards[i].jobs = make(map[string]*jobEntry)
	}
	go b.janitor(opts.JanitorInterval)
	return b
}

// Close stops the janitor. Pending subscriptions stay open until their
// jobs terminate.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Bus) shardFor(jobID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return &b.shards[h.Sum32()%shardCount]
}

// Create registers a job and its phase list. Fails if the id exists.
func (b *Bus) Create(jobID, companyName, website string, phases []model.Phase) error {
	if jobID == "" {
		return eris.New("progress: empty job id")
	}
	s := b.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; exists {
		return eris.Errorf("progress: job %s already exists", jobID)
	}

	states := make(map[model.Phase]model.PhaseState, len(phases))
	for _, p := range phases {
		states[p] = model.PhasePending
	}
	s.jobs[jobID] = &jobEntry{
		job: model.Job{
			ID:          jobID,
			CompanyName: companyName,
			Website:     website,
			Phases:      states,
			Timings:     make(map[model.Phase]time.Duration),
			StartedAt:   time.Now().UTC(),
		},
		subs: make(map[int]*subscriber),
	}
	return nil
}

// Update publishes a phase transition. Events carry monotonically
// increasing sequence numbers and timestamps; job-level events on
// model.PhaseJob with a terminal state end the stream and close all
// subscriber channels.
func (b *Bus) Update(jobID string, phase model.Phase, state model.PhaseState, message string, counters map[string]int) error {
	s := b.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return eris.Errorf("progress: unknown job %s", jobID)
	}
	if e.terminal {
		return eris.Errorf("progress: job %s already terminal", jobID)
	}

	now := time.Now().UTC()
	e.seq++
	ev := model.ProgressEvent{
		JobID:     jobID,
		Seq:       e.seq,
		Phase:     phase,
		State:     state,
		StartedAt: now,
		Counters:  counters,
		Message:   message,
	}

	if phase != model.PhaseJob {
		e.job.Phases[phase] = state
		if state == model.PhaseRunning {
			e.job.CurrentPhase = phase
		}
	}

	if ev.Terminal() {
		e.terminal = true
		e.terminalAt = now
		e.job.Outcome = state
		fin := now
		e.job.FinishedAt = &fin
		ev.FinishedAt = &fin
		if state == model.PhaseFailed {
			e.job.Error = message
		}
	}

	e.log = append(e.log, ev)
	for _, sub := range e.subs {
		deliver(sub, ev)
	}
	if e.terminal {
		for id, sub := range e.subs {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
			delete(e.subs, id)
		}
	}
	return nil
}

// deliver pushes an event without blocking. On a full buffer the oldest
// buffered event is discarded and the new one carries the cumulative
// drop count as a loss marker.
func deliver(sub *subscriber, ev model.ProgressEvent) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	select {
	case <-sub.ch:
		sub.dropped++
	default:
	}
	ev.Dropped = sub.dropped
	select {
	case sub.ch <- ev:
	default:
		sub.dropped++
	}
}

// Subscribe returns a channel of events for the job, starting with the
// full backlog so late subscribers see the job history in order. The
// channel closes when the job terminates, the context is cancelled, or
// the returned cancel func is called.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan model.ProgressEvent, func(), error) {
	s := b.shardFor(jobID)
	s.mu.Lock()

	e, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, eris.Errorf("progress: unknown job %s", jobID)
	}

	// Backlog plus headroom for live events.
	sub := &subscriber{ch: make(chan model.ProgressEvent, len(e.log)+b.bufSize)}
	for _, ev := range e.log {
		sub.ch <- ev
	}

	if e.terminal {
		close(sub.ch)
		sub.closed = true
		s.mu.Unlock()
		return sub.ch, func() {}, nil
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.jobs[jobID]; ok {
			if sb, ok := cur.subs[id]; ok {
				delete(cur.subs, id)
				if !sb.closed {
					close(sb.ch)
					sb.closed = true
				}
			}
		}
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-b.stop:
			}
		}()
	}

	return sub.ch, cancel, nil
}

// Snapshot returns the current job state.
func (b *Bus) Snapshot(jobID string) (model.Job, error) {
	s := b.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, eris.Errorf("progress: unknown job %s", jobID)
	}

	// Deep-copy the maps so callers cannot race the publisher.
	job := e.job
	job.Phases = make(map[model.Phase]model.PhaseState, len(e.job.Phases))
	for k, v := range e.job.Phases {
		job.Phases[k] = v
	}
	job.Timings = make(map[model.Phase]time.Duration, len(e.job.Timings))
	for k, v := range e.job.Timings {
		job.Timings[k] = v
	}
	return job, nil
}

// RecordTiming stores a phase duration on the job snapshot.
func (b *Bus) RecordTiming(jobID string, phase model.Phase, d time.Duration) {
	s := b.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[jobID]; ok {
		e.job.Timings[phase] = d
	}
}

// SetRecordID links the job to its company record.
func (b *Bus) SetRecordID(jobID, recordID string) {
	s := b.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[jobID]; ok {
		e.job.RecordID = recordID
	}
}

func (b *Bus) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.gc(time.Now().UTC())
		}
	}
}

func (b *Bus) gc(now time.Time) {
	removed := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for id, e := range s.jobs {
			if e.terminal && now.Sub(e.terminalAt) >= b.gcAfter {
				delete(s.jobs, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		zap.L().Debug("progress: gc removed terminal jobs", zap.Int("count", removed))
	}
}
