package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intel-engine/internal/model"
)

func newTestBus(t *testing.T, buf int) *Bus {
	t.Helper()
	b := NewBus(Options{SubscriberBuffer: buf, GCAfter: time.Minute, JanitorInterval: time.Hour})
	t.Cleanup(b.Close)
	return b
}

func TestBusCreateDuplicate(t *testing.T) {
	b := newTestBus(t, 8)

	require.NoError(t, b.Create("job-1", "Acme", "https://acme.com", model.ResearchPhases()))
	err := b.Create("job-1", "Acme", "https://acme.com", model.ResearchPhases())
	require.Error(t, err)
}

func TestBusUpdateUnknownJob(t *testing.T) {
	b := newTestBus(t, 8)
	err := b.Update("nope", model.PhaseDiscovery, model.PhaseRunning, "", nil)
	require.Error(t, err)
}

func TestBusEventOrderingAndTerminal(t *testing.T) {
	b := newTestBus(t, 32)
	require.NoError(t, b.Create("job-1", "Acme", "", model.ResearchPhases()))

	ch, cancel, err := b.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Update("job-1", model.PhaseDiscovery, model.PhaseRunning, "starting", nil))
	require.NoError(t, b.Update("job-1", model.PhaseDiscovery, model.PhaseCompleted, "", map[string]int{"links": 42}))
	require.NoError(t, b.Update("job-1", model.PhaseJob, model.PhaseCompleted, "done", nil))

	var events []model.ProgressEvent
	for ev := range ch {
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
		assert.False(t, events[i].StartedAt.Before(events[i-1].StartedAt))
	}
	assert.True(t, events[2].Terminal())
	assert.Equal(t, 42, events[1].Counters["links"])

	// Terminal jobs reject further updates.
	err = b.Update("job-1", model.PhaseSelection, model.PhaseRunning, "", nil)
	require.Error(t, err)
}

func TestBusLateSubscriberGetsBacklog(t *testing.T) {
	b := newTestBus(t, 8)
	require.NoError(t, b.Create("job-1", "Acme", "", model.ResearchPhases()))
	require.NoError(t, b.Update("job-1", model.PhaseDiscovery, model.PhaseRunning, "", nil))
	require.NoError(t, b.Update("job-1", model.PhaseDiscovery, model.PhaseCompleted, "", nil))
	require.NoError(t, b.Update("job-1", model.PhaseJob, model.PhaseCompleted, "", nil))

	ch, cancel, err := b.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	defer cancel()

	var events []model.ProgressEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, model.PhaseDiscovery, events[0].Phase)
	assert.True(t, events[2].Terminal())
}

func TestBusSlowSubscriberLossMarker(t *testing.T) {
	b := newTestBus(t, 2)
	require.NoError(t, b.Create("job-1", "Acme", "", model.ResearchPhases()))

	ch, cancel, err := b.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	defer cancel()

	// Publish more events than the buffer holds without draining.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Update("job-1", model.PhaseExtraction, model.PhaseRunning, "page", map[string]int{"i": i}))
	}
	require.NoError(t, b.Update("job-1", model.PhaseJob, model.PhaseCompleted, "", nil))

	var sawDrop bool
	for ev := range ch {
		if ev.Dropped > 0 {
			sawDrop = true
		}
	}
	assert.True(t, sawDrop, "expected a loss marker on a slow subscriber")
}

func TestBusPublisherNeverBlocks(t *testing.T) {
	b := newTestBus(t, 1)
	require.NoError(t, b.Create("job-1", "Acme", "", model.ResearchPhases()))

	_, cancel, err := b.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = b.Update("job-1", model.PhaseExtraction, model.PhaseRunning, "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestBusSnapshot(t *testing.T) {
	b := newTestBus(t, 8)
	require.NoError(t, b.Create("job-1", "Acme", "https://acme.com", model.ResearchPhases()))
	require.NoError(t, b.Update("job-1", model.PhaseDiscovery, model.PhaseRunning, "", nil))

	job, err := b.Snapshot("job-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", job.CompanyName)
	assert.Equal(t, model.PhaseDiscovery, job.CurrentPhase)
	assert.Equal(t, model.PhaseRunning, job.Phases[model.PhaseDiscovery])
	assert.Equal(t, model.PhasePending, job.Phases[model.PhaseSelection])

	require.NoError(t, b.Update("job-1", model.PhaseJob, model.PhaseFailed, "boom", nil))
	job, err = b.Snapshot("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseFailed, job.Outcome)
	assert.Equal(t, "boom", job.Error)
	require.NotNil(t, job.FinishedAt)
}

func TestBusGC(t *testing.T) {
	b := newTestBus(t, 8)
	require.NoError(t, b.Create("job-1", "Acme", "", model.ResearchPhases()))
	require.NoError(t, b.Update("job-1", model.PhaseJob, model.PhaseCompleted, "", nil))

	// Not yet expired.
	b.gc(time.Now().UTC())
	_, err := b.Snapshot("job-1")
	require.NoError(t, err)

	// Past the retention window.
	b.gc(time.Now().UTC().Add(2 * time.Minute))
	_, err = b.Snapshot("job-1")
	require.Error(t, err)
}

func TestBusSubscribeCancelledContext(t *testing.T) {
	b := newTestBus(t, 8)
	require.NoError(t, b.Create("job-1", "Acme", "", model.ResearchPhases()))

	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, cancel, err := b.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer cancel()

	cancelCtx()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}
