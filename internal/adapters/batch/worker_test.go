package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(name string, err error) Unit {
	return Unit{Name: name, Run: func(context.Context) (string, error) {
		if err != nil {
			return "", err
		}
		return "ok:" + name, nil
	}}
}

func collect(h *Handle) []Progress {
	var out []Progress
	for ev := range h.Events() {
		out = append(out, ev)
	}
	return out
}

func TestJobRunsEveryUnitAndReportsFailures(t *testing.T) {
	w := NewWorker(WithWorkers(3))
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	units := []Unit{unit("a.cnv", nil), unit("b.edf", errors.New("truncated")), unit("c.ssv", nil)}
	h, err := w.Submit(context.Background(), "ingest", units)
	require.NoError(t, err)

	rec, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobStatusPartial, rec.Status)
	assert.Equal(t, 2, rec.Done)
	assert.Equal(t, 1, rec.Failed)
	assert.Equal(t, 3, rec.Total)
	require.NotNil(t, rec.CompletedAt)
	assert.Len(t, rec.Results, 3)

	events := collect(h)
	require.Len(t, events, 8)
	assert.Equal(t, EventQueued, events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, EventFinished, last.Kind)
	assert.Equal(t, 2, last.Done)
	assert.Equal(t, 1, last.Failed)

	kinds := map[EventKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
		assert.Equal(t, h.ID(), ev.JobID)
	}
	assert.Equal(t, 3, kinds[EventUnitStarted])
	assert.Equal(t, 2, kinds[EventUnitDone])
	assert.Equal(t, 1, kinds[EventUnitFailed])

	snap, ok := w.Snapshot(h.ID())
	require.True(t, ok)
	assert.Equal(t, rec.Status, snap.Status)
}

func TestEmptyJobSucceeds(t *testing.T) {
	w := NewWorker()
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	h, err := w.Submit(context.Background(), "noop", nil)
	require.NoError(t, err)
	rec, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, rec.Status)
	assert.True(t, rec.Status.Terminal())
}

func TestCancelSkipsUnstartedUnits(t *testing.T) {
	w := NewWorker(WithWorkers(1))
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	started := make(chan struct{})
	release := make(chan struct{})
	var ran atomic.Int32
	var stored atomic.Bool
	units := []Unit{{Name: "first", Run: func(ctx context.Context) (string, error) {
		ran.Add(1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		stored.Store(true)
		return "done", nil
	}}}
	for i := 0; i < 4; i++ {
		units = append(units, Unit{Name: fmt.Sprintf("later-%d", i), Run: func(context.Context) (string, error) {
			ran.Add(1)
			return "", nil
		}})
	}
	h, err := w.Submit(context.Background(), "bulk", units)
	require.NoError(t, err)
	<-started
	h.Cancel()
	close(release)

	rec, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, rec.Status)
	assert.Equal(t, 1, rec.Done)
	assert.Equal(t, 4, rec.Skipped)
	assert.Equal(t, int32(1), ran.Load())
	assert.True(t, stored.Load(), "a unit running at cancel time completes")
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "done", rec.Results[0].Result)

	events := collect(h)
	assert.Equal(t, EventCancelled, events[len(events)-1].Kind)
}

func TestCancelAfterLastUnitStartedStillCompletesIt(t *testing.T) {
	w := NewWorker(WithWorkers(1))
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	started := make(chan struct{})
	release := make(chan struct{})
	h, err := w.Submit(context.Background(), "ingest", []Unit{{Name: "cast-1", Run: func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "stored", ctx.Err()
	}}})
	require.NoError(t, err)
	<-started
	h.Cancel()
	close(release)

	rec, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, rec.Status)
	assert.Equal(t, 1, rec.Done)
	assert.Equal(t, 0, rec.Failed)
	assert.Equal(t, 0, rec.Skipped)
}

func TestCancelUnknownJob(t *testing.T) {
	w := NewWorker()
	require.ErrorIs(t, w.Cancel("missing"), ErrUnknownJob)
	_, ok := w.Snapshot("missing")
	assert.False(t, ok)
}

func TestQueueFullAndStopped(t *testing.T) {
	w := NewWorker(WithQueueSize(1))
	_, err := w.Submit(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = w.Submit(context.Background(), "b", nil)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, w.Jobs(), 1)

	require.NoError(t, w.Stop(context.Background()))
	_, err = w.Submit(context.Background(), "c", nil)
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopResolvesQueuedJobs(t *testing.T) {
	w := NewWorker(WithWorkers(1))
	w.Start()
	running := make(chan struct{})
	release := make(chan struct{})
	h1, err := w.Submit(context.Background(), "slow", []Unit{{Name: "wait", Run: func(ctx context.Context) (string, error) {
		close(running)
		<-release
		return "finished", nil
	}}})
	require.NoError(t, err)
	h2, err := w.Submit(context.Background(), "queued", []Unit{unit("never", nil)})
	require.NoError(t, err)

	<-running
	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()
	<-w.ctx.Done()
	close(release)
	require.NoError(t, <-stopped)

	rec1, err := h1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, rec1.Status)
	assert.Equal(t, 1, rec1.Done)
	rec2, err := h2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, rec2.Status)
}

func TestPruneForgetsOnlyOldFinishedJobs(t *testing.T) {
	t0 := time.Date(2025, 1, 15, 3, 0, 0, 0, time.UTC)
	w := NewWorker(WithWorkers(1), WithClock(func() time.Time { return t0 }))
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	done, err := w.Submit(context.Background(), "quick", []Unit{unit("a", nil)})
	require.NoError(t, err)
	_, err = done.Wait(context.Background())
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	busy, err := w.Submit(context.Background(), "slow", []Unit{{Name: "wait", Run: func(context.Context) (string, error) {
		<-release
		return "", nil
	}}})
	require.NoError(t, err)

	assert.Zero(t, w.Prune(t0), "completed at the cutoff is kept")
	assert.Equal(t, 1, w.Prune(t0.Add(time.Hour)))
	_, ok := w.Snapshot(done.ID())
	assert.False(t, ok)
	_, ok = w.Snapshot(busy.ID())
	assert.True(t, ok)
	require.Len(t, w.Jobs(), 1)

	rec, err := done.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, rec.Status, "handles outlive pruning")
}

func TestWaitHonoursContext(t *testing.T) {
	w := NewWorker()
	h, err := w.Submit(context.Background(), "never-started", []Unit{unit("x", nil)})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	rec, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, JobStatusQueued, rec.Status)
}
