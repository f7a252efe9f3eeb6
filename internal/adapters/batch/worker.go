// Package batch runs multi-unit jobs (bulk ingestion, bulk correction) on a
// bounded worker pool. Each unit succeeds or fails on its own; a failed unit
// never aborts its job. Cancellation is cooperative: units already running
// finish, units not yet started are skipped.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// JobStatus describes the lifecycle stage of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusPartial   JobStatus = "partial"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. A partial job finished with
// at least one failed unit.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusPartial || s == JobStatusCancelled
}

// EventKind names a progress event.
type EventKind string

const (
	EventQueued      EventKind = "queued"
	EventUnitStarted EventKind = "unit_started"
	EventUnitDone    EventKind = "unit_done"
	EventUnitFailed  EventKind = "unit_failed"
	EventFinished    EventKind = "finished"
	EventCancelled   EventKind = "cancelled"
)

// Progress is one event of a job's observable sequence.
type Progress struct {
	JobID  string    `json:"job_id"`
	Kind   EventKind `json:"kind"`
	Unit   string    `json:"unit,omitempty"`
	Done   int       `json:"done"`
	Failed int       `json:"failed"`
	Total  int       `json:"total"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Unit is one independently failing piece of work. Result is kept on the
// job record when Run succeeds.
type Unit struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// UnitResult records the outcome of one unit.
type UnitResult struct {
	Unit   string `json:"unit"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// JobRecord is a point-in-time view of a job.
type JobRecord struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Status      JobStatus    `json:"status"`
	Total       int          `json:"total"`
	Done        int          `json:"done"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Results     []UnitResult `json:"results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func (r *JobRecord) copy() JobRecord {
	cp := *r
	cp.Results = append([]UnitResult(nil), r.Results...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// ErrUnknownJob is returned for ids the worker never issued.
var ErrUnknownJob = errors.New("unknown job")

// ErrQueueFull is returned when Submit cannot enqueue without blocking.
var ErrQueueFull = errors.New("batch queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("batch worker stopped")

// Option configures a Worker.
type Option func(*Worker)

// WithWorkers sets how many units of a job run at once.
func WithWorkers(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithQueueSize bounds how many jobs may wait.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithClock overrides the event time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker executes jobs one at a time, fanning each job's units out over the
// pool.
type Worker struct {
	workers   int
	queueSize int
	now       func() time.Time

	queue chan *job
	mu    sync.RWMutex
	jobs  map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	mu     sync.Mutex
	record JobRecord
	units  []Unit
	events chan Progress
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker constructs a worker. Call Start before submitting.
func NewWorker(opts ...Option) *Worker {
	w := &Worker{
		workers:   4,
		queueSize: 32,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = make(chan *job, w.queueSize)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Workers reports the pool size.
func (w *Worker) Workers() int { return w.workers }

// Start begins processing jobs.
func (w *Worker) Start() {
	w.once.Do(func() {
		w.wg.Add(1)
		go w.loop()
	})
}

// Stop cancels every job and waits for the loop to exit. Units already
// running finish first.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case j := <-w.queue:
			w.process(j)
		}
	}
}

// drain cancels jobs still waiting so their handles resolve.
func (w *Worker) drain() {
	for {
		select {
		case j := <-w.queue:
			j.cancel()
			w.process(j)
		default:
			return
		}
	}
}

// Submit queues a job and returns its handle.
func (w *Worker) Submit(ctx context.Context, kind string, units []Unit) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.ctx.Err() != nil {
		return nil, ErrStopped
	}
	now := w.now()
	jctx, cancel := context.WithCancel(w.ctx)
	rec := JobRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    JobStatusQueued,
		Total:     len(units),
		CreatedAt: now,
		UpdatedAt: now,
	}
	// queued, then started and an outcome per unit, then the terminal event
	events := make(chan Progress, 2*len(units)+2)
	j := &job{
		record: rec,
		units:  append([]Unit(nil), units...),
		events: events,
		ctx:    jctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.mu.Lock()
	w.jobs[j.record.ID] = j
	w.mu.Unlock()
	j.emit(EventQueued, "", "", now)

	select {
	case w.queue <- j:
	default:
		cancel()
		w.mu.Lock()
		delete(w.jobs, j.record.ID)
		w.mu.Unlock()
		return nil, ErrQueueFull
	}
	return &Handle{id: j.record.ID, job: j}, nil
}

// Snapshot returns the current record of a job.
func (w *Worker) Snapshot(id string) (JobRecord, bool) {
	w.mu.RLock()
	j, ok := w.jobs[id]
	w.mu.RUnlock()
	if !ok {
		return JobRecord{}, false
	}
	return j.snapshot(), true
}

// Cancel requests cancellation of a job by id.
func (w *Worker) Cancel(id string) error {
	w.mu.RLock()
	j, ok := w.jobs[id]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	j.cancel()
	return nil
}

// Jobs lists every known job, oldest first.
func (w *Worker) Jobs() []JobRecord {
	w.mu.RLock()
	all := make([]*job, 0, len(w.jobs))
	for _, j := range w.jobs {
		all = append(all, j)
	}
	w.mu.RUnlock()
	out := make([]JobRecord, 0, len(all))
	for _, j := range all {
		out = append(out, j.snapshot())
	}
	sortRecords(out)
	return out
}

// Prune forgets finished jobs completed before cutoff and reports how many
// were dropped. Handles already issued keep their final record.
func (w *Worker) Prune(cutoff time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, j := range w.jobs {
		j.mu.Lock()
		done := j.record.Status.Terminal() && j.record.CompletedAt != nil && j.record.CompletedAt.Before(cutoff)
		j.mu.Unlock()
		if done {
			delete(w.jobs, id)
			n++
		}
	}
	return n
}

func (w *Worker) process(j *job) {
	defer close(j.done)
	defer j.cancel()
	j.mu.Lock()
	j.record.Status = JobStatusRunning
	j.record.UpdatedAt = w.now()
	j.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(w.workers)
	for _, u := range j.units {
		if j.ctx.Err() != nil {
			j.skip()
			continue
		}
		g.Go(func() error {
			// a unit may have waited for a slot past cancellation
			if j.ctx.Err() != nil {
				j.skip()
				return nil
			}
			j.emit(EventUnitStarted, u.Name, "", w.now())
			// a started unit always runs to completion
			res, err := u.Run(context.WithoutCancel(j.ctx))
			j.finishUnit(u.Name, res, err, w.now())
			return nil
		})
	}
	_ = g.Wait()
	cancelled := j.ctx.Err() != nil

	now := w.now()
	j.mu.Lock()
	switch {
	case cancelled || j.record.Skipped > 0:
		j.record.Status = JobStatusCancelled
	case j.record.Failed > 0:
		j.record.Status = JobStatusPartial
	default:
		j.record.Status = JobStatusSucceeded
	}
	j.record.UpdatedAt = now
	j.record.CompletedAt = &now
	kind := EventFinished
	if j.record.Status == JobStatusCancelled {
		kind = EventCancelled
	}
	j.emitLocked(kind, "", "", now)
	close(j.events)
	j.mu.Unlock()
}

func (j *job) snapshot() JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record.copy()
}

func (j *job) skip() {
	j.mu.Lock()
	j.record.Skipped++
	j.mu.Unlock()
}

func (j *job) finishUnit(name, result string, err error, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := UnitResult{Unit: name, Result: result}
	kind := EventUnitDone
	msg := ""
	if err != nil {
		r.Result, r.Error = "", err.Error()
		j.record.Failed++
		kind, msg = EventUnitFailed, err.Error()
	} else {
		j.record.Done++
	}
	j.record.Results = append(j.record.Results, r)
	j.record.UpdatedAt = at
	j.emitLocked(kind, name, msg, at)
}

func (j *job) emit(kind EventKind, unit, msg string, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.emitLocked(kind, unit, msg, at)
}

// emitLocked never blocks: the channel is sized for every event a job can
// produce.
func (j *job) emitLocked(kind EventKind, unit, msg string, at time.Time) {
	j.events <- Progress{
		JobID:  j.record.ID,
		Kind:   kind,
		Unit:   unit,
		Done:   j.record.Done,
		Failed: j.record.Failed,
		Total:  j.record.Total,
		Error:  msg,
		At:     at,
	}
}

// Handle tracks a submitted job.
type Handle struct {
	id  string
	job *job
}

// ID returns the job id.
func (h *Handle) ID() string { return h.id }

// Events streams progress. The channel closes after the finished or
// cancelled event.
func (h *Handle) Events() <-chan Progress { return h.job.events }

// Cancel requests cooperative cancellation.
func (h *Handle) Cancel() { h.job.cancel() }

// Wait blocks until the job ends or ctx is done and returns the final record.
func (h *Handle) Wait(ctx context.Context) (JobRecord, error) {
	select {
	case <-h.job.done:
		return h.job.snapshot(), nil
	case <-ctx.Done():
		return h.job.snapshot(), ctx.Err()
	}
}
