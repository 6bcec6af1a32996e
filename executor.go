package geoprice

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params are the request parameters handed to a work function.
type Params map[string]any

// WorkFunc performs the heavy part of a job. It reports progress and its
// result through tracker and should return promptly once ctx is cancelled.
type WorkFunc func(ctx context.Context, tracker *Tracker, params Params) error

// TrackerFactory builds the tracker a worker hands to a work function.
type TrackerFactory func(jobID string) *Tracker

// Executor schedules work out of band and hands back an opaque job id.
type Executor interface {
	// Submit schedules the work registered for kind. It never blocks on the
	// work itself. The job is held back from workers until release is
	// called, which lets the caller record the STARTING status first.
	Submit(ctx context.Context, kind string, params Params) (jobID string, release func(), err error)

	// Terminate asks a queued or running job to stop. It reports whether
	// the job was known and still active.
	Terminate(jobID string) bool

	// State returns the executor-native state of a job.
	State(jobID string) string

	// Kinds lists the registered job kinds.
	Kinds() []string
}

// Executor-native job states reported by PoolExecutor.State.
const (
	ExecutorStateQueued  = "QUEUED"
	ExecutorStateRunning = "RUNNING"
	ExecutorStateDone    = "DONE"
	ExecutorStateRevoked = "REVOKED"
	ExecutorStateUnknown = "UNKNOWN"
)

type poolJob struct {
	id     string
	kind   string
	params Params
	work   WorkFunc

	ready       chan struct{}
	releaseOnce sync.Once
	ctx         context.Context
	cancel      context.CancelFunc

	// guarded by PoolExecutor.mu
	state      string
	terminated bool
	finishedAt time.Time
}

// PoolExecutor is an in-process Executor backed by a bounded queue and a
// fixed number of worker goroutines.
type PoolExecutor struct {
	newTracker TrackerFactory
	logger     *slog.Logger
	metrics    *Metrics
	workers    int

	mu       sync.RWMutex
	registry map[string]WorkFunc
	jobs     map[string]*poolJob
	started  bool
	closed   bool

	queue      chan *poolJob
	stopCh     chan struct{}
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewPoolExecutor creates a new executor.
// newTracker builds the tracker passed to work functions.
// config provides the worker count and the queue size.
func NewPoolExecutor(newTracker TrackerFactory, config *Config, logger *slog.Logger) *PoolExecutor {
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &PoolExecutor{
		newTracker: newTracker,
		logger:     logger,
		workers:    workers,
		registry:   make(map[string]WorkFunc),
		jobs:       make(map[string]*poolJob),
		queue:      make(chan *poolJob, queueSize),
		stopCh:     make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// SetMetrics sets the metrics recorder used for submissions and job durations.
func (e *PoolExecutor) SetMetrics(metrics *Metrics) {
	e.metrics = metrics
}

// Register binds a work function to a job kind. Registering the same kind
// twice replaces the previous function.
func (e *PoolExecutor) Register(kind string, work WorkFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry[kind] = work
}

// Kinds lists the registered job kinds in lexical order.
func (e *PoolExecutor) Kinds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	kinds := make([]string, 0, len(e.registry))
	for kind := range e.registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Submit queues a job for kind and returns its id.
func (e *PoolExecutor) Submit(ctx context.Context, kind string, params Params) (string, func(), error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", nil, ErrExecutorClosed
	}
	work, ok := e.registry[kind]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	jobCtx, cancel := context.WithCancel(e.baseCtx)
	job := &poolJob{
		id:     uuid.NewString(),
		kind:   kind,
		params: params,
		work:   work,
		ready:  make(chan struct{}),
		ctx:    jobCtx,
		cancel: cancel,
		state:  ExecutorStateQueued,
	}

	select {
	case e.queue <- job:
	default:
		cancel()
		e.logger.Debug("Submit: queue full", "kind", kind, "capacity", cap(e.queue))
		return "", nil, ErrQueueFull
	}
	e.jobs[job.id] = job
	e.metrics.recordSubmitted(kind)
	e.logger.Debug("Submit: job queued", "jobID", job.id, "kind", kind)

	release := func() {
		job.releaseOnce.Do(func() { close(job.ready) })
	}
	return job.id, release, nil
}

// Terminate cancels the context of a queued or running job.
func (e *PoolExecutor) Terminate(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return false
	}
	switch job.state {
	case ExecutorStateQueued:
		job.state = ExecutorStateRevoked
		job.finishedAt = time.Now()
	case ExecutorStateRunning:
	default:
		return false
	}
	job.terminated = true
	job.cancel()
	e.logger.Debug("Terminate: job cancelled", "jobID", jobID)
	return true
}

// State returns the executor-native state of a job.
func (e *PoolExecutor) State(jobID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if job, ok := e.jobs[jobID]; ok {
		return job.state
	}
	return ExecutorStateUnknown
}

// PruneFinished forgets finished jobs older than maxAge and returns how
// many were removed. State reports UNKNOWN for them afterwards.
func (e *PoolExecutor) PruneFinished(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, job := range e.jobs {
		if job.finishedAt.IsZero() || job.finishedAt.After(cutoff) {
			continue
		}
		delete(e.jobs, id)
		removed++
	}
	return removed
}

// Start starts the worker goroutines.
// The executor keeps processing jobs until Stop is called or ctx is cancelled.
// This method returns immediately after starting the background goroutines.
func (e *PoolExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	if e.started {
		return fmt.Errorf("executor already started")
	}
	e.started = true

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.processLoop(ctx, i)
	}
	e.logger.Info("executor started", "workers", e.workers, "queueSize", cap(e.queue))
	return nil
}

// Stop stops accepting jobs and waits for running jobs to finish.
// Jobs still queued are marked as failed. When ctx expires first, running
// jobs are cancelled and Stop returns ctx.Err().
func (e *PoolExecutor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stopCh)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.baseCancel()
		<-done
		err = ctx.Err()
	}
	e.baseCancel()
	e.drainQueue()
	return err
}

// drainQueue fails every job left in the queue after the workers exited.
func (e *PoolExecutor) drainQueue() {
	for {
		select {
		case job := <-e.queue:
			if !e.markFinished(job, ExecutorStateRevoked, false) {
				continue
			}
			tracker := e.newTracker(job.id)
			if err := tracker.MarkError(context.Background(), "executor stopped before the task started"); err != nil {
				e.logger.Warn("failed to record dropped job", "jobID", job.id, "error", err)
			}
		default:
			return
		}
	}
}

// processLoop continuously processes jobs
func (e *PoolExecutor) processLoop(ctx context.Context, worker int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-e.queue:
			e.processJob(job, worker)
		}
	}
}

// processJob runs a single job once its submitter released it
func (e *PoolExecutor) processJob(job *poolJob, worker int) {
	select {
	case <-job.ready:
	case <-job.ctx.Done():
		e.markFinished(job, ExecutorStateRevoked, false)
		e.logger.Debug("processJob: job revoked before start", "jobID", job.id)
		return
	}

	e.mu.Lock()
	if job.state != ExecutorStateQueued {
		e.mu.Unlock()
		return
	}
	job.state = ExecutorStateRunning
	e.mu.Unlock()

	e.logger.Debug("processJob: running", "jobID", job.id, "kind", job.kind, "worker", worker)
	start := time.Now()
	tracker := e.newTracker(job.id)
	err := e.runWork(job, tracker)

	// Final writes must survive the cancellation of the job context.
	writeCtx := context.WithoutCancel(job.ctx)
	outcome := "success"

	e.mu.RLock()
	terminated := job.terminated
	e.mu.RUnlock()

	switch {
	case terminated:
		outcome = "revoked"
		e.logger.Info("job terminated", "jobID", job.id, "kind", job.kind, "error", err)
	case err != nil:
		outcome = "error"
		e.logger.Warn("job failed", "jobID", job.id, "kind", job.kind, "error", err)
		if markErr := tracker.MarkError(writeCtx, err.Error()); markErr != nil {
			e.logger.Warn("failed to record job error", "jobID", job.id, "error", markErr)
		}
	default:
		running, statusErr := tracker.IsRunning(writeCtx)
		if statusErr == nil && running {
			if setErr := tracker.SetProgress(writeCtx, ProgressCompleted); setErr != nil {
				e.logger.Warn("failed to record job completion", "jobID", job.id, "error", setErr)
			}
		}
	}

	state := ExecutorStateDone
	if terminated {
		state = ExecutorStateRevoked
	}
	e.markFinished(job, state, true)
	e.metrics.observeJob(job.kind, outcome, time.Since(start))
}

// markFinished moves a job to a final state and releases its context.
// It returns false if the job had already been finished.
func (e *PoolExecutor) markFinished(job *poolJob, state string, ran bool) bool {
	defer job.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ran && job.state != ExecutorStateQueued {
		return false
	}
	job.state = state
	job.finishedAt = time.Now()
	return true
}

// runWork calls work and converts a panic into an error.
func (e *PoolExecutor) runWork(job *poolJob, tracker *Tracker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "jobID", job.id, "kind", job.kind, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return job.work(job.ctx, tracker, job.params)
}
