// Package geoprice provides the asynchronous task layer of the geoprice
// aggregation service: a job tracker backed by a TTL key-value store, an
// in-process job executor, and an HTTP dispatch wrapper that turns a
// handler into "submit now, poll later".
//
// The library supports:
//   - Multiple status store implementations (in-memory, BadgerDB, SQLite)
//   - Progress-derived job stages (STARTING, RUNNING, COMPLETED, CANCELLED, ERROR)
//   - Independent status, result and name records, each with its own TTL
//   - Cooperative cancellation through the executor
//   - Polling, streaming and cancel endpoints for submitted jobs
//
// Example usage:
//
//	store := geoprice.NewInMemoryStore()
//	app := geoprice.NewAppContext(store, 24*time.Hour, logger, nil)
//	pool := geoprice.NewPoolExecutor(app.NewTracker, geoprice.LoadConfig(), logger)
//	pool.Register(geoprice.PriceStatsKind, geoprice.PriceStatsJob)
//	app.Executor = pool
//	pool.Start(ctx)
//	http.ListenAndServe(":8080", geoprice.Server{App: app}.Router())
package geoprice

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Stage represents the coarse-grained phase of a job.
type Stage string

const (
	// StageStarting indicates the job has been accepted but has not reported progress yet.
	StageStarting Stage = "STARTING"
	// StageRunning indicates the job reported progress between 1 and 99.
	StageRunning Stage = "RUNNING"
	// StageCompleted indicates the job reported progress 100.
	StageCompleted Stage = "COMPLETED"
	// StageCancelled indicates progress -1 was written through SetProgress.
	StageCancelled Stage = "CANCELLED"
	// StageError indicates the job failed and recorded its own message through MarkError.
	StageError Stage = "ERROR"
)

const (
	// ProgressCancelled is the progress value for cancelled and failed jobs.
	ProgressCancelled = -1
	// ProgressStarting is the progress value for a job that was just accepted.
	ProgressStarting = 0
	// ProgressCompleted is the progress value for a finished job.
	ProgressCompleted = 100

	pendingMessage = "Task is pending to start"
)

// Describe returns the fixed human-readable message of a stage.
func (s Stage) Describe() string {
	switch s {
	case StageStarting:
		return "Task is starting"
	case StageRunning:
		return "Task is executing..."
	case StageCompleted:
		return "Task completed"
	case StageCancelled:
		return "Task cancelled"
	case StageError:
		return "Task failed"
	default:
		return ""
	}
}

// StageForProgress maps a validated progress value to its stage.
func StageForProgress(progress int) Stage {
	switch {
	case progress == ProgressStarting:
		return StageStarting
	case progress > 0 && progress < ProgressCompleted:
		return StageRunning
	case progress >= ProgressCompleted:
		return StageCompleted
	default:
		return StageCancelled
	}
}

// ValidateProgress checks that progress is within [-1, 100].
func ValidateProgress(progress int) error {
	if progress < ProgressCancelled || progress > ProgressCompleted {
		return fmt.Errorf("%w: %d is outside [%d, %d]", ErrInvalidProgress, progress, ProgressCancelled, ProgressCompleted)
	}
	return nil
}

var (
	// ErrInvalidProgress is returned when a progress value is outside [-1, 100].
	ErrInvalidProgress = errors.New("invalid progress")
	// ErrInvalidResult is returned when a result payload lacks data or msg.
	ErrInvalidResult = errors.New("invalid result payload")
	// ErrInvalidName is returned for empty or oversized job names.
	ErrInvalidName = errors.New("invalid job name")
	// ErrStore wraps every status store failure surfaced by a Tracker.
	ErrStore = errors.New("status store failure")
	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("store is closed")
	// ErrSubmission is returned when the executor could not schedule a job.
	ErrSubmission = errors.New("task submission failed")
	// ErrUnknownKind is returned when no work function is registered for a kind.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrQueueFull is returned when the executor queue has no free slot.
	ErrQueueFull = errors.New("job queue is full")
	// ErrExecutorClosed is returned by Submit after the executor was stopped.
	ErrExecutorClosed = errors.New("executor is closed")
)

// Status is the status record stored for a job.
// The pending default carries neither JobID nor Date.
type Status struct {
	JobID    string     `json:"job_id,omitempty"`
	Stage    Stage      `json:"stage"`
	Progress int        `json:"progress"`
	Date     *time.Time `json:"date,omitempty"`
	Msg      string     `json:"msg"`
}

// PendingStatus returns the status reported for a job with no stored record.
func PendingStatus() Status {
	return Status{
		Stage:    StageStarting,
		Progress: ProgressStarting,
		Msg:      pendingMessage,
	}
}

// IsRunning reports whether progress is within [0, 100).
func (s Status) IsRunning() bool {
	return s.Progress >= ProgressStarting && s.Progress < ProgressCompleted
}

// Result is the result record stored for a job. The zero value is the
// empty result and marshals to {}.
type Result struct {
	JobID string          `json:"job_id,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Date  *time.Time      `json:"date,omitempty"`
}

// IsEmpty reports whether no result has been written.
func (r Result) IsEmpty() bool {
	return r.JobID == "" && r.Msg == "" && r.Data == nil && r.Date == nil
}

// ResultPayload is the input of Tracker.SetResult. Both keys must be present;
// a JSON null data value counts as present.
type ResultPayload struct {
	Data json.RawMessage `json:"data"`
	Msg  *string         `json:"msg"`
}

// NewResultPayload marshals data into a payload.
func NewResultPayload(data any, msg string) (ResultPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ResultPayload{}, fmt.Errorf("%w: failed to marshal data: %v", ErrInvalidResult, err)
	}
	return ResultPayload{Data: raw, Msg: &msg}, nil
}

// Validate checks that both data and msg are present.
func (p ResultPayload) Validate() error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidResult)
	}
	if p.Msg == nil {
		return fmt.Errorf("%w: missing msg", ErrInvalidResult)
	}
	if !json.Valid(p.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidResult)
	}
	return nil
}
