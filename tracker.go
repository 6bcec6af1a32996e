package geoprice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxNameLength = 256

// Tracker is a validated read/write view over the status, result and name
// records of a single job. It holds no state besides the job id and the
// last records it saw; everything else lives in the Store.
//
// Tracker methods never panic on store failures. They log a warning and
// return an error wrapping ErrStore, together with the best-effort default
// value for reads, so progress reporting from inside long batch loops can
// ignore transient store hiccups.
type Tracker struct {
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	jobID      string
	lastStatus *Status
	lastResult *Result
}

// NewTracker binds a tracker to jobID. An empty jobID generates a new random id.
// Construction does not touch the store.
func NewTracker(store Store, jobID string, ttl time.Duration, logger *slog.Logger) *Tracker {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		ttl:    ttl,
		logger: logger,
		jobID:  jobID,
	}
}

// ID returns the job id the tracker is bound to.
func (t *Tracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobID
}

// Rebind points the tracker at another job id and forgets the cached
// records. Records stored under the previous id are left untouched.
func (t *Tracker) Rebind(jobID string) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobID = jobID
	t.lastStatus = nil
	t.lastResult = nil
}

// LastStatus returns the last status this tracker wrote or read.
func (t *Tracker) LastStatus() (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastStatus == nil {
		return Status{}, false
	}
	return *t.lastStatus, true
}

// LastResult returns the last result this tracker wrote or read.
func (t *Tracker) LastResult() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastResult == nil {
		return Result{}, false
	}
	return *t.lastResult, true
}

// SetProgress validates progress and stores the status derived from it.
// Invalid values are rejected with ErrInvalidProgress and nothing is written.
func (t *Tracker) SetProgress(ctx context.Context, progress int) error {
	jobID := t.ID()
	if err := ValidateProgress(progress); err != nil {
		t.logger.Debug("SetProgress: rejected", "jobID", jobID, "progress", progress, "error", err)
		return err
	}
	stage := StageForProgress(progress)
	return t.writeStatus(ctx, stage, progress, stage.Describe())
}

// MarkError records a failed job: progress -1, stage ERROR and the given message.
func (t *Tracker) MarkError(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = StageError.Describe()
	}
	return t.writeStatus(ctx, StageError, ProgressCancelled, message)
}

func (t *Tracker) writeStatus(ctx context.Context, stage Stage, progress int, message string) error {
	jobID := t.ID()
	now := time.Now().UTC()
	status := Status{
		JobID:    jobID,
		Stage:    stage,
		Progress: progress,
		Date:     &now,
		Msg:      message,
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return t.storeFailure("set_status", jobID, err)
	}
	if err := t.store.Set(ctx, StatusKey(jobID), raw, t.ttl); err != nil {
		return t.storeFailure("set_status", jobID, err)
	}

	t.mu.Lock()
	t.lastStatus = &status
	t.mu.Unlock()
	t.metrics.recordStatusWrite(stage)
	t.logger.Debug("SetProgress: status stored", "jobID", jobID, "stage", stage, "progress", progress)
	return nil
}

// GetStatus returns the stored status, or PendingStatus when none exists.
func (t *Tracker) GetStatus(ctx context.Context) (Status, error) {
	status, _, err := t.LookupStatus(ctx)
	return status, err
}

// LookupStatus is GetStatus that also reports whether a status record was
// stored. found is false for the pending default and on store failures.
func (t *Tracker) LookupStatus(ctx context.Context) (status Status, found bool, err error) {
	jobID := t.ID()
	raw, found, err := t.store.Get(ctx, StatusKey(jobID))
	if err != nil {
		return PendingStatus(), false, t.storeFailure("get_status", jobID, err)
	}
	if !found {
		return PendingStatus(), false, nil
	}

	if err := json.Unmarshal(raw, &status); err != nil {
		return PendingStatus(), false, t.storeFailure("get_status", jobID, err)
	}
	t.mu.Lock()
	t.lastStatus = &status
	t.mu.Unlock()
	return status, true, nil
}

// IsRunning reports whether the stored progress is within [0, 100).
func (t *Tracker) IsRunning(ctx context.Context) (bool, error) {
	status, err := t.GetStatus(ctx)
	return status.IsRunning(), err
}

// SetResult stores the result payload. Payloads missing data or msg are
// rejected with ErrInvalidResult and the previous result is kept.
func (t *Tracker) SetResult(ctx context.Context, payload ResultPayload) error {
	jobID := t.ID()
	if err := payload.Validate(); err != nil {
		t.logger.Debug("SetResult: rejected", "jobID", jobID, "error", err)
		return err
	}

	now := time.Now().UTC()
	result := Result{
		JobID: jobID,
		Msg:   *payload.Msg,
		Data:  copyBytes(payload.Data),
		Date:  &now,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return t.storeFailure("set_result", jobID, err)
	}
	if err := t.store.Set(ctx, ResultKey(jobID), raw, t.ttl); err != nil {
		return t.storeFailure("set_result", jobID, err)
	}

	t.mu.Lock()
	t.lastResult = &result
	t.mu.Unlock()
	t.logger.Debug("SetResult: result stored", "jobID", jobID, "bytes", len(raw))
	return nil
}

// GetResult returns the stored result, or the empty Result when none exists.
func (t *Tracker) GetResult(ctx context.Context) (Result, error) {
	jobID := t.ID()
	raw, found, err := t.store.Get(ctx, ResultKey(jobID))
	if err != nil {
		return Result{}, t.storeFailure("get_result", jobID, err)
	}
	if !found {
		return Result{}, nil
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, t.storeFailure("get_result", jobID, err)
	}
	t.mu.Lock()
	t.lastResult = &result
	t.mu.Unlock()
	return result, nil
}

// SetName stores a human-readable label for the job.
func (t *Tracker) SetName(ctx context.Context, name string) error {
	jobID := t.ID()
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: length must be within [1, %d]", ErrInvalidName, maxNameLength)
	}

	raw, err := json.Marshal(name)
	if err != nil {
		return t.storeFailure("set_name", jobID, err)
	}
	if err := t.store.Set(ctx, NameKey(jobID), raw, t.ttl); err != nil {
		return t.storeFailure("set_name", jobID, err)
	}
	return nil
}

// GetName returns the stored name, or "" when none exists.
func (t *Tracker) GetName(ctx context.Context) (string, error) {
	jobID := t.ID()
	raw, found, err := t.store.Get(ctx, NameKey(jobID))
	if err != nil {
		return "", t.storeFailure("get_name", jobID, err)
	}
	if !found {
		return "", nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", t.storeFailure("get_name", jobID, err)
	}
	return name, nil
}

func (t *Tracker) storeFailure(op, jobID string, err error) error {
	t.metrics.recordStoreError(op)
	t.logger.Warn("status store operation failed", "op", op, "jobID", jobID, "error", err)
	return fmt.Errorf("%w: %s %s: %w", ErrStore, op, jobID, err)
}
