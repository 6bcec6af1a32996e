package geoprice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxParamsBody = 10 << 20

// AppContext holds the collaborators shared by the dispatch wrapper, the
// HTTP handlers and the executor workers. It is built once at process start.
type AppContext struct {
	Store    Store
	Executor Executor
	Logger   *slog.Logger
	TTL      time.Duration
	Metrics  *Metrics
}

// NewAppContext creates an AppContext. The Executor is usually set afterwards,
// since executors need NewTracker as their tracker factory.
func NewAppContext(store Store, ttl time.Duration, logger *slog.Logger, metrics *Metrics) *AppContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppContext{
		Store:   store,
		Logger:  logger,
		TTL:     ttl,
		Metrics: metrics,
	}
}

// NewTracker returns a tracker for jobID wired to the shared store, TTL,
// logger and metrics.
func (a *AppContext) NewTracker(jobID string) *Tracker {
	t := NewTracker(a.Store, jobID, a.TTL, a.Logger)
	t.metrics = a.Metrics
	return t
}

// Ack is the acknowledgement returned for an accepted job.
type Ack struct {
	JobID string `json:"job_id"`
	Msg   string `json:"msg"`
	Text  string `json:"text"`
}

// AckHandler builds the response of a dispatched request. The job id is
// also available through JobIDFromContext(r.Context()).
type AckHandler[R any] func(r *http.Request, jobID string) (int, R)

// DefaultAck answers 202 with {job_id, msg, text: "RUNNING"}.
func DefaultAck(_ *http.Request, jobID string) (int, Ack) {
	return http.StatusAccepted, Ack{
		JobID: jobID,
		Msg:   "Task submitted, poll /status/" + jobID + " for progress",
		Text:  string(StageRunning),
	}
}

// Async wraps handler so that each request submits a job of the given kind:
//  1. parameters are read from the JSON body (POST) or the query string (GET);
//  2. the job is submitted to the executor;
//  3. a tracker records the STARTING status;
//  4. handler runs with the job id attached to the request context and its
//     value is written back as JSON.
//
// Submission failures answer 503 and leave no record in the store.
func Async[R any](app *AppContext, kind string, handler AckHandler[R]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := extractParams(w, r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.Is(err, errMethodNotAllowed):
				w.Header().Set("Allow", "GET, POST")
				writeErr(w, http.StatusMethodNotAllowed, err)
			case errors.As(err, &tooLarge):
				writeErr(w, http.StatusRequestEntityTooLarge, err)
			default:
				writeErr(w, http.StatusBadRequest, err)
			}
			return
		}

		jobID, release, err := app.Executor.Submit(r.Context(), kind, params)
		if err != nil {
			app.Metrics.recordSubmitError(kind)
			app.Logger.Error("task submission failed", "kind", kind, "error", err)
			writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("%w: %w", ErrSubmission, err))
			return
		}
		defer release()

		tracker := app.NewTracker(jobID)
		if err := tracker.SetProgress(r.Context(), ProgressStarting); err != nil {
			app.Logger.Warn("failed to record starting status", "jobID", jobID, "kind", kind, "error", err)
		}
		if err := tracker.SetName(r.Context(), kind); err != nil {
			app.Logger.Warn("failed to record job name", "jobID", jobID, "kind", kind, "error", err)
		}
		app.Logger.Info("task submitted", "jobID", jobID, "kind", kind)

		code, body := handler(r.WithContext(WithJobID(r.Context(), jobID)), jobID)
		writeJSON(w, code, body)
	})
}

var errMethodNotAllowed = errors.New("only GET and POST are supported")

// extractParams reads a JSON object body for POST and the query string for GET.
// Query keys given several times keep their first value. Bodies larger than
// maxParamsBody fail with *http.MaxBytesError.
func extractParams(w http.ResponseWriter, r *http.Request) (Params, error) {
	switch r.Method {
	case http.MethodGet:
		params := Params{}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		return params, nil
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxParamsBody))
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		params := Params{}
		if strings.TrimSpace(string(body)) == "" {
			return params, nil
		}
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("body must be a JSON object: %w", err)
		}
		return params, nil
	default:
		return nil, errMethodNotAllowed
	}
}

// DecodeParams converts untyped request parameters into P through JSON.
func DecodeParams[P any](params Params) (P, error) {
	var out P
	raw, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode params: %w", err)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
