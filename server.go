package geoprice

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes the submit/poll/cancel API over HTTP.
type Server struct {
	App            *AppContext
	Limiter        *SubmitLimiter // optional, throttles /start
	StreamInterval time.Duration  // poll period of the result stream, default 1s
	StreamTimeout  time.Duration  // longest a result stream stays open, 0 means no limit
}

var errStreamingUnsupported = errors.New("streaming unsupported by response writer")

type statusResponse struct {
	Status
	ExecutorState string `json:"executor_state,omitempty"`
}

type resultResponse struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// Router builds the HTTP routes. One /start/{kind} route is registered per
// kind known to the executor.
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.App.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.Limiter != nil {
			r.Use(s.Limiter.Middleware(ClientIP))
		}
		for _, kind := range s.App.Executor.Kinds() {
			r.Handle("/start/"+kind, Async(s.App, kind, DefaultAck))
		}
	})

	r.Get("/status/{id}", s.handleStatus)
	r.Get("/result/{id}", s.handleResult)
	r.Get("/result/{id}/stream", s.handleResultStream)
	r.Get("/cancel/{id}", s.handleCancel)
	r.Get("/name/{id}", s.handleName)

	return r
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.App.NewTracker(id).GetStatus(r.Context())
	if err != nil {
		s.App.Logger.Warn("serving default status", "jobID", id, "error", err)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        status,
		ExecutorState: s.App.Executor.State(id),
	})
}

func (s Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.loadResult(r, id))
}

func (s Server) loadResult(r *http.Request, id string) resultResponse {
	tracker := s.App.NewTracker(id)
	status, err := tracker.GetStatus(r.Context())
	if err != nil {
		s.App.Logger.Warn("serving default status", "jobID", id, "error", err)
	}
	result, err := tracker.GetResult(r.Context())
	if err != nil {
		s.App.Logger.Warn("serving empty result", "jobID", id, "error", err)
	}
	resp := resultResponse{Status: status, Result: json.RawMessage("null")}
	if len(result.Data) > 0 {
		resp.Result = result.Data
	}
	return resp
}

// unknownJob reports whether neither the store nor the executor has heard of id.
func (s Server) unknownJob(id string, found bool) bool {
	return !found && s.App.Executor.State(id) == ExecutorStateUnknown
}

// handleResultStream writes one JSON line per status change while the job
// runs, then a final {status, result} line. The stream also ends for unknown
// jobs and once StreamTimeout elapses.
func (s Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}
	interval := s.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	var timeout <-chan time.Time
	if s.StreamTimeout > 0 {
		timer := time.NewTimer(s.StreamTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	writeFinal := func() {
		_ = enc.Encode(s.loadResult(r, id))
		flusher.Flush()
	}

	tracker := s.App.NewTracker(id)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *Status
	for {
		status, found, err := tracker.LookupStatus(r.Context())
		if err != nil {
			s.App.Logger.Warn("stream: status read failed", "jobID", id, "error", err)
		}
		if !status.IsRunning() || (err == nil && s.unknownJob(id, found)) {
			writeFinal()
			return
		}
		if last == nil || last.Progress != status.Progress || last.Stage != status.Stage || last.Msg != status.Msg {
			_ = enc.Encode(map[string]Status{"status": status})
			flusher.Flush()
			last = &status
		}

		select {
		case <-r.Context().Done():
			return
		case <-timeout:
			s.App.Logger.Info("stream: timeout reached", "jobID", id, "timeout", s.StreamTimeout)
			writeFinal()
			return
		case <-ticker.C:
		}
	}
}

// handleCancel records progress -1 and terminates the job while it is still
// running. Finished jobs are returned unchanged. Nothing is written for jobs
// that were never submitted or when the status cannot be read.
func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tracker := s.App.NewTracker(id)
	status, found, err := tracker.LookupStatus(r.Context())
	if err != nil {
		s.App.Logger.Warn("cancel: status read failed", "jobID", id, "error", err)
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("cannot cancel %s: %w", id, err))
		return
	}
	if status.IsRunning() && !s.unknownJob(id, found) {
		if err := tracker.SetProgress(r.Context(), ProgressCancelled); err != nil {
			s.App.Logger.Warn("cancel: status write failed", "jobID", id, "error", err)
		}
		terminated := s.App.Executor.Terminate(id)
		s.App.Logger.Info("task cancelled", "jobID", id, "terminated", terminated)
		if latest, ok := tracker.LastStatus(); ok && latest.Progress == ProgressCancelled {
			status = latest
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        status,
		ExecutorState: s.App.Executor.State(id),
	})
}

func (s Server) handleName(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name, err := s.App.NewTracker(id).GetName(r.Context())
	if err != nil {
		s.App.Logger.Warn("serving empty name", "jobID", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "name": name})
}
