// Package api serves the runner's HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/tastythames/aedwt-runner/internal/logging"
	"github.com/tastythames/aedwt-runner/internal/runner"
	"github.com/tastythames/aedwt-runner/internal/scheduler"
	"golang.org/x/time/rate"
)

const maxRunsLimit = 500

// Dispatcher is the part of the scheduler the API triggers runs through.
type Dispatcher interface {
	Lookup(name string) (scheduler.Job, error)
	Dispatch(job scheduler.Job) error
}

// RunLister is implemented by *history.Store.
type RunLister interface {
	List(ctx context.Context, limit int) ([]runner.Result, error)
}

type Server struct {
	metrics http.Handler
	runs    RunLister
	sched   Dispatcher
	limiter *rate.Limiter
}

type Options struct {
	Metrics    http.Handler
	Runs       RunLister
	Dispatcher Dispatcher

	// DispatchPerMinute <= 0 disables rate limiting.
	DispatchPerMinute float64
	DispatchBurst     int
}

func New(opts Options) *Server {
	limit := rate.Inf
	if opts.DispatchPerMinute > 0 {
		limit = rate.Limit(opts.DispatchPerMinute / 60)
	}
	burst := opts.DispatchBurst
	if burst < 1 {
		burst = 1
	}
	return &Server{
		metrics: opts.Metrics,
		runs:    opts.Runs,
		sched:   opts.Dispatcher,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	return mux
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, errors.New("run history is disabled"))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		logging.L.Error(err).WithMessage("list runs").Write()
		writeError(w, http.StatusInternalServerError, errors.New("failed to list runs"))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type dispatchRequest struct {
	Workflow string `json:"workflow"`
}

type dispatchResponse struct {
	Queued   bool   `json:"queued"`
	Workflow string `json:"workflow"`
}

// handleDispatch takes no inputs; the body may name a workflow when more
// than one is loaded.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manual triggers"))
		return
	}

	var req dispatchRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if q := r.URL.Query().Get("workflow"); q != "" {
		req.Workflow = q
	}

	job, err := s.sched.Lookup(req.Workflow)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	switch err := s.sched.Dispatch(job); {
	case errors.Is(err, scheduler.ErrDispatchDisabled):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, dispatchResponse{Queued: true, Workflow: job.Name()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
