package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lei/woodhouse/internal/hub"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/output"
	"github.com/lei/woodhouse/internal/runner"
	"github.com/lei/woodhouse/internal/service"
	"github.com/lei/woodhouse/internal/stream"
)

// Handlers contains HTTP handler functions
type Handlers struct {
	service *service.Service
	retry   time.Duration
}

// NewHandlers creates a new handlers instance. retry is the reconnect delay
// advertised at the start of every event stream.
func NewHandlers(svc *service.Service, retry time.Duration) *Handlers {
	return &Handlers{service: svc, retry: retry}
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.HealthCheck(r.Context()))
}

// ListJobs handles GET /jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	q := r.URL.Query()

	status, ok := parseStatusParam(q.Get("status"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid status filter")
		return
	}

	jobs := FilterJobs(h.service.ListJobs(r.Context()), q.Get("search"), status, parseBoolParam(q.Get("active")))
	logger.Debug("jobs listed", "count", len(jobs))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": jobs,
	})
}

// GetJob handles GET /jobs/{job_id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job": job,
	})
}

// CreateJobRequest is the body of POST /jobs
type CreateJobRequest struct {
	JobID       string            `json:"job_id"`
	DisplayName string            `json:"display_name"`
	Command     string            `json:"command"`
	Image       string            `json:"image"`
	Repository  string            `json:"repository"`
	Dir         string            `json:"dir"`
	Env         map[string]string `json:"env"`
	Timeout     string            `json:"timeout"` // Go duration, e.g. "10m"
}

// CreateJob handles POST /jobs. The job is registered and its first build
// triggered straight away; without an executor only the job is created.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())

	var req CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job := &models.Job{
		JobID:       req.JobID,
		DisplayName: req.DisplayName,
		Command:     req.Command,
		Image:       req.Image,
		Repository:  req.Repository,
		Dir:         req.Dir,
		Env:         req.Env,
	}
	if job.JobID == "" {
		job.JobID = "job-" + uuid.NewString()[:8]
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", req.Timeout))
			return
		}
		job.Timeout = d
	}

	summary, err := h.service.CreateJob(r.Context(), job)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	body := map[string]interface{}{"job": summary}
	build, err := h.service.TriggerBuild(r.Context(), job.JobID)
	switch {
	case err == nil:
		body["build"] = build
	case errors.Is(err, service.ErrNoExecutor):
	default:
		logger.Warn("first build of created job not triggered", "job_id", job.JobID, "error", err)
	}

	logger.Info("job created", "job_id", job.JobID, "api_key_name", GetAPIKeyName(r.Context()))
	w.Header().Set("Location", "/jobs/"+job.JobID)
	respondJSON(w, http.StatusCreated, body)
}

// TriggerBuild handles POST /jobs/{job_id}/builds
func (h *Handlers) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	jobID := chi.URLParam(r, "job_id")

	logger.Debug("triggering build", "job_id", jobID, "api_key_name", GetAPIKeyName(r.Context()))

	build, err := h.service.TriggerBuild(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	logger.Info("build triggered successfully", "job_id", jobID, "build", build.Number)

	w.Header().Set("Location", fmt.Sprintf("/jobs/%s/builds/%d", jobID, build.Number))
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"build": build,
	})
}

// ListBuilds handles GET /jobs/{job_id}/builds
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := h.service.ListBuilds(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	// Parse optional limit parameter
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(builds) {
			builds = builds[:limit]
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"builds": builds,
	})
}

// GetBuild handles GET /jobs/{job_id}/builds/{build}
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := h.service.GetBuild(r.Context(), chi.URLParam(r, "job_id"), chi.URLParam(r, "build"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"build": build,
	})
}

// CancelBuild handles POST /jobs/{job_id}/builds/{build}/cancel
func (h *Handlers) CancelBuild(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	jobID := chi.URLParam(r, "job_id")
	ref := chi.URLParam(r, "build")

	logger.Info("canceling build", "job_id", jobID, "build", ref)

	if err := h.service.CancelBuild(r.Context(), jobID, ref); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// StreamOutput handles GET /jobs/{job_id}/builds/{build}/output.
//
// The resume offset comes from the Last-Event-ID header when the browser
// reconnects on its own, otherwise from the offset query parameter.
func (h *Handlers) StreamOutput(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	jobID := chi.URLParam(r, "job_id")
	ref := chi.URLParam(r, "build")

	offset, err := parseOffset(r)
	if err != nil {
		logger.Warn("invalid offset", "error", err)
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.service.OpenOutputStream(r.Context(), jobID, ref, offset)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	sse, err := h.startStream(w, r)
	if err != nil {
		logger.Error("starting event stream", "error", err)
		return
	}

	logger.Info("output stream started", "job_id", jobID, "build", ref, "offset", offset)
	err = sess.Run(r.Context(), sse)
	h.logStreamEnd(r, err, "offset", sess.Offset(), "state", sess.State().String())
}

// StreamStatus handles GET /jobs/status
func (h *Handlers) StreamStatus(w http.ResponseWriter, r *http.Request) {
	sess := h.service.OpenStatusStream(r.Context())

	sse, err := h.startStream(w, r)
	if err != nil {
		GetLogger(r.Context()).Error("starting event stream", "error", err)
		return
	}

	GetLogger(r.Context()).Info("status stream started")
	err = sess.Run(r.Context(), sse)
	h.logStreamEnd(r, err, "version", sess.Version())
}

// startStream writes the event stream headers and the retry hint. The
// server's write timeout is lifted for this response only.
func (h *Handlers) startStream(w http.ResponseWriter, r *http.Request) (*stream.SSEWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		respondError(w, r, http.StatusInternalServerError, "streaming not supported")
		return nil, errors.New("response writer does not support flushing")
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clear write deadline: %w", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := stream.NewSSEWriter(w)
	if h.retry > 0 {
		if err := sse.Retry(h.retry); err != nil {
			return nil, err
		}
	}
	return sse, nil
}

func (h *Handlers) logStreamEnd(r *http.Request, err error, args ...any) {
	logger := GetLogger(r.Context()).With(args...)

	switch {
	case err == nil:
		logger.Info("event stream completed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("event stream closed by client or shutdown")
	case errors.Is(err, output.ErrOffsetInvalid), errors.Is(err, output.ErrOffsetOutOfRange):
		logger.Warn("event stream rejected offset", "error", err)
	case errors.Is(err, hub.ErrClosed):
		logger.Info("event stream refused, hub closed")
	default:
		// Headers are gone by now; the error can only be logged.
		logger.Error("streaming error occurred", "error", err, "error_type", fmt.Sprintf("%T", err))
	}
}

// parseOffset reads the resume offset. Last-Event-ID takes precedence over
// the offset query parameter; neither means the start of the output.
func parseOffset(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	source := "Last-Event-ID"
	if raw == "" {
		raw = r.URL.Query().Get("offset")
		source = "offset"
	}
	if raw == "" {
		return 0, nil
	}

	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an integer", source, raw)
	}
	return offset, nil
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	// Log the error with full context
	logger.Error("returning error response",
		"status", status,
		"message", message,
		"request_id", requestID)

	w.Header().Set("X-Request-ID", requestID)
	respondJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}

// handleServiceError maps service errors to HTTP responses with detailed logging
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := GetLogger(r.Context())

	logger.Debug("service error occurred",
		"error", err.Error(),
		"error_type", fmt.Sprintf("%T", err))

	switch {
	case errors.Is(err, service.ErrJobNotFound):
		respondError(w, r, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrBuildNotFound):
		respondError(w, r, http.StatusNotFound, "build not found")
	case errors.Is(err, service.ErrInvalidBuild):
		respondError(w, r, http.StatusBadRequest, "build must be a positive number or \"latest\"")
	case errors.Is(err, service.ErrInvalidJob):
		respondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrJobExists):
		respondError(w, r, http.StatusConflict, "job already exists")
	case errors.Is(err, service.ErrNoExecutor):
		respondError(w, r, http.StatusNotImplemented, "builds are not executed by this server")
	case errors.Is(err, runner.ErrBuildNotRunning):
		respondError(w, r, http.StatusConflict, "build is not running")
	case errors.Is(err, runner.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		respondError(w, r, http.StatusServiceUnavailable, "build queue full")
	case errors.Is(err, runner.ErrStopped), errors.Is(err, hub.ErrClosed):
		respondError(w, r, http.StatusServiceUnavailable, "server shutting down")
	default:
		logger.Error("unexpected service error", "error", err)
		respondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
