package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/lei/woodhouse/internal/hub"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/runner"
	"github.com/lei/woodhouse/internal/stream"
	"github.com/lei/woodhouse/pkg/logger"
)

// LatestBuild is the build reference that resolves to a job's newest build
const LatestBuild = "latest"

var (
	// ErrJobNotFound indicates the requested job doesn't exist
	ErrJobNotFound = errors.New("job not found")
	// ErrBuildNotFound indicates the requested build doesn't exist
	ErrBuildNotFound = errors.New("build not found")
	// ErrInvalidBuild indicates the build reference is neither a number nor "latest"
	ErrInvalidBuild = errors.New("invalid build reference")
	// ErrNoExecutor indicates builds are driven externally and cannot be triggered here
	ErrNoExecutor = errors.New("no build executor configured")
	// ErrInvalidJob indicates a job definition failed validation
	ErrInvalidJob = errors.New("invalid job")
	// ErrJobExists indicates a job with the same id is already registered
	ErrJobExists = errors.New("job already exists")
)

// Service coordinates the configured jobs, the hub and the runner
type Service struct {
	mu         sync.RWMutex
	jobs       map[string]*models.Job
	hub        *hub.Hub
	runner     *runner.Runner
	streamOpts stream.Options
	logger     *logger.Logger
}

// NewService registers every job with the hub. r may be nil when builds are
// created and written by the embedding program.
func NewService(jobs []*models.Job, h *hub.Hub, r *runner.Runner, streamOpts stream.Options, log *logger.Logger) *Service {
	jobMap := make(map[string]*models.Job)
	for _, j := range jobs {
		jobMap[j.JobID] = j
		h.RegisterJob(j.JobID)
	}

	return &Service{
		jobs:       jobMap,
		hub:        h,
		runner:     r,
		streamOpts: streamOpts,
		logger:     log,
	}
}

// getLogger retrieves the request-scoped logger or falls back to the service logger
func (s *Service) getLogger(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx, s.logger)
}

func (s *Service) job(jobID string) (*models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// CreateJob registers a new job at runtime. An empty display name defaults
// to the job id.
func (s *Service) CreateJob(ctx context.Context, job *models.Job) (*models.JobSummary, error) {
	logger := s.getLogger(ctx)

	if job.DisplayName == "" {
		job.DisplayName = job.JobID
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	s.mu.Lock()
	if _, ok := s.jobs[job.JobID]; ok {
		s.mu.Unlock()
		return nil, ErrJobExists
	}
	s.hub.RegisterJob(job.JobID)
	s.jobs[job.JobID] = job
	s.mu.Unlock()

	logger.Info("service: job created", "job_id", job.JobID, "image", job.Image, "repository", job.Repository)
	return s.summarize(job, models.StatusPending), nil
}

// ListJobs returns all configured jobs with their board status, sorted by id
func (s *Service) ListJobs(ctx context.Context) []*models.JobSummary {
	statuses := s.hub.Statuses().GetAll()

	s.mu.RLock()
	summaries := make([]*models.JobSummary, 0, len(s.jobs))
	for _, j := range s.jobs {
		summaries = append(summaries, s.summarize(j, statuses[j.JobID]))
	}
	s.mu.RUnlock()
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].JobID < summaries[j].JobID
	})

	s.getLogger(ctx).Debug("service: jobs listed", "count", len(summaries))
	return summaries
}

// GetJob returns one job with its board status
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.JobSummary, error) {
	job, ok := s.job(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	st, err := s.hub.Statuses().Get(jobID)
	if err != nil {
		return nil, ErrJobNotFound
	}
	return s.summarize(job, st), nil
}

func (s *Service) summarize(j *models.Job, st models.Status) *models.JobSummary {
	summary := &models.JobSummary{Job: j, Status: st}
	if b, err := s.hub.LatestBuild(j.JobID); err == nil {
		summary.LatestBuild = b.Number
	}
	return summary
}

// Statuses returns a snapshot of every job's board status
func (s *Service) Statuses(ctx context.Context) map[string]models.Status {
	return s.hub.Statuses().GetAll()
}

// TriggerBuild queues a new build of the job
func (s *Service) TriggerBuild(ctx context.Context, jobID string) (*models.Build, error) {
	logger := s.getLogger(ctx)

	job, ok := s.job(jobID)
	if !ok {
		logger.Debug("service: job not found", "job_id", jobID)
		return nil, ErrJobNotFound
	}
	if s.runner == nil {
		return nil, ErrNoExecutor
	}

	b, err := s.runner.Submit(job)
	if err != nil {
		logger.Error("service: trigger build failed", "job_id", jobID, "error", err)
		return nil, fmt.Errorf("trigger build: %w", err)
	}

	logger.Info("service: build triggered", "job_id", jobID, "build", b.Number)
	return b.Snapshot(), nil
}

// GetBuild returns one build. ref is a build number or "latest".
func (s *Service) GetBuild(ctx context.Context, jobID, ref string) (*models.Build, error) {
	b, err := s.resolveBuild(jobID, ref)
	if err != nil {
		s.getLogger(ctx).Debug("service: build lookup failed", "job_id", jobID, "build", ref, "error", err)
		return nil, err
	}
	return b.Snapshot(), nil
}

// ListBuilds returns the job's retained builds, newest first
func (s *Service) ListBuilds(ctx context.Context, jobID string) ([]*models.Build, error) {
	if _, ok := s.job(jobID); !ok {
		return nil, ErrJobNotFound
	}

	builds, err := s.hub.Builds(jobID)
	if err != nil {
		return nil, ErrJobNotFound
	}

	out := make([]*models.Build, 0, len(builds))
	for _, b := range builds {
		out = append(out, b.Snapshot())
	}
	s.getLogger(ctx).Debug("service: builds listed", "job_id", jobID, "count", len(out))
	return out, nil
}

// CancelBuild aborts a queued or running build
func (s *Service) CancelBuild(ctx context.Context, jobID, ref string) error {
	logger := s.getLogger(ctx)

	b, err := s.resolveBuild(jobID, ref)
	if err != nil {
		return err
	}
	if s.runner == nil {
		return ErrNoExecutor
	}

	logger.Info("service: cancelling build", "job_id", jobID, "build", b.Number)
	if err := s.runner.Cancel(jobID, b.Number); err != nil {
		logger.Debug("service: cancel build failed", "job_id", jobID, "build", b.Number, "error", err)
		return err
	}
	return nil
}

// OpenOutputStream prepares a session tailing a build's output from offset.
// Unknown jobs and builds are reported here, before any event is written.
func (s *Service) OpenOutputStream(ctx context.Context, jobID, ref string, offset int64) (*stream.OutputSession, error) {
	b, err := s.resolveBuild(jobID, ref)
	if err != nil {
		return nil, err
	}

	opts := s.streamOpts
	opts.Logger = s.getLogger(ctx)
	sess, err := stream.NewOutputSession(s.hub, jobID, b.Number, offset, opts)
	if err != nil {
		return nil, s.mapHubError(err)
	}

	s.getLogger(ctx).Info("service: output stream opened", "job_id", jobID, "build", b.Number, "offset", offset)
	return sess, nil
}

// OpenStatusStream prepares a session streaming the job status board
func (s *Service) OpenStatusStream(ctx context.Context) *stream.StatusSession {
	opts := s.streamOpts
	opts.Logger = s.getLogger(ctx)
	return stream.NewStatusSession(s.hub, opts)
}

// HealthCheck reports the job configuration, executor and stream state
func (s *Service) HealthCheck(ctx context.Context) map[string]interface{} {
	health := map[string]interface{}{
		"status":  "healthy",
		"service": "woodhouse",
		"checks":  make(map[string]interface{}),
	}

	checks := health["checks"].(map[string]interface{})

	s.mu.RLock()
	jobCount := len(s.jobs)
	s.mu.RUnlock()
	checks["job_config"] = map[string]interface{}{
		"status": "healthy",
		"count":  jobCount,
	}

	checks["streams"] = map[string]interface{}{
		"status":          "healthy",
		"active_sessions": s.hub.Sessions(),
		"status_sessions": s.hub.SessionsFor(hub.StatusTarget()),
		"status_version":  s.hub.Statuses().Version(),
	}

	if s.runner == nil {
		checks["executor"] = map[string]interface{}{
			"status": "external",
		}
	} else {
		checks["executor"] = map[string]interface{}{
			"status":        "healthy",
			"active_builds": len(s.runner.Active()),
		}
	}

	s.getLogger(ctx).Debug("health check completed", "status", health["status"])
	return health
}

// resolveBuild maps a job id and build reference to a hub build
func (s *Service) resolveBuild(jobID, ref string) (*hub.Build, error) {
	if _, ok := s.job(jobID); !ok {
		return nil, ErrJobNotFound
	}

	var (
		b   *hub.Build
		err error
	)
	if ref == LatestBuild {
		b, err = s.hub.LatestBuild(jobID)
	} else {
		n, perr := strconv.Atoi(ref)
		if perr != nil || n < 1 {
			return nil, ErrInvalidBuild
		}
		b, err = s.hub.Build(jobID, n)
	}
	if err != nil {
		return nil, s.mapHubError(err)
	}
	return b, nil
}

func (s *Service) mapHubError(err error) error {
	switch {
	case errors.Is(err, hub.ErrUnknownJob):
		return ErrJobNotFound
	case errors.Is(err, hub.ErrUnknownBuild):
		return ErrBuildNotFound
	default:
		return err
	}
}
