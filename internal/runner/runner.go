// Package runner executes job commands on a bounded worker pool and streams
// their combined output into the hub's build buffers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/lei/woodhouse/internal/hub"
	"github.com/lei/woodhouse/internal/metrics"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/output"
	"github.com/lei/woodhouse/pkg/logger"
	"go.uber.org/multierr"
)

var (
	// ErrQueueFull indicates no worker slot or queue space was available
	ErrQueueFull = errors.New("build queue full")
	// ErrBuildNotRunning indicates the build already finished or is unknown to the runner
	ErrBuildNotRunning = errors.New("build not running")
	// ErrStopped indicates the runner no longer accepts builds
	ErrStopped = errors.New("runner stopped")
)

// Result texts for builds that never produced an exit status
const (
	ResultQueueFull = "Error: build queue full"
)

// waitDelay bounds how long Wait lingers on output pipes held open by
// orphaned grandchildren after the command exits.
const waitDelay = 5 * time.Second

// Options size the worker pool and name the external tools it runs
type Options struct {
	Concurrency int
	QueueSize   int

	// Docker is the docker CLI used for jobs with an image, "docker" if empty
	Docker string

	// Git is the git binary used to clone job repositories, "git" if empty
	Git string

	// Workspace is the parent directory of per-build checkouts, the system
	// temp dir if empty
	Workspace string
}

type taskState int

const (
	taskQueued taskState = iota
	taskRunning
	taskDone
)

type buildKey struct {
	jobID  string
	number int
}

type task struct {
	job    *models.Job
	build  *hub.Build
	ctx    context.Context
	cancel context.CancelFunc
	state  taskState
}

// Runner is a fixed-size pool of workers running builds from a bounded queue
type Runner struct {
	hub     *hub.Hub
	metrics *metrics.Metrics
	logger  *logger.Logger

	workers   int
	queue     chan *task
	wg        sync.WaitGroup
	docker    string
	git       string
	workspace string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[buildKey]*task
	started bool
	stopped bool
}

// New creates a runner. Call Start before submitting builds.
func New(h *hub.Hub, log *logger.Logger, m *metrics.Metrics, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Docker == "" {
		opts.Docker = "docker"
	}
	if opts.Git == "" {
		opts.Git = "git"
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		hub:     h,
		metrics: m,
		logger:  log,
		workers:   opts.Concurrency,
		queue:     make(chan *task, opts.QueueSize),
		docker:    opts.Docker,
		git:       opts.Git,
		workspace: opts.Workspace,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[buildKey]*task),
	}
}

// Start launches the workers
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	r.logger.Info("runner: starting worker pool", "workers", r.workers, "queue_size", cap(r.queue))
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

// Submit creates the job's next build and queues it. When the queue is full
// the build is finished straight away as failed and ErrQueueFull is returned
// alongside it.
func (r *Runner) Submit(job *models.Job) (*hub.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, ErrStopped
	}

	b, err := r.hub.CreateBuild(job.JobID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t := &task{job: job, build: b, ctx: ctx, cancel: cancel}

	select {
	case r.queue <- t:
		r.tasks[buildKey{b.JobID, b.Number}] = t
		r.logger.Info("runner: build queued", "job_id", b.JobID, "build", b.Number, "queued", len(r.queue))
		return b, nil
	default:
		cancel()
		t.state = taskDone
		r.logger.Warn("runner: queue full, rejecting build", "job_id", b.JobID, "build", b.Number)
		if err := r.finish(t, ResultQueueFull); err != nil {
			return b, multierr.Append(ErrQueueFull, err)
		}
		return b, ErrQueueFull
	}
}

// Cancel aborts a queued or running build. A queued build is finished
// immediately; a running one is killed and finished by its worker.
func (r *Runner) Cancel(jobID string, number int) error {
	r.mu.Lock()
	t, ok := r.tasks[buildKey{jobID, number}]
	if !ok || t.state == taskDone {
		r.mu.Unlock()
		return ErrBuildNotRunning
	}

	t.cancel()
	queued := t.state == taskQueued
	if queued {
		t.state = taskDone
		delete(r.tasks, buildKey{jobID, number})
	}
	r.mu.Unlock()

	r.logger.Info("runner: build cancelled", "job_id", jobID, "build", number, "queued", queued)
	if queued {
		return r.finish(t, models.ResultAborted)
	}
	return nil
}

// Active returns the builds currently queued or running, oldest first
func (r *Runner) Active() []*hub.Build {
	r.mu.Lock()
	defer r.mu.Unlock()

	builds := make([]*hub.Build, 0, len(r.tasks))
	for _, t := range r.tasks {
		builds = append(builds, t.build)
	}
	sort.Slice(builds, func(i, j int) bool {
		return builds[i].CreatedAt.Before(builds[j].CreatedAt)
	})
	return builds
}

// Stop kills running builds, aborts queued ones and waits for the workers
// to exit or ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.cancel()

	var queued []*task
	for key, t := range r.tasks {
		if t.state == taskQueued {
			t.state = taskDone
			queued = append(queued, t)
			delete(r.tasks, key)
		}
	}
	close(r.queue)
	r.mu.Unlock()

	r.logger.Info("runner: stopping worker pool", "aborted_queued", len(queued))

	var err error
	for _, t := range queued {
		err = multierr.Append(err, r.finish(t, models.ResultAborted))
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("runner: worker pool stopped")
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for workers: %w", ctx.Err()))
	}
	return err
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("runner: worker started", "worker_id", id)
	for t := range r.queue {
		r.mu.Lock()
		if t.state != taskQueued {
			r.mu.Unlock()
			continue
		}
		t.state = taskRunning
		r.mu.Unlock()

		result := r.execute(t)
		if err := r.finish(t, result); err != nil {
			r.logger.Error("runner: finishing build", "job_id", t.build.JobID, "build", t.build.Number, "error", err)
		}

		r.mu.Lock()
		t.state = taskDone
		delete(r.tasks, buildKey{t.build.JobID, t.build.Number})
		r.mu.Unlock()
		t.cancel()
	}
	r.logger.Debug("runner: worker stopped", "worker_id", id)
}

// execute runs the job's command and returns the build result text. A job
// with a repository gets a fresh clone, removed again before the result is
// recorded.
func (r *Runner) execute(t *task) string {
	log := r.logger.With("job_id", t.build.JobID, "build", t.build.Number)
	r.hub.SetBuildStatus(t.build, models.StatusRunning)

	argv, err := Chunk(t.job.Command)
	if err != nil {
		return "Error: " + err.Error()
	}
	if len(argv) == 0 {
		return "Error: empty command"
	}

	execCtx := t.ctx
	if t.job.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(t.ctx, t.job.Timeout)
		defer cancel()
	}

	out := &countingWriter{w: t.build.Output, metrics: r.metrics, logger: log}
	start := time.Now()

	var checkout string
	if t.job.Repository != "" {
		log.Info("runner: cloning repository", "repository", t.job.Repository)
		checkout, err = r.checkout(execCtx, t.job.Repository, out)
		if checkout != "" {
			defer removeCheckout(log, checkout)
		}
		if err != nil {
			log.Warn("runner: clone failed", "repository", t.job.Repository, "error", err)
			if res, ok := interrupted(t, execCtx); ok {
				return res
			}
			return "Error: fetching repository: " + err.Error()
		}
	}

	cmd := r.command(execCtx, t.job, argv, checkout)
	// One writer for both streams so the buffer sees a single writer.
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	log.Info("runner: build started", "argv", argv, "image", t.job.Image)
	err = cmd.Run()
	log.Info("runner: build exited",
		"duration_ms", time.Since(start).Milliseconds(),
		"output_bytes", out.n,
		"error", err)

	if res, ok := interrupted(t, execCtx); ok {
		return res
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return models.ResultSuccess
	case errors.As(err, &exitErr):
		return "Failure: " + exitErr.Error()
	default:
		return "Error: " + err.Error()
	}
}

// interrupted reports the result for a build stopped by Cancel, Stop or its
// timeout
func interrupted(t *task, execCtx context.Context) (string, bool) {
	switch {
	case t.ctx.Err() != nil:
		return models.ResultAborted, true
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("Error: timed out after %s", t.job.Timeout), true
	}
	return "", false
}

// finish marks the buffer finished before publishing the terminal status,
// so a status watcher that sees the change can always read the full output.
func (r *Runner) finish(t *task, result string) error {
	err := t.build.Output.MarkFinished(result)

	st := models.StatusFailed
	if result == models.ResultSuccess {
		st = models.StatusSucceeded
	}
	r.hub.SetBuildStatus(t.build, st)
	r.metrics.BuildFinished(string(st))

	r.logger.Info("runner: build finished",
		"job_id", t.build.JobID,
		"build", t.build.Number,
		"status", st,
		"result", result)
	return err
}

// countingWriter feeds command output into a build buffer. exec.Cmd calls
// it from one goroutine at a time when stdout and stderr share it.
type countingWriter struct {
	w       io.Writer
	metrics *metrics.Metrics
	logger  *logger.Logger
	n       int64
	failed  bool
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.metrics.OutputAppended(n)
	if err != nil && !c.failed {
		// Only the first rejection is logged; the command's Wait reports it too.
		c.failed = true
		c.logger.Error("runner: build output rejected",
			"error", err,
			"writer_conflict", errors.Is(err, output.ErrWriterConflict),
			"dropped_bytes", len(p)-n)
	}
	return n, err
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
