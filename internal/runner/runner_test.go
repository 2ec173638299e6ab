package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lei/woodhouse/internal/hub"
	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/internal/output"
	"github.com/lei/woodhouse/pkg/logger"
)

func newRunner(t *testing.T, opts Options, jobs ...string) (*Runner, *hub.Hub) {
	t.Helper()
	h := hub.New(logger.Discard(), nil)
	for _, id := range jobs {
		h.RegisterJob(id)
	}
	r := New(h, logger.Discard(), nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r, h
}

func waitFinished(t *testing.T, b *hub.Build) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		if finished, result := b.Output.Finished(); finished {
			return result
		}
		if _, err := b.Output.Wait(ctx, b.Output.Len()); err != nil {
			t.Fatalf("build %s/%d did not finish: %v", b.JobID, b.Number, err)
		}
	}
}

func readAll(t *testing.T, b *hub.Build) string {
	t.Helper()
	data, _, err := b.Output.Read(0, 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return string(data)
}

func TestRunnerResults(t *testing.T) {
	tests := []struct {
		name       string
		job        models.Job
		wantResult string
		wantStatus models.Status
		wantOutput string
	}{
		{
			name:       "success",
			job:        models.Job{Command: `sh -c "echo hi"`},
			wantResult: models.ResultSuccess,
			wantStatus: models.StatusSucceeded,
			wantOutput: "hi\n",
		},
		{
			name:       "exit status",
			job:        models.Job{Command: `sh -c "echo hi && exit 3"`},
			wantResult: "Failure: exit status 3",
			wantStatus: models.StatusFailed,
			wantOutput: "hi\n",
		},
		{
			name:       "stderr is captured",
			job:        models.Job{Command: `sh -c "echo oops >&2"`},
			wantResult: models.ResultSuccess,
			wantStatus: models.StatusSucceeded,
			wantOutput: "oops\n",
		},
		{
			name:       "env and dir",
			job:        models.Job{Command: `sh -c 'echo $GREETING; pwd'`, Dir: "/", Env: map[string]string{"GREETING": "hello"}},
			wantResult: models.ResultSuccess,
			wantStatus: models.StatusSucceeded,
			wantOutput: "hello\n/\n",
		},
		{
			name:       "missing binary",
			job:        models.Job{Command: "/definitely/not/here"},
			wantStatus: models.StatusFailed,
		},
		{
			name:       "empty command",
			job:        models.Job{Command: "  "},
			wantResult: "Error: empty command",
			wantStatus: models.StatusFailed,
		},
		{
			name:       "timeout",
			job:        models.Job{Command: "sleep 5", Timeout: 50 * time.Millisecond},
			wantResult: "Error: timed out after 50ms",
			wantStatus: models.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, h := newRunner(t, Options{Concurrency: 1, QueueSize: 4}, "job")
			r.Start()

			job := tt.job
			job.JobID = "job"
			b, err := r.Submit(&job)
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}

			result := waitFinished(t, b)
			if tt.wantResult != "" && result != tt.wantResult {
				t.Errorf("result = %q, want %q", result, tt.wantResult)
			}
			if tt.wantResult == "" && !strings.HasPrefix(result, "Error: ") {
				t.Errorf("result = %q, want an Error: result", result)
			}
			if got := readAll(t, b); got != tt.wantOutput {
				t.Errorf("output = %q, want %q", got, tt.wantOutput)
			}

			// The status is published right after the buffer finishes.
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if st, _ := h.Statuses().Get("job"); st == tt.wantStatus {
					break
				}
				time.Sleep(time.Millisecond)
			}
			if b.Status() != tt.wantStatus {
				t.Errorf("build status = %s, want %s", b.Status(), tt.wantStatus)
			}
			if st, _ := h.Statuses().Get("job"); st != tt.wantStatus {
				t.Errorf("job status = %s, want %s", st, tt.wantStatus)
			}
		})
	}
}

func TestRunnerUnknownJob(t *testing.T) {
	r, _ := newRunner(t, Options{Concurrency: 1, QueueSize: 1})
	if _, err := r.Submit(&models.Job{JobID: "ghost", Command: "true"}); !errors.Is(err, hub.ErrUnknownJob) {
		t.Errorf("Submit() error = %v, want %v", err, hub.ErrUnknownJob)
	}
}

func TestRunnerQueueFull(t *testing.T) {
	// Not started, so nothing drains the queue.
	r, h := newRunner(t, Options{Concurrency: 1, QueueSize: 1}, "job")
	job := &models.Job{JobID: "job", Command: "true"}

	first, err := r.Submit(job)
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	second, err := r.Submit(job)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Submit() error = %v, want %v", err, ErrQueueFull)
	}
	if finished, result := second.Output.Finished(); !finished || result != ResultQueueFull {
		t.Errorf("rejected build finished = %v result = %q", finished, result)
	}
	if second.Status() != models.StatusFailed {
		t.Errorf("rejected build status = %s, want failed", second.Status())
	}
	if st, _ := h.Statuses().Get("job"); st != models.StatusFailed {
		t.Errorf("job status = %s, want failed", st)
	}
	if first.Status() != models.StatusPending {
		t.Errorf("queued build status = %s, want pending", first.Status())
	}
}

func TestRunnerCancelQueued(t *testing.T) {
	r, _ := newRunner(t, Options{Concurrency: 1, QueueSize: 2}, "job")
	b, err := r.Submit(&models.Job{JobID: "job", Command: "true"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := r.Cancel("job", b.Number); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if finished, result := b.Output.Finished(); !finished || result != models.ResultAborted {
		t.Errorf("cancelled build finished = %v result = %q", finished, result)
	}
	if err := r.Cancel("job", b.Number); !errors.Is(err, ErrBuildNotRunning) {
		t.Errorf("second Cancel() error = %v, want %v", err, ErrBuildNotRunning)
	}

	// The worker must skip the aborted task.
	r.Start()
	next, err := r.Submit(&models.Job{JobID: "job", Command: "true"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if result := waitFinished(t, next); result != models.ResultSuccess {
		t.Errorf("next build result = %q", result)
	}
	if _, result := b.Output.Finished(); result != models.ResultAborted {
		t.Errorf("aborted build result changed to %q", result)
	}
}

func TestRunnerCancelRunning(t *testing.T) {
	r, _ := newRunner(t, Options{Concurrency: 1, QueueSize: 1}, "job")
	r.Start()

	b, err := r.Submit(&models.Job{JobID: "job", Command: `sh -c "echo started; exec sleep 10"`})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.Output.Wait(ctx, 0); err != nil {
		t.Fatalf("no output before cancel: %v", err)
	}

	if err := r.Cancel("job", b.Number); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if result := waitFinished(t, b); result != models.ResultAborted {
		t.Errorf("result = %q, want %q", result, models.ResultAborted)
	}
	if got := readAll(t, b); got != "started\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRunnerStop(t *testing.T) {
	r, _ := newRunner(t, Options{Concurrency: 1, QueueSize: 2}, "job")
	r.Start()

	running, err := r.Submit(&models.Job{JobID: "job", Command: `sh -c "echo go; exec sleep 10"`})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := running.Output.Wait(ctx, 0); err != nil {
		t.Fatalf("no output before stop: %v", err)
	}

	queued, err := r.Submit(&models.Job{JobID: "job", Command: "true"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for _, b := range []*hub.Build{running, queued} {
		if finished, result := b.Output.Finished(); !finished || result != models.ResultAborted {
			t.Errorf("build %d finished = %v result = %q, want aborted", b.Number, finished, result)
		}
	}
	if len(r.Active()) != 0 {
		t.Errorf("Active() = %d builds after stop", len(r.Active()))
	}
	if _, err := r.Submit(&models.Job{JobID: "job", Command: "true"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after stop error = %v, want %v", err, ErrStopped)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin"}, map[string]string{"B": "2", "A": "1"})
	want := []string{"PATH=/bin", "A=1", "B=2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("mergeEnv() = %v, want %v", got, want)
	}
}

type conflictWriter struct{}

func (conflictWriter) Write(p []byte) (int, error) {
	return 0, output.ErrWriterConflict
}

func TestCountingWriterLogsRejectedWrites(t *testing.T) {
	var logs bytes.Buffer
	cw := &countingWriter{w: conflictWriter{}, logger: logger.NewWithWriter(&logs, "info", "text")}

	for i := 0; i < 3; i++ {
		if _, err := cw.Write([]byte("line\n")); !errors.Is(err, output.ErrWriterConflict) {
			t.Fatalf("Write() error = %v, want %v", err, output.ErrWriterConflict)
		}
	}

	got := logs.String()
	if strings.Count(got, "build output rejected") != 1 {
		t.Errorf("want exactly one log line, got %q", got)
	}
	if !strings.Contains(got, "writer_conflict=true") || !strings.Contains(got, "dropped_bytes=5") {
		t.Errorf("log line missing conflict details: %q", got)
	}
}
