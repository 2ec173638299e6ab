package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lei/woodhouse/internal/models"
)

func testConfig() *Config {
	return &Config{
		Runner:  RunnerConfig{External: true},
		Jobs:    []*models.Job{{JobID: "b1", DisplayName: "Build One", Command: "true"}},
		Logging: LoggingConfig{Level: "error", Format: "text"},
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) succeeded")
	}

	cfg := testConfig()
	cfg.Retention.Schedule = "not a schedule"
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "retention.schedule") {
		t.Errorf("New() error = %v, want schedule error", err)
	}

	cfg = testConfig()
	cfg.Runner.AllowJobCreation = true
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "allow_job_creation") {
		t.Errorf("New() error = %v, want job creation error", err)
	}
}

func TestToInternalDefaults(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 9000},
		Auth:   AuthConfig{APIKeys: []APIKey{{Name: "ci", Key: "k"}}},
		Stream: StreamConfig{HeartbeatInterval: time.Second},
		Runner: RunnerConfig{WorkspaceDir: "/var/lib/woodhouse", AllowJobCreation: true},
	}

	internal := cfg.toInternal()
	if internal.Server.Port != 9000 || internal.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server = %+v", internal.Server)
	}
	if len(internal.Auth.APIKeys) != 1 || internal.Auth.APIKeys[0].Name != "ci" {
		t.Errorf("Auth = %+v", internal.Auth)
	}
	if internal.Stream.HeartbeatInterval != time.Second || internal.Stream.MaxChunkBytes != 32768 {
		t.Errorf("Stream = %+v", internal.Stream)
	}
	if internal.Runner.Concurrency != 4 || internal.Retention.Schedule != "@every 10m" {
		t.Errorf("Runner = %+v Retention = %+v", internal.Runner, internal.Retention)
	}
	if internal.Runner.DockerCommand != "docker" || internal.Runner.GitCommand != "git" {
		t.Errorf("Runner tools = %+v", internal.Runner)
	}
	if internal.Runner.WorkspaceDir != "/var/lib/woodhouse" || !internal.Runner.AllowJobCreation {
		t.Errorf("Runner workspace = %+v", internal.Runner)
	}
}

// An embedding program drives builds through Hub and clients tail them over HTTP.
func TestExternalExecutor(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	b, err := s.Hub().CreateBuild("b1")
	if err != nil {
		t.Fatalf("CreateBuild() error = %v", err)
	}
	b.Output.Append([]byte("compiling\n"))
	b.Output.MarkFinished(models.ResultSuccess)
	s.Hub().SetBuildStatus(b, models.StatusSucceeded)

	resp, err := http.Get(srv.URL + "/jobs/b1/builds/latest/output")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"id: 10\nevent: output\ndata: compiling\n", "event: end\ndata: Success\n"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("stream %q missing %q", body, want)
		}
	}

	resp, err = http.Post(srv.URL+"/jobs/b1/builds", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("trigger with external executor status = %d, want 501", resp.StatusCode)
	}
}

func TestSweepKeepsRecentBuilds(t *testing.T) {
	cfg := testConfig()
	cfg.Retention.MaxAge = time.Nanosecond
	cfg.Retention.KeepPerJob = 1
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		b, _ := s.Hub().CreateBuild("b1")
		b.Output.MarkFinished(models.ResultSuccess)
	}
	time.Sleep(time.Millisecond)
	s.sweep()

	builds, _ := s.Hub().Builds("b1")
	if len(builds) != 1 || builds[0].Number != 3 {
		t.Errorf("builds after sweep = %d, want only build 3", len(builds))
	}
}

func TestStartAndShutdown(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestNewFromFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	jobsPath := filepath.Join(dir, "jobs.yaml")
	os.WriteFile(cfgPath, []byte("logging:\n  level: error\nrunner:\n  concurrency: 1\n"), 0o600)
	os.WriteFile(jobsPath, []byte("jobs:\n  - job_id: hello\n    command: echo hello\n"), 0o600)

	s, err := NewFromFiles(cfgPath, jobsPath)
	if err != nil {
		t.Fatalf("NewFromFiles() error = %v", err)
	}
	if s.runner == nil {
		t.Fatal("NewFromFiles() did not create an executor")
	}
	if jobs := s.Service().ListJobs(context.Background()); len(jobs) != 1 || jobs[0].JobID != "hello" {
		t.Errorf("jobs = %+v", jobs)
	}

	if _, err := NewFromFiles(cfgPath, filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("NewFromFiles() with a missing jobs file succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v", err)
	}
}
