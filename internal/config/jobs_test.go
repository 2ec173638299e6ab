package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseJobs(t *testing.T) {
	jobs, err := ParseJobs([]byte(`
jobs:
  - job_id: build-app
    display_name: Build App
    command: make build
    dir: /src/app
    env:
      GOFLAGS: -mod=vendor
    timeout: 10m
  - job_id: lint
    command: sh -c 'echo $HOME'
  - job_id: test-web
    command: npm test
    image: node:22
    repository: https://github.com/lei/web.git
    dir: frontend
`))
	if err != nil {
		t.Fatalf("ParseJobs() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}

	app := jobs[0]
	if app.JobID != "build-app" || app.DisplayName != "Build App" || app.Command != "make build" {
		t.Errorf("jobs[0] = %+v", app)
	}
	if app.Dir != "/src/app" || app.Env["GOFLAGS"] != "-mod=vendor" || app.Timeout != 10*time.Minute {
		t.Errorf("jobs[0] execution settings = %+v", app)
	}

	lint := jobs[1]
	if lint.DisplayName != "lint" {
		t.Errorf("DisplayName = %q, want job_id fallback", lint.DisplayName)
	}
	if lint.Command != `sh -c 'echo $HOME'` {
		t.Errorf("Command = %q, shell variables must not be expanded", lint.Command)
	}
	if lint.Image != "" || lint.Repository != "" {
		t.Errorf("lint runs on the host, got %+v", lint)
	}

	web := jobs[2]
	if web.Image != "node:22" || web.Repository != "https://github.com/lei/web.git" || web.Dir != "frontend" {
		t.Errorf("jobs[2] = %+v", web)
	}
}

func TestParseJobsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", "jobs:\n  - command: make\n", "missing job_id"},
		{"bad id", "jobs:\n  - job_id: a/b\n    command: make\n", "job_id may only contain"},
		{"duplicate", "jobs:\n  - job_id: a\n    command: x\n  - job_id: a\n    command: y\n", "duplicate job_id"},
		{"missing command", "jobs:\n  - job_id: a\n", "missing command"},
		{"blank command", "jobs:\n  - job_id: a\n    command: \"  \"\n    image: alpine\n", "missing command"},
		{"negative timeout", "jobs:\n  - job_id: a\n    command: x\n    timeout: -1s\n", "negative timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobs([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseJobs() error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}
