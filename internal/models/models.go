package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Job represents a runnable CI job
type Job struct {
	JobID       string `json:"job_id"`
	DisplayName string `json:"display_name"`
	Command     string `json:"command"`

	// Image runs the command inside this docker image instead of on the host
	Image string `json:"image,omitempty"`

	// Repository is cloned fresh for every build and used as the workspace
	Repository string `json:"repository,omitempty"`

	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Validate checks that the job can be addressed by URL and run
func (j *Job) Validate() error {
	switch {
	case j.JobID == "":
		return errors.New("missing job_id")
	case !jobIDPattern.MatchString(j.JobID):
		return fmt.Errorf("job %q: job_id may only contain letters, digits, '.', '_' and '-'", j.JobID)
	case strings.TrimSpace(j.Command) == "":
		return fmt.Errorf("job %s missing command", j.JobID)
	case j.Timeout < 0:
		return fmt.Errorf("job %s has a negative timeout", j.JobID)
	}
	return nil
}

// JobSummary is a job together with its current board status
type JobSummary struct {
	*Job
	Status      Status `json:"status"`
	LatestBuild int    `json:"latest_build,omitempty"`
}

// Build represents a single execution of a job
type Build struct {
	JobID        string     `json:"job_id"`
	Number       int        `json:"number"`
	Status       Status     `json:"status"`
	Finished     bool       `json:"finished"`
	Result       string     `json:"result,omitempty"`
	OutputLength int64      `json:"output_length"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Status represents the state of a job or build
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a finished state
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Result texts recorded when a build finishes
const (
	ResultSuccess = "Success"
	ResultAborted = "Aborted"
)

// EventType names a streamed event
type EventType string

const (
	EventTypeOutput EventType = "output"
	EventTypeEnd    EventType = "end"
	EventTypeJobs   EventType = "jobs"

	// EventTypeOffsetError is not named "error" so that it cannot be
	// confused with EventSource's own connection error event
	EventTypeOffsetError EventType = "offset_error"
)
