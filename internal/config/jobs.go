package config

import (
	"fmt"
	"os"
	"time"

	"github.com/lei/woodhouse/internal/models"
	"gopkg.in/yaml.v3"
)

// JobsConfig represents the jobs configuration file structure
type JobsConfig struct {
	Jobs []JobDefinition `yaml:"jobs"`
}

// JobDefinition represents a job definition in the config file
type JobDefinition struct {
	JobID       string            `yaml:"job_id"`
	DisplayName string            `yaml:"display_name"`
	Command     string            `yaml:"command"`
	Image       string            `yaml:"image"`
	Repository  string            `yaml:"repository"`
	Dir         string            `yaml:"dir"`
	Env         map[string]string `yaml:"env"`
	Timeout     time.Duration     `yaml:"timeout"`
}

// LoadJobs reads and parses the jobs configuration file
func LoadJobs(path string) ([]*models.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs config file: %w", err)
	}
	return ParseJobs(data)
}

// ParseJobs parses a jobs document. Job ids must be unique and usable as a
// URL path segment.
func ParseJobs(data []byte) ([]*models.Job, error) {
	var cfg JobsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse jobs config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	jobs := make([]*models.Job, 0, len(cfg.Jobs))
	for i, jd := range cfg.Jobs {
		if jd.JobID == "" {
			return nil, fmt.Errorf("job at index %d missing job_id", i)
		}
		if seen[jd.JobID] {
			return nil, fmt.Errorf("duplicate job_id %q", jd.JobID)
		}
		seen[jd.JobID] = true

		name := jd.DisplayName
		if name == "" {
			name = jd.JobID
		}
		job := &models.Job{
			JobID:       jd.JobID,
			DisplayName: name,
			Command:     jd.Command,
			Image:       jd.Image,
			Repository:  jd.Repository,
			Dir:         jd.Dir,
			Env:         jd.Env,
			Timeout:     jd.Timeout,
		}
		if err := job.Validate(); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}
