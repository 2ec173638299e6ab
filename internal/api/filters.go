package api

import (
	"strconv"
	"strings"

	"github.com/lei/woodhouse/internal/models"
)

// FilterJobs filters job summaries based on query parameters. search matches
// the job id or display name; active keeps pending and running jobs (or,
// when false, only finished ones).
func FilterJobs(jobs []*models.JobSummary, search string, status *models.Status, active *bool) []*models.JobSummary {
	if search == "" && status == nil && active == nil {
		return jobs
	}

	filtered := make([]*models.JobSummary, 0, len(jobs))
	searchLower := strings.ToLower(search)

	for _, j := range jobs {
		if search != "" &&
			!strings.Contains(strings.ToLower(j.JobID), searchLower) &&
			!strings.Contains(strings.ToLower(j.DisplayName), searchLower) {
			continue
		}

		if status != nil && j.Status != *status {
			continue
		}

		if active != nil && j.Status.Terminal() == *active {
			continue
		}

		filtered = append(filtered, j)
	}

	return filtered
}

// parseStatusParam parses the status query parameter; unknown values yield nil
// and ok=false
func parseStatusParam(value string) (*models.Status, bool) {
	if value == "" {
		return nil, true
	}
	st := models.Status(strings.ToLower(value))
	if !st.Valid() {
		return nil, false
	}
	return &st, true
}

// parseBoolParam accepts anything strconv.ParseBool does; other values
// leave the filter off
func parseBoolParam(value string) *bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return nil
	}
	return &b
}
