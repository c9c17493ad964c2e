package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusSubmitted = "submitted"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job is the persisted state of one submitted unit of work. Clients submit to
// POST /{type}/submit, receive the uid and poll GET /{type}/status?uid= until
// the status is completed or failed.
type Job struct {
	UID         uuid.UUID      `db:"uid"`
	Type        string         `db:"job_type"`
	QueryHash   string         `db:"query_hash"`
	Query       Query          `db:"canonical_query"`
	Metadata    map[string]any `db:"metadata"`
	Status      string         `db:"status"`
	Results     map[string]any `db:"results"`
	Error       *string        `db:"error"`
	StartedAt   *time.Time     `db:"started_at"`
	CompletedAt *time.Time     `db:"completed_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Record flattens the job into the document clients see: the canonical query
// fields side by side with uid and status, plus error or results when the job
// has reached the matching terminal state.
func (j *Job) Record() map[string]any {
	rec := make(map[string]any, len(j.Query)+len(j.Metadata)+6)
	for k, v := range j.Query {
		rec[k] = v
	}
	for k, v := range j.Metadata {
		rec[k] = v
	}
	rec["uid"] = j.UID.String()
	rec["status"] = j.Status
	if j.Status == JobStatusFailed && j.Error != nil {
		rec["error"] = *j.Error
	}
	if j.Status == JobStatusCompleted && j.Results != nil {
		rec["results"] = j.Results
	}
	if !j.CreatedAt.IsZero() {
		rec["submitted_at"] = j.CreatedAt.UTC().Format(time.RFC3339)
	}
	if j.StartedAt != nil {
		rec["started_at"] = j.StartedAt.UTC().Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		rec["completed_at"] = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	return rec
}

func (j *Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.Record())
}
