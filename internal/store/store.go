package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a status update or resubmission does
// not follow submitted -> running -> {completed|failed} -> submitted.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrNotRevokable is returned when deleting a key created with revokable=false.
var ErrNotRevokable = errors.New("api key is not revokable")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// FindJobByQuery returns the job of the given type whose canonical query
	// hashes to queryHash, or ErrNotFound.
	FindJobByQuery(ctx context.Context, jobType, queryHash string) (*models.Job, error)
	GetJob(ctx context.Context, uid uuid.UUID) (*models.Job, error)
	// InsertJobIfAbsent inserts job unless a job with the same type and query
	// hash exists. It returns the uid of the stored job and whether it was
	// created by this call.
	InsertJobIfAbsent(ctx context.Context, job *models.Job) (uuid.UUID, bool, error)
	UpdateJobStatus(ctx context.Context, uid uuid.UUID, status string, opts ...JobUpdateOption) error
	// ResubmitJob replaces the query of a terminal job, clears its results and
	// error and resets it to submitted.
	ResubmitJob(ctx context.Context, uid uuid.UUID, query models.Query) (*models.Job, error)
	DeleteJob(ctx context.Context, uid uuid.UUID) error
	ListJobsByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	DeleteAPIKey(ctx context.Context, id uuid.UUID) error
	DeleteExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error)
}

var validTransitions = map[string][]string{
	models.JobStatusSubmitted: {models.JobStatusRunning},
	models.JobStatusRunning:   {models.JobStatusCompleted, models.JobStatusFailed},
}

// allowedFrom returns the statuses a job may be in before moving to status.
func allowedFrom(status string) []string {
	var from []string
	for cur, next := range validTransitions {
		for _, n := range next {
			if n == status {
				from = append(from, cur)
			}
		}
	}
	return from
}

// CanTransition reports whether a job may move from one status to another
// through UpdateJobStatus.
func CanTransition(from, to string) bool {
	for _, n := range validTransitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	ErrorMessage *string
	Results      map[string]any
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithResults(results map[string]any) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Results = results
	}
}

// ApplyJobUpdate mutates job the same way UpdateJobStatus does in the database.
// In-memory implementations share it so both agree on field semantics.
func ApplyJobUpdate(job *models.Job, status string, now time.Time, opts ...JobUpdateOption) error {
	if !CanTransition(job.Status, status) {
		return ErrInvalidTransition
	}
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	job.Status = status
	job.UpdatedAt = now
	switch status {
	case models.JobStatusRunning:
		job.StartedAt = &now
	case models.JobStatusCompleted, models.JobStatusFailed:
		job.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		job.Error = &msg
	}
	if params.Results != nil {
		job.Results = params.Results
	}
	return nil
}
