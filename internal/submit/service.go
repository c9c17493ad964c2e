// Package submit implements job creation with de-duplication, resubmission
// and waiting for a job to finish.
//
// Submissions of one job type are serialised by a distributed lock held only
// around the check-then-insert window. A submission whose canonical query
// already has a record returns that record's uid and enqueues nothing.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/repotrial/nedrexapi-v2d/internal/cache"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/lock"
	"github.com/repotrial/nedrexapi-v2d/internal/metrics"
	"github.com/repotrial/nedrexapi-v2d/internal/queue"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrJobFailed is returned by Wait when the job ends in failed.
	ErrJobFailed = errors.New("job failed")
)

// storeCheckEvery is how often Wait reads the store even when the status
// mirror reports the job in flight.
const storeCheckEvery = 5

// Enqueuer hands tasks to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, tasks ...queue.Task) error
}

// Attachment is a file that belongs to a submission, such as an uploaded
// expression matrix. It is staged only when a new record is created.
type Attachment interface {
	// Stage moves the file into place for job uid and returns metadata to
	// store on the record.
	Stage(uid uuid.UUID) (map[string]any, error)
	// Discard undoes Stage.
	Discard(uid uuid.UUID) error
}

// Service is the submission front end shared by the HTTP handlers.
type Service struct {
	store   store.Store
	cache   cache.Cache
	locks   *lock.Locker
	queue   Enqueuer
	types   *jobtype.Registry
	metrics *metrics.Metrics

	pollInterval time.Duration
	newUID       func() uuid.UUID
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPollInterval sets how often Wait checks the job status.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollInterval = d }
}

func NewService(st store.Store, ca cache.Cache, locks *lock.Locker, q Enqueuer, types *jobtype.Registry, opts ...Option) *Service {
	s := &Service{
		store:        st,
		cache:        ca,
		locks:        locks,
		queue:        q,
		types:        types,
		pollInterval: time.Minute,
		newUID:       uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Types returns the job type registry.
func (s *Service) Types() *jobtype.Registry { return s.types }

// Submit validates body for jobType and returns the uid of the job computing
// it, creating and enqueueing the job when no identical one exists.
// Validation errors are returned before any lock is taken. A
// *lock.TimeoutError means nothing was created and the caller may retry.
func (s *Service) Submit(ctx context.Context, jobType string, body []byte, att Attachment) (uuid.UUID, error) {
	def, ok := s.types.Lookup(jobType)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	query, err := def.Build(body)
	if err != nil {
		s.metrics.Submission(def.Name, metrics.OutcomeInvalid)
		return uuid.Nil, err
	}
	uid, created, err := s.create(ctx, def, query, att)
	if err != nil {
		s.metrics.Submission(def.Name, metrics.OutcomeError)
		return uuid.Nil, err
	}
	if !created {
		s.metrics.Submission(def.Name, metrics.OutcomeDuplicate)
		slog.Debug("duplicate submission", "job_type", def.Name, "uid", uid)
		return uid, nil
	}
	s.metrics.Submission(def.Name, metrics.OutcomeCreated)
	_ = s.cache.SetJobStatus(ctx, uid, models.JobStatusSubmitted, cache.StatusTTL)
	slog.Info("job submitted", "job_type", def.Name, "uid", uid)
	return uid, nil
}

func (s *Service) create(ctx context.Context, def *jobtype.Definition, query models.Query, att Attachment) (uuid.UUID, bool, error) {
	hash, err := query.Hash()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("hash query: %w", err)
	}

	start := time.Now()
	lk, err := s.locks.Acquire(ctx, def.Name)
	s.metrics.LockWait(time.Since(start))
	if err != nil {
		return uuid.Nil, false, err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("release submission lock", "job_type", def.Name, "error", err)
		}
	}()

	existing, err := s.store.FindJobByQuery(ctx, def.Name, hash)
	if err == nil {
		return existing.UID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, false, fmt.Errorf("find job: %w", err)
	}

	job := &models.Job{
		UID:       s.newUID(),
		Type:      def.Name,
		QueryHash: hash,
		Query:     query,
		Status:    models.JobStatusSubmitted,
	}
	if att != nil {
		meta, err := att.Stage(job.UID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("stage attachment: %w", err)
		}
		job.Metadata = meta
	}

	uid, created, err := s.store.InsertJobIfAbsent(ctx, job)
	if err != nil || !created {
		// the unique index caught a record this lock did not see
		s.discard(att, job.UID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("insert job: %w", err)
		}
		return uid, false, nil
	}

	if err := s.queue.Enqueue(ctx, queue.Task{Type: def.Name, UID: uid}); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, fmt.Errorf("enqueue job: %w", err))
		if derr := s.store.DeleteJob(context.WithoutCancel(ctx), uid); derr != nil {
			result = multierror.Append(result, fmt.Errorf("roll back job: %w", derr))
		}
		s.discard(att, uid)
		return uuid.Nil, false, result.ErrorOrNil()
	}
	return uid, true, nil
}

func (s *Service) discard(att Attachment, uid uuid.UUID) {
	if att == nil {
		return
	}
	if err := att.Discard(uid); err != nil {
		slog.Warn("discard attachment", "uid", uid, "error", err)
	}
}

// Get returns the job uid if it is served by the routes of family, which is
// a job type name or a family such as "validation".
func (s *Service) Get(ctx context.Context, family string, uid uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !s.types.InFamily(family, job.Type) {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// Resubmit resets a finished job to submitted and enqueues it again under
// the same uid. The stored query is reduced to the fields of its job type and
// previous results and error are dropped. Jobs still submitted or running
// yield store.ErrInvalidTransition.
func (s *Service) Resubmit(ctx context.Context, family string, uid uuid.UUID) (*models.Job, error) {
	job, err := s.Get(ctx, family, uid)
	if err != nil {
		return nil, err
	}
	def, ok := s.types.Lookup(job.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}

	updated, err := s.store.ResubmitJob(ctx, uid, job.Query.Keep(def.Fields))
	if err != nil {
		return nil, err
	}
	// a failed enqueue leaves the job submitted; the worker's recovery sweep
	// picks it up
	if err := s.queue.Enqueue(ctx, queue.Task{Type: def.Name, UID: uid}); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	_ = s.cache.SetJobStatus(ctx, uid, models.JobStatusSubmitted, cache.StatusTTL)
	slog.Info("job resubmitted", "job_type", def.Name, "uid", uid)
	return updated, nil
}

// Wait polls until job uid is completed or failed and returns the final
// record. A failed job is returned together with an error wrapping
// ErrJobFailed.
func (s *Service) Wait(ctx context.Context, uid uuid.UUID) (*models.Job, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		job, err := s.poll(ctx, uid, i%storeCheckEvery == 0)
		if err != nil {
			return nil, err
		}
		if job != nil {
			if job.Status == models.JobStatusFailed {
				msg := ""
				if job.Error != nil {
					msg = *job.Error
				}
				return job, fmt.Errorf("%w: %s", ErrJobFailed, msg)
			}
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll returns the job once it is terminal and nil while it is not. Unless
// fromStore is set, a non-terminal status in the mirror answers without a
// store read. Mirror writes are best effort, so the store is still read
// every storeCheckEvery polls.
func (s *Service) poll(ctx context.Context, uid uuid.UUID, fromStore bool) (*models.Job, error) {
	if !fromStore {
		if status, ok, err := s.cache.GetJobStatus(ctx, uid); err == nil && ok && !models.IsTerminal(status) {
			return nil, nil
		}
	}
	job, err := s.store.GetJob(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !models.IsTerminal(job.Status) {
		return nil, nil
	}
	return job, nil
}
