// Package worker executes queued jobs.
//
// A Pool runs Concurrency claim loops and one expiration watchdog. Each job
// moves submitted -> running -> completed|failed in the store, with the
// status mirrored into the cache, and its queue claim is acked only after
// the final status is written. A job cut short by the task deadline, a
// panic or a shutdown is marked failed; a claim that outlives the queue TTL
// is handed to OnExpire.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/repotrial/nedrexapi-v2d/internal/cache"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/metrics"
	"github.com/repotrial/nedrexapi-v2d/internal/queue"
	"github.com/repotrial/nedrexapi-v2d/internal/runner"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

const shutdownMessage = "worker shut down before completion"

const recoverLimit = 1000

// Pool consumes the task queue.
type Pool struct {
	// Required components
	Store store.Store
	Cache cache.Cache
	Queue *queue.Queue
	Redis redis.UniversalClient
	Types *jobtype.Registry
	Env   *jobtype.Env
	// Optional
	Metrics *metrics.Metrics
	// Required config
	Name         string // claimer prefix, unique per process
	Concurrency  int
	PollInterval time.Duration // sleep between claims when the queue is empty
	TaskTimeout  time.Duration
	WorkRoot     string // parent of per-job scratch directories, os.TempDir() when empty
}

// Run recovers orphaned submissions and then processes tasks until ctx is
// cancelled. It returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.Recover(ctx); err != nil {
		slog.Error("recover submitted jobs", "error", err)
	} else if n > 0 {
		slog.Info("re-enqueued submitted jobs", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(p.Concurrency, 1); i++ {
		claimer := fmt.Sprintf("%s-%d", p.Name, i)
		g.Go(func() error { return p.loop(gctx, claimer) })
	}
	expirer := &queue.ExpirationWorker{
		Log:          slog.Default(),
		Redis:        p.Redis,
		Callback:     p.OnExpire,
		Keys:         p.Queue.Keys(),
		EmptyBackoff: p.PollInterval,
		BatchSize:    64,
	}
	g.Go(func() error { return expirer.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pool) loop(ctx context.Context, claimer string) error {
	slog.Info("worker slot started", "claimer", claimer)
	for {
		if ctx.Err() != nil {
			return nil
		}
		tasks, err := p.Queue.Claim(ctx, claimer, 1)
		if err != nil && ctx.Err() == nil {
			slog.Error("claim task", "claimer", claimer, "error", err)
		}
		if len(tasks) == 0 {
			if !sleep(ctx, p.PollInterval) {
				return nil
			}
			continue
		}
		if err := p.Process(ctx, claimer, tasks[0]); err != nil {
			slog.Error("process task", "task", tasks[0].ID(), "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Process runs one claimed task to a terminal status and acks it.
func (p *Pool) Process(ctx context.Context, claimer string, task queue.Task) error {
	def, ok := p.Types.Lookup(task.Type)
	if !ok {
		slog.Error("unknown job type in queue", "task", task.ID())
		return p.Queue.Ack(ctx, claimer, task)
	}

	if err := p.Store.UpdateJobStatus(ctx, task.UID, models.JobStatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			// stale task: already run, or the record was rolled back
			slog.Warn("skipping task", "task", task.ID(), "reason", err)
			return p.Queue.Ack(ctx, claimer, task)
		}
		// the claim stays; OnExpire re-enqueues the still submitted job
		return fmt.Errorf("mark running: %w", err)
	}
	p.mirror(ctx, task, models.JobStatusRunning)

	job, err := p.Store.GetJob(ctx, task.UID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	slog.Info("job started", "job_type", job.Type, "uid", job.UID)
	start := time.Now()
	results, runErr := p.execute(ctx, def, job)
	duration := time.Since(start)

	final := context.WithoutCancel(ctx)
	status := models.JobStatusCompleted
	var writeErr error
	if runErr != nil {
		status = models.JobStatusFailed
		msg := failureMessage(ctx, runErr)
		slog.Error("job failed", "job_type", job.Type, "uid", job.UID, "duration_ms", duration.Milliseconds(), "error", msg)
		if err := p.Store.UpdateJobStatus(final, job.UID, status, store.WithErrorMessage(msg)); err != nil {
			writeErr = fmt.Errorf("mark failed: %w", err)
		}
	} else {
		slog.Info("job completed", "job_type", job.Type, "uid", job.UID, "duration_ms", duration.Milliseconds())
		if err := p.Store.UpdateJobStatus(final, job.UID, status, store.WithResults(results)); err != nil {
			writeErr = fmt.Errorf("mark completed: %w", err)
		}
	}
	p.Metrics.Run(job.Type, status, duration)
	if writeErr != nil {
		// the store still says running; the claim stays so OnExpire fails
		// the job once it expires
		return writeErr
	}
	p.mirror(final, task, status)

	if err := p.Queue.Ack(final, claimer, task); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// execute runs the job in a scratch directory under the task deadline.
func (p *Pool) execute(ctx context.Context, def *jobtype.Definition, job *models.Job) (results map[string]any, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.TaskTimeout)
	defer cancel()

	workDir, err := os.MkdirTemp(p.WorkRoot, job.Type+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("remove work dir", "dir", workDir, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job", "job_type", job.Type, "uid", job.UID, "error", r, "stack", string(debug.Stack()))
			results, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	results, err = def.Run(ctx, &jobtype.Execution{Env: p.Env, Job: job, WorkDir: workDir})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, runner.ErrTimeout) {
		err = fmt.Errorf("%w: %s did not finish within %s: %v", runner.ErrTimeout, def.Title, p.TaskTimeout, err)
	}
	return results, err
}

// failureMessage is the error stored on a failed job.
func failureMessage(parent context.Context, err error) string {
	if parent.Err() != nil {
		return shutdownMessage
	}
	return err.Error()
}

func (p *Pool) mirror(ctx context.Context, task queue.Task, status string) {
	_ = p.Cache.SetJobStatus(ctx, task.UID, status, cache.StatusTTL)
}

// OnExpire handles a claim that outlived the queue TTL, which means the
// worker holding it died. A running job is failed with a timeout, a job that
// never started is enqueued again and finished jobs are left alone.
func (p *Pool) OnExpire(ctx context.Context, task queue.Task, claimer string) error {
	job, err := p.Store.GetJob(ctx, task.UID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load expired job: %w", err)
	}
	p.Metrics.Expired(task.Type)

	switch job.Status {
	case models.JobStatusRunning:
		title := task.Type
		if def, ok := p.Types.Lookup(task.Type); ok {
			title = def.Title
		}
		msg := fmt.Sprintf("%s: %s was abandoned by %s before it finished", runner.ErrTimeout, title, claimer)
		if err := p.Store.UpdateJobStatus(ctx, task.UID, models.JobStatusFailed, store.WithErrorMessage(msg)); err != nil {
			return fmt.Errorf("fail expired job: %w", err)
		}
		p.mirror(ctx, task, models.JobStatusFailed)
		slog.Warn("expired job failed", "task", task.ID(), "claimer", claimer)
	case models.JobStatusSubmitted:
		if err := p.Queue.Enqueue(ctx, task); err != nil {
			return err
		}
		slog.Warn("expired job re-enqueued", "task", task.ID(), "claimer", claimer)
	}
	return nil
}

// Recover enqueues submitted jobs the queue has lost, e.g. after a Redis
// restart, and returns how many it enqueued.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	jobs, err := p.Store.ListJobsByStatus(ctx, models.JobStatusSubmitted, recoverLimit)
	if err != nil {
		return 0, fmt.Errorf("list submitted jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		task := queue.Task{Type: job.Type, UID: job.UID}
		state, err := p.Queue.State(ctx, task)
		if err != nil {
			return n, err
		}
		if state != queue.StateAbsent {
			continue
		}
		if err := p.Queue.Enqueue(ctx, task); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
