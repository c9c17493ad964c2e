package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repotrial/nedrexapi-v2d/internal/cache"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/metrics"
	"github.com/repotrial/nedrexapi-v2d/internal/queue"
	"github.com/repotrial/nedrexapi-v2d/internal/runner"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/internal/store/storetest"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

type runFunc func(ctx context.Context, x *jobtype.Execution) (map[string]any, error)

type fixture struct {
	pool  *Pool
	store *storetest.Memory
	queue *queue.Queue
	cache *cache.RedisCache
	mr    *miniredis.Miniredis
}

// setup builds a pool whose only job type "echo" runs fn.
func setup(t *testing.T, fn runFunc) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if fn == nil {
		fn = func(context.Context, *jobtype.Execution) (map[string]any, error) { return nil, nil }
	}
	types, err := jobtype.NewRegistry(&jobtype.Definition{
		Name:   "echo",
		Title:  "Echo",
		Fields: []string{"value"},
		Build:  func([]byte) (models.Query, error) { return models.Query{}, nil },
		Run:    fn,
	})
	require.NoError(t, err)

	f := &fixture{
		store: storetest.NewMemory(),
		queue: queue.New(rdb, queue.KeysForPrefix("test:jobs"), time.Hour),
		cache: cache.NewRedisCache(rdb),
		mr:    mr,
	}
	f.pool = &Pool{
		Store:        f.store,
		Cache:        f.cache,
		Queue:        f.queue,
		Redis:        rdb,
		Types:        types,
		Env:          &jobtype.Env{Runner: &runner.Exec{}},
		Metrics:      metrics.New(),
		Name:         "test",
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  time.Minute,
		WorkRoot:     t.TempDir(),
	}
	return f
}

// submit stores a submitted job and claims its task for claimer "c".
func (f *fixture) submit(t *testing.T, claim bool) queue.Task {
	t.Helper()
	ctx := context.Background()
	uid := uuid.New()
	f.store.SetJob(&models.Job{
		UID:       uid,
		Type:      "echo",
		QueryHash: uid.String(),
		Query:     models.Query{"value": "hello"},
		Status:    models.JobStatusSubmitted,
		CreatedAt: time.Now(),
	})
	task := queue.Task{Type: "echo", UID: uid}
	require.NoError(t, f.queue.Enqueue(ctx, task))
	if claim {
		tasks, err := f.queue.Claim(ctx, "c", 1)
		require.NoError(t, err)
		require.Equal(t, []queue.Task{task}, tasks)
	}
	return task
}

func (f *fixture) job(t *testing.T, uid uuid.UUID) *models.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), uid)
	require.NoError(t, err)
	return job
}

func (f *fixture) state(t *testing.T, task queue.Task) string {
	t.Helper()
	s, err := f.queue.State(context.Background(), task)
	require.NoError(t, err)
	return s
}

func TestProcess_Completed(t *testing.T) {
	var workDir string
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		workDir = x.WorkDir
		assert.DirExists(t, x.WorkDir)
		assert.Equal(t, models.JobStatusRunning, x.Job.Status)
		return map[string]any{"value": x.Job.Query.String("value")}, nil
	})
	task := f.submit(t, true)

	require.NoError(t, f.pool.Process(context.Background(), "c", task))

	job := f.job(t, task.UID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "hello", job.Results["value"])
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.NoDirExists(t, workDir)
	assert.Equal(t, queue.StateAbsent, f.state(t, task))

	status, ok, err := f.cache.GetJobStatus(context.Background(), task.UID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, status)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestProcess_ToolExitCode(t *testing.T) {
	script := writeScript(t, "echo bad input >&2\nexit 3")
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		_, err := x.Env.Runner.Run(ctx, runner.Command{Tool: "Echo", Path: script, Dir: x.WorkDir})
		return nil, err
	})
	task := f.submit(t, true)

	require.NoError(t, f.pool.Process(context.Background(), "c", task))

	job := f.job(t, task.UID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Echo exited with return code 3 -- please check your inputs and contact API developer if issues persist", *job.Error)
	assert.Nil(t, job.Results)
	assert.Equal(t, queue.StateAbsent, f.state(t, task))
}

func TestProcess_ToolTimeout(t *testing.T) {
	script := writeScript(t, "sleep 5")
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		_, err := x.Env.Runner.Run(ctx, runner.Command{Tool: "Echo", Path: script, Dir: x.WorkDir})
		return nil, err
	})
	f.pool.Env.Runner = &runner.Exec{WaitDelay: 100 * time.Millisecond}
	f.pool.TaskTimeout = 100 * time.Millisecond
	task := f.submit(t, true)

	require.NoError(t, f.pool.Process(context.Background(), "c", task))

	job := f.job(t, task.UID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "timeout: ")
}

func TestProcess_DeadlineWithoutTool(t *testing.T) {
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.pool.TaskTimeout = 20 * time.Millisecond
	task := f.submit(t, true)

	require.NoError(t, f.pool.Process(context.Background(), "c", task))

	job := f.job(t, task.UID)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "timeout: Echo did not finish within 20ms")
}

func TestProcess_Panic(t *testing.T) {
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		panic("boom")
	})
	task := f.submit(t, true)

	require.NoError(t, f.pool.Process(context.Background(), "c", task))

	job := f.job(t, task.UID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "panic: boom", *job.Error)
}

func TestProcess_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := setup(t, func(jctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		cancel()
		<-jctx.Done()
		return nil, jctx.Err()
	})
	task := f.submit(t, true)

	require.NoError(t, f.pool.Process(ctx, "c", task))

	job := f.job(t, task.UID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, shutdownMessage, *job.Error)
	assert.Equal(t, queue.StateAbsent, f.state(t, task))
}

func TestProcess_SkipsStaleTasks(t *testing.T) {
	ran := false
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		ran = true
		return nil, nil
	})
	ctx := context.Background()
	task := f.submit(t, true)
	require.NoError(t, f.store.UpdateJobStatus(ctx, task.UID, models.JobStatusRunning))
	require.NoError(t, f.store.UpdateJobStatus(ctx, task.UID, models.JobStatusCompleted))

	require.NoError(t, f.pool.Process(ctx, "c", task))
	assert.False(t, ran)
	assert.Equal(t, models.JobStatusCompleted, f.job(t, task.UID).Status)
	assert.Equal(t, queue.StateAbsent, f.state(t, task))

	// a task whose record was rolled back
	gone := queue.Task{Type: "echo", UID: uuid.New()}
	require.NoError(t, f.queue.Enqueue(ctx, gone))
	_, err := f.queue.Claim(ctx, "c", 1)
	require.NoError(t, err)
	require.NoError(t, f.pool.Process(ctx, "c", gone))
	assert.Equal(t, queue.StateAbsent, f.state(t, gone))
}

func TestProcess_UnknownType(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	task := queue.Task{Type: "retired", UID: uuid.New()}
	require.NoError(t, f.queue.Enqueue(ctx, task))
	_, err := f.queue.Claim(ctx, "c", 1)
	require.NoError(t, err)

	require.NoError(t, f.pool.Process(ctx, "c", task))
	assert.Equal(t, queue.StateAbsent, f.state(t, task))
}

func TestOnExpire(t *testing.T) {
	ctx := context.Background()

	t.Run("running job fails with timeout", func(t *testing.T) {
		f := setup(t, nil)
		task := f.submit(t, true)
		require.NoError(t, f.store.UpdateJobStatus(ctx, task.UID, models.JobStatusRunning))

		require.NoError(t, f.pool.OnExpire(ctx, task, "dead-worker-0"))
		job := f.job(t, task.UID)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, "timeout: Echo was abandoned by dead-worker-0 before it finished", *job.Error)
	})

	t.Run("submitted job is enqueued again", func(t *testing.T) {
		f := setup(t, nil)
		task := f.submit(t, true)
		f.mr.HDel(f.queue.Keys().InflightHash, task.ID())

		require.NoError(t, f.pool.OnExpire(ctx, task, "dead-worker-0"))
		assert.Equal(t, queue.StatePending, f.state(t, task))
		assert.Equal(t, models.JobStatusSubmitted, f.job(t, task.UID).Status)
	})

	t.Run("finished job is untouched", func(t *testing.T) {
		f := setup(t, nil)
		task := f.submit(t, true)
		require.NoError(t, f.store.UpdateJobStatus(ctx, task.UID, models.JobStatusRunning))
		require.NoError(t, f.store.UpdateJobStatus(ctx, task.UID, models.JobStatusCompleted))

		require.NoError(t, f.pool.OnExpire(ctx, task, "dead-worker-0"))
		assert.Equal(t, models.JobStatusCompleted, f.job(t, task.UID).Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		f := setup(t, nil)
		assert.NoError(t, f.pool.OnExpire(ctx, queue.Task{Type: "echo", UID: uuid.New()}, "x"))
	})
}

func TestRecover(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	pending := f.submit(t, false)
	lost := f.submit(t, false)
	_, err := f.mr.SRem(f.queue.Keys().PendingSet, lost.ID())
	require.NoError(t, err)

	n, err := f.pool.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, queue.StatePending, f.state(t, pending))
	assert.Equal(t, queue.StatePending, f.state(t, lost))
}

func TestRecover_StoreError(t *testing.T) {
	f := setup(t, nil)
	f.pool.Store = &failingStore{Memory: f.store}
	_, err := f.pool.Recover(context.Background())
	assert.ErrorContains(t, err, "list submitted jobs")
}

type failingStore struct {
	*storetest.Memory
}

func (s *failingStore) ListJobsByStatus(context.Context, string, int) ([]*models.Job, error) {
	return nil, errors.New("connection refused")
}

func TestRun_ProcessesQueueUntilCancelled(t *testing.T) {
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	tasks := []queue.Task{f.submit(t, false), f.submit(t, false), f.submit(t, false)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, task := range tasks {
			job, err := f.store.GetJob(context.Background(), task.UID)
			if err != nil || job.Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	pending, inflight, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
}

func TestProcess_StoreFailureKeepsClaim(t *testing.T) {
	f := setup(t, nil)
	task := f.submit(t, true)
	f.pool.Store = &brokenUpdates{Memory: f.store}

	err := f.pool.Process(context.Background(), "c", task)
	assert.ErrorContains(t, err, "mark running")
	assert.Equal(t, queue.StateInflight, f.state(t, task))
}

type brokenUpdates struct {
	*storetest.Memory
}

func (s *brokenUpdates) UpdateJobStatus(context.Context, uuid.UUID, string, ...store.JobUpdateOption) error {
	return errors.New("connection reset")
}

func TestProcess_TerminalWriteFailureLeavesMirrorAndClaim(t *testing.T) {
	f := setup(t, func(ctx context.Context, x *jobtype.Execution) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	task := f.submit(t, true)
	f.pool.Store = &terminalWritesFail{Memory: f.store}

	err := f.pool.Process(context.Background(), "c", task)
	assert.ErrorContains(t, err, "mark completed")

	assert.Equal(t, models.JobStatusRunning, f.job(t, task.UID).Status)
	status, ok, err := f.cache.GetJobStatus(context.Background(), task.UID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusRunning, status, "mirror must not run ahead of the store")
	assert.Equal(t, queue.StateInflight, f.state(t, task))

	// the expired claim is settled from the store's view of the job
	f.pool.Store = f.store
	require.NoError(t, f.pool.OnExpire(context.Background(), task, "c"))
	assert.Equal(t, models.JobStatusFailed, f.job(t, task.UID).Status)
}

// terminalWritesFail lets the running transition through and fails the rest.
type terminalWritesFail struct {
	*storetest.Memory
}

func (s *terminalWritesFail) UpdateJobStatus(ctx context.Context, uid uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	if status == models.JobStatusRunning {
		return s.Memory.UpdateJobStatus(ctx, uid, status, opts...)
	}
	return errors.New("connection reset")
}
