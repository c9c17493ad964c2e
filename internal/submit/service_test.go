package submit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/repotrial/nedrexapi-v2d/internal/cache"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/lock"
	"github.com/repotrial/nedrexapi-v2d/internal/queue"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/internal/store/storetest"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	store *storetest.Memory
	queue *queue.Queue
	cache *cache.RedisCache
	mr    *miniredis.Miniredis
	rdb   *redis.Client
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		store: storetest.NewMemory(),
		queue: queue.New(rdb, queue.KeysForPrefix("test:jobs"), time.Hour),
		cache: cache.NewRedisCache(rdb),
		mr:    mr,
		rdb:   rdb,
	}
	locks := lock.New(rdb, 5*time.Second, 5*time.Second, lock.WithKeyFunc(cache.LockKey))
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	f.svc = NewService(f.store, f.cache, locks, f.queue, jobtype.Default(), opts...)
	return f
}

func (f *fixture) pending(t *testing.T) int64 {
	t.Helper()
	pending, _, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	return pending
}

const diamondBody = `{"seeds":["2717","7157"],"n":50}`

func TestSubmit_CreatesJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	uid, err := f.svc.Submit(ctx, "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)

	job, err := f.store.GetJob(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, job.Status)
	assert.Equal(t, "diamond", job.Type)
	assert.Equal(t, []string{"2717", "7157"}, job.Query.Strings("seeds"))
	assert.Equal(t, "gene", job.Query.String("seed_type"))

	assert.Equal(t, int64(1), f.pending(t))
	state, err := f.queue.State(ctx, queue.Task{Type: "diamond", UID: uid})
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, state)

	status, ok, err := f.cache.GetJobStatus(ctx, uid)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusSubmitted, status)

	assert.False(t, f.mr.Exists(cache.LockKey("diamond")), "lock released")
}

func TestSubmit_EquivalentQueriesShareUID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)

	// reordered seeds with every default spelled out
	second, err := f.svc.Submit(ctx, "diamond",
		[]byte(`{"seeds":["7157","2717"],"n":50,"alpha":1,"network":"DEFAULT","edges":"all"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.store.Inserts)
	assert.Equal(t, int64(1), f.pending(t))
}

func TestSubmit_DuplicateOfFailedJobIsNotRequeued(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	uid, err := f.svc.Submit(ctx, "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)
	claimed, err := f.queue.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, f.store.UpdateJobStatus(ctx, uid, models.JobStatusRunning))
	require.NoError(t, f.store.UpdateJobStatus(ctx, uid, models.JobStatusFailed, store.WithErrorMessage("boom")))

	again, err := f.svc.Submit(ctx, "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)
	assert.Equal(t, uid, again)
	assert.Equal(t, int64(0), f.pending(t))
}

func TestSubmit_DistinctQueries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const n = 10
	var (
		mu   sync.Mutex
		uids = map[uuid.UUID]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid, err := f.svc.Submit(ctx, "diamond", []byte(fmt.Sprintf(`{"seeds":["%d"],"n":10}`, 1000+i)), nil)
			assert.NoError(t, err)
			mu.Lock()
			uids[uid] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, uids, n)
	assert.Equal(t, n, f.store.Inserts)
	assert.Equal(t, int64(n), f.pending(t))
}

func TestSubmit_ConcurrentIdenticalSubmissions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const n = 50
	uids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid, err := f.svc.Submit(ctx, "kpm", []byte(`{"seeds":["P12345","Q99999"],"k":3}`), nil)
			assert.NoError(t, err)
			uids[i] = uid
		}(i)
	}
	wg.Wait()

	for _, uid := range uids {
		assert.Equal(t, uids[0], uid)
	}
	assert.Equal(t, 1, f.store.Inserts)
	assert.Len(t, f.store.Jobs(), 1)
	assert.Equal(t, int64(1), f.pending(t))
}

func TestSubmit_ValidationFailsBeforeLocking(t *testing.T) {
	f := setup(t)
	// a held lock would make any locking submission time out
	f.mr.Set(cache.LockKey("diamond"), "someone-else")

	_, err := f.svc.Submit(context.Background(), "diamond", []byte(`{"seeds":[]}`), nil)
	var verr *jobtype.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 400, verr.StatusCode())

	_, err = f.svc.Submit(context.Background(), "diamond", []byte(`{"seeds":["P12345"],"n":5,"network":"SHARED_DISORDER"}`), nil)
	var ierr *jobtype.IncompatibleParametersError
	assert.ErrorAs(t, err, &ierr)
	assert.Empty(t, f.store.Jobs())
}

func TestSubmit_UnknownJobType(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), "nope", []byte(`{}`), nil)
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestSubmit_LockTimeoutFailsClosed(t *testing.T) {
	f := setup(t)
	f.svc.locks = lock.New(f.rdb, time.Second, 50*time.Millisecond, lock.WithKeyFunc(cache.LockKey))
	f.mr.Set(cache.LockKey("diamond"), "someone-else")

	_, err := f.svc.Submit(context.Background(), "diamond", []byte(diamondBody), nil)
	var terr *lock.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Empty(t, f.store.Jobs())
	assert.Equal(t, int64(0), f.pending(t))
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, ...queue.Task) error {
	return errors.New("redis unavailable")
}

type fakeAttachment struct {
	staged    []uuid.UUID
	discarded []uuid.UUID
	stageErr  error
}

func (a *fakeAttachment) Stage(uid uuid.UUID) (map[string]any, error) {
	if a.stageErr != nil {
		return nil, a.stageErr
	}
	a.staged = append(a.staged, uid)
	return map[string]any{"filename": uid.String() + ".csv"}, nil
}

func (a *fakeAttachment) Discard(uid uuid.UUID) error {
	a.discarded = append(a.discarded, uid)
	return nil
}

const biconBody = `{"sha256":"0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"}`

func TestSubmit_EnqueueFailureRollsBack(t *testing.T) {
	f := setup(t)
	f.svc.queue = failingQueue{}
	att := &fakeAttachment{}

	_, err := f.svc.Submit(context.Background(), "bicon", []byte(biconBody), att)
	require.ErrorContains(t, err, "redis unavailable")
	assert.Empty(t, f.store.Jobs())
	require.Len(t, att.staged, 1)
	assert.Equal(t, att.staged, att.discarded)
	assert.False(t, f.mr.Exists(cache.LockKey("bicon")))
}

func TestSubmit_AttachmentStagedOnlyForNewJobs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	att := &fakeAttachment{}

	uid, err := f.svc.Submit(ctx, "bicon", []byte(biconBody), att)
	require.NoError(t, err)
	job, err := f.store.GetJob(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, uid.String()+".csv", job.Metadata["filename"])

	again, err := f.svc.Submit(ctx, "bicon", []byte(biconBody), att)
	require.NoError(t, err)
	assert.Equal(t, uid, again)
	assert.Equal(t, []uuid.UUID{uid}, att.staged)
	assert.Empty(t, att.discarded)
}

func TestSubmit_StageFailure(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), "bicon", []byte(biconBody), &fakeAttachment{stageErr: errors.New("disk full")})
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, f.store.Jobs())
}

func finishedJob(t *testing.T, f *fixture, jobType string, body string, status string) *models.Job {
	t.Helper()
	ctx := context.Background()
	uid, err := f.svc.Submit(ctx, jobType, []byte(body), nil)
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx, "w1", 10)
	require.NoError(t, err)
	require.NoError(t, f.queue.Ack(ctx, "w1", queue.Task{Type: jobType, UID: uid}))
	require.NoError(t, f.store.UpdateJobStatus(ctx, uid, models.JobStatusRunning))
	opt := store.WithResults(map[string]any{"edges": []any{}})
	if status == models.JobStatusFailed {
		opt = store.WithErrorMessage("DIAMOnD exited with return code 1")
	}
	require.NoError(t, f.store.UpdateJobStatus(ctx, uid, status, opt))
	job, err := f.store.GetJob(ctx, uid)
	require.NoError(t, err)
	return job
}

func TestResubmit(t *testing.T) {
	for _, status := range []string{models.JobStatusCompleted, models.JobStatusFailed} {
		t.Run(status, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			job := finishedJob(t, f, "diamond", diamondBody, status)

			// a stray field that is not part of the diamond query
			job.Query["legacy"] = "x"
			f.store.SetJob(job)

			updated, err := f.svc.Resubmit(ctx, "diamond", job.UID)
			require.NoError(t, err)
			assert.Equal(t, job.UID, updated.UID)
			assert.Equal(t, models.JobStatusSubmitted, updated.Status)

			stored, err := f.store.GetJob(ctx, job.UID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusSubmitted, stored.Status)
			assert.Nil(t, stored.Results)
			assert.Nil(t, stored.Error)
			assert.ElementsMatch(t, jobtype.Diamond().Fields, stored.Query.Keys())
			assert.Equal(t, int64(1), f.pending(t))
		})
	}
}

func TestResubmit_RejectsActiveJob(t *testing.T) {
	f := setup(t)
	uid, err := f.svc.Submit(context.Background(), "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)

	_, err = f.svc.Resubmit(context.Background(), "diamond", uid)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestResubmit_Family(t *testing.T) {
	f := setup(t)
	job := finishedJob(t, f, "validation-module",
		`{"module_members":["1","2"],"module_member_type":"gene","true_drugs":["DB00001"],"permutations":1000}`,
		models.JobStatusCompleted)

	_, err := f.svc.Resubmit(context.Background(), "diamond", job.UID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	updated, err := f.svc.Resubmit(context.Background(), jobtype.ValidationFamily, job.UID)
	require.NoError(t, err)
	assert.Equal(t, "validation-module", updated.Type)
}

func TestGet(t *testing.T) {
	f := setup(t)
	uid, err := f.svc.Submit(context.Background(), "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)

	job, err := f.svc.Get(context.Background(), "diamond", uid)
	require.NoError(t, err)
	assert.Equal(t, uid, job.UID)

	_, err = f.svc.Get(context.Background(), "must", uid)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Get(context.Background(), "diamond", uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWait(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	uid, err := f.svc.Submit(ctx, "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.store.UpdateJobStatus(ctx, uid, models.JobStatusRunning)
		_ = f.cache.SetJobStatus(ctx, uid, models.JobStatusRunning, time.Minute)
		time.Sleep(20 * time.Millisecond)
		_ = f.store.UpdateJobStatus(ctx, uid, models.JobStatusCompleted, store.WithResults(map[string]any{"k": "v"}))
		_ = f.cache.SetJobStatus(ctx, uid, models.JobStatusCompleted, time.Minute)
	}()

	job, err := f.svc.Wait(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "v", job.Results["k"])
}

func TestWait_Failed(t *testing.T) {
	f := setup(t)
	job := finishedJob(t, f, "diamond", diamondBody, models.JobStatusFailed)
	// finishedJob writes the store only; the mirror still says submitted
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := f.svc.Wait(ctx, job.UID)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "return code 1")
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestWait_StaleMirrorDoesNotHideTerminalStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	uid, err := f.svc.Submit(ctx, "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)
	require.NoError(t, f.cache.SetJobStatus(ctx, uid, models.JobStatusRunning, time.Hour))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.store.UpdateJobStatus(ctx, uid, models.JobStatusRunning)
		_ = f.store.UpdateJobStatus(ctx, uid, models.JobStatusFailed, store.WithErrorMessage("DIAMOnD exited with return code 2"))
	}()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := f.svc.Wait(wctx, uid)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	status, _, err := f.cache.GetJobStatus(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, status, "the mirror still holds the stale status")
}

func TestWait_ContextCancelled(t *testing.T) {
	f := setup(t)
	uid, err := f.svc.Submit(context.Background(), "diamond", []byte(diamondBody), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.svc.Wait(ctx, uid)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWait_UnknownJob(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Wait(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
