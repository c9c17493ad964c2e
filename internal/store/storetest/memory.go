// Package storetest provides an in-memory store.Store for unit tests that do
// not need Postgres.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// Memory is a mutex-guarded map implementation of store.Store. Records are
// deep-copied on the way in and out so callers cannot mutate stored state.
type Memory struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	byQuery map[string]uuid.UUID
	keys    map[uuid.UUID]*models.APIKey

	// PingErr, when set, is returned from Ping.
	PingErr error
	// Inserts counts successful InsertJobIfAbsent calls that created a record.
	Inserts int
}

var _ store.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[uuid.UUID]*models.Job),
		byQuery: make(map[string]uuid.UUID),
		keys:    make(map[uuid.UUID]*models.APIKey),
	}
}

func queryKey(jobType, hash string) string { return jobType + "/" + hash }

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Query = cloneMap(j.Query)
	c.Metadata = cloneMap(j.Metadata)
	c.Results = cloneMap(j.Results)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// cloneMap round-trips through JSON so stored values have the same shapes
// they would after a trip through a JSONB column.
func cloneMap[M ~map[string]any](m M) M {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("storetest: value is not JSON encodable: %v", err))
	}
	var out M
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("storetest: decode: %v", err))
	}
	return out
}

func (m *Memory) Ping(ctx context.Context) error { return m.PingErr }

func (m *Memory) FindJobByQuery(ctx context.Context, jobType, queryHash string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid, ok := m.byQuery[queryKey(jobType, queryHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(m.jobs[uid]), nil
}

func (m *Memory) GetJob(ctx context.Context, uid uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) InsertJobIfAbsent(ctx context.Context, job *models.Job) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := queryKey(job.Type, job.QueryHash)
	if uid, ok := m.byQuery[k]; ok {
		return uid, false, nil
	}
	if _, ok := m.jobs[job.UID]; ok {
		return uuid.Nil, false, store.ErrDuplicateKey
	}
	stored := cloneJob(job)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
		stored.UpdatedAt = stored.CreatedAt
	}
	job.CreatedAt, job.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	m.jobs[job.UID] = stored
	m.byQuery[k] = job.UID
	m.Inserts++
	return job.UID, true, nil
}

func (m *Memory) UpdateJobStatus(ctx context.Context, uid uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[uid]
	if !ok {
		return store.ErrNotFound
	}
	updated := cloneJob(j)
	if err := store.ApplyJobUpdate(updated, status, time.Now().UTC(), opts...); err != nil {
		return fmt.Errorf("%w: %s -> %s", err, j.Status, status)
	}
	updated.Results = cloneMap(updated.Results)
	m.jobs[uid] = updated
	return nil
}

func (m *Memory) ResubmitJob(ctx context.Context, uid uuid.UUID, query models.Query) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !models.IsTerminal(j.Status) {
		return nil, fmt.Errorf("%w: %s -> submitted", store.ErrInvalidTransition, j.Status)
	}
	updated := cloneJob(j)
	updated.Query = cloneMap(query)
	updated.Status = models.JobStatusSubmitted
	updated.Results = nil
	updated.Error = nil
	updated.StartedAt = nil
	updated.CompletedAt = nil
	updated.UpdatedAt = time.Now().UTC()
	m.jobs[uid] = updated
	return cloneJob(updated), nil
}

func (m *Memory) DeleteJob(ctx context.Context, uid uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[uid]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.byQuery, queryKey(j.Type, j.QueryHash))
	delete(m.jobs, uid)
	return nil
}

func (m *Memory) ListJobsByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Jobs returns a snapshot of every stored job.
func (m *Memory) Jobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	return out
}

// SetJob stores job as-is, bypassing transition checks.
func (m *Memory) SetJob(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.UID] = cloneJob(job)
	m.byQuery[queryKey(job.Type, job.QueryHash)] = job.UID
}

func (m *Memory) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *Memory) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.KeyHash == key.KeyHash {
			return store.ErrDuplicateKey
		}
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

func (m *Memory) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	if !k.Revokable {
		return store.ErrNotRevokable
	}
	delete(m.keys, id)
	return nil
}

func (m *Memory) DeleteExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, k := range m.keys {
		if k.Expired(now) {
			delete(m.keys, id)
			n++
		}
	}
	return n, nil
}
