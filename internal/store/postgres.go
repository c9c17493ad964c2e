package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `uid, job_type, query_hash, canonical_query, metadata, status, results, error,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j                    models.Job
		query, meta, results []byte
	)
	if err := row.Scan(&j.UID, &j.Type, &j.QueryHash, &query, &meta, &j.Status, &results, &j.Error,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(query, &j.Query); err != nil {
		return nil, fmt.Errorf("decode canonical query: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &j, nil
}

// jsonArg encodes v for a JSONB parameter; nil and empty maps become NULL.
func jsonArg[M ~map[string]any](v M) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *PostgresStore) FindJobByQuery(ctx context.Context, jobType, queryHash string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_type = $1 AND query_hash = $2`, jobType, queryHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by query: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, uid uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE uid = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// timeArg binds the zero time as NULL so the column default applies.
func timeArg(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// InsertJobIfAbsent stores job unless a job with the same type and query
// hash exists, and returns the uid of whichever record is stored. Zero
// timestamps are filled in by the database and copied back into job.
func (s *PostgresStore) InsertJobIfAbsent(ctx context.Context, job *models.Job) (uuid.UUID, bool, error) {
	query, err := json.Marshal(job.Query)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("encode canonical query: %w", err)
	}
	meta, err := jsonArg(job.Metadata)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("encode metadata: %w", err)
	}

	var uid uuid.UUID
	err = s.pool.QueryRow(ctx,
		`INSERT INTO jobs (uid, job_type, query_hash, canonical_query, metadata, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, COALESCE($7, NOW()), COALESCE($8, NOW()))
		 ON CONFLICT (job_type, query_hash) DO NOTHING
		 RETURNING uid, created_at, updated_at`,
		job.UID, job.Type, job.QueryHash, query, meta, job.Status, timeArg(job.CreatedAt), timeArg(job.UpdatedAt),
	).Scan(&uid, &job.CreatedAt, &job.UpdatedAt)
	if err == nil {
		return uid, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isDuplicateKeyError(err) {
			return uuid.Nil, false, ErrDuplicateKey
		}
		return uuid.Nil, false, fmt.Errorf("insert job: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT uid FROM jobs WHERE job_type = $1 AND query_hash = $2`, job.Type, job.QueryHash,
	).Scan(&uid)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("select existing job: %w", err)
	}
	return uid, false, nil
}

// UpdateJobStatus applies a status transition in a single conditional UPDATE
// so readers never observe a half-written record.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, uid uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	results, err := jsonArg(params.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	from := allowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: -> %s", ErrInvalidTransition, status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = $2::text,
		   updated_at = NOW(),
		   started_at = CASE WHEN $2::text = 'running' THEN NOW() ELSE started_at END,
		   completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
		   error = COALESCE($3::text, error),
		   results = COALESCE($4::jsonb, results)
		 WHERE uid = $1 AND status = ANY($5::text[])`,
		uid, status, params.ErrorMessage, results, from)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE uid = $1`, uid).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) ResubmitJob(ctx context.Context, uid uuid.UUID, query models.Query) (*models.Job, error) {
	encoded, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode canonical query: %w", err)
	}

	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   canonical_query = $2::jsonb,
		   status = 'submitted',
		   results = NULL,
		   error = NULL,
		   started_at = NULL,
		   completed_at = NULL,
		   updated_at = NOW()
		 WHERE uid = $1 AND status IN ('completed', 'failed')
		 RETURNING `+jobColumns,
		uid, encoded))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resubmit job: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE uid = $1`, uid).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s -> submitted", ErrInvalidTransition, current)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, uid uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, revokable, expires_at, last_used_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes, &k.Revokable,
			&k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, revokable, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, scopes, key.Revokable, key.ExpiresAt,
		key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	var revokable bool
	err := s.pool.QueryRow(ctx,
		`DELETE FROM api_keys WHERE id = $1 AND revokable RETURNING revokable`, id).Scan(&revokable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("delete api key: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM api_keys WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if exists {
		return ErrNotRevokable
	}
	return ErrNotFound
}

func (s *PostgresStore) DeleteExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired api keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
