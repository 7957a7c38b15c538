package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ JobStore = (*PostgresStore)(nil)

const jobColumns = `id, owner_id, timeline, status, backend_job_id, artifact_url,
	result_url, error_message, heartbeat_at, created_at, updated_at`

// PostgresStore is a JobStore on PostgreSQL using pgx. Transitions are single
// UPDATE statements guarded by the expected status.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to connString and returns a store.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32, opts ...Option) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: connect: %w", err)
	}
	return NewPostgresStoreFromPool(pool, opts...), nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, now: o.now}
}

// Migrate applies the embedded schema files in name order. Every file is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("store/postgres: list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("store/postgres: read %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("store/postgres: apply %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *model.RenderJob) error {
	if err := validateNew(job); err != nil {
		return err
	}
	timeline, err := json.Marshal(job.Timeline)
	if err != nil {
		return fmt.Errorf("store/postgres: encode timeline: %w", err)
	}

	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO render_jobs (id, owner_id, timeline, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.OwnerID, timeline, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return apperr.Newf(apperr.CodeStateConflict, "render job already exists: %s", job.ID)
		}
		return fmt.Errorf("store/postgres: create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.RenderJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("store/postgres: get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.RenderJob, error) {
	return s.query(ctx, "list by owner", `
		SELECT `+jobColumns+` FROM render_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		ownerID, ClampLimit(limit),
	)
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*model.RenderJob, error) {
	return s.query(ctx, "list pending", `
		SELECT `+jobColumns+` FROM render_jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.RenderJob, error) {
	return s.query(ctx, "list stale", `
		SELECT `+jobColumns+` FROM render_jobs
		WHERE status = 'processing'
		  AND COALESCE(heartbeat_at, updated_at) < $1
		ORDER BY COALESCE(heartbeat_at, updated_at) ASC
		LIMIT $2`,
		cutoff, limit,
	)
}

func (s *PostgresStore) Claim(ctx context.Context, id string) (*model.RenderJob, error) {
	now := s.now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE render_jobs
		SET status = 'processing', heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns,
		id, now,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explain(ctx, id, model.JobStatusProcessing)
		}
		return nil, fmt.Errorf("store/postgres: claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SetBackendJobID(ctx context.Context, id, backendJobID string) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET backend_job_id = $2, heartbeat_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND backend_job_id IS NULL`,
		id, backendJobID, now,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: set backend job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.HasBackendJob() {
			return apperr.Newf(apperr.CodeStateConflict, "job %s already has backend job %s", id, *job.BackendJobID).
				WithField("backend_job_id", *job.BackendJobID)
		}
		return conflict(id, job.Status, model.JobStatusProcessing)
	}
	return nil
}

func (s *PostgresStore) SetArtifactURL(ctx context.Context, id, url string) error {
	return s.guarded(ctx, "set artifact url", id, model.JobStatusProcessing, `
		UPDATE render_jobs SET artifact_url = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, url)
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs SET heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explain(ctx, id, model.JobStatusProcessing)
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id, resultURL string) error {
	return s.guarded(ctx, "complete job", id, model.JobStatusCompleted, `
		UPDATE render_jobs SET status = 'completed', result_url = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, resultURL)
}

func (s *PostgresStore) Fail(ctx context.Context, id, message string) error {
	return s.guarded(ctx, "fail job", id, model.JobStatusFailed, `
		UPDATE render_jobs SET status = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, message)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// guarded runs an UPDATE taking ($1 id, $2 value, $3 now) and explains a zero row count.
func (s *PostgresStore) guarded(ctx context.Context, op, id string, target model.JobStatus, sql, value string) error {
	tag, err := s.pool.Exec(ctx, sql, id, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("store/postgres: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explain(ctx, id, target)
	}
	return nil
}

// explain reports why a guarded update matched no row.
func (s *PostgresStore) explain(ctx context.Context, id string, target model.JobStatus) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM render_jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(id)
		}
		return fmt.Errorf("store/postgres: read status: %w", err)
	}
	return conflict(id, model.JobStatus(status), target)
}

func (s *PostgresStore) query(ctx context.Context, op, sql string, args ...any) ([]*model.RenderJob, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var jobs []*model.RenderJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: %s: scan: %w", op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: %s: %w", op, err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*model.RenderJob, error) {
	var (
		job      model.RenderJob
		timeline []byte
		status   string
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &timeline, &status, &job.BackendJobID, &job.ArtifactURL,
		&job.ResultURL, &job.ErrorMessage, &job.HeartbeatAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(timeline, &job.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	job.Status = model.JobStatus(status)
	return &job, nil
}

// isDuplicateKey checks for a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
