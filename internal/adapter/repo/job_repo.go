package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, user_id, kind, provider_ref, status, progress, retry_count, result, error_message, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.Kind,
		job.ProviderRef,
		job.Status,
		job.Progress,
		job.RetryCount,
		nullableBytes(job.Result),
		job.ErrorMessage,
		job.Version,
	)
	return err
}

// GetForUser fetches a job scoped to its owner. A job owned by someone else
// is reported as missing.
func (r *JobRepositoryPG) GetForUser(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	query := `
SELECT id, user_id, kind, provider_ref, status, progress, retry_count, result, error_message, version, settled_at, created_at, updated_at
FROM jobs
WHERE id = $1 AND user_id = $2;
`
	row := r.pool.QueryRow(ctx, query, jobID, userID)
	var job domain.Job
	var result []byte
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Kind,
		&job.ProviderRef,
		&job.Status,
		&job.Progress,
		&job.RetryCount,
		&result,
		&job.ErrorMessage,
		&job.Version,
		&job.SettledAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Result = result
	return &job, nil
}

// UpdateVersioned applies the transition guarded by the version token. The
// WHERE clause is the compare-and-swap: a stale writer matches zero rows.
func (r *JobRepositoryPG) UpdateVersioned(ctx context.Context, job *domain.Job) error {
	query := `
UPDATE jobs
SET status = $3,
    progress = $4,
    retry_count = $5,
    result = $6,
    error_message = $7,
    version = version + 1,
    updated_at = NOW()
WHERE id = $1 AND version = $2;
`
	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Version,
		job.Status,
		job.Progress,
		job.RetryCount,
		nullableBytes(job.Result),
		job.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	job.Version++
	return nil
}

// MarkSettled stamps the settlement marker. Bookkeeping only, so it is not
// version-guarded; the first stamp wins.
func (r *JobRepositoryPG) MarkSettled(ctx context.Context, jobID string, at time.Time) error {
	query := `
UPDATE jobs
SET settled_at = $2
WHERE id = $1 AND settled_at IS NULL;
`
	_, err := r.pool.Exec(ctx, query, jobID, at)
	return err
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
