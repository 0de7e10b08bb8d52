package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// GenerationRepositoryPG implements domain.GenerationRepository on PostgreSQL.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a new generation repository backed by PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

// Create inserts the generation. The unique job_id constraint makes creation
// idempotent per job: settlement replays hit the conflict and change nothing.
func (r *GenerationRepositoryPG) Create(ctx context.Context, gen *domain.Generation) error {
	query := `
INSERT INTO generations (id, user_id, job_id, kind, result_urls, file_size_bytes, files_deleted)
VALUES ($1, $2, $3, $4, $5, $6, false)
ON CONFLICT (job_id) DO NOTHING;
`
	_, err := r.pool.Exec(ctx, query,
		gen.ID,
		gen.UserID,
		gen.JobID,
		gen.Kind,
		gen.ResultURLs,
		gen.FileSizeBytes,
	)
	return err
}

// GetForUser fetches a generation scoped to its owner.
func (r *GenerationRepositoryPG) GetForUser(ctx context.Context, generationID, userID string) (*domain.Generation, error) {
	query := `
SELECT id, user_id, job_id, kind, result_urls, file_size_bytes, files_deleted, expires_at, created_at
FROM generations
WHERE id = $1 AND user_id = $2;
`
	row := r.pool.QueryRow(ctx, query, generationID, userID)
	gen, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return gen, nil
}

// ListByUser returns the owner's generations, newest first.
func (r *GenerationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Generation, error) {
	query := `
SELECT id, user_id, job_id, kind, result_urls, file_size_bytes, files_deleted, expires_at, created_at
FROM generations
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *gen)
	}
	return items, rows.Err()
}

// MarkFilesDeleted flips files_deleted atomically. The files_deleted = false
// predicate is the compare-and-swap: a second delete matches zero rows.
func (r *GenerationRepositoryPG) MarkFilesDeleted(ctx context.Context, generationID, userID string) (bool, error) {
	query := `
UPDATE generations
SET files_deleted = true
WHERE id = $1 AND user_id = $2 AND files_deleted = false;
`
	tag, err := r.pool.Exec(ctx, query, generationID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetExpiry stamps the reclamation deadline on live generations without one.
func (r *GenerationRepositoryPG) SetExpiry(ctx context.Context, userID string, expiresAt time.Time) error {
	query := `
UPDATE generations
SET expires_at = $2
WHERE user_id = $1 AND files_deleted = false AND expires_at IS NULL;
`
	_, err := r.pool.Exec(ctx, query, userID, expiresAt)
	return err
}

// ClearExpiry removes pending reclamation deadlines for the user.
func (r *GenerationRepositoryPG) ClearExpiry(ctx context.Context, userID string) error {
	query := `
UPDATE generations
SET expires_at = NULL
WHERE user_id = $1 AND files_deleted = false AND expires_at IS NOT NULL;
`
	_, err := r.pool.Exec(ctx, query, userID)
	return err
}

// ListExpired returns live generations past their reclamation deadline.
func (r *GenerationRepositoryPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Generation, error) {
	query := `
SELECT id, user_id, job_id, kind, result_urls, file_size_bytes, files_deleted, expires_at, created_at
FROM generations
WHERE files_deleted = false AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *gen)
	}
	return items, rows.Err()
}

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var gen domain.Generation
	if err := row.Scan(
		&gen.ID,
		&gen.UserID,
		&gen.JobID,
		&gen.Kind,
		&gen.ResultURLs,
		&gen.FileSizeBytes,
		&gen.FilesDeleted,
		&gen.ExpiresAt,
		&gen.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &gen, nil
}

var _ domain.GenerationRepository = (*GenerationRepositoryPG)(nil)
