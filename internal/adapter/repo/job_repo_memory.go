package repo

import (
	"context"
	"sync"
	"time"

	"server/internal/domain"
)

// JobRepositoryMemory stores jobs in memory and is safe for concurrent use.
// It mirrors the PostgreSQL repository's compare-and-swap semantics exactly,
// which is what the engine's concurrency tests lean on.
type JobRepositoryMemory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// NewJobRepositoryMemory constructs an empty in-memory job repository.
func NewJobRepositoryMemory() *JobRepositoryMemory {
	return &JobRepositoryMemory{jobs: make(map[string]*domain.Job)}
}

// Create stores the job.
func (r *JobRepositoryMemory) Create(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := cloneJob(job)
	now := time.Now().UTC()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	r.jobs[job.ID] = clone
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetForUser returns a copy of the job scoped to its owner.
func (r *JobRepositoryMemory) GetForUser(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

// UpdateVersioned applies the transition iff the caller's version matches.
func (r *JobRepositoryMemory) UpdateVersioned(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != job.Version {
		return domain.ErrVersionConflict
	}
	clone := cloneJob(job)
	clone.Version++
	clone.UpdatedAt = time.Now().UTC()
	clone.SettledAt = cur.SettledAt
	r.jobs[job.ID] = clone
	job.Version = clone.Version
	job.UpdatedAt = clone.UpdatedAt
	return nil
}

// MarkSettled stamps the settlement marker once.
func (r *JobRepositoryMemory) MarkSettled(ctx context.Context, jobID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.SettledAt == nil {
		stamp := at
		job.SettledAt = &stamp
	}
	return nil
}

func cloneJob(job *domain.Job) *domain.Job {
	clone := *job
	if job.Result != nil {
		clone.Result = append([]byte(nil), job.Result...)
	}
	if job.SettledAt != nil {
		at := *job.SettledAt
		clone.SettledAt = &at
	}
	return &clone
}

var _ domain.JobRepository = (*JobRepositoryMemory)(nil)
