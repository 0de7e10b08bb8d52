package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"server/internal/domain"
)

// GenerationRepositoryMemory stores generations in memory and is safe for
// concurrent use.
type GenerationRepositoryMemory struct {
	mu    sync.Mutex
	byID  map[string]*domain.Generation
	byJob map[string]string
}

// NewGenerationRepositoryMemory constructs an empty in-memory generation repository.
func NewGenerationRepositoryMemory() *GenerationRepositoryMemory {
	return &GenerationRepositoryMemory{
		byID:  make(map[string]*domain.Generation),
		byJob: make(map[string]string),
	}
}

// Create stores the generation, idempotent per job id.
func (r *GenerationRepositoryMemory) Create(ctx context.Context, gen *domain.Generation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen.JobID != "" {
		if _, exists := r.byJob[gen.JobID]; exists {
			return nil
		}
	}
	clone := cloneGeneration(gen)
	clone.CreatedAt = time.Now().UTC()
	r.byID[gen.ID] = clone
	if gen.JobID != "" {
		r.byJob[gen.JobID] = gen.ID
	}
	return nil
}

// GetForUser returns a copy of the generation scoped to its owner.
func (r *GenerationRepositoryMemory) GetForUser(ctx context.Context, generationID, userID string) (*domain.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	gen, ok := r.byID[generationID]
	if !ok || gen.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return cloneGeneration(gen), nil
}

// ListByUser returns the owner's generations, newest first.
func (r *GenerationRepositoryMemory) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.Generation
	for _, gen := range r.byID {
		if gen.UserID == userID {
			items = append(items, *cloneGeneration(gen))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// MarkFilesDeleted flips files_deleted false→true atomically.
func (r *GenerationRepositoryMemory) MarkFilesDeleted(ctx context.Context, generationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	gen, ok := r.byID[generationID]
	if !ok || gen.UserID != userID {
		return false, domain.ErrNotFound
	}
	if gen.FilesDeleted {
		return false, nil
	}
	gen.FilesDeleted = true
	return true, nil
}

// SetExpiry stamps the reclamation deadline on live generations without one.
func (r *GenerationRepositoryMemory) SetExpiry(ctx context.Context, userID string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, gen := range r.byID {
		if gen.UserID == userID && !gen.FilesDeleted && gen.ExpiresAt == nil {
			at := expiresAt
			gen.ExpiresAt = &at
		}
	}
	return nil
}

// ClearExpiry removes pending reclamation deadlines for the user.
func (r *GenerationRepositoryMemory) ClearExpiry(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, gen := range r.byID {
		if gen.UserID == userID && !gen.FilesDeleted {
			gen.ExpiresAt = nil
		}
	}
	return nil
}

// ListExpired returns live generations past their reclamation deadline.
func (r *GenerationRepositoryMemory) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.Generation
	for _, gen := range r.byID {
		if !gen.FilesDeleted && gen.Expired(now) {
			items = append(items, *cloneGeneration(gen))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ExpiresAt.Before(*items[j].ExpiresAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func cloneGeneration(gen *domain.Generation) *domain.Generation {
	clone := *gen
	clone.ResultURLs = append([]string(nil), gen.ResultURLs...)
	if gen.ExpiresAt != nil {
		at := *gen.ExpiresAt
		clone.ExpiresAt = &at
	}
	return &clone
}

var _ domain.GenerationRepository = (*GenerationRepositoryMemory)(nil)
