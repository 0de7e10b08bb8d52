package repo

import (
	"context"
	"sync"
	"time"

	"server/internal/domain"
)

// LedgerRepositoryMemory stores ledgers in memory and is safe for concurrent
// use. Applied event keys are remembered forever, matching the durable
// idempotency of the PostgreSQL repository.
type LedgerRepositoryMemory struct {
	mu      sync.Mutex
	ledgers map[string]*domain.Ledger
	applied map[string]struct{}
	entries []domain.LedgerEntry
}

// NewLedgerRepositoryMemory constructs an empty in-memory ledger repository.
func NewLedgerRepositoryMemory() *LedgerRepositoryMemory {
	return &LedgerRepositoryMemory{
		ledgers: make(map[string]*domain.Ledger),
		applied: make(map[string]struct{}),
	}
}

// Get returns the user's ledger, seeding a zero-balance record when absent.
func (r *LedgerRepositoryMemory) Get(ctx context.Context, userID string) (*domain.Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.seed(userID)
	return cloneLedger(rec), nil
}

// ApplyEntry atomically applies the entry's deltas under its event key.
func (r *LedgerRepositoryMemory) ApplyEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerApplied, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.seed(entry.UserID)
	if _, done := r.applied[entry.EventKey]; done {
		return &domain.LedgerApplied{Duplicate: true, Ledger: *cloneLedger(rec)}, nil
	}
	if entry.RequireFunds && rec.Credits+entry.CreditsDelta < 0 {
		return nil, domain.ErrInsufficientCredits
	}
	prevCredits, prevStorage := rec.Credits, rec.StorageUsedBytes
	rec.Credits = clampZero(rec.Credits + entry.CreditsDelta)
	rec.StorageUsedBytes = clampZero(rec.StorageUsedBytes + entry.StorageDelta)
	rec.UpdatedAt = time.Now().UTC()
	r.applied[entry.EventKey] = struct{}{}
	stored := *entry
	stored.CreatedAt = rec.UpdatedAt
	r.entries = append(r.entries, stored)
	return &domain.LedgerApplied{
		CreditsApplied: rec.Credits - prevCredits,
		StorageApplied: rec.StorageUsedBytes - prevStorage,
		Ledger:         *cloneLedger(rec),
	}, nil
}

// SetWarningSent records or clears the storage-warning timestamp.
func (r *LedgerRepositoryMemory) SetWarningSent(ctx context.Context, userID string, at *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.seed(userID)
	if at == nil {
		rec.WarningSentAt = nil
		return nil
	}
	stamp := *at
	rec.WarningSentAt = &stamp
	return nil
}

// Entries returns a copy of the applied entries, oldest first. Test hook.
func (r *LedgerRepositoryMemory) Entries() []domain.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LedgerEntry(nil), r.entries...)
}

// SeedCredits grants a starting balance outside the entry flow. Test hook.
func (r *LedgerRepositoryMemory) SeedCredits(userID string, credits int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seed(userID).Credits = credits
}

// SeedStorage sets usage and limit outside the entry flow. Test hook.
func (r *LedgerRepositoryMemory) SeedStorage(userID string, used, limit int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.seed(userID)
	rec.StorageUsedBytes = used
	if limit > 0 {
		rec.StorageLimitBytes = limit
	}
}

func (r *LedgerRepositoryMemory) seed(userID string) *domain.Ledger {
	rec, ok := r.ledgers[userID]
	if !ok {
		rec = &domain.Ledger{UserID: userID, StorageLimitBytes: domain.DefaultStorageLimitBytes}
		r.ledgers[userID] = rec
	}
	return rec
}

func cloneLedger(rec *domain.Ledger) *domain.Ledger {
	clone := *rec
	if rec.WarningSentAt != nil {
		at := *rec.WarningSentAt
		clone.WarningSentAt = &at
	}
	return &clone
}

var _ domain.LedgerRepository = (*LedgerRepositoryMemory)(nil)
