package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job entities.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	// GetForUser fetches a job scoped to its owner. A job belonging to a
	// different user is indistinguishable from a missing one (ErrNotFound).
	GetForUser(ctx context.Context, jobID, userID string) (*Job, error)
	// UpdateVersioned persists status, progress, retry count, result and
	// error message, guarded by job.Version. On success the stored and
	// in-memory versions are bumped; a stale version yields
	// ErrVersionConflict and no write.
	UpdateVersioned(ctx context.Context, job *Job) error
	// MarkSettled stamps the settlement marker. Not version-guarded: the
	// marker is bookkeeping on an already-terminal record.
	MarkSettled(ctx context.Context, jobID string, at time.Time) error
}

// GenerationRepository defines persistence for billed artifacts.
type GenerationRepository interface {
	// Create inserts the generation. Creation is idempotent per job: a row
	// for the same JobID already existing is not an error and leaves the
	// stored row untouched.
	Create(ctx context.Context, gen *Generation) error
	GetForUser(ctx context.Context, generationID, userID string) (*Generation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Generation, error)
	// MarkFilesDeleted flips files_deleted false→true atomically. It returns
	// false when the flag was already set, so concurrent deletes cannot both
	// win.
	MarkFilesDeleted(ctx context.Context, generationID, userID string) (bool, error)
	// SetExpiry stamps a reclamation deadline on the user's live generations
	// that do not have one yet.
	SetExpiry(ctx context.Context, userID string, expiresAt time.Time) error
	// ClearExpiry removes pending reclamation deadlines for the user.
	ClearExpiry(ctx context.Context, userID string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Generation, error)
}

// LedgerRepository defines the per-user resource record store. All mutations
// go through ApplyEntry so every balance change is attributed to exactly one
// event.
type LedgerRepository interface {
	// Get returns the ledger record, or a zero-balance record with the
	// default storage limit when the user has none yet.
	Get(ctx context.Context, userID string) (*Ledger, error)
	// ApplyEntry atomically applies the entry's deltas with zero-clamping,
	// recording the entry under its unique event key. A key seen before
	// results in Duplicate=true and no balance change.
	ApplyEntry(ctx context.Context, entry *LedgerEntry) (*LedgerApplied, error)
	// SetWarningSent records (or clears, with nil) the storage-warning
	// timestamp.
	SetWarningSent(ctx context.Context, userID string, at *time.Time) error
}

// NotificationRepository persists emitted lifecycle events.
type NotificationRepository interface {
	// Insert stores the notification, deduplicating on DedupeKey when set.
	// It returns false when a notification with the same key already exists.
	Insert(ctx context.Context, n *Notification) (bool, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
}
