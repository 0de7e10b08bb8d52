package domain

import "time"

// DefaultStorageLimitBytes is the storage quota granted to users without an
// explicit plan override (100 MiB).
const DefaultStorageLimitBytes int64 = 104857600

// StorageWarningRatio is the share of the quota at which the owner is warned
// about storage pressure.
const StorageWarningRatio = 0.8

// Ledger is the per-user resource record. Credits and StorageUsedBytes are
// clamped at zero on any decrement that would otherwise go negative.
type Ledger struct {
	UserID            string
	Credits           int64
	StorageUsedBytes  int64
	StorageLimitBytes int64
	WarningSentAt     *time.Time
	UpdatedAt         time.Time
}

// WarningThresholdBytes returns the usage level at which a storage warning
// becomes due.
func (l *Ledger) WarningThresholdBytes() int64 {
	return int64(float64(l.StorageLimitBytes) * StorageWarningRatio)
}

// OverLimit reports whether usage exceeds the quota.
func (l *Ledger) OverLimit() bool {
	return l.StorageUsedBytes >= l.StorageLimitBytes
}

// LedgerEntry attributes one ledger mutation to exactly one causing event.
// EventKey is globally unique; a replayed entry is a no-op.
type LedgerEntry struct {
	EventKey     string
	UserID       string
	CreditsDelta int64
	StorageDelta int64
	Reason       string
	// RequireFunds makes a credit debit fail with ErrInsufficientCredits
	// instead of clamping when the balance cannot cover it. Used for
	// reservations; settlements and storage mutations always clamp.
	RequireFunds bool
	CreatedAt    time.Time
}

// LedgerApplied reports the outcome of applying a ledger entry.
type LedgerApplied struct {
	// Duplicate is true when the entry's event key had already been applied;
	// no balances changed.
	Duplicate bool
	// CreditsApplied and StorageApplied are the signed changes actually
	// written, after clamping. They differ from the requested deltas when an
	// underflow was clamped.
	CreditsApplied int64
	StorageApplied int64
	Ledger         Ledger
}
