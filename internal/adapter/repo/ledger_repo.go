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

// LedgerRepositoryPG implements domain.LedgerRepository on PostgreSQL.
//
// ApplyEntry works inside one transaction: seed the ledger row, claim the
// event key, then mutate the locked row with zero-clamping. The unique key
// claim is what keeps every mutation attributed to exactly one event even
// when two settlements for the same user land simultaneously.
type LedgerRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new ledger repository backed by PostgreSQL.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool}
}

const qSelectLedger = `
SELECT user_id, credits, storage_used_bytes, storage_limit_bytes, warning_sent_at, updated_at
FROM user_ledgers
WHERE user_id = $1
`

// Get returns the user's ledger, or a zero-balance record with the default
// limit when none exists yet.
func (r *LedgerRepositoryPG) Get(ctx context.Context, userID string) (*domain.Ledger, error) {
	rec, err := scanLedger(r.pool.QueryRow(ctx, qSelectLedger, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.Ledger{UserID: userID, StorageLimitBytes: domain.DefaultStorageLimitBytes}, nil
		}
		return nil, err
	}
	return rec, nil
}

// ApplyEntry atomically applies the entry's deltas under its event key.
func (r *LedgerRepositoryPG) ApplyEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerApplied, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO user_ledgers (user_id, storage_limit_bytes)
VALUES ($1, $2)
ON CONFLICT (user_id) DO NOTHING;
`, entry.UserID, domain.DefaultStorageLimitBytes); err != nil {
		return nil, fmt.Errorf("seed ledger: %w", err)
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO ledger_entries (event_key, user_id, credits_delta, storage_delta, reason)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_key) DO NOTHING;
`, entry.EventKey, entry.UserID, entry.CreditsDelta, entry.StorageDelta, entry.Reason)
	if err != nil {
		return nil, fmt.Errorf("claim event key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rec, err := scanLedger(tx.QueryRow(ctx, qSelectLedger, entry.UserID))
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &domain.LedgerApplied{Duplicate: true, Ledger: *rec}, nil
	}

	prev, err := scanLedger(tx.QueryRow(ctx, qSelectLedger+"FOR UPDATE", entry.UserID))
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if entry.RequireFunds && prev.Credits+entry.CreditsDelta < 0 {
		// Rolls back the event-key claim with the rest of the tx.
		return nil, domain.ErrInsufficientCredits
	}
	newCredits := clampZero(prev.Credits + entry.CreditsDelta)
	newStorage := clampZero(prev.StorageUsedBytes + entry.StorageDelta)

	next, err := scanLedger(tx.QueryRow(ctx, `
UPDATE user_ledgers
SET credits = $2,
    storage_used_bytes = $3,
    updated_at = NOW()
WHERE user_id = $1
RETURNING user_id, credits, storage_used_bytes, storage_limit_bytes, warning_sent_at, updated_at;
`, entry.UserID, newCredits, newStorage))
	if err != nil {
		return nil, fmt.Errorf("apply ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return &domain.LedgerApplied{
		CreditsApplied: next.Credits - prev.Credits,
		StorageApplied: next.StorageUsedBytes - prev.StorageUsedBytes,
		Ledger:         *next,
	}, nil
}

// SetWarningSent records or clears the storage-warning timestamp.
func (r *LedgerRepositoryPG) SetWarningSent(ctx context.Context, userID string, at *time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE user_ledgers
SET warning_sent_at = $2,
    updated_at = NOW()
WHERE user_id = $1;
`, userID, at)
	return err
}

func scanLedger(row pgx.Row) (*domain.Ledger, error) {
	var rec domain.Ledger
	if err := row.Scan(
		&rec.UserID,
		&rec.Credits,
		&rec.StorageUsedBytes,
		&rec.StorageLimitBytes,
		&rec.WarningSentAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
