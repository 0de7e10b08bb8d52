// Package ledger implements per-user credit and storage accounting. Every
// mutation is attributed to exactly one event key, so retried callers (the
// engine re-running settlement after a crash, concurrent deletes racing on a
// generation) can never double-apply a charge, refund or reclamation.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Event key prefixes. The suffix is always the id of the causing entity.
const (
	keyReserve = "job_reserve:"
	keySettle  = "job_settle:"
	keyStore   = "job_storage:"
	keyDelete  = "generation_delete:"
)

// ReserveKey returns the idempotency key for a job's enqueue-time charge.
func ReserveKey(jobID string) string { return keyReserve + jobID }

// SettleKey returns the idempotency key for a job's terminal settlement.
func SettleKey(jobID string) string { return keySettle + jobID }

// StorageKey returns the idempotency key for a completed job's storage add.
func StorageKey(jobID string) string { return keyStore + jobID }

// DeleteKey returns the idempotency key for a generation's reclamation.
func DeleteKey(generationID string) string { return keyDelete + generationID }

// Service applies the charge policy on top of the ledger store.
type Service struct {
	repo   domain.LedgerRepository
	policy ChargePolicy
	costs  CreditCosts
	log    zerolog.Logger
}

// NewService builds a ledger service.
func NewService(repo domain.LedgerRepository, policy ChargePolicy, costs CreditCosts, log zerolog.Logger) *Service {
	if costs == nil {
		costs = DefaultCreditCosts()
	}
	return &Service{repo: repo, policy: policy, costs: costs, log: log}
}

// Cost exposes the configured price for a job kind.
func (s *Service) Cost(kind domain.JobKind) (int64, bool) {
	return s.costs.Cost(kind)
}

// ReserveCredits applies the enqueue-time charge for a job. Under a
// reservation policy it fails with domain.ErrInsufficientCredits when the
// balance cannot cover the cost; the entry is keyed by job id so a retried
// enqueue of the same job charges once.
func (s *Service) ReserveCredits(ctx context.Context, userID, jobID string, kind domain.JobKind) error {
	cost, ok := s.costs.Cost(kind)
	if !ok {
		return fmt.Errorf("ledger: unpriced job kind %q", kind)
	}
	delta := s.policy.OnEnqueue(cost)
	if delta == 0 {
		return nil
	}
	_, err := s.repo.ApplyEntry(ctx, &domain.LedgerEntry{
		EventKey:     ReserveKey(jobID),
		UserID:       userID,
		CreditsDelta: delta,
		Reason:       "reserve " + string(kind),
		RequireFunds: delta < 0,
	})
	if err != nil {
		return fmt.Errorf("ledger: reserve credits: %w", err)
	}
	return nil
}

// SettleCredits applies the terminal-transition charge or refund for a job.
// It is keyed by job id and safe to call any number of times; only the first
// call moves the balance. The applied delta is returned for audit.
func (s *Service) SettleCredits(ctx context.Context, userID, jobID string, kind domain.JobKind, outcome domain.JobStatus) (int64, error) {
	cost, ok := s.costs.Cost(kind)
	if !ok {
		return 0, fmt.Errorf("ledger: unpriced job kind %q", kind)
	}
	var delta int64
	var reason string
	switch outcome {
	case domain.JobStatusCompleted:
		delta = s.policy.OnSuccess(cost)
		reason = "settle " + string(kind)
	case domain.JobStatusFailed:
		delta = s.policy.OnFailure(cost)
		reason = "refund " + string(kind)
	default:
		return 0, fmt.Errorf("ledger: settle on non-terminal outcome %q", outcome)
	}
	if delta == 0 {
		return 0, nil
	}
	applied, err := s.repo.ApplyEntry(ctx, &domain.LedgerEntry{
		EventKey:     SettleKey(jobID),
		UserID:       userID,
		CreditsDelta: delta,
		Reason:       reason,
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: settle credits: %w", err)
	}
	if applied.Duplicate {
		return 0, nil
	}
	if applied.CreditsApplied != delta {
		s.log.Warn().
			Str("user_id", userID).
			Str("job_id", jobID).
			Int64("requested", delta).
			Int64("applied", applied.CreditsApplied).
			Msg("ledger underflow clamped during settlement")
	}
	return applied.CreditsApplied, nil
}

// IncreaseStorage records a completed job's artifact footprint and returns
// the resulting ledger snapshot so callers can react to quota pressure.
func (s *Service) IncreaseStorage(ctx context.Context, userID, eventKey string, bytes int64) (*domain.LedgerApplied, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("ledger: negative storage increase %d", bytes)
	}
	applied, err := s.repo.ApplyEntry(ctx, &domain.LedgerEntry{
		EventKey:     eventKey,
		UserID:       userID,
		StorageDelta: bytes,
		Reason:       "storage add",
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: increase storage: %w", err)
	}
	return applied, nil
}

// DecreaseStorage reclaims bytes, floored at zero even when the requested
// amount exceeds the balance. It returns the amount actually applied.
func (s *Service) DecreaseStorage(ctx context.Context, userID, eventKey string, bytes int64) (int64, error) {
	if bytes < 0 {
		return 0, fmt.Errorf("ledger: negative storage decrease %d", bytes)
	}
	applied, err := s.repo.ApplyEntry(ctx, &domain.LedgerEntry{
		EventKey:     eventKey,
		UserID:       userID,
		StorageDelta: -bytes,
		Reason:       "storage reclaim",
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: decrease storage: %w", err)
	}
	if applied.Duplicate {
		return 0, nil
	}
	freed := -applied.StorageApplied
	if freed != bytes {
		s.log.Warn().
			Str("user_id", userID).
			Int64("requested", bytes).
			Int64("freed", freed).
			Msg("storage underflow clamped during reclaim")
	}
	return freed, nil
}

// Credits returns the user's balance. Missing ledgers read as zero.
func (s *Service) Credits(ctx context.Context, userID string) (int64, error) {
	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: read credits: %w", err)
	}
	return rec.Credits, nil
}

// Storage returns used and limit bytes for the user.
func (s *Service) Storage(ctx context.Context, userID string) (used, limit int64, err error) {
	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: read storage: %w", err)
	}
	return rec.StorageUsedBytes, rec.StorageLimitBytes, nil
}

// Snapshot returns the full ledger record.
func (s *Service) Snapshot(ctx context.Context, userID string) (*domain.Ledger, error) {
	return s.repo.Get(ctx, userID)
}

// SetWarningSent stamps or clears the storage-warning marker.
func (s *Service) SetWarningSent(ctx context.Context, userID string, at *time.Time) error {
	return s.repo.SetWarningSent(ctx, userID, at)
}
