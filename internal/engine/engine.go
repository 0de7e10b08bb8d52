// Package engine advances generation jobs. Advancement is entirely
// pull-driven: every client poll reads the job and, when it is still in
// flight, asks the provider adapter for the upstream state and applies the
// resulting transition. There is no background scheduler and no per-job
// timer anywhere in the service.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"server/internal/domain"
	"server/internal/ledger"
	"server/internal/notify"
	"server/internal/provider"
)

// Config tunes the advancement engine.
type Config struct {
	// RetryBudget is the number of consecutive transient provider faults
	// after which the job is failed with a transient-error reason.
	RetryBudget int
	// QueryTimeout bounds a single provider adapter query.
	QueryTimeout time.Duration
	// ExpiryGrace is how long over-quota generations stay reclaimable by
	// their owner before the sweeper may take them.
	ExpiryGrace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RetryBudget:  3,
		QueryTimeout: 8 * time.Second,
		ExpiryGrace:  3 * 24 * time.Hour,
	}
}

// Engine is the poll-driven job state machine.
type Engine struct {
	jobs        domain.JobRepository
	generations domain.GenerationRepository
	ledger      *ledger.Service
	adapter     provider.Adapter
	emitter     notify.Emitter
	log         zerolog.Logger
	cfg         Config

	// group collapses concurrent provider queries for the same job: of N
	// racing polls at most one reaches the adapter, the rest share its
	// result. The version-token CAS below is still the correctness
	// mechanism; this only removes redundant upstream traffic.
	group singleflight.Group

	now func() time.Time
}

// New builds an Engine.
func New(jobs domain.JobRepository, generations domain.GenerationRepository, ldg *ledger.Service, adapter provider.Adapter, emitter notify.Emitter, cfg Config, log zerolog.Logger) *Engine {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultConfig().RetryBudget
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = DefaultConfig().ExpiryGrace
	}
	return &Engine{
		jobs:        jobs,
		generations: generations,
		ledger:      ldg,
		adapter:     adapter,
		emitter:     emitter,
		log:         log,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Enqueue reserves credits per the charge policy and creates the job in
// queued state. The provider reference is whatever the caller obtained when
// dispatching the upstream operation; the engine treats it as opaque.
func (e *Engine) Enqueue(ctx context.Context, userID string, kind domain.JobKind, providerRef string) (*domain.Job, error) {
	if _, ok := e.ledger.Cost(kind); !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedKind, kind)
	}
	job := &domain.Job{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		ProviderRef: providerRef,
		Status:      domain.JobStatusQueued,
		Version:     1,
	}
	if err := e.ledger.ReserveCredits(ctx, userID, job.ID, kind); err != nil {
		return nil, err
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		// The reservation committed but the job never existed, and a client
		// retry mints a fresh id, so the reserve key cannot repair this.
		// Refund under the settlement key of the stillborn job instead.
		if _, rerr := e.ledger.SettleCredits(ctx, userID, job.ID, kind, domain.JobStatusFailed); rerr != nil {
			e.log.Error().Err(rerr).Str("job_id", job.ID).Str("user_id", userID).Msg("failed to refund reservation for uncreated job")
		}
		return nil, fmt.Errorf("engine: create job: %w", err)
	}
	return job, nil
}

// Advance is the poll entrypoint. For terminal jobs it is a pure read (after
// finishing any settlement a crash left behind); for in-flight jobs it
// queries the provider and applies exactly one transition.
func (e *Engine) Advance(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	job, err := e.jobs.GetForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		if !job.Settled() {
			e.settle(ctx, job)
		}
		return job, nil
	}
	v, err, _ := e.group.Do(job.ID, func() (any, error) {
		return e.advanceInFlight(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Job), nil
}

func (e *Engine) advanceInFlight(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	status, err := e.adapter.Query(qctx, job.ProviderRef)
	cancel()
	if err != nil {
		return e.applyTransientFault(ctx, job, err)
	}
	switch status.State {
	case provider.StateDone:
		return e.applyCompleted(ctx, job, status.Result)
	case provider.StateError:
		return e.applyFailed(ctx, job, status.Reason)
	default:
		return e.applyProgress(ctx, job, status.Progress)
	}
}

// applyTransientFault absorbs a provider transport fault. Only the retry
// counter moves until the budget is reached; then the job fails with a
// reason clients can distinguish from an upstream-reported failure.
func (e *Engine) applyTransientFault(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	job.RetryCount++
	if job.RetryCount >= e.cfg.RetryBudget {
		e.log.Warn().
			Err(cause).
			Str("job_id", job.ID).
			Int("retries", job.RetryCount).
			Msg("retry budget exhausted, failing job")
		return e.applyFailed(ctx, job, domain.ErrorReasonTransient)
	}
	e.log.Debug().Err(cause).Str("job_id", job.ID).Int("retries", job.RetryCount).Msg("transient provider fault")
	if err := e.jobs.UpdateVersioned(ctx, job); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return e.reload(ctx, job)
		}
		return nil, fmt.Errorf("engine: persist retry count: %w", err)
	}
	return job, nil
}

// applyProgress records an in-flight advance. Reported progress is clamped
// to [0,100] and never allowed to move backwards; with no numeric progress
// from the upstream the engine nudges toward 90 so pollers see movement.
func (e *Engine) applyProgress(ctx context.Context, job *domain.Job, reported int) (*domain.Job, error) {
	next := job.Progress
	if reported == provider.ProgressUnknown {
		next = min(job.Progress+5, 90)
	} else {
		next = max(job.Progress, min(max(reported, 0), 100))
	}
	job.Status = domain.JobStatusProcessing
	job.Progress = next
	job.RetryCount = 0
	if err := e.jobs.UpdateVersioned(ctx, job); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return e.reload(ctx, job)
		}
		return nil, fmt.Errorf("engine: persist progress: %w", err)
	}
	return job, nil
}

func (e *Engine) applyCompleted(ctx context.Context, job *domain.Job, result *provider.Result) (*domain.Job, error) {
	payload := domain.JobResult{}
	if result != nil {
		payload.ResultURLs = result.URLs
		payload.FileSizeBytes = result.SizeBytes
		payload.ProviderPayload = result.Payload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("engine: encode result: %w", err)
	}
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.Result = raw
	job.ErrorMessage = ""
	job.RetryCount = 0
	if err := e.jobs.UpdateVersioned(ctx, job); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// A concurrent poll won the terminal write and owns settlement.
			return e.reload(ctx, job)
		}
		return nil, fmt.Errorf("engine: persist completion: %w", err)
	}
	e.settle(ctx, job)
	return job, nil
}

func (e *Engine) applyFailed(ctx context.Context, job *domain.Job, reason string) (*domain.Job, error) {
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = reason
	job.Result = nil
	if err := e.jobs.UpdateVersioned(ctx, job); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return e.reload(ctx, job)
		}
		return nil, fmt.Errorf("engine: persist failure: %w", err)
	}
	e.settle(ctx, job)
	return job, nil
}

// settle runs the ledger side effects for a terminal job and stamps the
// settlement marker only once they all succeeded. Every step is idempotent
// by event key, so a crash anywhere in here is repaired by the next poll.
func (e *Engine) settle(ctx context.Context, job *domain.Job) {
	if err := e.runSettlement(ctx, job); err != nil {
		e.log.Warn().Err(err).Str("job_id", job.ID).Msg("settlement incomplete, next poll retries")
		return
	}
	now := e.now()
	if err := e.jobs.MarkSettled(ctx, job.ID, now); err != nil {
		e.log.Warn().Err(err).Str("job_id", job.ID).Msg("settlement marker not persisted")
		return
	}
	job.SettledAt = &now
}

func (e *Engine) runSettlement(ctx context.Context, job *domain.Job) error {
	if _, err := e.ledger.SettleCredits(ctx, job.UserID, job.ID, job.Kind, job.Status); err != nil {
		return err
	}
	if job.Status == domain.JobStatusCompleted {
		if err := e.recordGeneration(ctx, job); err != nil {
			return err
		}
	}
	return e.emitOutcome(ctx, job)
}

func (e *Engine) recordGeneration(ctx context.Context, job *domain.Job) error {
	var res domain.JobResult
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return fmt.Errorf("engine: decode stored result: %w", err)
		}
	}
	gen := &domain.Generation{
		ID:            uuid.NewString(),
		UserID:        job.UserID,
		JobID:         job.ID,
		Kind:          job.Kind,
		ResultURLs:    res.ResultURLs,
		FileSizeBytes: res.FileSizeBytes,
	}
	if err := e.generations.Create(ctx, gen); err != nil {
		return fmt.Errorf("engine: record generation: %w", err)
	}
	if res.FileSizeBytes > 0 {
		applied, err := e.ledger.IncreaseStorage(ctx, job.UserID, ledger.StorageKey(job.ID), res.FileSizeBytes)
		if err != nil {
			return err
		}
		if !applied.Duplicate {
			e.checkStoragePressure(ctx, job.UserID, &applied.Ledger)
		}
	}
	return nil
}

// checkStoragePressure warns the owner once per crossing of the 80%
// threshold and, when the quota is exceeded, stamps the reclamation deadline
// on their live generations for the sweeper.
func (e *Engine) checkStoragePressure(ctx context.Context, userID string, rec *domain.Ledger) {
	if rec.StorageUsedBytes < rec.WarningThresholdBytes() || rec.WarningSentAt != nil {
		return
	}
	now := e.now()
	typ := domain.NotificationStorageWarning
	title := "Storage almost full"
	if rec.OverLimit() {
		typ = domain.NotificationStorageCritical
		title = "Storage full"
		if err := e.generations.SetExpiry(ctx, userID, now.Add(e.cfg.ExpiryGrace)); err != nil {
			e.log.Warn().Err(err).Str("user_id", userID).Msg("failed to stamp generation expiry")
		}
	}
	ev := notify.Event{
		UserID: userID,
		Type:   string(typ),
		Title:  title,
		Metadata: map[string]any{
			"used_bytes":  rec.StorageUsedBytes,
			"limit_bytes": rec.StorageLimitBytes,
		},
	}
	if err := e.emitter.Emit(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("user_id", userID).Msg("failed to emit storage warning")
		return
	}
	if err := e.ledger.SetWarningSent(ctx, userID, &now); err != nil {
		e.log.Warn().Err(err).Str("user_id", userID).Msg("failed to stamp storage warning")
	}
}

func (e *Engine) emitOutcome(ctx context.Context, job *domain.Job) error {
	typ := domain.NotificationJobCompleted
	title := "Generation completed"
	if job.Status == domain.JobStatusFailed {
		typ = domain.NotificationJobFailed
		title = "Generation failed"
	}
	ev := notify.Event{
		UserID:    job.UserID,
		DedupeKey: ledger.SettleKey(job.ID),
		Type:      string(typ),
		Title:     title,
		Metadata: map[string]any{
			"job_id":  job.ID,
			"kind":    string(job.Kind),
			"outcome": string(job.Status),
		},
	}
	if err := e.emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("engine: emit outcome: %w", err)
	}
	return nil
}

func (e *Engine) reload(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	return e.jobs.GetForUser(ctx, job.ID, job.UserID)
}
