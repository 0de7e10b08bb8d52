// Package reconciler releases generation artifacts and credits their storage
// footprint back to the owner's ledger. Deletes are soft: the record and its
// result URLs survive for audit, only the accounting and the deleted flag
// change. Actual artifact removal belongs to the storage collaborator.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/ledger"
	"server/internal/notify"
)

// Reconciler performs soft deletes and the expiry sweep.
type Reconciler struct {
	generations domain.GenerationRepository
	ledger      *ledger.Service
	emitter     notify.Emitter
	log         zerolog.Logger
	now         func() time.Time
}

// New builds a Reconciler.
func New(generations domain.GenerationRepository, ldg *ledger.Service, emitter notify.Emitter, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		generations: generations,
		ledger:      ldg,
		emitter:     emitter,
		log:         log,
		now:         time.Now,
	}
}

// DeleteGeneration soft-deletes the generation and returns the storage bytes
// credited back. The files_deleted flip is a compare-and-swap, so of any
// number of concurrent deletes exactly one wins and reports the freed bytes;
// the rest see domain.ErrAlreadyDeleted.
//
// The flip lands before the ledger write, so a crash between the two leaves
// a deleted generation whose bytes were never credited back. The
// already-deleted path therefore replays the reclamation before returning:
// the delete event key makes the replay a no-op when the credit previously
// applied and a repair when it did not.
func (r *Reconciler) DeleteGeneration(ctx context.Context, generationID, userID string) (int64, error) {
	gen, err := r.generations.GetForUser(ctx, generationID, userID)
	if err != nil {
		return 0, err
	}
	if gen.FilesDeleted {
		if _, err := r.reclaim(ctx, gen); err != nil {
			return 0, err
		}
		return 0, domain.ErrAlreadyDeleted
	}
	flipped, err := r.generations.MarkFilesDeleted(ctx, gen.ID, userID)
	if err != nil {
		return 0, fmt.Errorf("reconciler: mark deleted: %w", err)
	}
	if !flipped {
		if _, err := r.reclaim(ctx, gen); err != nil {
			return 0, err
		}
		return 0, domain.ErrAlreadyDeleted
	}
	freed, err := r.reclaim(ctx, gen)
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// SweepExpired reclaims generations whose over-quota grace window has
// passed. It reuses the exact delete path, so a sweep and an owner delete
// racing on the same generation still reclaim its bytes once.
func (r *Reconciler) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := r.generations.ListExpired(ctx, r.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("reconciler: list expired: %w", err)
	}
	swept := 0
	for i := range expired {
		gen := &expired[i]
		flipped, err := r.generations.MarkFilesDeleted(ctx, gen.ID, gen.UserID)
		if err != nil {
			r.log.Warn().Err(err).Str("generation_id", gen.ID).Msg("sweep: mark deleted failed")
			continue
		}
		if !flipped {
			// A concurrent delete won the flip; replay the reclamation in
			// case that actor crashed before its ledger write.
			if _, err := r.reclaim(ctx, gen); err != nil {
				r.log.Warn().Err(err).Str("generation_id", gen.ID).Msg("sweep: reclaim replay failed")
			}
			continue
		}
		if _, err := r.reclaim(ctx, gen); err != nil {
			r.log.Warn().Err(err).Str("generation_id", gen.ID).Msg("sweep: reclaim failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// reclaim credits the size snapshot back, emits the event and relaxes any
// storage-pressure markers once the owner is back under the threshold.
func (r *Reconciler) reclaim(ctx context.Context, gen *domain.Generation) (int64, error) {
	freed, err := r.ledger.DecreaseStorage(ctx, gen.UserID, ledger.DeleteKey(gen.ID), gen.FileSizeBytes)
	if err != nil {
		return 0, err
	}
	ev := notify.Event{
		UserID:    gen.UserID,
		DedupeKey: ledger.DeleteKey(gen.ID),
		Type:      string(domain.NotificationStorageReclaimed),
		Title:     "Storage reclaimed",
		Metadata: map[string]any{
			"generation_id": gen.ID,
			"freed_bytes":   freed,
		},
	}
	if err := r.emitter.Emit(ctx, ev); err != nil {
		r.log.Warn().Err(err).Str("generation_id", gen.ID).Msg("failed to emit reclamation event")
	}
	r.relaxPressure(ctx, gen.UserID)
	return freed, nil
}

func (r *Reconciler) relaxPressure(ctx context.Context, userID string) {
	rec, err := r.ledger.Snapshot(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("failed to read ledger after reclaim")
		return
	}
	if rec.StorageUsedBytes >= rec.WarningThresholdBytes() {
		return
	}
	if rec.WarningSentAt != nil {
		if err := r.ledger.SetWarningSent(ctx, userID, nil); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("failed to clear storage warning")
		}
	}
	if err := r.generations.ClearExpiry(ctx, userID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("failed to clear generation expiry")
	}
}
