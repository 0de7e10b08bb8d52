package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

// StoreEmitter persists events as notification rows. Duplicate dedupe keys
// are dropped by the repository, which is what makes repeated settlement
// attempts safe for consumers.
type StoreEmitter struct {
	repo domain.NotificationRepository
	log  zerolog.Logger
}

// NewStoreEmitter builds a StoreEmitter.
func NewStoreEmitter(repo domain.NotificationRepository, log zerolog.Logger) *StoreEmitter {
	return &StoreEmitter{repo: repo, log: log}
}

// Emit inserts the event as a notification.
func (e *StoreEmitter) Emit(ctx context.Context, ev Event) error {
	n := &domain.Notification{
		ID:        uuid.NewString(),
		UserID:    ev.UserID,
		DedupeKey: ev.DedupeKey,
		Type:      domain.NotificationType(ev.Type),
		Title:     ev.Title,
		Body:      ev.Body,
		Metadata:  ev.Metadata,
	}
	inserted, err := e.repo.Insert(ctx, n)
	if err != nil {
		return fmt.Errorf("notify: insert notification: %w", err)
	}
	if !inserted {
		e.log.Debug().Str("dedupe_key", ev.DedupeKey).Msg("notification already emitted")
	}
	return nil
}

var _ Emitter = (*StoreEmitter)(nil)
