// Package notify carries lifecycle events out of the core. The core only
// guarantees at-least-once emission keyed by the settlement idempotency key;
// delivery, persistence and read state belong to downstream consumers.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Event is one lifecycle occurrence. DedupeKey matches the ledger event key
// of the causing settlement or reclamation so consumers can deduplicate.
type Event struct {
	UserID    string
	DedupeKey string
	Type      string
	Title     string
	Body      string
	Metadata  map[string]any
}

// Emitter receives lifecycle events. Implementations must tolerate the same
// event arriving more than once.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// LogEmitter writes events to the service log. Used in development and as a
// fallback when no notification store is wired.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter builds a LogEmitter.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit logs the event.
func (e *LogEmitter) Emit(ctx context.Context, ev Event) error {
	e.log.Info().
		Str("user_id", ev.UserID).
		Str("dedupe_key", ev.DedupeKey).
		Str("type", ev.Type).
		Str("title", ev.Title).
		Msg("lifecycle event")
	return nil
}

var _ Emitter = (*LogEmitter)(nil)
