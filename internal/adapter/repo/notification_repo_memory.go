package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"server/internal/domain"
)

// NotificationRepositoryMemory stores notifications in memory and is safe
// for concurrent use.
type NotificationRepositoryMemory struct {
	mu    sync.Mutex
	items []domain.Notification
	keys  map[string]struct{}
}

// NewNotificationRepositoryMemory constructs an empty in-memory notification repository.
func NewNotificationRepositoryMemory() *NotificationRepositoryMemory {
	return &NotificationRepositoryMemory{keys: make(map[string]struct{})}
}

// Insert stores the notification, deduplicating on DedupeKey when set.
func (r *NotificationRepositoryMemory) Insert(ctx context.Context, n *domain.Notification) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.DedupeKey != "" {
		if _, exists := r.keys[n.DedupeKey]; exists {
			return false, nil
		}
		r.keys[n.DedupeKey] = struct{}{}
	}
	stored := *n
	stored.CreatedAt = time.Now().UTC()
	r.items = append(r.items, stored)
	return true, nil
}

// ListByUser returns the user's notifications, newest first.
func (r *NotificationRepositoryMemory) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.Notification
	for _, n := range r.items {
		if n.UserID == userID {
			items = append(items, n)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

var _ domain.NotificationRepository = (*NotificationRepositoryMemory)(nil)
