package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// NotificationRepositoryPG implements domain.NotificationRepository on PostgreSQL.
type NotificationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository creates a new notification repository backed by PostgreSQL.
func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepositoryPG {
	return &NotificationRepositoryPG{pool: pool}
}

// Insert stores the notification. Rows with a dedupe key collide on the
// unique constraint (NULL keys never collide), so at-least-once emitters
// stay harmless.
func (r *NotificationRepositoryPG) Insert(ctx context.Context, n *domain.Notification) (bool, error) {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode notification metadata: %w", err)
	}
	query := `
INSERT INTO notifications (id, user_id, dedupe_key, type, title, body, metadata)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
ON CONFLICT (dedupe_key) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, query,
		n.ID,
		n.UserID,
		n.DedupeKey,
		n.Type,
		n.Title,
		n.Body,
		meta,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByUser returns the user's notifications, newest first.
func (r *NotificationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	query := `
SELECT id, user_id, COALESCE(dedupe_key, ''), type, title, body, metadata, read, created_at
FROM notifications
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var meta []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.DedupeKey, &n.Type, &n.Title, &n.Body, &meta, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return nil, fmt.Errorf("decode notification metadata: %w", err)
			}
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

var _ domain.NotificationRepository = (*NotificationRepositoryPG)(nil)
