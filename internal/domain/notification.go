package domain

import "time"

// NotificationType enumerates lifecycle event categories delivered to users.
type NotificationType string

const (
	NotificationJobCompleted     NotificationType = "job_completed"
	NotificationJobFailed        NotificationType = "job_failed"
	NotificationStorageReclaimed NotificationType = "storage_reclaimed"
	NotificationStorageWarning   NotificationType = "storage_warning"
	NotificationStorageCritical  NotificationType = "storage_critical"
)

// Notification is a persisted lifecycle event. DedupeKey carries the
// settlement idempotency key so downstream consumers can deduplicate
// at-least-once emission.
type Notification struct {
	ID        string
	UserID    string
	DedupeKey string
	Type      NotificationType
	Title     string
	Body      string
	Metadata  map[string]any
	Read      bool
	CreatedAt time.Time
}
