package domain

import "time"

// Generation is a billed artifact produced by a completed job.
//
// FileSizeBytes is the snapshot taken at creation and is the sole source of
// truth for storage reclamation. FilesDeleted moves false→true at most once;
// ResultURLs are retained after a soft delete for audit but are considered
// inaccessible.
type Generation struct {
	ID            string
	UserID        string
	JobID         string
	Kind          JobKind
	ResultURLs    []string
	FileSizeBytes int64
	FilesDeleted  bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// Expired reports whether the generation passed its reclamation deadline.
func (g *Generation) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}
