package domain

import (
	"encoding/json"
	"time"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindGenerateImage JobKind = "generate_image"
	JobKindEditImage     JobKind = "edit_image"
	JobKindTextToVideo   JobKind = "text_to_video"
	JobKindImageToVideo  JobKind = "image_to_video"
	JobKindCarousel      JobKind = "carousel"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ErrorReasonTransient marks jobs failed because the provider stayed
// unreachable past the retry budget, as opposed to an upstream-reported
// failure. Clients rely on it to tell the two apart.
const ErrorReasonTransient = "transient_error"

// Job tracks one external generation request through its lifecycle.
//
// Progress never decreases while processing and is forced to 100 on
// completion. Result and ErrorMessage are mutually exclusive and set only on
// the terminal transition. Version is the optimistic-concurrency token; every
// persisted update compare-and-swaps on it. SettledAt is bookkeeping: it may
// change after the job is terminal, nothing else may.
type Job struct {
	ID           string
	UserID       string
	Kind         JobKind
	ProviderRef  string
	Status       JobStatus
	Progress     int
	RetryCount   int
	Result       json.RawMessage
	ErrorMessage string
	Version      int64
	SettledAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the job reached completed or failed.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// Settled reports whether ledger settlement for the terminal transition has
// been durably recorded.
func (j *Job) Settled() bool {
	return j.SettledAt != nil
}

// JobResult is the success payload persisted into Job.Result on completion.
// FileSizeBytes is a fixed snapshot taken when the provider hands the
// artifacts over; it is never re-measured afterwards.
type JobResult struct {
	ResultURLs      []string        `json:"result_urls"`
	FileSizeBytes   int64           `json:"file_size_bytes"`
	ProviderPayload json.RawMessage `json:"provider_payload,omitempty"`
}
