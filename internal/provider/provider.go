// Package provider defines the adapter contract through which the
// advancement engine observes upstream generation services. The engine never
// talks to a concrete provider API directly; it consumes this contract and
// treats the reference it stored at enqueue time as opaque.
package provider

import (
	"context"
	"encoding/json"
)

// State is the upstream view of a job.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

// ProgressUnknown signals that the upstream reported no numeric progress.
const ProgressUnknown = -1

// Result carries the artifacts of a finished upstream operation. SizeBytes
// is the upstream's own measurement; it becomes the fixed billing snapshot.
type Result struct {
	URLs      []string
	SizeBytes int64
	Payload   json.RawMessage
}

// Status is a point-in-time answer from the upstream.
//
// A StateError status is a fatal, upstream-reported failure; transport
// faults (timeouts, connection errors) are returned as an error from Query
// instead and are retryable.
type Status struct {
	State    State
	Progress int
	Result   *Result
	Reason   string
}

// Adapter queries an upstream generation service for the current state of an
// operation. Query must be idempotent to re-issue: it observes, it never
// mutates upstream state. Implementations must honor ctx cancellation.
type Adapter interface {
	Query(ctx context.Context, providerRef string) (Status, error)
}
