// Package stores persists runs, operation results, and timeline events to
// SQLite. The store also carries cross-process cancellation requests: the
// cancel command writes a row the executing process polls at dispatch
// boundaries.
package stores

import (
	"errors"
	"time"

	"github.com/bollardhq/bollard/pkg/engine"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// ErrRunNotActive is returned when cancellation is requested for a run that
// already reached a terminal status.
var ErrRunNotActive = errors.New("run is not active")

// RunMeta is the listing view of a run, without per-operation detail.
type RunMeta struct {
	RunID       string            `json:"run_id"`
	SpecName    string            `json:"spec_name"`
	Status      engine.RunStatus  `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	Duration    time.Duration     `json:"duration"`
	Summary     engine.RunSummary `json:"summary"`
}

// StoredEvent is one persisted timeline entry.
type StoredEvent struct {
	ID          int64            `json:"id"`
	RunID       string           `json:"run_id"`
	Type        engine.EventType `json:"type"`
	OperationID string           `json:"operation_id,omitempty"`
	Host        string           `json:"host,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
	Payload     engine.Event     `json:"payload"`
}
