package engine

import (
	"context"
	"time"
)

// EventType identifies a point on the run timeline.
type EventType string

const (
	// EventRunStarted marks the beginning of execution.
	EventRunStarted EventType = "run_started"

	// EventRunCompleted marks a terminal run status.
	EventRunCompleted EventType = "run_completed"

	// EventOperationStarted marks the first attempt of an operation.
	EventOperationStarted EventType = "operation_started"

	// EventOperationRetried marks a retry after a transient failure.
	EventOperationRetried EventType = "operation_retried"

	// EventOperationCompleted marks a terminal operation outcome.
	EventOperationCompleted EventType = "operation_completed"
)

// Event is a single timeline entry published during execution.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// OperationID is the operation, for operation-scoped events.
	OperationID string `json:"operation_id,omitempty"`

	// Host is the target host, for operation-scoped events.
	Host string `json:"host,omitempty"`

	// Action is the operation's action kind, for operation-scoped events.
	Action ActionKind `json:"action,omitempty"`

	// Outcome is set on completion events.
	Outcome Outcome `json:"outcome,omitempty"`

	// Status is set on run completion events.
	Status RunStatus `json:"status,omitempty"`

	// Attempt is the attempt number, for retry events.
	Attempt int `json:"attempt,omitempty"`

	// Duration is set on completion events.
	Duration time.Duration `json:"duration,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
}

// EventSink receives execution timeline events. Implementations must not
// block; slow sinks should buffer internally.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// nopSink discards events.
type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}

// nopStore satisfies ReportStore when persistence is disabled (plan mode,
// tests).
type nopStore struct{}

func (nopStore) CreateRun(context.Context, *RunReport) error                { return nil }
func (nopStore) SaveResult(context.Context, string, *ExecutionResult) error { return nil }
func (nopStore) CompleteRun(context.Context, *RunReport) error              { return nil }
func (nopStore) CancelRequested(context.Context, string) (bool, error)      { return false, nil }

// NopStore returns a ReportStore that persists nothing.
func NopStore() ReportStore { return nopStore{} }
