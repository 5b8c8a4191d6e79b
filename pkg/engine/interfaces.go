package engine

import (
	"context"
	"time"

	"github.com/bollardhq/bollard/pkg/inventory"
)

// Transport is the remote execution channel the engine dispatches through.
// The engine never touches the wire itself; implementations live under
// pkg/transports.
type Transport interface {
	// Probe fetches the current values of the given resource keys on a host.
	// Keys absent on the host are returned with an empty value. A transport
	// error means the host state is unknown, not that the keys are unsatisfied.
	Probe(ctx context.Context, host *inventory.Host, keys []string) (map[string]string, error)

	// Execute applies a single operation on a host and returns captured
	// output. Errors should be classified (transient vs permanent) so the
	// engine can apply its retry policy.
	Execute(ctx context.Context, host *inventory.Host, op *Operation) (output string, err error)
}

// Notifier delivers the terminal run summary to an external sink.
// Delivery is best-effort: the engine logs failures and moves on.
type Notifier interface {
	// Notify emits a single summary event for a completed run.
	Notify(ctx context.Context, report *RunReport) error
}

// ReportStore persists runs and their results for audit, and carries
// cross-process cancellation requests.
type ReportStore interface {
	// CreateRun records a new run before execution starts.
	CreateRun(ctx context.Context, report *RunReport) error

	// SaveResult appends a terminal operation result to the run.
	SaveResult(ctx context.Context, runID string, result *ExecutionResult) error

	// CompleteRun records the terminal status and summary of a run.
	CompleteRun(ctx context.Context, report *RunReport) error

	// CancelRequested reports whether a cancellation was requested for the
	// run. Checked at dispatch boundaries only.
	CancelRequested(ctx context.Context, runID string) (bool, error)
}

// ReconcilePolicy controls how desired-state assertions are matched against
// probed values.
type ReconcilePolicy string

const (
	// ReconcileAllKeys requires every asserted key to match (default).
	ReconcileAllKeys ReconcilePolicy = "all-keys"

	// ReconcileSubset treats an operation as satisfied when the matched keys
	// form a non-empty superset check: every asserted key that was observed
	// matches, and at least one key was observed.
	ReconcileSubset ReconcilePolicy = "subset"
)

// Options configures engine execution.
type Options struct {
	// MaxWorkers bounds concurrent operations. Zero means one worker per
	// inventory host.
	MaxWorkers int

	// BaseRetryDelay is the backoff base; attempt n waits base * 2^n, capped
	// at MaxRetryDelay.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration

	// DefaultTimeout applies to operations that declare none.
	DefaultTimeout time.Duration

	// DefaultMaxAttempts applies to operations that declare none.
	DefaultMaxAttempts int

	// Reconcile selects the assertion matching policy.
	Reconcile ReconcilePolicy
}

// withDefaults fills unset options.
func (o Options) withDefaults(hostCount int) Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = hostCount
		if o.MaxWorkers < 1 {
			o.MaxWorkers = 1
		}
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = 1 * time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.Reconcile == "" {
		o.Reconcile = ReconcileAllKeys
	}
	return o
}
