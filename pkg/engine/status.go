package engine

import (
	"encoding/json"
	"fmt"
)

// ActionKind represents the kind of action an operation performs on a host.
type ActionKind string

const (
	// ActionInstall installs packages on the target host.
	ActionInstall ActionKind = "install"

	// ActionConfigure places configuration files on the target host.
	ActionConfigure ActionKind = "configure"

	// ActionDeploy uploads an application artifact and activates it.
	ActionDeploy ActionKind = "deploy"

	// ActionRestart restarts a service on the target host.
	ActionRestart ActionKind = "restart"

	// ActionStop stops a service on the target host.
	ActionStop ActionKind = "stop"

	// ActionTeardown removes deployed artifacts, services, or packages.
	ActionTeardown ActionKind = "teardown"
)

// IsDestructive returns true if the action removes or halts remote state.
func (a ActionKind) IsDestructive() bool {
	return a == ActionStop || a == ActionTeardown
}

// Validate checks if the action kind is valid.
func (a ActionKind) Validate() error {
	switch a {
	case ActionInstall, ActionConfigure, ActionDeploy,
		ActionRestart, ActionStop, ActionTeardown:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", a)
	}
}

// Outcome represents the terminal (or in-progress) state of a single operation
// within a run.
type Outcome string

const (
	// OutcomePending indicates the operation has not been dispatched yet.
	OutcomePending Outcome = "pending"

	// OutcomeRunning indicates the operation is currently executing.
	OutcomeRunning Outcome = "running"

	// OutcomeSucceeded indicates the operation applied successfully.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeSkippedSatisfied indicates reconciliation found the desired state
	// already present and the operation was never executed.
	OutcomeSkippedSatisfied Outcome = "skipped_already_satisfied"

	// OutcomeSkippedBlocked indicates a transitive dependency failed fatally
	// and the operation was never executed.
	OutcomeSkippedBlocked Outcome = "skipped_blocked_by_failure"

	// OutcomeSkippedCancelled indicates the run was cancelled before the
	// operation was dispatched.
	OutcomeSkippedCancelled Outcome = "skipped_cancelled"

	// OutcomeFailedRetryable indicates a transient failure eligible for retry.
	// Visible on intermediate attempts only; terminal results carry either
	// succeeded or failed_fatal.
	OutcomeFailedRetryable Outcome = "failed_retryable"

	// OutcomeFailedFatal indicates the operation failed permanently, either
	// because retries were exhausted or the error was not retryable.
	OutcomeFailedFatal Outcome = "failed_fatal"
)

// IsTerminal returns true if the outcome represents a final state.
func (o Outcome) IsTerminal() bool {
	switch o {
	case OutcomeSucceeded, OutcomeSkippedSatisfied, OutcomeSkippedBlocked,
		OutcomeSkippedCancelled, OutcomeFailedFatal:
		return true
	default:
		return false
	}
}

// IsSkip returns true if the operation never executed.
func (o Outcome) IsSkip() bool {
	return o == OutcomeSkippedSatisfied || o == OutcomeSkippedBlocked ||
		o == OutcomeSkippedCancelled
}

// Satisfies returns true if the outcome resolves a dependency edge, allowing
// dependents to start.
func (o Outcome) Satisfies() bool {
	return o == OutcomeSucceeded || o == OutcomeSkippedSatisfied
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomePending, OutcomeRunning, OutcomeSucceeded,
		OutcomeSkippedSatisfied, OutcomeSkippedBlocked, OutcomeSkippedCancelled,
		OutcomeFailedRetryable, OutcomeFailedFatal:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// RunStatus represents the overall status of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet executing.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every operation ended in a success or a
	// satisfied skip.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one operation ended failed_fatal.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before the graph
	// drained.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (a *ActionKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = ActionKind(str)
	return a.Validate()
}
