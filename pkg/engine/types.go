package engine

import (
	"time"
)

// Operation is a single unit of work against one host.
type Operation struct {
	// ID is the unique operation identifier within a run
	// (typically "role.name@host").
	ID string `json:"id"`

	// Role is the role that produced this operation.
	Role string `json:"role"`

	// Name is the operation name as declared in the spec.
	Name string `json:"name"`

	// Host is the target host ID from the inventory.
	Host string `json:"host"`

	// Action is the kind of action to perform.
	Action ActionKind `json:"action"`

	// IdempotencyKey makes reapplication of the operation safe: a retried
	// operation reuses its key, so at-least-once delivery yields at most one
	// effective application.
	IdempotencyKey string `json:"idempotency_key"`

	// DependsOn lists operation IDs that must resolve before this one starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// Assert maps resource keys to the values expected after (and, for
	// reconciliation, possibly before) the operation runs. Empty means the
	// operation always executes.
	Assert map[string]string `json:"assert,omitempty"`

	// Params carries the strongly-typed parameters for the action kind.
	Params Params `json:"params"`

	// Timeout is the per-attempt execution timeout.
	Timeout time.Duration `json:"timeout"`

	// MaxAttempts is the total attempt budget, retries included.
	MaxAttempts int `json:"max_attempts"`

	// seq is the declaration index, used for deterministic ordering.
	seq int
}

// Params is the tagged union of per-action parameters. Exactly one field
// matching the operation's action kind is set.
type Params struct {
	Install   *InstallParams   `json:"install,omitempty"`
	Configure *ConfigureParams `json:"configure,omitempty"`
	Deploy    *DeployParams    `json:"deploy,omitempty"`
	Service   *ServiceParams   `json:"service,omitempty"`
	Teardown  *TeardownParams  `json:"teardown,omitempty"`
}

// InstallParams configures an install action.
type InstallParams struct {
	// Packages are the package names to install.
	Packages []string `json:"packages"`
}

// ConfigureParams configures a configure action.
type ConfigureParams struct {
	// Files are the configuration files to place on the host.
	Files []FileSpec `json:"files"`
}

// FileSpec describes one file placed on a host.
type FileSpec struct {
	// Source is the local path of the file content.
	Source string `json:"source"`

	// Dest is the absolute remote path.
	Dest string `json:"dest"`

	// Mode is the octal file mode (e.g. 0644).
	Mode uint32 `json:"mode"`
}

// DeployParams configures a deploy action.
type DeployParams struct {
	// Artifact is the local path of the artifact to upload.
	Artifact string `json:"artifact"`

	// Dest is the absolute remote path the artifact is placed at.
	Dest string `json:"dest"`

	// Mode is the octal file mode for the uploaded artifact.
	Mode uint32 `json:"mode"`

	// Service, when set, is restarted after the artifact lands.
	Service string `json:"service,omitempty"`
}

// ServiceParams configures restart and stop actions.
type ServiceParams struct {
	// Service is the unit name to act on.
	Service string `json:"service"`
}

// TeardownParams configures a teardown action.
type TeardownParams struct {
	// Services are stopped and disabled.
	Services []string `json:"services,omitempty"`

	// Paths are removed from the host.
	Paths []string `json:"paths,omitempty"`

	// Packages are uninstalled.
	Packages []string `json:"packages,omitempty"`
}

// TaskGraph is a validated, acyclic dependency graph of operations with a
// deterministic topological order.
type TaskGraph struct {
	// nodes maps operation IDs to operations.
	nodes map[string]*Operation

	// order is the stable topological order (ties broken by declaration order).
	order []string

	// dependents maps an operation ID to the IDs that depend on it.
	dependents map[string][]string

	// dependencies maps an operation ID to the IDs it depends on.
	dependencies map[string][]string
}

// Get returns the operation with the given ID.
func (g *TaskGraph) Get(id string) (*Operation, bool) {
	op, ok := g.nodes[id]
	return op, ok
}

// Order returns the topological order of operation IDs. The slice is shared;
// callers must not mutate it.
func (g *TaskGraph) Order() []string {
	return g.order
}

// Dependents returns the IDs directly depending on the given operation.
func (g *TaskGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Dependencies returns the IDs the given operation directly depends on.
func (g *TaskGraph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Len returns the number of operations in the graph.
func (g *TaskGraph) Len() int {
	return len(g.nodes)
}

// TransitiveDependents returns every operation reachable from the given one
// along dependency edges, in topological order.
func (g *TaskGraph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, opID := range g.order {
		if seen[opID] {
			out = append(out, opID)
		}
	}
	return out
}

// ExecutionResult is the recorded outcome of one operation within a run.
type ExecutionResult struct {
	// OperationID is the operation this result belongs to.
	OperationID string `json:"operation_id"`

	// Host is the target host ID.
	Host string `json:"host"`

	// Outcome is the terminal outcome.
	Outcome Outcome `json:"outcome"`

	// Attempts is the number of execution attempts made (0 for skips).
	Attempts int `json:"attempts"`

	// StartedAt is when the first attempt started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the terminal outcome was reached.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total wall time including backoff.
	Duration time.Duration `json:"duration"`

	// Output is captured remote output, if any.
	Output string `json:"output,omitempty"`

	// Error describes the failure for failed or blocked outcomes.
	Error *EngineError `json:"error,omitempty"`
}

// RunReport is the ordered record of a run. It is immutable once the run
// reaches a terminal status and is persisted for audit.
type RunReport struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// SpecName is the name of the deployment spec that was run.
	SpecName string `json:"spec_name"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Results are the per-operation outcomes in completion order.
	Results []ExecutionResult `json:"results"`

	// Summary aggregates outcomes across the run.
	Summary RunSummary `json:"summary"`

	// Hosts aggregates outcomes per host.
	Hosts map[string]*RunSummary `json:"hosts"`
}

// RunSummary counts operations by terminal outcome.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Satisfied int `json:"satisfied"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// record folds a terminal result into the report.
func (r *RunReport) record(res ExecutionResult) {
	r.Results = append(r.Results, res)
	r.Summary.add(res.Outcome)
	if r.Hosts == nil {
		r.Hosts = make(map[string]*RunSummary)
	}
	hs, ok := r.Hosts[res.Host]
	if !ok {
		hs = &RunSummary{}
		r.Hosts[res.Host] = hs
	}
	hs.add(res.Outcome)
}

func (s *RunSummary) add(o Outcome) {
	s.Total++
	switch o {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeSkippedSatisfied:
		s.Satisfied++
	case OutcomeSkippedBlocked:
		s.Blocked++
	case OutcomeSkippedCancelled:
		s.Cancelled++
	case OutcomeFailedFatal:
		s.Failed++
	}
}
