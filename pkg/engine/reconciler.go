package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bollardhq/bollard/pkg/inventory"
)

// Reconciler compares desired state against probed remote state and marks
// already-satisfied operations as skipped, so execution applies the minimal
// diff instead of a full replay. It runs once per run, before execution; there
// is no mid-execution re-planning.
type Reconciler struct {
	transport Transport
	policy    ReconcilePolicy
	log       zerolog.Logger
}

// NewReconciler creates a reconciler using the given transport and policy.
func NewReconciler(transport Transport, policy ReconcilePolicy, log zerolog.Logger) *Reconciler {
	if policy == "" {
		policy = ReconcileAllKeys
	}
	return &Reconciler{
		transport: transport,
		policy:    policy,
		log:       log.With().Str("component", "reconciler").Logger(),
	}
}

// ReconcileResult is the outcome of the diff-pruning pass.
type ReconcileResult struct {
	// Satisfied maps operation IDs to their skipped_already_satisfied results.
	// Edges into a satisfied operation count as resolved for its dependents.
	Satisfied map[string]*ExecutionResult

	// Unreachable maps host IDs to the probe error that made their state
	// unknown. Operations on these hosts are forced to execute.
	Unreachable map[string]error

	// Observed maps host IDs to the probed resource-key values.
	Observed map[string]map[string]string
}

// Reconcile probes every host referenced by an asserting operation and prunes
// operations whose desired state already holds. Probes for one host are
// batched into a single transport call.
func (r *Reconciler) Reconcile(ctx context.Context, graph *TaskGraph, inv *inventory.Inventory) (*ReconcileResult, error) {
	result := &ReconcileResult{
		Satisfied:   make(map[string]*ExecutionResult),
		Unreachable: make(map[string]error),
		Observed:    make(map[string]map[string]string),
	}

	// Collect the union of asserted keys per host.
	keysByHost := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	for _, opID := range graph.Order() {
		op, _ := graph.Get(opID)
		if len(op.Assert) == 0 {
			continue
		}
		if seen[op.Host] == nil {
			seen[op.Host] = make(map[string]bool)
		}
		for key := range op.Assert {
			if !seen[op.Host][key] {
				seen[op.Host][key] = true
				keysByHost[op.Host] = append(keysByHost[op.Host], key)
			}
		}
	}

	// One probe per host. A failed probe forces execution for that host's
	// operations: unknown state is never treated as satisfied.
	for _, host := range inv.Hosts() {
		keys, ok := keysByHost[host.ID]
		if !ok {
			continue
		}

		observed, err := r.transport.Probe(ctx, host, keys)
		if err != nil {
			probeErr := NewTransientError("host unreachable during reconciliation", err).
				WithCode(ErrCodeProbeUnreachable).
				WithHost(host.ID)
			result.Unreachable[host.ID] = probeErr
			r.log.Warn().
				Str("host", host.ID).
				Err(err).
				Msg("probe failed, operations on host will execute")
			continue
		}

		host.RecordProbe(observed, time.Now())
		result.Observed[host.ID] = observed
		r.log.Debug().
			Str("host", host.ID).
			Int("keys", len(keys)).
			Msg("probed host state")
	}

	// Prune operations whose assertions hold.
	now := time.Now()
	for _, opID := range graph.Order() {
		op, _ := graph.Get(opID)
		if len(op.Assert) == 0 {
			continue
		}
		if _, unreachable := result.Unreachable[op.Host]; unreachable {
			continue
		}
		observed, ok := result.Observed[op.Host]
		if !ok {
			continue
		}
		if !satisfied(op.Assert, observed, r.policy) {
			continue
		}

		result.Satisfied[opID] = &ExecutionResult{
			OperationID: opID,
			Host:        op.Host,
			Outcome:     OutcomeSkippedSatisfied,
			StartedAt:   now,
			CompletedAt: now,
			Output:      fmt.Sprintf("desired state already satisfied (%d keys)", len(op.Assert)),
		}
		r.log.Info().
			Str("operation", opID).
			Str("host", op.Host).
			Msg("operation already satisfied, pruned from execution set")
	}

	return result, nil
}

// satisfied reports whether the asserted state holds in the observed values.
func satisfied(assert, observed map[string]string, policy ReconcilePolicy) bool {
	matchedAny := false
	for key, want := range assert {
		got, ok := observed[key]
		if !ok || got == "" {
			if policy == ReconcileSubset {
				// Unobserved keys do not veto under the subset policy.
				continue
			}
			return false
		}
		if got != want {
			return false
		}
		matchedAny = true
	}
	if policy == ReconcileSubset {
		return matchedAny
	}
	return true
}
