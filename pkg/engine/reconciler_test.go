package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bollardhq/bollard/pkg/inventory"
)

// probeRecorder counts probe calls and the keys requested per host.
type probeRecorder struct {
	mu       sync.Mutex
	observed map[string]map[string]string
	errs     map[string]error
	calls    map[string][][]string
}

func newProbeRecorder() *probeRecorder {
	return &probeRecorder{
		observed: make(map[string]map[string]string),
		errs:     make(map[string]error),
		calls:    make(map[string][][]string),
	}
}

func (p *probeRecorder) Probe(_ context.Context, host *inventory.Host, keys []string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[host.ID] = append(p.calls[host.ID], keys)
	if err := p.errs[host.ID]; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[key] = p.observed[host.ID][key]
	}
	return out, nil
}

func (p *probeRecorder) Execute(context.Context, *inventory.Host, *Operation) (string, error) {
	return "", fmt.Errorf("reconciliation must not execute")
}

func assertingOp(id, host string, assert map[string]string) *Operation {
	o := hostOp(id, host)
	o.Assert = assert
	return o
}

func TestReconciler_Reconcile_PrunesSatisfied(t *testing.T) {
	transport := newProbeRecorder()
	transport.observed["web-1"] = map[string]string{
		"pkg:nginx:version":   "1.24.0",
		"service:nginx:state": "inactive",
	}

	graph, err := NewGraphBuilder().Add(
		assertingOp("install", "web-1", map[string]string{"pkg:nginx:version": "1.24.0"}),
		assertingOp("restart", "web-1", map[string]string{"service:nginx:state": "active"}),
		hostOp("deploy", "web-1"),
	).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := NewReconciler(transport, ReconcileAllKeys, zerolog.Nop())
	result, err := rec.Reconcile(context.Background(), graph, testInventory(t, "web-1"))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, ok := result.Satisfied["install"]; !ok {
		t.Error("expected matching operation pruned")
	}
	if _, ok := result.Satisfied["restart"]; ok {
		t.Error("expected mismatched operation kept")
	}
	if _, ok := result.Satisfied["deploy"]; ok {
		t.Error("operation without assertions must always execute")
	}
	if res := result.Satisfied["install"]; res.Outcome != OutcomeSkippedSatisfied {
		t.Errorf("unexpected outcome %s", res.Outcome)
	}
}

func TestReconciler_Reconcile_OneBatchedProbePerHost(t *testing.T) {
	transport := newProbeRecorder()
	transport.observed["web-1"] = map[string]string{}

	graph, err := NewGraphBuilder().Add(
		assertingOp("a", "web-1", map[string]string{"pkg:nginx:version": "1.24.0"}),
		assertingOp("b", "web-1", map[string]string{"service:nginx:state": "active"}),
		assertingOp("c", "web-1", map[string]string{"pkg:nginx:version": "1.24.0"}),
	).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := NewReconciler(transport, ReconcileAllKeys, zerolog.Nop())
	if _, err := rec.Reconcile(context.Background(), graph, testInventory(t, "web-1")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	calls := transport.calls["web-1"]
	if len(calls) != 1 {
		t.Fatalf("expected one probe per host, got %d", len(calls))
	}
	// The union of asserted keys, deduplicated.
	if len(calls[0]) != 2 {
		t.Errorf("expected 2 deduplicated keys, got %v", calls[0])
	}
}

func TestReconciler_Reconcile_NoAssertionsNoProbe(t *testing.T) {
	transport := newProbeRecorder()

	graph, err := NewGraphBuilder().Add(hostOp("deploy", "web-1")).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := NewReconciler(transport, ReconcileAllKeys, zerolog.Nop())
	result, err := rec.Reconcile(context.Background(), graph, testInventory(t, "web-1"))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(transport.calls) != 0 {
		t.Error("expected no probes when nothing asserts state")
	}
	if len(result.Satisfied) != 0 {
		t.Errorf("expected nothing satisfied, got %v", result.Satisfied)
	}
}

func TestReconciler_Reconcile_UnreachableHostForcesExecution(t *testing.T) {
	transport := newProbeRecorder()
	transport.errs["web-1"] = fmt.Errorf("connection refused")

	graph, err := NewGraphBuilder().Add(
		assertingOp("install", "web-1", map[string]string{"pkg:nginx:version": "1.24.0"}),
	).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := NewReconciler(transport, ReconcileAllKeys, zerolog.Nop())
	result, err := rec.Reconcile(context.Background(), graph, testInventory(t, "web-1"))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(result.Satisfied) != 0 {
		t.Error("unknown state must never count as satisfied")
	}
	probeErr, ok := result.Unreachable["web-1"]
	if !ok {
		t.Fatal("expected host marked unreachable")
	}
	if !IsProbeUnreachable(probeErr) {
		t.Errorf("expected PROBE_UNREACHABLE, got %v", probeErr)
	}
}

func TestSatisfied_AllKeysPolicy(t *testing.T) {
	assert := map[string]string{"a": "1", "b": "2"}

	if !satisfied(assert, map[string]string{"a": "1", "b": "2"}, ReconcileAllKeys) {
		t.Error("expected full match to satisfy")
	}
	if satisfied(assert, map[string]string{"a": "1", "b": "wrong"}, ReconcileAllKeys) {
		t.Error("expected value mismatch to fail")
	}
	if satisfied(assert, map[string]string{"a": "1"}, ReconcileAllKeys) {
		t.Error("expected missing key to fail")
	}
	if satisfied(assert, map[string]string{"a": "1", "b": ""}, ReconcileAllKeys) {
		t.Error("expected empty observed value to fail")
	}
}

func TestSatisfied_SubsetPolicy(t *testing.T) {
	assert := map[string]string{"a": "1", "b": "2"}

	if !satisfied(assert, map[string]string{"a": "1"}, ReconcileSubset) {
		t.Error("expected unobserved keys not to veto under subset policy")
	}
	if satisfied(assert, map[string]string{"a": "wrong"}, ReconcileSubset) {
		t.Error("expected observed mismatch to fail under subset policy")
	}
	if satisfied(assert, map[string]string{}, ReconcileSubset) {
		t.Error("expected no observed keys to fail under subset policy")
	}
}
