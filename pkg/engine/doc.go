// Package engine is the deployment orchestration core. It turns a compiled
// set of operations into a validated task graph, prunes operations whose
// desired state already holds on the target hosts, and executes the remainder
// with bounded concurrency.
//
// The execution pipeline is: operations -> GraphBuilder -> TaskGraph ->
// Reconciler (diff pruning) -> Engine (frontier execution) -> RunReport ->
// Notifier.
//
// Guarantees:
//
//   - Topological execution order is deterministic across runs of the same
//     input; ties are broken by declaration order.
//   - No two operations targeting the same host ever run concurrently.
//   - A fatal failure blocks only its transitive dependents; independent
//     subgraphs keep executing.
//   - Cancellation is cooperative: dispatch halts immediately, in-flight
//     operations run to completion, undispatched operations are recorded as
//     skipped_cancelled.
//
// Remote access goes through the Transport interface; the engine itself never
// opens a connection. Persistence goes through ReportStore, and run summaries
// are delivered best-effort through Notifier.
package engine
