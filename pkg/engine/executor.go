package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bollardhq/bollard/pkg/inventory"
)

// Engine executes a task graph against an inventory. It drains the graph
// frontier with a bounded worker pool, serializes operations per host, retries
// transient failures with exponential backoff, and isolates fatal failures to
// their dependent subgraph.
type Engine struct {
	transport Transport
	store     ReportStore
	notifier  Notifier
	sink      EventSink
	opts      Options
	log       zerolog.Logger
	tracer    trace.Tracer
}

// New creates an execution engine. notifier and sink may be nil.
func New(transport Transport, store ReportStore, notifier Notifier, sink EventSink, log zerolog.Logger, opts Options) *Engine {
	if store == nil {
		store = nopStore{}
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Engine{
		transport: transport,
		store:     store,
		notifier:  notifier,
		sink:      sink,
		opts:      opts,
		log:       log.With().Str("component", "engine").Logger(),
		tracer:    otel.Tracer("bollard/engine"),
	}
}

// Plan runs the reconciliation pass without executing anything, returning the
// pruned execution set. Used by the dry-run CLI surface.
func (e *Engine) Plan(ctx context.Context, graph *TaskGraph, inv *inventory.Inventory) (*ReconcileResult, error) {
	opts := e.opts.withDefaults(inv.Len())
	rec := NewReconciler(e.transport, opts.Reconcile, e.log)
	return rec.Reconcile(ctx, graph, inv)
}

// Run reconciles and executes the graph, returning the completed run report.
// The report is persisted and the notifier (if any) is invoked best-effort.
// A run that ends Failed or Cancelled still returns a nil error; the error
// return covers setup failures only.
func (e *Engine) Run(ctx context.Context, specName string, graph *TaskGraph, inv *inventory.Inventory) (*RunReport, error) {
	opts := e.opts.withDefaults(inv.Len())

	report := &RunReport{
		RunID:     uuid.New().String(),
		SpecName:  specName,
		Status:    RunStatusPending,
		StartedAt: time.Now(),
		Hosts:     make(map[string]*RunSummary),
	}

	log := e.log.With().Str("run_id", report.RunID).Logger()

	if err := e.store.CreateRun(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID),
			attribute.String("spec.name", specName),
			attribute.Int("graph.operations", graph.Len()),
		))
	defer span.End()

	report.Status = RunStatusRunning
	e.sink.Publish(ctx, Event{
		Type:      EventRunStarted,
		Timestamp: report.StartedAt,
		RunID:     report.RunID,
		Message:   fmt.Sprintf("run started: %d operations across %d hosts", graph.Len(), inv.Len()),
	})
	log.Info().
		Int("operations", graph.Len()).
		Int("hosts", inv.Len()).
		Int("max_workers", opts.MaxWorkers).
		Msg("run started")

	// Diff-pruning pass: probe and drop already-satisfied operations.
	rec := NewReconciler(e.transport, opts.Reconcile, log)
	plan, err := rec.Reconcile(ctx, graph, inv)
	if err != nil {
		return nil, fmt.Errorf("reconciliation failed: %w", err)
	}

	cancelled := e.execute(ctx, report, graph, inv, plan, opts, log)

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	switch {
	case cancelled:
		report.Status = RunStatusCancelled
	case report.Summary.Failed > 0:
		report.Status = RunStatusFailed
	default:
		report.Status = RunStatusSucceeded
	}

	if err := e.store.CompleteRun(context.WithoutCancel(ctx), report); err != nil {
		log.Error().Err(err).Msg("failed to persist run report")
	}

	e.sink.Publish(ctx, Event{
		Type:      EventRunCompleted,
		Timestamp: report.CompletedAt,
		RunID:     report.RunID,
		Status:    report.Status,
		Duration:  report.Duration,
		Message:   fmt.Sprintf("run %s: %d succeeded, %d satisfied, %d failed, %d blocked, %d cancelled", report.Status, report.Summary.Succeeded, report.Summary.Satisfied, report.Summary.Failed, report.Summary.Blocked, report.Summary.Cancelled),
	})
	span.SetAttributes(attribute.String("run.status", string(report.Status)))
	log.Info().
		Str("status", string(report.Status)).
		Dur("duration", report.Duration).
		Int("succeeded", report.Summary.Succeeded).
		Int("satisfied", report.Summary.Satisfied).
		Int("failed", report.Summary.Failed).
		Msg("run completed")

	e.notify(ctx, report, log)

	return report, nil
}

// execute drains the graph frontier. Returns true if the run was cancelled.
func (e *Engine) execute(
	ctx context.Context,
	report *RunReport,
	graph *TaskGraph,
	inv *inventory.Inventory,
	plan *ReconcileResult,
	opts Options,
	log zerolog.Logger,
) bool {
	// pendingDeps counts unresolved dependencies per operation. Satisfied
	// skips resolve their outgoing edges up front.
	pendingDeps := make(map[string]int, graph.Len())
	terminal := make(map[string]Outcome, graph.Len())
	for _, opID := range graph.Order() {
		pendingDeps[opID] = len(graph.Dependencies(opID))
	}

	// Persistence must survive run cancellation: the audit trail of a
	// cancelled run is still written.
	persistCtx := context.WithoutCancel(ctx)
	record := func(res *ExecutionResult) {
		terminal[res.OperationID] = res.Outcome
		report.record(*res)
		if err := e.store.SaveResult(persistCtx, report.RunID, res); err != nil {
			log.Error().Err(err).Str("operation", res.OperationID).Msg("failed to persist result")
		}
	}

	// Fold the reconciler's skips in before dispatch, in topological order so
	// the report stays deterministic.
	for _, opID := range graph.Order() {
		res, ok := plan.Satisfied[opID]
		if !ok {
			continue
		}
		record(res)
		for _, dep := range graph.Dependents(opID) {
			pendingDeps[dep]--
		}
	}

	// blockDependents marks every transitive dependent of a fatally failed
	// operation, skipping those already terminal (satisfied skips).
	blockDependents := func(opID string) {
		for _, depID := range graph.TransitiveDependents(opID) {
			if _, done := terminal[depID]; done {
				continue
			}
			dep, _ := graph.Get(depID)
			now := time.Now()
			record(&ExecutionResult{
				OperationID: depID,
				Host:        dep.Host,
				Outcome:     OutcomeSkippedBlocked,
				StartedAt:   now,
				CompletedAt: now,
				Error: NewPermanentError(
					fmt.Sprintf("dependency %s failed", opID), nil,
				).WithCode(ErrCodeDependencyFailed).WithOperation(depID).WithHost(dep.Host),
			})
		}
	}

	results := make(chan *ExecutionResult)
	busyHosts := make(map[string]bool)
	dispatched := make(map[string]bool)
	inFlight := 0
	cancelled := false

	for len(terminal) < graph.Len() {
		// Cancellation is cooperative and only observed here, at the dispatch
		// boundary. In-flight operations always run to completion.
		if !cancelled {
			if ctx.Err() != nil {
				cancelled = true
			} else if requested, err := e.store.CancelRequested(ctx, report.RunID); err == nil && requested {
				cancelled = true
			}
			if cancelled {
				log.Warn().Int("in_flight", inFlight).Msg("cancellation requested, halting dispatch")
			}
		}

		if !cancelled {
			for _, opID := range graph.Order() {
				if inFlight >= opts.MaxWorkers {
					break
				}
				if dispatched[opID] || pendingDeps[opID] > 0 {
					continue
				}
				if _, done := terminal[opID]; done {
					continue
				}
				op, _ := graph.Get(opID)
				if busyHosts[op.Host] {
					continue
				}
				host, ok := inv.Host(op.Host)
				if !ok {
					now := time.Now()
					record(&ExecutionResult{
						OperationID: opID,
						Host:        op.Host,
						Outcome:     OutcomeFailedFatal,
						StartedAt:   now,
						CompletedAt: now,
						Error: NewPermanentError(
							fmt.Sprintf("host %s not in inventory", op.Host), nil,
						).WithCode(ErrCodeNotFound).WithOperation(opID),
					})
					blockDependents(opID)
					continue
				}

				dispatched[opID] = true
				busyHosts[op.Host] = true
				inFlight++
				go func(op *Operation, host *inventory.Host) {
					results <- e.executeOperation(ctx, report.RunID, op, host, opts, log)
				}(op, host)
			}
		}

		if inFlight == 0 {
			if cancelled {
				// Everything not yet dispatched is cancelled.
				for _, opID := range graph.Order() {
					if _, done := terminal[opID]; done {
						continue
					}
					op, _ := graph.Get(opID)
					now := time.Now()
					record(&ExecutionResult{
						OperationID: opID,
						Host:        op.Host,
						Outcome:     OutcomeSkippedCancelled,
						StartedAt:   now,
						CompletedAt: now,
						Error: NewPermanentError("run cancelled before dispatch", nil).
							WithCode(ErrCodeCancelled).WithOperation(opID),
					})
				}
			}
			if len(terminal) < graph.Len() && !cancelled {
				// Nothing running and nothing ready: cannot happen in a valid
				// DAG, but never spin.
				log.Error().Msg("scheduler stalled with unresolved operations")
				break
			}
			if cancelled {
				break
			}
			continue
		}

		res := <-results
		inFlight--
		op, _ := graph.Get(res.OperationID)
		busyHosts[op.Host] = false
		record(res)

		switch {
		case res.Outcome.Satisfies():
			for _, dep := range graph.Dependents(res.OperationID) {
				pendingDeps[dep]--
			}
		case res.Outcome == OutcomeFailedFatal:
			blockDependents(res.OperationID)
		}
	}

	return cancelled
}

// executeOperation runs a single operation with per-attempt timeouts and
// exponential backoff on transient failures. The attempt context is detached
// from run cancellation so in-flight work is never aborted mid-apply.
func (e *Engine) executeOperation(
	ctx context.Context,
	runID string,
	op *Operation,
	host *inventory.Host,
	opts Options,
	log zerolog.Logger,
) *ExecutionResult {
	timeout := op.Timeout
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}
	maxAttempts := op.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = opts.DefaultMaxAttempts
	}

	res := &ExecutionResult{
		OperationID: op.ID,
		Host:        op.Host,
		StartedAt:   time.Now(),
	}

	e.sink.Publish(ctx, Event{
		Type:        EventOperationStarted,
		Timestamp:   res.StartedAt,
		RunID:       runID,
		OperationID: op.ID,
		Host:        op.Host,
		Action:      op.Action,
	})
	log.Debug().
		Str("operation", op.ID).
		Str("host", op.Host).
		Str("action", string(op.Action)).
		Msg("operation dispatched")

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		_, span := e.tracer.Start(attemptCtx, "operation",
			trace.WithAttributes(
				attribute.String("operation.id", op.ID),
				attribute.String("operation.action", string(op.Action)),
				attribute.String("host.id", op.Host),
				attribute.Int("operation.attempt", attempt),
			))
		output, err := e.transport.Execute(attemptCtx, host, op)
		span.End()
		cancel()

		res.Output = output
		if err == nil {
			res.Outcome = OutcomeSucceeded
			res.Error = nil
			break
		}
		lastErr = err

		retryable := IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
		if !retryable || attempt == maxAttempts {
			res.Outcome = OutcomeFailedFatal
			break
		}

		// Transient failure with budget left: back off and retry. The
		// idempotency key makes reapplication safe.
		backoff := backoffDelay(opts.BaseRetryDelay, opts.MaxRetryDelay, attempt-1)
		e.sink.Publish(ctx, Event{
			Type:        EventOperationRetried,
			Timestamp:   time.Now(),
			RunID:       runID,
			OperationID: op.ID,
			Host:        op.Host,
			Action:      op.Action,
			Attempt:     attempt,
			Message:     err.Error(),
		})
		log.Warn().
			Str("operation", op.ID).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", backoff).
			Err(err).
			Msg("transient failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// Run cancelled mid-backoff: abandon the retry budget. The
			// attempt that already ran was allowed to finish.
			res.Outcome = OutcomeFailedFatal
			lastErr = NewPermanentError("retry abandoned: run cancelled", ctx.Err()).
				WithCode(ErrCodeCancelled)
		}
		if res.Outcome == OutcomeFailedFatal {
			break
		}
	}

	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)

	if res.Outcome == OutcomeFailedFatal {
		res.Error = classify(lastErr, op, timeout)
	}

	e.sink.Publish(ctx, Event{
		Type:        EventOperationCompleted,
		Timestamp:   res.CompletedAt,
		RunID:       runID,
		OperationID: op.ID,
		Host:        op.Host,
		Action:      op.Action,
		Outcome:     res.Outcome,
		Attempt:     res.Attempts,
		Duration:    res.Duration,
	})

	if res.Outcome == OutcomeSucceeded {
		log.Info().
			Str("operation", op.ID).
			Str("host", op.Host).
			Int("attempts", res.Attempts).
			Dur("duration", res.Duration).
			Msg("operation succeeded")
	} else {
		log.Error().
			Str("operation", op.ID).
			Str("host", op.Host).
			Int("attempts", res.Attempts).
			Err(lastErr).
			Msg("operation failed")
	}

	return res
}

// notify delivers the run summary best-effort: failure is a warning, never a
// run failure.
func (e *Engine) notify(ctx context.Context, report *RunReport, log zerolog.Logger) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), report); err != nil {
		log.Warn().Err(err).Msg("failed to deliver run notification")
	}
}

// backoffDelay computes base * 2^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// classify wraps an execution error into a fatal engine error with operation
// context.
func classify(err error, op *Operation, timeout time.Duration) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		if engErr.OperationID == "" {
			engErr.OperationID = op.ID
		}
		if engErr.Host == "" {
			engErr.Host = op.Host
		}
		return engErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewPermanentError(
			fmt.Sprintf("operation exceeded %s timeout on final attempt", timeout), err,
		).WithCode(ErrCodeTimeout).WithOperation(op.ID).WithHost(op.Host)
	}
	return NewPermanentError("execution failed", err).
		WithCode(ErrCodeTransport).WithOperation(op.ID).WithHost(op.Host)
}
