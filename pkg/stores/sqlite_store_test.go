package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bollardhq/bollard/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "bollard.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startedReport(runID string) *engine.RunReport {
	return &engine.RunReport{
		RunID:     runID,
		SpecName:  "web-stack",
		Status:    engine.RunStatusRunning,
		StartedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	report := startedReport("run-1")
	if err := store.CreateRun(ctx, report); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	results := []engine.ExecutionResult{
		{
			OperationID: "web.install@web-1",
			Host:        "web-1",
			Outcome:     engine.OutcomeSucceeded,
			Attempts:    1,
			StartedAt:   report.StartedAt,
			CompletedAt: report.StartedAt.Add(3 * time.Second),
			Duration:    3 * time.Second,
			Output:      "installed nginx",
		},
		{
			OperationID: "web.configure@web-1",
			Host:        "web-1",
			Outcome:     engine.OutcomeSkippedSatisfied,
		},
		{
			OperationID: "web.deploy@web-1",
			Host:        "web-1",
			Outcome:     engine.OutcomeFailedFatal,
			Attempts:    3,
			Error: engine.NewTransientError("connection reset", nil).
				WithCode(engine.ErrCodeTransport).WithHost("web-1"),
		},
	}
	for i := range results {
		if err := store.SaveResult(ctx, report.RunID, &results[i]); err != nil {
			t.Fatalf("SaveResult failed: %v", err)
		}
	}

	report.Status = engine.RunStatusFailed
	report.CompletedAt = report.StartedAt.Add(time.Minute)
	report.Duration = time.Minute
	report.Summary = engine.RunSummary{Total: 3, Succeeded: 1, Satisfied: 1, Failed: 1}
	if err := store.CompleteRun(ctx, report); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	loaded, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}

	if loaded.Status != engine.RunStatusFailed {
		t.Errorf("expected failed status, got %s", loaded.Status)
	}
	if loaded.SpecName != "web-stack" {
		t.Errorf("unexpected spec name %q", loaded.SpecName)
	}
	if len(loaded.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(loaded.Results))
	}
	if loaded.Results[0].OperationID != "web.install@web-1" {
		t.Errorf("expected results in insertion order, got %s first", loaded.Results[0].OperationID)
	}
	if loaded.Results[0].Output != "installed nginx" {
		t.Errorf("unexpected output %q", loaded.Results[0].Output)
	}
	if loaded.Summary.Failed != 1 || loaded.Summary.Satisfied != 1 {
		t.Errorf("unexpected summary %+v", loaded.Summary)
	}

	failed := loaded.Results[2]
	if failed.Error == nil {
		t.Fatal("expected stored error on failed result")
	}
	if failed.Error.Code != engine.ErrCodeTransport || failed.Error.Host != "web-1" {
		t.Errorf("unexpected stored error %+v", failed.Error)
	}

	hs := loaded.Hosts["web-1"]
	if hs == nil || hs.Total != 3 || hs.Succeeded != 1 || hs.Failed != 1 {
		t.Errorf("unexpected host summary %+v", hs)
	}
}

func TestSQLiteStore_GetRun_NotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_Cancellation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, startedReport("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	requested, err := store.CancelRequested(ctx, "run-1")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if requested {
		t.Error("expected no cancellation before request")
	}

	if err := store.RequestCancel(ctx, "run-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	// Idempotent.
	if err := store.RequestCancel(ctx, "run-1"); err != nil {
		t.Fatalf("repeated RequestCancel failed: %v", err)
	}

	requested, err = store.CancelRequested(ctx, "run-1")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if !requested {
		t.Error("expected cancellation to be visible")
	}
}

func TestSQLiteStore_RequestCancel_Errors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RequestCancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}

	report := startedReport("run-1")
	if err := store.CreateRun(ctx, report); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	report.Status = engine.RunStatusSucceeded
	report.CompletedAt = report.StartedAt.Add(time.Minute)
	if err := store.CompleteRun(ctx, report); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	if err := store.RequestCancel(ctx, "run-1"); !errors.Is(err, ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive for completed run, got %v", err)
	}
}

func TestSQLiteStore_ListRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		report := startedReport(id)
		report.StartedAt = base.Add(time.Duration(i) * time.Hour)
		if err := store.CreateRun(ctx, report); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected limit applied, got %d runs", len(runs))
	}
	if runs[0].RunID != "run-3" || runs[1].RunID != "run-2" {
		t.Errorf("expected most recent first, got %s, %s", runs[0].RunID, runs[1].RunID)
	}
	if runs[0].Status != engine.RunStatusRunning {
		t.Errorf("unexpected status %s", runs[0].Status)
	}
}

func TestSQLiteStore_Events(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []engine.Event{
		{
			Type:      engine.EventRunStarted,
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			RunID:     "run-1",
		},
		{
			Type:        engine.EventOperationCompleted,
			Timestamp:   time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC),
			RunID:       "run-1",
			OperationID: "web.install@web-1",
			Host:        "web-1",
			Outcome:     engine.OutcomeSucceeded,
		},
	}
	for _, evt := range events {
		if err := store.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	stored, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 events, got %d", len(stored))
	}
	if stored[0].Type != engine.EventRunStarted {
		t.Errorf("expected events in order, got %s first", stored[0].Type)
	}
	if stored[1].Payload.Outcome != engine.OutcomeSucceeded {
		t.Errorf("unexpected payload %+v", stored[1].Payload)
	}
}
