package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bollardhq/bollard/pkg/engine"
)

type capturingRecorder struct {
	events []engine.Event
	err    error
}

func (r *capturingRecorder) AppendEvent(_ context.Context, event engine.Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestSink_Publish_RecordsEvents(t *testing.T) {
	recorder := &capturingRecorder{}
	sink := NewSink(NewMetrics(MetricsConfig{Enabled: true}), recorder, zerolog.Nop())

	events := []engine.Event{
		{Type: engine.EventRunStarted, RunID: "run-1", Timestamp: time.Now()},
		{
			Type:        engine.EventOperationCompleted,
			RunID:       "run-1",
			OperationID: "web.install@web-1",
			Host:        "web-1",
			Action:      engine.ActionInstall,
			Outcome:     engine.OutcomeSucceeded,
			Duration:    2 * time.Second,
		},
		{
			Type:     engine.EventRunCompleted,
			RunID:    "run-1",
			Status:   engine.RunStatusSucceeded,
			Duration: 5 * time.Second,
		},
	}
	for _, evt := range events {
		sink.Publish(context.Background(), evt)
	}

	if len(recorder.events) != 3 {
		t.Fatalf("expected 3 recorded events, got %d", len(recorder.events))
	}
	if recorder.events[1].OperationID != "web.install@web-1" {
		t.Errorf("unexpected recorded event %+v", recorder.events[1])
	}
}

func TestSink_Publish_RecorderFailureIsNonFatal(t *testing.T) {
	recorder := &capturingRecorder{err: errors.New("disk full")}
	sink := NewSink(NewMetrics(MetricsConfig{}), recorder, zerolog.Nop())

	// Must not panic or propagate.
	sink.Publish(context.Background(), engine.Event{
		Type: engine.EventRunStarted, RunID: "run-1",
	})
}

func TestSink_Publish_NilRecorder(t *testing.T) {
	sink := NewSink(NewMetrics(MetricsConfig{}), nil, zerolog.Nop())
	sink.Publish(context.Background(), engine.Event{
		Type: engine.EventRunCompleted, RunID: "run-1", Status: engine.RunStatusFailed,
	})
}

func TestMetrics_Disabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	if m.Enabled() {
		t.Error("expected disabled metrics")
	}
	// All recorders must be safe no-ops.
	m.RecordRunStarted()
	m.RecordRunCompleted(engine.RunStatusSucceeded, time.Second)
	m.RecordOperationStarted()
	m.RecordOperationCompleted(engine.ActionDeploy, engine.OutcomeSucceeded, time.Second)
	m.RecordOperationRetried(engine.ActionInstall)
}

func TestMetrics_Enabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})

	if !m.Enabled() {
		t.Fatal("expected enabled metrics")
	}
	if m.Handler() == nil {
		t.Error("expected metrics handler")
	}
	m.RecordRunStarted()
	m.RecordOperationStarted()
	m.RecordOperationCompleted(engine.ActionInstall, engine.OutcomeSucceeded, time.Second)
	m.RecordRunCompleted(engine.RunStatusSucceeded, 5*time.Second)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
	}
	for input, want := range tests {
		if got := parseLogLevel(input); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
