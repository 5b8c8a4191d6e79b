package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bollardhq/bollard/pkg/engine"
)

// EventRecorder persists timeline events. *stores.SQLiteStore satisfies it.
type EventRecorder interface {
	AppendEvent(ctx context.Context, event engine.Event) error
}

// Sink fans engine events out to logs, metrics, and the optional event
// recorder. It implements engine.EventSink.
type Sink struct {
	metrics  *Metrics
	recorder EventRecorder
	log      zerolog.Logger
}

// NewSink creates an event sink. recorder may be nil when event persistence
// is disabled.
func NewSink(metrics *Metrics, recorder EventRecorder, log zerolog.Logger) *Sink {
	return &Sink{
		metrics:  metrics,
		recorder: recorder,
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

// Publish implements engine.EventSink.
func (s *Sink) Publish(ctx context.Context, event engine.Event) {
	s.logEvent(event)

	switch event.Type {
	case engine.EventRunStarted:
		s.metrics.RecordRunStarted()
	case engine.EventRunCompleted:
		s.metrics.RecordRunCompleted(event.Status, event.Duration)
	case engine.EventOperationStarted:
		s.metrics.RecordOperationStarted()
	case engine.EventOperationRetried:
		s.metrics.RecordOperationRetried(event.Action)
	case engine.EventOperationCompleted:
		s.metrics.RecordOperationCompleted(event.Action, event.Outcome, event.Duration)
	}

	if s.recorder != nil {
		if err := s.recorder.AppendEvent(ctx, event); err != nil {
			s.log.Warn().Err(err).
				Str("run_id", event.RunID).
				Str("type", string(event.Type)).
				Msg("failed to persist event")
		}
	}
}

// logEvent writes one structured line per event. Run-level events log at
// info, operation-level ones at debug, failures at warn.
func (s *Sink) logEvent(event engine.Event) {
	var evt *zerolog.Event
	switch {
	case event.Type == engine.EventRunStarted || event.Type == engine.EventRunCompleted:
		evt = s.log.Info()
	case event.Outcome == engine.OutcomeFailedFatal:
		evt = s.log.Warn()
	default:
		evt = s.log.Debug()
	}

	evt = evt.Str("event", string(event.Type)).Str("run_id", event.RunID)
	if event.OperationID != "" {
		evt = evt.Str("operation", event.OperationID)
	}
	if event.Host != "" {
		evt = evt.Str("host", event.Host)
	}
	if event.Outcome != "" {
		evt = evt.Str("outcome", string(event.Outcome))
	}
	if event.Status != "" {
		evt = evt.Str("status", string(event.Status))
	}
	if event.Attempt > 0 {
		evt = evt.Int("attempt", event.Attempt)
	}
	if event.Duration > 0 {
		evt = evt.Dur("duration", event.Duration)
	}
	evt.Msg(event.Message)
}
