// Package notify delivers run summaries to external sinks. Delivery is
// best-effort; a failed notification never affects the run outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bollardhq/bollard/pkg/engine"
)

// Payload is the JSON body posted for a completed run. It carries the summary
// only; per-operation detail stays in the run store.
type Payload struct {
	RunID       string    `json:"run_id"`
	SpecName    string    `json:"spec_name"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`

	Summary engine.RunSummary            `json:"summary"`
	Hosts   map[string]engine.RunSummary `json:"hosts"`
}

// Webhook posts one summary payload per completed run to a fixed URL.
// A single retry is attempted on transport errors and 5xx responses.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewWebhook creates a webhook notifier. A nil client uses a default with a
// 10 second timeout.
func NewWebhook(url string, client *http.Client, log zerolog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		url:    url,
		client: client,
		log:    log.With().Str("component", "notify.webhook").Logger(),
	}
}

// Notify implements engine.Notifier.
func (w *Webhook) Notify(ctx context.Context, report *engine.RunReport) error {
	payload := Payload{
		RunID:       report.RunID,
		SpecName:    report.SpecName,
		Status:      string(report.Status),
		StartedAt:   report.StartedAt,
		CompletedAt: report.CompletedAt,
		DurationMS:  report.Duration.Milliseconds(),
		Summary:     report.Summary,
		Hosts:       make(map[string]engine.RunSummary, len(report.Hosts)),
	}
	for host, summary := range report.Hosts {
		payload.Hosts[host] = *summary
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		lastErr = w.post(ctx, body)
		if lastErr == nil {
			w.log.Debug().Str("run_id", report.RunID).Int("attempt", attempt).Msg("notification delivered")
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		w.log.Warn().Err(lastErr).Str("run_id", report.RunID).Int("attempt", attempt).Msg("notification attempt failed")
	}
	return fmt.Errorf("notification failed: %w", lastErr)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
