package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookSink delivers alert intents as JSON POSTs. One attempt per
// intent; the evaluator never retries, so neither does the sink.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Emit posts one intent.
func (s *WebhookSink) Emit(ctx context.Context, intent *Intent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal alert intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes alert intents to the process log. Used when no webhook
// is configured.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "alert")}
}

// Emit logs one intent.
func (s *LogSink) Emit(_ context.Context, intent *Intent) error {
	s.log.Warn("error rate threshold crossed",
		"fingerprint", intent.Fingerprint,
		"rate_per_hour", intent.Rate,
		"threshold_count", intent.Threshold.CountPerHour,
	)
	return nil
}
