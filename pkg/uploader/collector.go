// Package uploader drains the durable queue in batches and transmits
// them to the remote collector, acknowledging per entry so a partially
// accepted batch never redelivers already-accepted reports.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/faultlinehq/faultline/pkg/event"
)

// AckStatus is the collector's verdict on one report.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted" // confirmed, safe to remove
	AckRejected AckStatus = "rejected" // malformed, retrying cannot succeed
	AckRetry    AckStatus = "retry"    // transient, try again later
)

// BatchReport is the wire form of one queued report.
type BatchReport struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Count       int               `json:"count"`
	Sample      *event.ErrorEvent `json:"sample_event"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
}

// BatchResult is the collector's per-report acknowledgment.
type BatchResult struct {
	ID     string    `json:"id"`
	Status AckStatus `json:"status"`
}

// Collector is the remote endpoint contract. It must support
// partial-batch acknowledgment: the returned results may confirm any
// subset of the submitted reports.
type Collector interface {
	SendBatch(ctx context.Context, reports []BatchReport) ([]BatchResult, error)
}

// TransportError reports a delivery failure with no usable collector
// response: the batch should be retried with backoff.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("collector transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedPayloadError reports a collector rejection of the request
// itself. Retrying a malformed payload cannot succeed, so the affected
// entries are dead-lettered.
type RejectedPayloadError struct {
	StatusCode int
	Body       string
}

func (e *RejectedPayloadError) Error() string {
	return fmt.Sprintf("collector rejected payload: status %d: %s", e.StatusCode, e.Body)
}

// HTTPCollectorConfig configures the HTTP collector client.
type HTTPCollectorConfig struct {
	Endpoint  string
	AuthToken string            // sent as a bearer token when set
	Headers   map[string]string // extra request headers
	Timeout   time.Duration     // per-request timeout (default 30s)
}

// HTTPCollector posts report batches as JSON to an HTTP(S) endpoint.
type HTTPCollector struct {
	cfg    HTTPCollectorConfig
	client *http.Client
}

// NewHTTPCollector creates the collector client.
func NewHTTPCollector(cfg HTTPCollectorConfig) *HTTPCollector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPCollector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type batchRequest struct {
	Reports []BatchReport `json:"reports"`
}

type batchResponse struct {
	Results []BatchResult `json:"results"`
}

// SendBatch submits one batch. Failure classification: no response is a
// TransportError (retry), 4xx is a RejectedPayloadError (dead-letter),
// 5xx is a TransportError (collector overloaded, retry with backoff).
func (c *HTTPCollector) SendBatch(ctx context.Context, reports []BatchReport) ([]BatchResult, error) {
	body, err := json.Marshal(batchRequest{Reports: reports})
	if err != nil {
		return nil, &RejectedPayloadError{StatusCode: 0, Body: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed batchResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("decode collector response: %w", err)}
		}
		return parsed.Results, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &RejectedPayloadError{StatusCode: resp.StatusCode, Body: string(respBody)}
	default:
		return nil, &TransportError{Err: fmt.Errorf("collector returned status %d", resp.StatusCode)}
	}
}
