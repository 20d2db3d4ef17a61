package uploader

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/faultlinehq/faultline/internal/queue"
)

// Config controls drain behavior.
type Config struct {
	Interval    time.Duration // recurring drain interval (default 15s)
	BatchSize   int           // max entries per transmission (default 50)
	BackoffBase time.Duration // loop backoff base after transport failure (default 2s)
	BackoffMax  time.Duration // loop backoff cap (default 5m)
}

// DefaultConfig returns the default uploader configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		BatchSize:   50,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Uploader is the recurring drain task. It borrows entries via
// PeekBatch, transmits them, and acks or nacks each entry individually.
// Cancellation leaves any unacknowledged in-flight batch alone; the
// queue's restart recovery retries it on next start.
type Uploader struct {
	cfg       Config
	q         *queue.Queue
	collector Collector
	log       *slog.Logger

	wake chan struct{}

	mu          sync.Mutex
	failures    int
	nextAttempt time.Time
}

// New creates an uploader. wake it with Wake when a fatal-derived entry
// is enqueued so crash reports do not wait out the interval.
func New(cfg Config, q *queue.Queue, collector Collector, log *slog.Logger) *Uploader {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		cfg:       cfg,
		q:         q,
		collector: collector,
		log:       log.With("component", "uploader"),
		wake:      make(chan struct{}, 1),
	}
}

// Wake triggers an immediate drain attempt. Non-blocking.
func (u *Uploader) Wake() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Run drains on the configured interval until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-u.wake:
		}
		if err := u.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			u.log.Error("drain pass failed", "error", err)
		}
	}
}

// RunOnce performs one drain pass: repeated full batches until the
// eligible backlog is empty, a failure interrupts, or ctx is cancelled.
func (u *Uploader) RunOnce(ctx context.Context) error {
	if !u.attemptAllowed() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := u.q.PeekBatch(ctx, u.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		full := len(entries) == u.cfg.BatchSize
		if err := u.transmit(ctx, entries); err != nil {
			return err
		}
		if !full {
			return nil
		}
	}
}

// transmit sends one borrowed batch and settles every entry.
func (u *Uploader) transmit(ctx context.Context, entries []*queue.Entry) error {
	reports := make([]BatchReport, len(entries))
	byID := make(map[string]*queue.Entry, len(entries))
	for i, e := range entries {
		reports[i] = BatchReport{
			ID:          e.ID,
			Fingerprint: e.Fingerprint,
			Count:       e.Report.Count,
			Sample:      e.Report.Sample,
			FirstSeenAt: e.Report.FirstSeenAt,
			LastSeenAt:  e.Report.LastSeenAt,
		}
		byID[e.ID] = e
	}

	start := time.Now()
	results, err := u.collector.SendBatch(ctx, reports)
	uploadDuration.Observe(time.Since(start).Seconds())

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	var rejected *RejectedPayloadError
	switch {
	case err == nil:
		u.recordSuccess()
		return u.settle(ctx, ids, results)
	case errors.As(err, &rejected):
		// The payload itself is the problem; retrying cannot succeed.
		uploadBatches.WithLabelValues("rejected").Inc()
		u.recordSuccess() // the collector responded; transport is fine
		u.log.Warn("batch rejected by collector", "status", rejected.StatusCode, "entries", len(ids))
		return u.q.DeadLetterNow(ctx, ids, rejected)
	default:
		uploadBatches.WithLabelValues("transport_error").Inc()
		u.recordFailure()
		u.log.Warn("batch transmission failed", "error", err, "entries", len(ids))
		return u.q.Nack(ctx, ids, err)
	}
}

// settle applies per-report acknowledgments. Reports the collector did
// not mention are nacked individually, never treated as part of a
// batch-wide pass/fail.
func (u *Uploader) settle(ctx context.Context, ids []string, results []BatchResult) error {
	status := make(map[string]AckStatus, len(results))
	for _, r := range results {
		status[r.ID] = r.Status
	}

	var acked, deadLettered, retry []string
	for _, id := range ids {
		switch status[id] {
		case AckAccepted:
			acked = append(acked, id)
		case AckRejected:
			deadLettered = append(deadLettered, id)
		default:
			retry = append(retry, id)
		}
	}

	uploadBatches.WithLabelValues("ok").Inc()
	uploadAccepted.Add(float64(len(acked)))

	if err := u.q.Ack(ctx, acked); err != nil {
		return err
	}
	if err := u.q.DeadLetterNow(ctx, deadLettered,
		&RejectedPayloadError{StatusCode: 200, Body: "report rejected individually"}); err != nil {
		return err
	}
	if len(retry) > 0 {
		if err := u.q.Nack(ctx, retry, errors.New("not acknowledged by collector")); err != nil {
			return err
		}
	}
	return nil
}

// attemptAllowed checks the loop-level backoff window.
func (u *Uploader) attemptAllowed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return time.Now().After(u.nextAttempt)
}

// recordFailure extends the backoff window: exponential from the base,
// capped, with 10% jitter.
func (u *Uploader) recordFailure() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures++
	delay := float64(u.cfg.BackoffBase) * math.Pow(2, float64(u.failures-1))
	if delay > float64(u.cfg.BackoffMax) {
		delay = float64(u.cfg.BackoffMax)
	}
	delay += delay * 0.10 * (rand.Float64()*2 - 1)
	u.nextAttempt = time.Now().Add(time.Duration(delay))
}

// recordSuccess resets the backoff window.
func (u *Uploader) recordSuccess() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures = 0
	u.nextAttempt = time.Time{}
}

var (
	uploadBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_upload_batches_total",
			Help: "Transmission batches by outcome",
		},
		[]string{"outcome"},
	)

	uploadAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_upload_accepted_total",
			Help: "Reports accepted by the collector",
		},
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faultline_upload_duration_seconds",
			Help:    "Time spent transmitting one batch",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)
