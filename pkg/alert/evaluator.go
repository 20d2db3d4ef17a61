// Package alert turns aggregate activity into alert intents. The
// evaluator watches per-fingerprint occurrence rates, compares them to
// configured thresholds, and emits at most one intent per fingerprint
// per cooldown period. Delivering the resulting notification is the
// sink's responsibility; the evaluator never retries a failed delivery.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/faultlinehq/faultline/pkg/event"
)

// Threshold configures when a fingerprint's rate becomes alertable.
// CountPerHour is an absolute occurrence threshold; SessionRatio is the
// fraction of session starts exhibiting the fingerprint (applies only
// when a session-start counter is wired). Either zero value disables
// that criterion.
type Threshold struct {
	CountPerHour int
	SessionRatio float64
}

// Config configures the evaluator.
type Config struct {
	Default        Threshold            // fallback threshold (default 50/hour, 5% of sessions)
	PerFingerprint map[string]Threshold // overrides keyed by fingerprint
	Cooldown       time.Duration        // min gap between intents per fingerprint (default 30m)
}

// DefaultConfig returns the default alerting configuration.
func DefaultConfig() Config {
	return Config{
		Default:  Threshold{CountPerHour: 50, SessionRatio: 0.05},
		Cooldown: 30 * time.Minute,
	}
}

// Intent is the alert handed to the notification collaborator.
type Intent struct {
	Fingerprint string            `json:"fingerprint"`
	Rate        float64           `json:"rate"` // occurrences per hour
	Threshold   Threshold         `json:"threshold"`
	Sample      *event.ErrorEvent `json:"sample_event"`
}

// Sink receives alert intents. Delivery (email, chat, webhook) and any
// retry of failed deliveries live behind this interface.
type Sink interface {
	Emit(ctx context.Context, intent *Intent) error
}

// state tracks one fingerprint's rolling hour and last alert time. It is
// deliberately in-memory only: alert state is rebuilt from fresh
// aggregate activity after a restart.
type state struct {
	windowStart   time.Time
	windowCount   int
	lastAlertedAt time.Time
}

// Evaluator consumes aggregate updates independently of upload success.
type Evaluator struct {
	cfg  Config
	sink Sink
	log  *slog.Logger

	// sessionStarts, when set, supplies the denominator for the
	// session-ratio criterion.
	sessionStarts func() int

	mu     sync.Mutex
	states map[string]*state
}

// New creates an evaluator emitting to sink.
func New(cfg Config, sink Sink, log *slog.Logger) *Evaluator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	if cfg.Default.CountPerHour == 0 && cfg.Default.SessionRatio == 0 {
		cfg.Default = Threshold{CountPerHour: 50, SessionRatio: 0.05}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		cfg:    cfg,
		sink:   sink,
		log:    log.With("component", "alert"),
		states: make(map[string]*state),
	}
}

// SetSessionCounter wires a session-start counter for the ratio
// criterion.
func (e *Evaluator) SetSessionCounter(fn func() int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionStarts = fn
}

// Observe folds one flushed aggregate into the fingerprint's rolling
// window and returns the emitted intent, if any.
func (e *Evaluator) Observe(ctx context.Context, fingerprint string, count int, windowDuration time.Duration, sample *event.ErrorEvent) *Intent {
	return e.observeAt(ctx, fingerprint, count, windowDuration, sample, time.Now())
}

func (e *Evaluator) observeAt(ctx context.Context, fingerprint string, count int, windowDuration time.Duration, sample *event.ErrorEvent, now time.Time) *Intent {
	e.mu.Lock()

	st, ok := e.states[fingerprint]
	if !ok || now.Sub(st.windowStart) >= time.Hour {
		st = &state{windowStart: now}
		if ok {
			st.lastAlertedAt = e.states[fingerprint].lastAlertedAt
		}
		e.states[fingerprint] = st
	}
	st.windowCount += count

	threshold := e.cfg.Default
	if t, ok := e.cfg.PerFingerprint[fingerprint]; ok {
		threshold = t
	}

	rate := hourlyRate(count, windowDuration)
	crossed := false
	if threshold.CountPerHour > 0 && st.windowCount >= threshold.CountPerHour {
		crossed = true
	}
	if !crossed && threshold.SessionRatio > 0 && e.sessionStarts != nil {
		if starts := e.sessionStarts(); starts > 0 &&
			float64(st.windowCount)/float64(starts) >= threshold.SessionRatio {
			crossed = true
		}
	}

	if !crossed || now.Sub(st.lastAlertedAt) < e.cfg.Cooldown {
		e.mu.Unlock()
		return nil
	}
	st.lastAlertedAt = now
	e.mu.Unlock()

	intent := &Intent{
		Fingerprint: fingerprint,
		Rate:        rate,
		Threshold:   threshold,
		Sample:      sample,
	}

	alertsEmitted.Inc()
	if e.sink != nil {
		// Best effort: a failed notification is the sink's problem.
		if err := e.sink.Emit(ctx, intent); err != nil {
			e.log.Warn("alert delivery failed", "fingerprint", fingerprint, "error", err)
		}
	}
	return intent
}

// hourlyRate normalizes an aggregate count to occurrences per hour.
func hourlyRate(count int, window time.Duration) float64 {
	if window <= 0 {
		return float64(count)
	}
	return float64(count) * float64(time.Hour) / float64(window)
}

var alertsEmitted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "faultline_alerts_emitted_total",
		Help: "Alert intents handed to the notification sink",
	},
)
