// Package pipeline assembles the capture-to-upload path: raw captures
// are normalized, aggregated by fingerprint, rate-governed, persisted to
// the durable queue, and drained to the collector, with alert evaluation
// riding on aggregate flushes independently of upload success.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/faultlinehq/faultline/internal/queue"
	"github.com/faultlinehq/faultline/pkg/aggregate"
	"github.com/faultlinehq/faultline/pkg/alert"
	"github.com/faultlinehq/faultline/pkg/capture"
	"github.com/faultlinehq/faultline/pkg/event"
	"github.com/faultlinehq/faultline/pkg/governor"
	"github.com/faultlinehq/faultline/pkg/uploader"
)

// Config assembles per-stage settings.
type Config struct {
	Normalizer   event.NormalizerConfig
	Aggregation  aggregate.Config
	Governor     governor.Config
	Uploader     uploader.Config
	Alerts       alert.Config
	SubmitBuffer int // flush channel depth between Submit and the writer (default 256)
}

// DefaultConfig returns the default pipeline assembly.
func DefaultConfig() Config {
	return Config{
		Normalizer:   event.DefaultNormalizerConfig(),
		Aggregation:  aggregate.DefaultConfig(),
		Governor:     governor.DefaultConfig(),
		Uploader:     uploader.DefaultConfig(),
		Alerts:       alert.DefaultConfig(),
		SubmitBuffer: 256,
	}
}

// Pipeline owns the full path from RawCapture to collector delivery.
type Pipeline struct {
	cfg        Config
	normalizer *event.Normalizer
	aggregator *aggregate.Aggregator
	governor   *governor.Governor
	q          *queue.Queue
	uploader   *uploader.Uploader
	evaluator  *alert.Evaluator
	log        *slog.Logger

	session       atomic.Pointer[capture.Session]
	sessionStarts atomic.Int64

	// flushCh decouples aggregate flushes from durable-queue writes so
	// Submit never blocks on disk or the governor.
	flushCh chan *event.Report
	cron    *cron.Cron
}

// New wires the pipeline against an opened queue, a collector client,
// and an alert sink. Nothing runs until Run is called.
func New(cfg Config, q *queue.Queue, collector uploader.Collector, sink alert.Sink, log *slog.Logger) *Pipeline {
	if cfg.SubmitBuffer <= 0 {
		cfg.SubmitBuffer = 256
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		cfg:     cfg,
		q:       q,
		log:     log.With("component", "pipeline"),
		flushCh: make(chan *event.Report, cfg.SubmitBuffer),
		cron:    cron.New(),
	}

	p.normalizer = event.NewNormalizer(cfg.Normalizer)
	p.aggregator = aggregate.New(cfg.Aggregation, p.onFlush)
	p.governor = governor.New(cfg.Governor)
	p.uploader = uploader.New(cfg.Uploader, q, collector, log)
	p.evaluator = alert.New(cfg.Alerts, sink, log)
	p.evaluator.SetSessionCounter(func() int { return int(p.sessionStarts.Load()) })

	p.session.Store(capture.NewSession())
	p.sessionStarts.Add(1)

	return p
}

// Session returns the current app-run session id.
func (p *Pipeline) Session() string {
	return p.session.Load().ID()
}

// StartSession rotates the session id. Called when the host app signals
// a fresh run, e.g. foregrounding after a long background period.
func (p *Pipeline) StartSession() string {
	s := capture.NewSession()
	p.session.Store(s)
	p.sessionStarts.Add(1)
	return s.ID()
}

// Attach registers this pipeline as a handler on a capture chain.
func (p *Pipeline) Attach(chain *capture.Chain) {
	chain.Register(p.Submit)
}

// Submit accepts one raw capture. It is non-blocking and safe to call
// from any capture context, including during process teardown: the only
// work done inline is normalization and an in-memory aggregate update.
func (p *Pipeline) Submit(raw event.RawCapture) {
	eventsCaptured.WithLabelValues(string(raw.Source)).Inc()

	ev, err := p.normalizer.Normalize(raw, p.Session())
	if err != nil {
		eventsMalformed.Inc()
		p.log.Warn("dropping malformed capture", "error", err)
		return
	}

	p.aggregator.Submit(ev)
}

// onFlush receives closed aggregates. It must not block, so the report
// is handed to the writer through the buffered channel; on overflow a
// non-fatal report is dropped with a counted metric, while a fatal
// report is delivered from a goroutine so a crash record is never lost
// to backpressure.
func (p *Pipeline) onFlush(r *event.Report) {
	select {
	case p.flushCh <- r:
	default:
		if r.Fatal() {
			go func() { p.flushCh <- r }()
			return
		}
		reportsDropped.Inc()
		p.log.Error("flush channel full, dropping report",
			"fingerprint", r.Fingerprint, "count", r.Count)
	}
}

// Run starts the writer, the uploader, and the recurring schedules, and
// blocks until ctx is cancelled. On shutdown open aggregates are flushed
// and a final drain attempt is made so a clean exit loses nothing.
func (p *Pipeline) Run(ctx context.Context) error {
	// Sweep closes elapsed aggregation windows; cleanup enforces
	// dead-letter retention.
	if _, err := p.cron.AddFunc("@every 1s", func() { p.aggregator.Sweep() }); err != nil {
		return err
	}
	if _, err := p.cron.AddFunc("@every 1h", func() {
		cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := p.q.CleanupDeadLetters(cleanCtx); err != nil {
			p.log.Warn("dead-letter cleanup failed", "error", err)
		} else if n > 0 {
			p.log.Info("dead-letter cleanup", "removed", n)
		}
	}); err != nil {
		return err
	}
	p.cron.Start()
	defer p.cron.Stop()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.uploader.Run(runCtx) })
	g.Go(func() error { return p.writer(runCtx) })

	err := g.Wait()
	p.shutdownDrain()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// writer is the single consumer of flushed reports. All governor and
// durable-queue interaction happens here, off the capture path.
func (p *Pipeline) writer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-p.flushCh:
			p.handleReport(ctx, r)
		}
	}
}

// handleReport runs one flushed report through alerting, the governor,
// and the durable queue.
func (p *Pipeline) handleReport(ctx context.Context, r *event.Report) {
	p.evaluator.Observe(ctx, r.Fingerprint, r.Count, p.cfg.Aggregation.Window, r.Sample)

	admitted, ok := p.governor.Admit(r)
	if !ok {
		reportsSuppressed.Inc()
		return
	}

	if _, err := p.q.Enqueue(ctx, admitted); err != nil {
		// The delivery guarantee is broken for this report; the process
		// log is the fallback channel of last resort.
		persistFailures.Inc()
		p.log.Error("durable enqueue failed, report lost",
			"fingerprint", admitted.Fingerprint, "count", admitted.Count, "error", err)
		return
	}

	if admitted.Fatal() {
		p.uploader.Wake()
	}
}

// shutdownDrain flushes open aggregates through the normal path and
// gives the uploader one bounded final pass.
func (p *Pipeline) shutdownDrain() {
	p.aggregator.FlushAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case r := <-p.flushCh:
			p.handleReport(ctx, r)
		default:
			if err := p.uploader.RunOnce(ctx); err != nil {
				p.log.Warn("final drain attempt failed", "error", err)
			}
			return
		}
	}
}

// Uploader exposes the drain task, mainly for tests and manual kicks.
func (p *Pipeline) Uploader() *uploader.Uploader {
	return p.uploader
}

// Queue exposes the durable queue for stats surfaces.
func (p *Pipeline) Queue() *queue.Queue {
	return p.q
}

var (
	eventsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_events_captured_total",
			Help: "Raw captures received by source",
		},
		[]string{"source"},
	)

	eventsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_events_malformed_total",
			Help: "Raw captures dropped during normalization",
		},
	)

	reportsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_reports_suppressed_total",
			Help: "Reports withheld by the rate governor",
		},
	)

	reportsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_reports_dropped_total",
			Help: "Reports dropped due to flush backpressure",
		},
	)

	persistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_persist_failures_total",
			Help: "Reports lost to durable-queue write failures",
		},
	)
)
