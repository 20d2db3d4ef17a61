// faultlined - error monitoring pipeline daemon
//
// Captures failure reports through the process-wide capture chain,
// aggregates and rate-governs them, persists them in a crash-safe local
// queue, and drains them in batches to the remote collector.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faultlinehq/faultline/internal/queue"
	"github.com/faultlinehq/faultline/pkg/alert"
	"github.com/faultlinehq/faultline/pkg/capture"
	"github.com/faultlinehq/faultline/pkg/config"
	"github.com/faultlinehq/faultline/pkg/logger"
	"github.com/faultlinehq/faultline/pkg/pipeline"
	"github.com/faultlinehq/faultline/pkg/uploader"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to TOML configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("faultlined %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	log := logger.Global()
	log.Info("starting faultlined", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	q, err := queue.Open(ctx, queue.Config{
		Path:           cfg.Queue.Path,
		Capacity:       cfg.Queue.Capacity,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay.Duration,
		RetryMaxDelay:  cfg.Queue.RetryMaxDelay.Duration,
		RetentionDays:  cfg.Queue.RetentionDays,
	})
	if err != nil {
		log.SelfReport("failed to open durable queue", err, "path", cfg.Queue.Path)
		os.Exit(1)
	}
	defer q.Close()

	collector := uploader.NewHTTPCollector(uploader.HTTPCollectorConfig{
		Endpoint:  cfg.Uploader.Endpoint,
		AuthToken: cfg.Uploader.AuthToken,
		Timeout:   cfg.Uploader.Timeout.Duration,
	})

	var sink alert.Sink
	if cfg.Alerts.WebhookURL != "" {
		sink = alert.NewWebhookSink(cfg.Alerts.WebhookURL)
	} else {
		sink = alert.NewLogSink(log.Logger)
	}

	p := pipeline.New(pipelineConfig(cfg), q, collector, sink, log.Logger)
	p.Attach(capture.Global())

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, q, log)
	}

	log.Info("pipeline running",
		"queue", cfg.Queue.Path,
		"collector", cfg.Uploader.Endpoint,
		"session", p.Session(),
	)

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Normalizer.MaxStackFrames = cfg.Pipeline.MaxStackFrames
	pc.Normalizer.MaxContextBytes = cfg.Pipeline.MaxContextBytes
	pc.Aggregation.Window = cfg.Pipeline.AggregationWindow.Duration
	pc.Aggregation.MaxCount = cfg.Pipeline.MaxAggregateCount
	pc.SubmitBuffer = cfg.Pipeline.SubmitBuffer
	pc.Governor.GlobalPerMinute = cfg.Governor.GlobalPerMinute
	pc.Governor.PerFingerprintHourly = cfg.Governor.PerFingerprintHourly
	pc.Uploader.Interval = cfg.Uploader.Interval.Duration
	pc.Uploader.BatchSize = cfg.Uploader.BatchSize
	pc.Uploader.BackoffBase = cfg.Uploader.BackoffBase.Duration
	pc.Uploader.BackoffMax = cfg.Uploader.BackoffMax.Duration
	pc.Alerts.Default = alert.Threshold{
		CountPerHour: cfg.Alerts.CountPerHour,
		SessionRatio: cfg.Alerts.SessionRatio,
	}
	pc.Alerts.Cooldown = cfg.Alerts.Cooldown.Duration
	return pc
}

// serveMetrics exposes Prometheus metrics and a health endpoint backed
// by queue depths.
func serveMetrics(addr string, q *queue.Queue, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		stats, err := q.Stats(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	log.Info("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics listener failed", "error", err)
	}
}
