package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/faultlinehq/faultline/internal/queue"
	"github.com/faultlinehq/faultline/pkg/capture"
	"github.com/faultlinehq/faultline/pkg/event"
	"github.com/faultlinehq/faultline/pkg/uploader"
)

type collectorStub struct {
	mu      sync.Mutex
	reports []uploader.BatchReport
}

func (c *collectorStub) SendBatch(_ context.Context, reports []uploader.BatchReport) ([]uploader.BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, reports...)
	results := make([]uploader.BatchResult, len(reports))
	for i, r := range reports {
		results[i] = uploader.BatchResult{ID: r.ID, Status: uploader.AckAccepted}
	}
	return results, nil
}

func (c *collectorStub) received() []uploader.BatchReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uploader.BatchReport(nil), c.reports...)
}

func newTestPipeline(t *testing.T, col uploader.Collector) *Pipeline {
	t.Helper()

	qcfg := queue.DefaultConfig()
	qcfg.Path = filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(context.Background(), qcfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	cfg := DefaultConfig()
	cfg.Aggregation.Window = 50 * time.Millisecond
	cfg.Uploader.Interval = 50 * time.Millisecond

	return New(cfg, q, col, nil, nil)
}

func TestFatalCaptureReachesCollector(t *testing.T) {
	col := &collectorStub{}
	p := newTestPipeline(t, col)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Submit(event.RawCapture{
		Source:  event.SourceNativeSignal,
		Message: "SIGSEGV at 0x0",
	})

	deadline := time.After(3 * time.Second)
	for len(col.received()) == 0 {
		select {
		case <-deadline:
			t.Fatal("fatal report never reached the collector")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got := col.received()[0]
	if got.Count != 1 {
		t.Errorf("fatal report count = %d, want 1", got.Count)
	}
	if got.Sample == nil || got.Sample.Severity != event.SeverityFatal {
		t.Error("fatal sample not carried to the collector")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v on clean shutdown", err)
	}
}

func TestShutdownFlushesOpenAggregates(t *testing.T) {
	col := &collectorStub{}
	p := newTestPipeline(t, col)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Open a window but cancel before it can close on its own.
	for i := 0; i < 4; i++ {
		p.Submit(event.RawCapture{
			Source:  event.SourceBridgeCall,
			Message: "request failed",
		})
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	reports := col.received()
	if len(reports) != 1 {
		t.Fatalf("expected the open aggregate to drain at shutdown, got %d reports", len(reports))
	}
	if reports[0].Count != 4 {
		t.Errorf("count = %d, want 4", reports[0].Count)
	}
}

func TestMalformedCaptureDropped(t *testing.T) {
	col := &collectorStub{}
	p := newTestPipeline(t, col)

	// Must not panic and must not produce a report.
	p.Submit(event.RawCapture{Source: "bogus", Message: "boom"})
	p.Submit(event.RawCapture{Source: event.SourceBridgeCall})

	if n := len(col.received()); n != 0 {
		t.Errorf("malformed captures produced %d reports", n)
	}
}

func TestAttachRegistersOnChain(t *testing.T) {
	col := &collectorStub{}
	p := newTestPipeline(t, col)

	chain := capture.NewChain()
	p.Attach(chain)
	if chain.Len() != 1 {
		t.Fatalf("chain has %d handlers, want 1", chain.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	chain.Dispatch(event.RawCapture{
		Source:  event.SourceNativeException,
		Message: "NullPointerException",
	})

	deadline := time.After(3 * time.Second)
	for len(col.received()) == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatched capture never reached the collector")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestSessionRotation(t *testing.T) {
	col := &collectorStub{}
	p := newTestPipeline(t, col)

	first := p.Session()
	second := p.StartSession()
	if first == second {
		t.Error("StartSession did not rotate the session id")
	}
	if p.Session() != second {
		t.Error("Session does not reflect the rotated id")
	}
}
