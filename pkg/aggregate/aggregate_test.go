package aggregate

import (
	"sync"
	"testing"
	"time"

	"github.com/faultlinehq/faultline/pkg/event"
)

type flushRecorder struct {
	mu      sync.Mutex
	reports []*event.Report
}

func (f *flushRecorder) flush(r *event.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
}

func (f *flushRecorder) all() []*event.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.Report(nil), f.reports...)
}

func makeEvent(fingerprint string, severity event.Severity, at time.Time) *event.ErrorEvent {
	return &event.ErrorEvent{
		ID:          "ev-" + fingerprint,
		Source:      event.SourceBridgeCall,
		Fingerprint: fingerprint,
		Message:     "boom",
		Severity:    severity,
		OccurredAt:  at,
		SessionID:   "s",
	}
}

func TestWindowCollapsesToSingleReport(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(DefaultConfig(), rec.flush)

	base := time.Now()
	for i := 0; i < 25; i++ {
		agg.Submit(makeEvent("fp-1", event.SeverityRecoverable, base.Add(time.Duration(i)*time.Second)))
	}

	agg.sweepAt(base.Add(2 * time.Minute))

	reports := rec.all()
	if len(reports) != 1 {
		t.Fatalf("expected one report for one fingerprint in one window, got %d", len(reports))
	}
	if reports[0].Count != 25 {
		t.Errorf("count = %d, want 25", reports[0].Count)
	}
	if !reports[0].FirstSeenAt.Equal(base) {
		t.Errorf("first seen = %v, want %v", reports[0].FirstSeenAt, base)
	}
	if !reports[0].LastSeenAt.Equal(base.Add(24 * time.Second)) {
		t.Errorf("last seen = %v, want %v", reports[0].LastSeenAt, base.Add(24*time.Second))
	}
}

func TestFatalBypassesAggregation(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(DefaultConfig(), rec.flush)

	agg.Submit(makeEvent("fp-crash", event.SeverityFatal, time.Now()))

	reports := rec.all()
	if len(reports) != 1 {
		t.Fatalf("fatal event must flush immediately, got %d reports", len(reports))
	}
	if reports[0].Count != 1 {
		t.Errorf("fatal report count = %d, want 1", reports[0].Count)
	}
	if agg.OpenCount() != 0 {
		t.Errorf("fatal event must not open a record, open = %d", agg.OpenCount())
	}
}

func TestSeparateFingerprintsSeparateReports(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(DefaultConfig(), rec.flush)

	base := time.Now()
	agg.Submit(makeEvent("fp-a", event.SeverityRecoverable, base))
	agg.Submit(makeEvent("fp-b", event.SeverityRecoverable, base))
	agg.Submit(makeEvent("fp-a", event.SeverityRecoverable, base.Add(time.Second)))

	agg.sweepAt(base.Add(2 * time.Minute))

	reports := rec.all()
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	counts := map[string]int{}
	for _, r := range reports {
		counts[r.Fingerprint] = r.Count
	}
	if counts["fp-a"] != 2 || counts["fp-b"] != 1 {
		t.Errorf("counts = %v, want fp-a:2 fp-b:1", counts)
	}
}

func TestMaxCountForcesEarlyFlush(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Config{Window: time.Minute, MaxCount: 10}, rec.flush)

	base := time.Now()
	for i := 0; i < 10; i++ {
		agg.Submit(makeEvent("fp-hot", event.SeverityRecoverable, base.Add(time.Duration(i)*time.Millisecond)))
	}

	reports := rec.all()
	if len(reports) != 1 {
		t.Fatalf("expected early flush at max count, got %d reports", len(reports))
	}
	if reports[0].Count != 10 {
		t.Errorf("count = %d, want 10", reports[0].Count)
	}
	if agg.OpenCount() != 0 {
		t.Error("record should be closed after an early flush")
	}
}

func TestStaleWindowClosedOnNextSubmit(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Config{Window: time.Minute, MaxCount: 1000}, rec.flush)

	base := time.Now()
	agg.Submit(makeEvent("fp-1", event.SeverityRecoverable, base))
	agg.Submit(makeEvent("fp-1", event.SeverityRecoverable, base.Add(90*time.Second)))

	reports := rec.all()
	if len(reports) != 1 {
		t.Fatalf("stale record should flush when a new window opens, got %d", len(reports))
	}
	if reports[0].Count != 1 {
		t.Errorf("flushed count = %d, want 1", reports[0].Count)
	}
	if agg.OpenCount() != 1 {
		t.Errorf("a fresh record should remain open, open = %d", agg.OpenCount())
	}
}

func TestFlushAllClosesEverything(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(DefaultConfig(), rec.flush)

	base := time.Now()
	agg.Submit(makeEvent("fp-a", event.SeverityRecoverable, base))
	agg.Submit(makeEvent("fp-b", event.SeverityRecoverable, base))

	if n := agg.FlushAll(); n != 2 {
		t.Errorf("FlushAll closed %d records, want 2", n)
	}
	if agg.OpenCount() != 0 {
		t.Errorf("open records after FlushAll: %d", agg.OpenCount())
	}
}

func TestConcurrentSubmit(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(DefaultConfig(), rec.flush)

	base := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				agg.Submit(makeEvent("fp-shared", event.SeverityRecoverable, base))
			}
		}()
	}
	wg.Wait()

	agg.sweepAt(base.Add(2 * time.Minute))

	total := 0
	for _, r := range rec.all() {
		if r.Fingerprint == "fp-shared" {
			total += r.Count
		}
	}
	if total != 800 {
		t.Errorf("total count = %d, want 800", total)
	}
}
