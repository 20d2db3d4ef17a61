package governor

import (
	"testing"
	"time"

	"github.com/faultlinehq/faultline/pkg/event"
)

func makeReport(fingerprint string, count int, severity event.Severity) *event.Report {
	now := time.Now()
	return &event.Report{
		Fingerprint: fingerprint,
		Count:       count,
		Sample: &event.ErrorEvent{
			ID:          "ev",
			Source:      event.SourceBridgeCall,
			Fingerprint: fingerprint,
			Message:     "boom",
			Severity:    severity,
			OccurredAt:  now,
		},
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
}

func TestPerFingerprintCapSuppressesButCountsSurvive(t *testing.T) {
	g := New(Config{GlobalPerMinute: 10000, PerFingerprintHourly: 5})

	now := time.Now()
	total := 0
	admittedTotal := 0
	for i := 0; i < 20; i++ {
		r := makeReport("fp-1", 3, event.SeverityRecoverable)
		total += r.Count
		if out, ok := g.admitAt(r, now.Add(time.Duration(i)*time.Second)); ok {
			admittedTotal += out.Count
		}
	}

	// Whatever was suppressed must surface on the next admitted report
	// after the window resets.
	if out, ok := g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now.Add(2*time.Hour)); ok {
		admittedTotal += out.Count
	} else {
		t.Fatal("report after window reset should be admitted")
	}

	if admittedTotal != total+1 {
		t.Errorf("admitted counts sum to %d, want %d (no occurrence lost)", admittedTotal, total+1)
	}
}

func TestPerFingerprintCapAdmitsUpToLimit(t *testing.T) {
	g := New(Config{GlobalPerMinute: 10000, PerFingerprintHourly: 5})

	now := time.Now()
	admitted := 0
	for i := 0; i < 10; i++ {
		if _, ok := g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now); ok {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("admitted %d reports, want 5", admitted)
	}
	if g.Pending("fp-1") != 5 {
		t.Errorf("pending = %d, want 5", g.Pending("fp-1"))
	}
}

func TestGlobalCapAppliesAcrossFingerprints(t *testing.T) {
	g := New(Config{GlobalPerMinute: 10, PerFingerprintHourly: 10000})

	now := time.Now()
	admitted := 0
	for i := 0; i < 30; i++ {
		fp := "fp-a"
		if i%2 == 1 {
			fp = "fp-b"
		}
		if _, ok := g.admitAt(makeReport(fp, 1, event.SeverityRecoverable), now); ok {
			admitted++
		}
	}
	if admitted != 10 {
		t.Errorf("admitted %d reports at burst, want global cap of 10", admitted)
	}
}

func TestFatalNeverSuppressed(t *testing.T) {
	g := New(Config{GlobalPerMinute: 1, PerFingerprintHourly: 1})

	now := time.Now()
	for i := 0; i < 5; i++ {
		if _, ok := g.admitAt(makeReport("fp-crash", 1, event.SeverityFatal), now); !ok {
			t.Fatalf("fatal report %d suppressed", i)
		}
	}
}

func TestFatalCarriesSuppressedCounts(t *testing.T) {
	g := New(Config{GlobalPerMinute: 10000, PerFingerprintHourly: 1})

	now := time.Now()
	if _, ok := g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now); !ok {
		t.Fatal("first report should be admitted")
	}
	if _, ok := g.admitAt(makeReport("fp-1", 7, event.SeverityRecoverable), now); ok {
		t.Fatal("second report should hit the per-fingerprint cap")
	}

	out, ok := g.admitAt(makeReport("fp-1", 1, event.SeverityFatal), now)
	if !ok {
		t.Fatal("fatal report should be admitted")
	}
	if out.Count != 8 {
		t.Errorf("fatal report count = %d, want 8 (1 + 7 suppressed)", out.Count)
	}
}

func TestHourlyWindowResets(t *testing.T) {
	g := New(Config{GlobalPerMinute: 10000, PerFingerprintHourly: 2})

	now := time.Now()
	g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now)
	g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now)
	if _, ok := g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now); ok {
		t.Fatal("third report within the hour should be suppressed")
	}

	if _, ok := g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now.Add(time.Hour)); !ok {
		t.Error("report in the next hourly window should be admitted")
	}
}

func TestDenialDoesNotMutateOriginal(t *testing.T) {
	g := New(Config{GlobalPerMinute: 10000, PerFingerprintHourly: 1})

	now := time.Now()
	g.admitAt(makeReport("fp-1", 1, event.SeverityRecoverable), now)

	r := makeReport("fp-1", 4, event.SeverityRecoverable)
	g.admitAt(r, now)
	if r.Count != 4 {
		t.Errorf("denied report mutated: count = %d", r.Count)
	}

	out, ok := g.admitAt(makeReport("fp-1", 2, event.SeverityRecoverable), now.Add(time.Hour))
	if !ok {
		t.Fatal("report after reset should be admitted")
	}
	if out.Count != 6 {
		t.Errorf("carried count = %d, want 6 (2 + 4 pending)", out.Count)
	}
}
