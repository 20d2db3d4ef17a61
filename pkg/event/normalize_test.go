package event

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeProducesCanonicalEvent(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	raw := RawCapture{
		Source:     SourceRuntimeGlobal,
		Message:    "cannot read property of undefined",
		StackTrace: "at render (app/screen.js:12:4)",
		Context:    map[string]ContextValue{"platform": Str("android")},
	}

	ev, err := n.Normalize(raw, "session-1")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.ID == "" {
		t.Error("expected a generated event id")
	}
	if ev.Fingerprint == "" {
		t.Error("expected a fingerprint")
	}
	if ev.SessionID != "session-1" {
		t.Errorf("session id not carried: %q", ev.SessionID)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("expected a capture timestamp")
	}
}

func TestNormalizeRejectsUnknownSource(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	_, err := n.Normalize(RawCapture{Source: "made-up", Message: "boom"}, "s")
	var malformed *MalformedCaptureError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedCaptureError, got %v", err)
	}
}

func TestNormalizeRejectsEmptyPayload(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	_, err := n.Normalize(RawCapture{Source: SourceBridgeCall}, "s")
	var malformed *MalformedCaptureError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedCaptureError, got %v", err)
	}
}

func TestNormalizeMessageFallsBackToStack(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	ev, err := n.Normalize(RawCapture{
		Source:     SourceNativeSignal,
		StackTrace: "libapp.so sigsegv at 0x0\nframe two",
	}, "s")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Message != "libapp.so sigsegv at 0x0" {
		t.Errorf("expected first stack line as message, got %q", ev.Message)
	}
}

func TestNormalizeDefaultSeverity(t *testing.T) {
	tests := []struct {
		source Source
		want   Severity
	}{
		{SourceNativeSignal, SeverityFatal},
		{SourceNativeException, SeverityFatal},
		{SourceRuntimeGlobal, SeverityFatal},
		{SourceRuntimeBoundary, SeverityRecoverable},
		{SourceRejectedAsync, SeverityRecoverable},
		{SourceBridgeCall, SeverityRecoverable},
	}

	n := NewNormalizer(DefaultNormalizerConfig())
	for _, tt := range tests {
		ev, err := n.Normalize(RawCapture{Source: tt.source, Message: "boom"}, "s")
		if err != nil {
			t.Fatalf("Normalize(%s) failed: %v", tt.source, err)
		}
		if ev.Severity != tt.want {
			t.Errorf("source %s: severity = %s, want %s", tt.source, ev.Severity, tt.want)
		}
	}
}

func TestNormalizeExplicitSeverityWins(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	ev, err := n.Normalize(RawCapture{
		Source:   SourceRuntimeGlobal,
		Message:  "handled at the root boundary",
		Severity: SeverityRecoverable,
	}, "s")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Severity != SeverityRecoverable {
		t.Errorf("explicit severity overridden: got %s", ev.Severity)
	}
}

func TestNormalizeTruncatesStack(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{MaxStackFrames: 3, MaxContextBytes: 4096})

	stack := strings.Repeat("at frame (f.js:1:1)\n", 20)
	ev, err := n.Normalize(RawCapture{Source: SourceRuntimeGlobal, Message: "boom", StackTrace: stack}, "s")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got := len(strings.Split(ev.StackTrace, "\n")); got != 3 {
		t.Errorf("expected 3 frames kept, got %d", got)
	}
}

func TestNormalizeContextBudgetKeepsReservedKeys(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{MaxStackFrames: 50, MaxContextBytes: 200})

	ctx := map[string]ContextValue{
		"platform":    Str("android"),
		"app_version": Str("3.2.1"),
	}
	for _, k := range []string{"aaa", "bbb", "ccc", "ddd", "eee"} {
		ctx[k] = Str(strings.Repeat("x", 40))
	}

	ev, err := n.Normalize(RawCapture{Source: SourceBridgeCall, Message: "boom", Context: ctx}, "s")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if _, ok := ev.Context["platform"]; !ok {
		t.Error("reserved key platform dropped before free-form tags")
	}
	if _, ok := ev.Context["app_version"]; !ok {
		t.Error("reserved key app_version dropped before free-form tags")
	}
	if _, ok := ev.Context["eee"]; ok {
		t.Error("free-form tags should be dropped first, reverse-lexicographic")
	}
}

func TestNormalizePreservesTimestamp(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	ev, err := n.Normalize(RawCapture{Source: SourceBridgeCall, Message: "boom", OccurredAt: at}, "s")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !ev.OccurredAt.Equal(at) {
		t.Errorf("timestamp rewritten: %v", ev.OccurredAt)
	}
}
