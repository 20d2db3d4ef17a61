package event

import (
	"strings"
	"testing"
)

func TestFingerprintStableAcrossValues(t *testing.T) {
	a := Fingerprint(SourceBridgeCall, "timeout after 31ms", "")
	b := Fingerprint(SourceBridgeCall, "timeout after 187ms", "")
	if a != b {
		t.Errorf("messages differing only in numbers should group: %s != %s", a, b)
	}
}

func TestFingerprintStableAcrossLineNumbers(t *testing.T) {
	stackA := "at loadProfile (app/profile.js:120:15)\nat render (app/screen.js:88:3)"
	stackB := "at loadProfile (app/profile.js:141:9)\nat render (app/screen.js:92:7)"
	a := Fingerprint(SourceRuntimeGlobal, "cannot read property of undefined", stackA)
	b := Fingerprint(SourceRuntimeGlobal, "cannot read property of undefined", stackB)
	if a != b {
		t.Errorf("stacks differing only in line numbers should group: %s != %s", a, b)
	}
}

func TestFingerprintDistinguishesSources(t *testing.T) {
	a := Fingerprint(SourceRuntimeGlobal, "boom", "")
	b := Fingerprint(SourceNativeSignal, "boom", "")
	if a == b {
		t.Error("different sources must not share a fingerprint")
	}
}

func TestFingerprintDistinguishesMessages(t *testing.T) {
	a := Fingerprint(SourceBridgeCall, "connection refused", "")
	b := Fingerprint(SourceBridgeCall, "connection reset", "")
	if a == b {
		t.Error("different message shapes must not share a fingerprint")
	}
}

func TestFingerprintUsesOnlyTopFrames(t *testing.T) {
	common := "at a (x.js:1:1)\nat b (y.js:2:2)\nat c (z.js:3:3)\n"
	a := Fingerprint(SourceRuntimeBoundary, "oops", common+"at deep1 (d.js:4:4)")
	b := Fingerprint(SourceRuntimeBoundary, "oops", common+"at deep2 (e.js:5:5)")
	if a != b {
		t.Error("frames beyond the top three must not affect the fingerprint")
	}
}

func TestFingerprintLength(t *testing.T) {
	fp := Fingerprint(SourceRejectedAsync, "unhandled rejection", "")
	if len(fp) != 32 {
		t.Errorf("expected 32-char fingerprint, got %d (%s)", len(fp), fp)
	}
	if strings.ToLower(fp) != fp {
		t.Errorf("fingerprint should be lowercase hex: %s", fp)
	}
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"timeout after 31ms", "timeout after #"},
		{"failed at 0x7ffe3a2b", "failed at #"},
		{"user 12345 not found", "user # not found"},
		{"plain message", "plain message"},
	}
	for _, tt := range tests {
		if got := normalizeMessage(tt.in); got != tt.want {
			t.Errorf("normalizeMessage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripLineNumbers(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"app/profile.js:120:15", "app/profile.js"},
		{"app/profile.js:120", "app/profile.js"},
		{"app/profile.js", "app/profile.js"},
		{"libmodule.so+0x41f2:88", "libmodule.so+0x41f2"},
	}
	for _, tt := range tests {
		if got := stripLineNumbers(tt.in); got != tt.want {
			t.Errorf("stripLineNumbers(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
