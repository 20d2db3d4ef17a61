// Package event defines the canonical failure record produced by the
// normalizer and consumed by the rest of the pipeline, together with the
// raw capture payload shape that all capture collaborators must supply.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies the execution environment a failure originated from.
type Source string

const (
	SourceRuntimeGlobal   Source = "scripting-runtime-global"
	SourceRuntimeBoundary Source = "scripting-runtime-boundary"
	SourceRejectedAsync   Source = "rejected-async-operation"
	SourceBridgeCall      Source = "bridge-call"
	SourceNativeException Source = "native-uncaught-exception"
	SourceNativeSignal    Source = "native-signal"
)

// Valid reports whether s is one of the known capture origins.
func (s Source) Valid() bool {
	switch s {
	case SourceRuntimeGlobal, SourceRuntimeBoundary, SourceRejectedAsync,
		SourceBridgeCall, SourceNativeException, SourceNativeSignal:
		return true
	}
	return false
}

// Severity classifies a failure as process-fatal or recoverable.
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityRecoverable Severity = "recoverable"
)

// ContextValue is a string, number, or bool attached to an event's context.
type ContextValue struct {
	Kind   ContextKind `json:"kind"`
	String string      `json:"string,omitempty"`
	Number float64     `json:"number,omitempty"`
	Bool   bool        `json:"bool,omitempty"`
}

// ContextKind tags the active variant of a ContextValue.
type ContextKind string

const (
	ContextString ContextKind = "string"
	ContextNumber ContextKind = "number"
	ContextBool   ContextKind = "bool"
)

// Str builds a string context value.
func Str(v string) ContextValue { return ContextValue{Kind: ContextString, String: v} }

// Num builds a numeric context value.
func Num(v float64) ContextValue { return ContextValue{Kind: ContextNumber, Number: v} }

// Bool builds a boolean context value.
func Bool(v bool) ContextValue { return ContextValue{Kind: ContextBool, Bool: v} }

// RawCapture is the input contract shared by every capture collaborator:
// a scripting-runtime global handler, an error boundary, a rejected-async
// hook, a bridge-call failure path, or a native exception/signal handler.
// At minimum it must carry a Source tag and one of Message or StackTrace.
type RawCapture struct {
	Source     Source                  `json:"source"`
	Message    string                  `json:"message,omitempty"`
	StackTrace string                  `json:"stack_trace,omitempty"`
	Severity   Severity                `json:"severity,omitempty"`
	Context    map[string]ContextValue `json:"context,omitempty"`
	OccurredAt time.Time               `json:"occurred_at,omitempty"`
}

// ErrorEvent is a captured failure, immutable once created.
type ErrorEvent struct {
	ID          string                  `json:"id"`
	Source      Source                  `json:"source"`
	Fingerprint string                  `json:"fingerprint"`
	Message     string                  `json:"message"`
	StackTrace  string                  `json:"stack_trace,omitempty"`
	Severity    Severity                `json:"severity"`
	Context     map[string]ContextValue `json:"context,omitempty"`
	OccurredAt  time.Time               `json:"occurred_at"`
	SessionID   string                  `json:"session_id"`
}

// Fatal reports whether the event is process-fatal.
func (e *ErrorEvent) Fatal() bool {
	return e.Severity == SeverityFatal
}

// Report is one unit handed to the durable queue: a representative sample
// event plus the occurrence count accumulated within an aggregation
// window. Fatal events are flushed as count-1 reports without waiting for
// a window.
type Report struct {
	Fingerprint string      `json:"fingerprint"`
	Count       int         `json:"count"`
	Sample      *ErrorEvent `json:"sample_event"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// Fatal reports whether the report was derived from a fatal event.
func (r *Report) Fatal() bool {
	return r.Sample != nil && r.Sample.Fatal()
}

// MarshalReport serializes a report for durable storage.
func MarshalReport(r *Report) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report %s: %w", r.Fingerprint, err)
	}
	return data, nil
}

// UnmarshalReport restores a report from its durable form.
func UnmarshalReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
