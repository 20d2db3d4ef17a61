package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MalformedCaptureError reports a raw payload that cannot be turned into
// an ErrorEvent. Such payloads are dropped with a diagnostic and never
// reach the queue.
type MalformedCaptureError struct {
	Source Source
	Reason string
}

func (e *MalformedCaptureError) Error() string {
	return fmt.Sprintf("malformed capture from %q: %s", e.Source, e.Reason)
}

// reservedContextKeys are kept ahead of free-form tags when the context
// budget forces key dropping.
var reservedContextKeys = map[string]bool{
	"platform":    true,
	"app_version": true,
	"os_version":  true,
	"device":      true,
	"user_id":     true,
}

// NormalizerConfig bounds the diagnostic payload of produced events.
type NormalizerConfig struct {
	MaxStackFrames  int // frames kept per stack trace (default 50)
	MaxContextBytes int // serialized context budget (default 4096)
}

// DefaultNormalizerConfig returns the default bounds.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		MaxStackFrames:  50,
		MaxContextBytes: 4096,
	}
}

// Normalizer converts raw capture payloads into canonical ErrorEvents.
// It holds no mutable state and is safe for concurrent use from
// unrelated capture points.
type Normalizer struct {
	cfg NormalizerConfig
}

// NewNormalizer creates a normalizer, applying defaults for zero fields.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.MaxStackFrames <= 0 {
		cfg.MaxStackFrames = 50
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = 4096
	}
	return &Normalizer{cfg: cfg}
}

// Normalize produces exactly one ErrorEvent from a raw capture, or fails
// with a MalformedCaptureError when required fields are absent. The only
// side effect is object construction.
func (n *Normalizer) Normalize(raw RawCapture, sessionID string) (*ErrorEvent, error) {
	if !raw.Source.Valid() {
		return nil, &MalformedCaptureError{Source: raw.Source, Reason: "unknown source tag"}
	}
	if raw.Message == "" && raw.StackTrace == "" {
		return nil, &MalformedCaptureError{Source: raw.Source, Reason: "neither message nor stack trace present"}
	}

	severity := raw.Severity
	if severity == "" {
		severity = defaultSeverity(raw.Source)
	}

	occurredAt := raw.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	message := raw.Message
	if message == "" {
		// Fall back to the first stack line so the event stays readable.
		message = firstLine(raw.StackTrace)
	}

	stack := truncateStack(raw.StackTrace, n.cfg.MaxStackFrames)
	context := truncateContext(raw.Context, n.cfg.MaxContextBytes)

	return &ErrorEvent{
		ID:          uuid.NewString(),
		Source:      raw.Source,
		Fingerprint: Fingerprint(raw.Source, message, raw.StackTrace),
		Message:     message,
		StackTrace:  stack,
		Severity:    severity,
		Context:     context,
		OccurredAt:  occurredAt,
		SessionID:   sessionID,
	}, nil
}

// defaultSeverity maps untagged captures to a severity by origin: native
// crashes and uncaught runtime errors kill the process, the rest are
// recoverable.
func defaultSeverity(source Source) Severity {
	switch source {
	case SourceNativeSignal, SourceNativeException, SourceRuntimeGlobal:
		return SeverityFatal
	}
	return SeverityRecoverable
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// truncateStack keeps at most maxFrames non-empty lines.
func truncateStack(stackTrace string, maxFrames int) string {
	if stackTrace == "" {
		return ""
	}
	lines := strings.Split(stackTrace, "\n")
	kept := make([]string, 0, maxFrames)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
		if len(kept) == maxFrames {
			break
		}
	}
	return strings.Join(kept, "\n")
}

// truncateContext drops context keys until the serialized form fits the
// byte budget. Free-form tags go first, in reverse lexicographic order
// so the outcome is deterministic; reserved keys go last, same order.
func truncateContext(ctx map[string]ContextValue, maxBytes int) map[string]ContextValue {
	if len(ctx) == 0 {
		return nil
	}

	out := make(map[string]ContextValue, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}

	for serializedSize(out) > maxBytes {
		victim := ""
		for _, k := range sortedKeys(out) {
			if !reservedContextKeys[k] {
				victim = k
			}
		}
		if victim == "" {
			// Only reserved keys left; drop the reverse-lexicographic last.
			keys := sortedKeys(out)
			victim = keys[len(keys)-1]
		}
		delete(out, victim)
		if len(out) == 0 {
			return nil
		}
	}
	return out
}

func serializedSize(ctx map[string]ContextValue) int {
	data, err := json.Marshal(ctx)
	if err != nil {
		return 0
	}
	return len(data)
}

func sortedKeys(m map[string]ContextValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
