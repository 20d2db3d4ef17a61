package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// fingerprintFrames is the number of leading stack frames that
// contribute to the fingerprint. Deeper frames churn too much across
// releases to be grouping-stable.
const fingerprintFrames = 3

// Fingerprint derives the grouping key for a failure. It is a pure
// function of the source, the normalized message shape, and the top
// stack frames, never of timestamps, session, or free-form context, so
// the same underlying defect always maps to the same key.
func Fingerprint(source Source, message, stackTrace string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(normalizeMessage(message)))
	h.Write([]byte{0})
	for _, frame := range topFrames(stackTrace, fingerprintFrames) {
		h.Write([]byte(frame))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// normalizeMessage reduces a message to its shape: runs of digits and
// hex-like tokens collapse to a placeholder so "timeout after 31ms" and
// "timeout after 187ms" group together.
func normalizeMessage(msg string) string {
	var sb strings.Builder
	sb.Grow(len(msg))

	fields := strings.Fields(msg)
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if looksNumeric(f) {
			sb.WriteByte('#')
			continue
		}
		for _, r := range f {
			if unicode.IsDigit(r) {
				r = '#'
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// looksNumeric reports whether a token is a number, hex address, or
// similar value-bearing noise.
func looksNumeric(tok string) bool {
	tok = strings.TrimFunc(tok, func(r rune) bool {
		return r == '(' || r == ')' || r == '[' || r == ']' || r == ',' || r == '.' || r == ':'
	})
	if tok == "" {
		return false
	}
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		return true
	}
	digits := 0
	for _, r := range tok {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits > len(tok)/2
}

// topFrames returns up to n normalized leading lines of a stack trace.
// Line/column numbers are stripped so recompiled builds keep grouping.
func topFrames(stackTrace string, n int) []string {
	if stackTrace == "" {
		return nil
	}
	var frames []string
	for _, line := range strings.Split(stackTrace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frames = append(frames, stripLineNumbers(line))
		if len(frames) == n {
			break
		}
	}
	return frames
}

// stripLineNumbers removes trailing :line:col suffixes from a frame.
func stripLineNumbers(frame string) string {
	for {
		i := strings.LastIndexByte(frame, ':')
		if i < 0 {
			return frame
		}
		suffix := frame[i+1:]
		if suffix == "" || !allDigits(suffix) {
			return frame
		}
		frame = frame[:i]
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
