// Package governor caps outbound report volume during failure storms.
// Two independent caps apply: a global events-per-minute budget across
// all fingerprints, and a per-fingerprint events-per-hour budget. A
// suppressed fingerprint keeps counting silently; the next admitted
// report carries the accumulated count, so volume information is never
// lost. Only transmission frequency is reduced.
package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/faultlinehq/faultline/pkg/event"
)

// Config holds the two rate caps.
type Config struct {
	GlobalPerMinute      int // admitted reports per minute across all fingerprints (default 120)
	PerFingerprintHourly int // admitted reports per fingerprint per hour (default 30)
}

// DefaultConfig returns the default caps.
func DefaultConfig() Config {
	return Config{
		GlobalPerMinute:      120,
		PerFingerprintHourly: 30,
	}
}

// fpWindow tracks one fingerprint's admission window and the count
// accumulated while suppressed.
type fpWindow struct {
	windowStart time.Time
	admitted    int
	pending     int
	lastSeen    time.Time
}

// Governor enforces the caps. Safe for concurrent use.
type Governor struct {
	cfg    Config
	global *rate.Limiter

	mu          sync.Mutex
	windows     map[string]*fpWindow
	lastCleanup time.Time
}

// New creates a governor with defaults applied for zero fields.
func New(cfg Config) *Governor {
	if cfg.GlobalPerMinute <= 0 {
		cfg.GlobalPerMinute = 120
	}
	if cfg.PerFingerprintHourly <= 0 {
		cfg.PerFingerprintHourly = 30
	}
	return &Governor{
		cfg:         cfg,
		global:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.GlobalPerMinute)), cfg.GlobalPerMinute),
		windows:     make(map[string]*fpWindow),
		lastCleanup: time.Now(),
	}
}

// Admit decides whether a flushed report may proceed to the durable
// queue. On admission the returned report carries any count accumulated
// while the fingerprint was suppressed. On denial the report's count is
// folded into the fingerprint's pending total and nothing is lost.
//
// Fatal reports are never suppressed by the per-fingerprint cap. They
// consume a global token when one is available but are admitted either
// way; queue-capacity eviction (oldest non-fatal first) is what protects
// the pipeline from an infinite crash loop.
func (g *Governor) Admit(r *event.Report) (*event.Report, bool) {
	return g.admitAt(r, time.Now())
}

func (g *Governor) admitAt(r *event.Report, now time.Time) (*event.Report, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeCleanup(now)

	w, ok := g.windows[r.Fingerprint]
	if !ok {
		w = &fpWindow{windowStart: now}
		g.windows[r.Fingerprint] = w
	}
	w.lastSeen = now

	if now.Sub(w.windowStart) >= time.Hour {
		w.windowStart = now
		w.admitted = 0
	}

	if r.Fatal() {
		g.global.AllowN(now, 1)
		w.admitted++
		return g.carryPending(r, w), true
	}

	if w.admitted >= g.cfg.PerFingerprintHourly {
		w.pending += r.Count
		return nil, false
	}
	if !g.global.AllowN(now, 1) {
		w.pending += r.Count
		return nil, false
	}

	w.admitted++
	return g.carryPending(r, w), true
}

// carryPending folds suppressed occurrences into an admitted report.
func (g *Governor) carryPending(r *event.Report, w *fpWindow) *event.Report {
	if w.pending == 0 {
		return r
	}
	out := *r
	out.Count += w.pending
	w.pending = 0
	return &out
}

// Pending returns the count accumulated while a fingerprint is
// suppressed. Exposed for stats and tests.
func (g *Governor) Pending(fingerprint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.windows[fingerprint]; ok {
		return w.pending
	}
	return 0
}

// maybeCleanup drops windows idle for more than two hours. Runs at most
// once an hour, under the caller's lock.
func (g *Governor) maybeCleanup(now time.Time) {
	if now.Sub(g.lastCleanup) < time.Hour {
		return
	}
	g.lastCleanup = now
	for fp, w := range g.windows {
		if now.Sub(w.lastSeen) > 2*time.Hour && w.pending == 0 {
			delete(g.windows, fp)
		}
	}
}
