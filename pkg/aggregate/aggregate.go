// Package aggregate groups structurally-equivalent failures occurring
// within a window, tracking occurrence counts instead of storing every
// instance.
package aggregate

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/faultlinehq/faultline/pkg/event"
)

// shardCount buckets fingerprints so one hot fingerprint's contention
// never blocks unrelated fingerprints.
const shardCount = 64

// FlushFunc receives a closed aggregate as a report. Implementations
// must not block: Submit may run in a signal-handler context, so
// durable-queue writes and network calls belong behind a channel.
type FlushFunc func(*event.Report)

// Config controls window and memory bounds.
type Config struct {
	Window   time.Duration // tumbling aggregation window (default 60s)
	MaxCount int           // per-record count cap forcing an early flush (default 1000)
}

// DefaultConfig returns the default aggregation bounds.
func DefaultConfig() Config {
	return Config{
		Window:   60 * time.Second,
		MaxCount: 1000,
	}
}

// record is one open aggregate for a fingerprint within a window.
type record struct {
	fingerprint string
	count       int
	firstSeen   time.Time
	lastSeen    time.Time
	sample      *event.ErrorEvent
	windowStart time.Time
}

func (r *record) report() *event.Report {
	return &event.Report{
		Fingerprint: r.fingerprint,
		Count:       r.count,
		Sample:      r.sample,
		FirstSeenAt: r.firstSeen,
		LastSeenAt:  r.lastSeen,
	}
}

type shard struct {
	mu   sync.Mutex
	open map[string]*record
}

// Aggregator maintains one open record per fingerprint inside a
// tumbling window and flushes closed records downstream.
type Aggregator struct {
	cfg   Config
	flush FlushFunc

	shards [shardCount]shard
}

// New creates an aggregator that hands closed records to flush.
func New(cfg Config, flush FlushFunc) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 1000
	}
	a := &Aggregator{cfg: cfg, flush: flush}
	for i := range a.shards {
		a.shards[i].open = make(map[string]*record)
	}
	return a
}

// Submit folds one event into its fingerprint's open record. Fatal
// events bypass aggregation entirely and flush immediately as count-1
// reports: a crash must never wait for a window to close, because the
// process may not survive long enough to close it.
func (a *Aggregator) Submit(ev *event.ErrorEvent) {
	if ev.Fatal() {
		a.flush(&event.Report{
			Fingerprint: ev.Fingerprint,
			Count:       1,
			Sample:      ev,
			FirstSeenAt: ev.OccurredAt,
			LastSeenAt:  ev.OccurredAt,
		})
		return
	}

	s := a.shardFor(ev.Fingerprint)

	var closed *event.Report

	s.mu.Lock()
	rec, ok := s.open[ev.Fingerprint]
	switch {
	case ok && ev.OccurredAt.Sub(rec.windowStart) < a.cfg.Window:
		rec.count++
		rec.lastSeen = ev.OccurredAt
		if rec.count >= a.cfg.MaxCount {
			closed = rec.report()
			delete(s.open, ev.Fingerprint)
		}
	default:
		if ok {
			// Window elapsed; close the stale record before opening.
			closed = rec.report()
		}
		s.open[ev.Fingerprint] = &record{
			fingerprint: ev.Fingerprint,
			count:       1,
			firstSeen:   ev.OccurredAt,
			lastSeen:    ev.OccurredAt,
			sample:      ev,
			windowStart: ev.OccurredAt,
		}
	}
	s.mu.Unlock()

	if closed != nil {
		a.flush(closed)
	}
}

// Sweep closes every record whose window has elapsed. Called on a
// recurring schedule by the pipeline.
func (a *Aggregator) Sweep() int {
	return a.sweepAt(time.Now())
}

func (a *Aggregator) sweepAt(now time.Time) int {
	var closed []*event.Report
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for fp, rec := range s.open {
			if now.Sub(rec.windowStart) >= a.cfg.Window {
				closed = append(closed, rec.report())
				delete(s.open, fp)
			}
		}
		s.mu.Unlock()
	}
	for _, r := range closed {
		a.flush(r)
	}
	return len(closed)
}

// FlushAll closes every open record regardless of window age. Used as
// the process-shutdown hook so nothing pending is lost.
func (a *Aggregator) FlushAll() int {
	var closed []*event.Report
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for fp, rec := range s.open {
			closed = append(closed, rec.report())
			delete(s.open, fp)
		}
		s.mu.Unlock()
	}
	for _, r := range closed {
		a.flush(r)
	}
	return len(closed)
}

// OpenCount returns the number of currently open records.
func (a *Aggregator) OpenCount() int {
	n := 0
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		n += len(s.open)
		s.mu.Unlock()
	}
	return n
}

func (a *Aggregator) shardFor(fingerprint string) *shard {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return &a.shards[h.Sum32()%shardCount]
}
