// Package ratelimit throttles how often the Transfer Engine emits a
// progress/debug log line for one task, decoupling log volume from chunk
// count on large transfers (SPEC_FULL.md §3 "TransferTask.lastLogTime").
package ratelimit

import (
	"sync"
	"time"
)

// LogGate is a minimum-interval gate keyed by caller-supplied state,
// adapted from the teacher's continuous-refill TokenBucket
// (internal/ratelimit/token_bucket.go): instead of metering a count of
// discrete tokens per second, it meters wall-clock time between
// permitted events, since spec.md's lastLogTime has no token concept —
// only "has enough time passed since the last log line for this task".
type LogGate struct {
	interval time.Duration

	mu   sync.Mutex
	last map[uint32]time.Time
}

// NewLogGate returns a gate that allows at most one event per key every
// interval.
func NewLogGate(interval time.Duration) *LogGate {
	return &LogGate{interval: interval, last: make(map[uint32]time.Time)}
}

// Allow reports whether a log line for key may be emitted at now, and
// records now as the key's last-emission time if so. Callers pass their own
// clock value (e.g. a TransferTask's own now()) rather than time.Now()
// directly, so tests can drive it deterministically.
func (g *LogGate) Allow(key uint32, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[key]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.last[key] = now
	return true
}

// Forget drops key's last-emission record, called when a task completes so
// the map does not grow unbounded across the process lifetime.
func (g *LogGate) Forget(key uint32) {
	g.mu.Lock()
	delete(g.last, key)
	g.mu.Unlock()
}
