// Package metrics tracks build cache counters and latency quantiles.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// defaultRelativeAccuracy is the DDSketch relative accuracy used for latency
// quantiles (1%).
const defaultRelativeAccuracy = 0.01

// Tracker combines hit/miss/put/error counters with per-operation DDSketch
// latency sketches. All methods are safe for concurrent use.
type Tracker struct {
	hits         atomic.Int64
	misses       atomic.Int64
	puts         atomic.Int64
	errors       atomic.Int64
	remoteErrors atomic.Int64

	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewTracker creates a tracker with the default 1% relative accuracy.
func NewTracker() *Tracker {
	return &Tracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: defaultRelativeAccuracy,
	}
}

// Hit counts a cache hit.
func (t *Tracker) Hit() { t.hits.Add(1) }

// Miss counts a cache miss.
func (t *Tracker) Miss() { t.misses.Add(1) }

// Put counts a store operation.
func (t *Tracker) Put() { t.puts.Add(1) }

// Error counts a fatal backend error surfaced to the caller.
func (t *Tracker) Error() { t.errors.Add(1) }

// RemoteError counts a degraded remote failure.
func (t *Tracker) RemoteError() { t.remoteErrors.Add(1) }

// Record adds a duration sample for the given operation, in milliseconds.
func (t *Tracker) Record(operation string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(t.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(t.relativeAccuracy)
		}
		t.sketches[operation] = sketch
	}
	sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Quantile returns the latency value (ms) at quantile q for operation.
func (t *Tracker) Quantile(operation string, q float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[operation]
	if !ok {
		return 0, fmt.Errorf("metrics: no data for operation %q", operation)
	}
	return sketch.GetValueAtQuantile(q)
}

// Latency summarizes one operation's latency sketch, in milliseconds.
type Latency struct {
	Operation string
	Count     int64
	P50       float64
	P99       float64
	Max       float64
}

func (l Latency) String() string {
	return fmt.Sprintf("%s(n=%d p50=%.2fms p99=%.2fms max=%.2fms)",
		l.Operation, l.Count, l.P50, l.P99, l.Max)
}

// Snapshot is a point-in-time copy of a Tracker's state.
type Snapshot struct {
	Hits         int64
	Misses       int64
	Puts         int64
	Errors       int64
	RemoteErrors int64
	Latencies    []Latency
}

// Operations returns the total number of counted cache operations.
func (s Snapshot) Operations() int64 {
	return s.Hits + s.Misses + s.Puts
}

// HitRate returns hits over lookups, or 0 when nothing was looked up.
func (s Snapshot) HitRate() float64 {
	lookups := s.Hits + s.Misses
	if lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(lookups)
}

// Snapshot captures the current counters and latency summaries, sorted by
// operation name.
func (t *Tracker) Snapshot() Snapshot {
	snap := Snapshot{
		Hits:         t.hits.Load(),
		Misses:       t.misses.Load(),
		Puts:         t.puts.Load(),
		Errors:       t.errors.Load(),
		RemoteErrors: t.remoteErrors.Load(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for operation, sketch := range t.sketches {
		count := sketch.GetCount()
		if count == 0 {
			continue
		}
		p50, _ := sketch.GetValueAtQuantile(0.50)
		p99, _ := sketch.GetValueAtQuantile(0.99)
		max, _ := sketch.GetMaxValue()
		snap.Latencies = append(snap.Latencies, Latency{
			Operation: operation,
			Count:     int64(count),
			P50:       p50,
			P99:       p99,
			Max:       max,
		})
	}
	sort.Slice(snap.Latencies, func(i, j int) bool {
		return snap.Latencies[i].Operation < snap.Latencies[j].Operation
	})
	return snap
}
