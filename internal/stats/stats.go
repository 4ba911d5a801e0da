// Package stats implements the allocator's process-wide usage counters.
//
// TotalAllocCalls counts system-level allocations performed (a fresh
// small-cache chunk provisioned from the platform, or an arena allocation
// from its free list) rather than every user-level allocate() that was
// satisfied. A small-cache hit that pops an already-cached block never
// touches this counter.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var gauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "memalloc_stats",
	Help: "Usage counters for the memory allocator",
}, []string{"metric", "pool"})

// Snapshot is an immutable point-in-time read of Stats.
type Snapshot struct {
	TotalAllocCalls  uint64
	TotalFreeCalls   uint64
	CurrentUsedBytes uint64
	PeakUsedBytes    uint64
}

// Stats holds the four process-wide counters. peak >= current holds at
// every update; both alloc and free call counts are monotonic nondecreasing.
type Stats struct {
	totalAllocCalls  atomic.Uint64
	totalFreeCalls   atomic.Uint64
	currentUsedBytes atomic.Uint64
	peakUsedBytes    atomic.Uint64
}

// New returns a zeroed Stats record.
func New() *Stats {
	return &Stats{}
}

// RecordAlloc accounts for a system-level allocation of size bytes and
// advances the peak gauge under a compare-and-swap retry loop.
func (s *Stats) RecordAlloc(size uint64) {
	s.totalAllocCalls.Inc()
	cur := s.currentUsedBytes.Add(size)
	s.bumpPeak(cur)
}

// RecordFree accounts for a system-level free of size bytes.
func (s *Stats) RecordFree(size uint64) {
	s.totalFreeCalls.Inc()
	s.currentUsedBytes.Sub(size)
}

func (s *Stats) bumpPeak(cur uint64) {
	for {
		peak := s.peakUsedBytes.Load()
		if cur <= peak {
			return
		}
		if s.peakUsedBytes.CAS(peak, cur) {
			return
		}
	}
}

// CurrentUsedBytes reads the current-used gauge without taking any lock.
func (s *Stats) CurrentUsedBytes() uint64 {
	return s.currentUsedBytes.Load()
}

// Snapshot takes a consistent-enough read of all four counters. Individual
// fields may be read at slightly different instants under concurrent
// updates; peak >= current still holds at each individual update.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalAllocCalls:  s.totalAllocCalls.Load(),
		TotalFreeCalls:   s.totalFreeCalls.Load(),
		CurrentUsedBytes: s.currentUsedBytes.Load(),
		PeakUsedBytes:    s.peakUsedBytes.Load(),
	}
}

// Report publishes the counters to prometheus under the given pool label
// on a ticker until stop is closed.
func (s *Stats) Report(pool string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := s.Snapshot()
			gauge.WithLabelValues("total_alloc_calls", pool).Set(float64(snap.TotalAllocCalls))
			gauge.WithLabelValues("total_free_calls", pool).Set(float64(snap.TotalFreeCalls))
			gauge.WithLabelValues("current_used_bytes", pool).Set(float64(snap.CurrentUsedBytes))
			gauge.WithLabelValues("peak_used_bytes", pool).Set(float64(snap.PeakUsedBytes))
		}
	}
}
