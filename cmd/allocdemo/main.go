// Command allocdemo is a small interactive harness for exercising an
// Allocator by hand.
package main

import (
	"fmt"
	"math/rand"
	"unsafe"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	allocator "github.com/maderix/memory-allocator"
)

type demoArgs struct {
	ArenaSize   uint64 `arg:"--arena_size" default:"4194304"`
	Reclamation bool   `arg:"--reclamation" default:"true"`
	NumOps      int    `arg:"--num_ops" default:"100000"`
	RingSlots   int    `arg:"--ring_slots" default:"500"`
}

func main() {
	var args demoArgs
	arg.MustParse(&args)

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	a, err := allocator.New(allocator.Config{
		DefaultArenaSize:   args.ArenaSize,
		ReclamationEnabled: args.Reclamation,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("failed to construct allocator", zap.Error(err))
	}
	defer a.Close()

	runEphemeralRing(a, args.RingSlots, args.NumOps)

	snap := a.StatsSnapshot()
	fmt.Printf("alloc_calls=%d free_calls=%d current=%d peak=%d arenas=%d\n",
		snap.TotalAllocCalls, snap.TotalFreeCalls, snap.CurrentUsedBytes, snap.PeakUsedBytes, a.ArenaCount())
}

type slot struct {
	ptr unsafe.Pointer
	ttl int
}

// runEphemeralRing drives a ring of slots, each holding a short-lived
// allocation with a TTL, to exercise the allocator under a steady mix of
// allocate/free traffic.
func runEphemeralRing(a *allocator.Allocator, slots, ops int) {
	ring := make([]slot, slots)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < ops; i++ {
		idx := i % slots
		s := &ring[idx]
		if s.ptr == nil {
			size, ttl := sampleRequest(rng)
			ptr, ok := a.Allocate(size)
			if ok {
				s.ptr, s.ttl = ptr, ttl
			}
			continue
		}
		s.ttl--
		if s.ttl <= 0 {
			a.Free(s.ptr)
			s.ptr = nil
		}
	}
	for i := range ring {
		if ring[i].ptr != nil {
			a.Free(ring[i].ptr)
			ring[i].ptr = nil
		}
	}
}

func sampleRequest(rng *rand.Rand) (size uint64, ttl int) {
	ttl = 50 + rng.Intn(1951)
	switch r := rng.Float64(); {
	case r < 0.6:
		return uint64(16 + rng.Intn(241)), ttl
	case r < 0.9:
		return uint64(512 + rng.Intn(1537)), ttl
	default:
		return uint64(4096 + rng.Intn(28673)), ttl
	}
}
