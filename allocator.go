package allocator

import (
	"time"
	"unsafe"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/maderix/memory-allocator/internal/arena"
	"github.com/maderix/memory-allocator/internal/dispatcher"
	"github.com/maderix/memory-allocator/internal/stats"
)

// DefaultArenaSize is used when Config.DefaultArenaSize is left zero.
const DefaultArenaSize = 4 << 20 // 4 MiB

// Config parameterizes an Allocator. There are no environment variables
// and no CLI parsing in the core engine; everything the engine needs
// arrives through this struct.
type Config struct {
	// DefaultArenaSize is the region size used for every arena the
	// dispatcher lazily creates. Defaults to DefaultArenaSize.
	DefaultArenaSize uint64
	// ReclamationEnabled turns on the background reclaimer that destroys
	// arenas once they go fully idle. Disabled by default.
	ReclamationEnabled bool
	// Logger receives lifecycle events (arena created/destroyed,
	// reclamation sweeps). Defaults to zap.NewNop().
	Logger *zap.Logger
	// Clock drives the background reclaimer's timing. Defaults to
	// clock.New(). Tests inject clock.NewMock() to exercise reclamation
	// without a real wall-clock wait.
	Clock clock.Clock
	// PageAllocator is the host allocator arenas carve their regions out
	// of. Defaults to a plain Go-heap-backed implementation.
	PageAllocator arena.PageAllocator
}

// StatsSnapshot is a point-in-time read of the allocator's usage counters.
type StatsSnapshot = stats.Snapshot

// Allocator is the top-level handle: allocate(size), free(ptr), a stats
// snapshot, and a Close that joins the reclaimer and releases every
// arena.
type Allocator struct {
	stats      *stats.Stats
	manager    *arena.Manager
	dispatcher *dispatcher.Dispatcher
	reportStop chan struct{}
}

// New constructs an Allocator per cfg. Unset fields take the defaults
// documented on Config.
func New(cfg Config) (*Allocator, error) {
	if cfg.DefaultArenaSize == 0 {
		cfg.DefaultArenaSize = DefaultArenaSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PageAllocator == nil {
		cfg.PageAllocator = arena.NewHeapPageAllocator()
	}

	st := stats.New()
	mgr := arena.NewManager(cfg.PageAllocator, st, cfg.DefaultArenaSize, cfg.ReclamationEnabled, cfg.Clock, cfg.Logger)
	disp := dispatcher.New(mgr, st, cfg.Logger)

	a := &Allocator{
		stats:      st,
		manager:    mgr,
		dispatcher: disp,
		reportStop: make(chan struct{}),
	}
	go st.Report("default", 10*time.Second, a.reportStop)
	return a, nil
}

// Allocate requests a block of at least size bytes. A zero size is
// promoted to 1. Returns (nil, false) on exhaustion.
func (a *Allocator) Allocate(size uint64) (unsafe.Pointer, bool) {
	return a.dispatcher.Allocate(size)
}

// Free returns a previously issued block. A nil pointer is a no-op;
// pointers that fail validation are silently dropped.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	a.dispatcher.Free(ptr)
}

// StatsSnapshot reports the process-wide usage counters.
func (a *Allocator) StatsSnapshot() StatsSnapshot {
	return a.stats.Snapshot()
}

// ArenaCount reports how many arenas the manager currently owns.
func (a *Allocator) ArenaCount() int {
	return a.manager.Count()
}

// Close joins the reclaimer and releases every arena. The caller must
// ensure no allocations or frees are in flight.
func (a *Allocator) Close() error {
	close(a.reportStop)
	return a.manager.Close()
}
