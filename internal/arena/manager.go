package arena

import (
	"fmt"
	"sync"
	"time"

	"github.com/detailyang/fastrand-go"
	"github.com/raulk/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maderix/memory-allocator/internal/stats"
)

// reclaimInterval is how often the background reclaimer polls for idle
// arenas. jitterMask samples a small random offset so that multiple
// Allocator instances sharing a process don't all wake in lockstep.
const reclaimInterval = time.Second

const jitterMask = 1<<7 - 1 // up to ~127ms

// Manager owns a sequence of arenas, creates them on demand and, when
// reclamation is enabled, runs a background task that destroys arenas
// that have gone fully idle. The clock is injected rather than calling
// time.Now/time.Sleep directly so the reclaimer is deterministically
// testable.
type Manager struct {
	mu     sync.Mutex
	arenas []*Arena

	pageAlloc   PageAllocator
	stats       *stats.Stats
	defaultSize uint64
	reclaim     bool

	clock  clock.Clock
	logger *zap.Logger

	stop   chan struct{}
	group  *errgroup.Group
	closed bool
}

// NewManager constructs a Manager. defaultSize is the region size used for
// every arena created via CreateArena's zero-size shorthand.
func NewManager(pageAlloc PageAllocator, st *stats.Stats, defaultSize uint64, reclaim bool, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		pageAlloc:   pageAlloc,
		stats:       st,
		defaultSize: defaultSize,
		reclaim:     reclaim,
		clock:       clk,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	if reclaim {
		g := &errgroup.Group{}
		g.Go(m.reclaimLoop)
		m.group = g
	}
	return m
}

// CreateArena allocates a new arena of size bytes (or the manager's
// default size, if size == 0) from the page allocator, appends its handle
// to the manager's sequence and returns it.
func (m *Manager) CreateArena(size uint64) (*Arena, error) {
	if size == 0 {
		size = m.defaultSize
	}
	region, err := m.pageAlloc.AllocatePages(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate arena region of %d bytes: %w", size, err)
	}
	a := newArena(region, m.stats)

	m.mu.Lock()
	m.arenas = append(m.arenas, a)
	count := len(m.arenas)
	m.mu.Unlock()

	m.logger.Info("arena created", zap.Uint64("size", size), zap.Int("arena_count", count))
	return a, nil
}

// Count returns the number of arenas currently owned by the manager.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arenas)
}

func (m *Manager) reclaimLoop() error {
	jitter := time.Duration(fastrand.FastRand()&jitterMask) * time.Millisecond
	timer := m.clock.Timer(jitter)
	select {
	case <-timer.C:
	case <-m.stop:
		return nil
	}

	ticker := m.clock.Ticker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep destroys every arena that reports FullyIdle, in parallel since
// each destroy is independent of the others within one polling tick.
func (m *Manager) sweep() {
	m.mu.Lock()
	var idle []*Arena
	kept := m.arenas[:0:0]
	for _, a := range m.arenas {
		if a.FullyIdle() {
			idle = append(idle, a)
		} else {
			kept = append(kept, a)
		}
	}
	m.arenas = kept
	m.mu.Unlock()

	if len(idle) == 0 {
		return
	}
	var g errgroup.Group
	for _, a := range idle {
		a := a
		g.Go(func() error {
			m.destroy(a)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("reclaimer swept idle arenas", zap.Int("destroyed", len(idle)))
}

func (m *Manager) destroy(a *Arena) {
	a.MarkDestroyed()
	m.pageAlloc.ReleasePages(a.region)
}

// Close signals the background reclaimer to exit, joins it, and destroys
// every remaining arena. The caller must ensure no allocations or frees
// are in flight.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	arenas := m.arenas
	m.arenas = nil
	m.mu.Unlock()

	close(m.stop)
	var err error
	if m.group != nil {
		err = m.group.Wait()
	}
	for _, a := range arenas {
		m.destroy(a)
	}
	m.logger.Info("arena manager closed", zap.Int("arenas_destroyed", len(arenas)))
	return err
}
