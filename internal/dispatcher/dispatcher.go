// Package dispatcher lazily binds each calling goroutine to one arena and
// one small-block cache, routing each allocate by size and each free by
// the discriminator byte immediately preceding the user pointer.
//
// Free assumes the same goroutine that allocated a block is the one that
// frees it: a free is always serviced by the calling goroutine's own
// bound local data, not by whichever arena actually produced the block.
// This is not hardened against cross-thread frees.
package dispatcher

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"

	arenapkg "github.com/maderix/memory-allocator/internal/arena"
	"github.com/maderix/memory-allocator/internal/smallcache"
	"github.com/maderix/memory-allocator/internal/stats"
)

const smallThreshold = 256

// defaultAlignment approximates the platform's maximum scalar alignment,
// using complex128's alignment as the stand-in for the widest scalar type
// Go exposes without cgo.
const defaultAlignment = unsafe.Alignof(complex128(0))

type local struct {
	arena *arenapkg.Arena
	cache *smallcache.Cache
}

// Dispatcher is the sole mutator of every goroutine's local data.
type Dispatcher struct {
	manager *arenapkg.Manager
	stats   *stats.Stats
	logger  *zap.Logger
	locals  sync.Map // uint64 goroutine id -> *local
}

// New constructs a Dispatcher bound to manager for arena creation/rebind
// and st for statistics.
func New(manager *arenapkg.Manager, st *stats.Stats, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{manager: manager, stats: st, logger: logger}
}

// bind returns the calling goroutine's local data, lazily creating it (and
// its arena, via the manager) on first touch, and rebinds to a fresh
// arena if the one it was using has since been reclaimed.
func (d *Dispatcher) bind() (*local, bool) {
	id := goroutineID()
	if v, ok := d.locals.Load(id); ok {
		loc := v.(*local)
		if loc.arena.Destroyed() {
			a, err := d.manager.CreateArena(0)
			if err != nil {
				d.logger.Error("failed to rebind goroutine to a fresh arena", zap.Error(err))
				return nil, false
			}
			loc.arena = a
		}
		return loc, true
	}

	a, err := d.manager.CreateArena(0)
	if err != nil {
		d.logger.Error("failed to create arena for new goroutine", zap.Error(err))
		return nil, false
	}
	loc := &local{arena: a, cache: smallcache.New()}
	d.locals.Store(id, loc)
	return loc, true
}

// Allocate returns a block of at least size bytes. A zero size is
// promoted to 1 so that every allocation has a distinct address.
func (d *Dispatcher) Allocate(size uint64) (unsafe.Pointer, bool) {
	if size == 0 {
		size = 1
	}
	loc, ok := d.bind()
	if !ok {
		return nil, false
	}
	if size <= smallThreshold {
		return loc.cache.Allocate(size, d.stats)
	}
	return loc.arena.Allocate(size, defaultAlignment)
}

// Free returns a previously issued block. A null pointer is a no-op;
// otherwise the discriminator byte immediately preceding ptr decides
// between small-cache and arena disposal.
func (d *Dispatcher) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	loc, ok := d.bind()
	if !ok {
		return
	}
	switch arenapkg.ReadKind(ptr) {
	case arenapkg.KindArena:
		loc.arena.Deallocate(ptr)
	case arenapkg.KindSmall:
		loc.cache.Free(ptr, d.stats)
	}
}
