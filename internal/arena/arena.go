// Package arena implements a boundary-tagged heap over one contiguous
// region (Arena) and the manager that owns a sequence of such arenas,
// creating them on demand and reclaiming the ones that go fully idle.
package arena

import (
	"sync"
	"unsafe"

	"go.uber.org/atomic"

	"github.com/maderix/memory-allocator/internal/stats"
)

// overhead is the fixed per-block cost before any padding or marker:
// header + footer.
var overhead = headerSize + footerSize

// minFreeBlock is the smallest total size a block may shrink to and still
// host both boundary tags and a free-list link; splitting refuses to leave
// a remainder smaller than this.
var minFreeBlock = overhead + nodeSize

// Arena is a contiguous byte region managed with boundary-tagged blocks, a
// first-fit free list, splitting on allocation and immediate bidirectional
// coalescing on free.
type Arena struct {
	mu        sync.Mutex
	region    []byte
	freeHead  int64 // offset of first free block's header; -1 means none.
	usedBytes atomic.Uint64
	destroyed atomic.Bool
	stats     *stats.Stats
}

// newArena wraps region (already sized and zeroed by the caller's page
// allocator) as a single free block spanning it.
func newArena(region []byte, st *stats.Stats) *Arena {
	a := &Arena{region: region, stats: st}
	writeFreeBlock(region, 0, uint64(len(region)))
	a.freeHead = 0
	freeNodeAt(region, 0).Next = -1
	return a
}

// Allocate searches the free list first-fit for a block that can satisfy
// reqSize at the given alignment, splitting the remainder back into the
// free list when there's enough left over to host another block. Returns
// (nil, false) on exhaustion; the arena never partially allocates.
func (a *Arena) Allocate(reqSize uint64, alignment uintptr) (unsafe.Pointer, bool) {
	if reqSize == 0 {
		reqSize = 1
	}
	if alignment == 0 {
		alignment = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev := int64(-1)
	cur := a.freeHead
	for cur != -1 {
		h := headerAt(a.region, cur)
		payloadStart := cur + headerSize
		padding := computePadding(a.region, payloadStart, alignment)
		needed := overhead + int64(padding) + markerSize + int64(reqSize)
		if needed < minFreeBlock {
			// Every committed block, not just free ones, must be able to
			// host a free-list link once it is freed again.
			needed = minFreeBlock
		}
		if int64(h.TotalSize) >= needed {
			a.unlinkFree(prev, cur)
			a.carveAndCommit(cur, needed, uint32(padding), reqSize)
			ptr := payloadAddr(a.region, cur, uint32(padding))
			writeMarker(ptr, KindArena, uint32(padding))
			a.usedBytes.Add(headerAt(a.region, cur).TotalSize)
			a.stats.RecordAlloc(headerAt(a.region, cur).TotalSize)
			return ptr, true
		}
		prev = cur
		cur = freeNodeAt(a.region, cur).Next
	}
	return nil, false
}

// computePadding returns the smallest padding >= 0 such that
// payloadStart+padding+markerSize lands the user pointer at a multiple of
// alignment.
func computePadding(region []byte, payloadStart int64, alignment uintptr) uintptr {
	base := uintptr(unsafe.Pointer(&region[0]))
	want := base + uintptr(payloadStart) + markerSize
	rem := want % alignment
	if rem == 0 {
		return 0
	}
	return alignment - rem
}

// carveAndCommit shrinks the block at off to exactly needed bytes if
// there's enough remainder to host another free block, otherwise consumes
// it whole, then stamps it allocated.
func (a *Arena) carveAndCommit(off int64, needed int64, padding uint32, reqSize uint64) {
	h := headerAt(a.region, off)
	total := int64(h.TotalSize)
	if total-needed >= minFreeBlock {
		tailOff := off + needed
		tailSize := uint64(total - needed)
		writeFreeBlock(a.region, tailOff, tailSize)
		freeNodeAt(a.region, tailOff).Next = a.freeHead
		a.freeHead = tailOff
		h.TotalSize = uint64(needed)
	}
	h.Magic = Magic
	h.IsFree = false
	h.UserSize = reqSize
	h.Padding = padding
	f := footerAt(a.region, off, h.TotalSize)
	f.Magic = Magic
	f.IsFree = false
	f.TotalSize = h.TotalSize
}

// unlinkFree splices the free block at cur (whose free-list predecessor is
// prev, or -1 if it was the head) out of the list.
func (a *Arena) unlinkFree(prev, cur int64) {
	next := freeNodeAt(a.region, cur).Next
	if prev == -1 {
		a.freeHead = next
	} else {
		freeNodeAt(a.region, prev).Next = next
	}
}

// insertFree pushes the block at off onto the free-list head.
func (a *Arena) insertFree(off int64) {
	freeNodeAt(a.region, off).Next = a.freeHead
	a.freeHead = off
}

// removeFreeAt walks the free list to splice out a specific offset found
// during coalescing, where the caller doesn't already know its
// predecessor.
func (a *Arena) removeFreeAt(target int64) {
	if a.freeHead == target {
		a.freeHead = freeNodeAt(a.region, target).Next
		return
	}
	cur := a.freeHead
	for cur != -1 {
		next := freeNodeAt(a.region, cur).Next
		if next == target {
			freeNodeAt(a.region, cur).Next = freeNodeAt(a.region, target).Next
			return
		}
		cur = next
	}
}

// Deallocate validates ptr's header, marks the block free, pushes it onto
// the free list and performs immediate bidirectional coalescing. Invalid
// frees (wrong magic, already free) are silently dropped without touching
// statistics.
func (a *Arena) Deallocate(ptr unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	off := headerOffsetFromPtr(a.region, ptr)
	if off < 0 || off >= int64(len(a.region)) {
		return
	}
	h := headerAt(a.region, off)
	if h.Magic != Magic || h.IsFree {
		return
	}

	total := h.TotalSize
	h.IsFree = true
	f := footerAt(a.region, off, total)
	f.IsFree = true

	a.usedBytes.Sub(total)
	a.stats.RecordFree(total)

	a.insertFree(off)
	a.coalesceForward(off)
	a.coalesceBackward(off)
}

// coalesceForward merges the free block at off with its immediate
// successor if that successor is also free.
func (a *Arena) coalesceForward(off int64) {
	h := headerAt(a.region, off)
	nextOff := off + int64(h.TotalSize)
	if nextOff >= int64(len(a.region)) {
		return
	}
	nh := headerAt(a.region, nextOff)
	if nh.Magic != Magic || !nh.IsFree {
		return
	}
	a.removeFreeAt(nextOff)
	h.TotalSize += nh.TotalSize
	f := footerAt(a.region, off, h.TotalSize)
	f.Magic, f.IsFree, f.TotalSize = Magic, true, h.TotalSize
}

// coalesceBackward merges the free block at off with its immediate
// predecessor if that predecessor is also free, located via the
// predecessor's footer (which sits exactly at off-footerSize).
func (a *Arena) coalesceBackward(off int64) {
	if off-footerSize < 0 {
		return
	}
	pf := (*blockFooter)(unsafe.Pointer(&a.region[off-footerSize]))
	if pf.Magic != Magic || !pf.IsFree {
		return
	}
	prevOff := off - int64(pf.TotalSize)
	if prevOff < 0 {
		return
	}
	ph := headerAt(a.region, prevOff)
	if ph.Magic != Magic || !ph.IsFree {
		return
	}
	a.removeFreeAt(off)
	ph.TotalSize += headerAt(a.region, off).TotalSize
	f := footerAt(a.region, prevOff, ph.TotalSize)
	f.Magic, f.IsFree, f.TotalSize = Magic, true, ph.TotalSize
}

// FullyIdle reports used_bytes == 0, i.e. the arena is a single free block
// spanning the region. Called only by the reclaimer.
func (a *Arena) FullyIdle() bool {
	return a.usedBytes.Load() == 0
}

// UsedBytes reads the used-bytes hint without taking the arena's mutex.
// The reclaimer polls it to decide which arenas have gone idle.
func (a *Arena) UsedBytes() uint64 {
	return a.usedBytes.Load()
}

// MarkDestroyed flags the arena as reclaimed, so that a dispatcher holding
// a stale reference to it knows to rebind to a fresh one instead of
// allocating from torn-down memory.
func (a *Arena) MarkDestroyed() {
	a.destroyed.Store(true)
}

// Destroyed reports whether MarkDestroyed has been called.
func (a *Arena) Destroyed() bool {
	return a.destroyed.Load()
}

// FreeBlockInfo is one entry of DebugFreeList's snapshot.
type FreeBlockInfo struct {
	Offset int64
	Size   uint64
}

// DebugFreeList returns a snapshot of the free list's (offset, size)
// pairs in traversal order, for tests and diagnostics.
func (a *Arena) DebugFreeList() []FreeBlockInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []FreeBlockInfo
	cur := a.freeHead
	for cur != -1 {
		h := headerAt(a.region, cur)
		out = append(out, FreeBlockInfo{Offset: cur, Size: h.TotalSize})
		cur = freeNodeAt(a.region, cur).Next
	}
	return out
}
