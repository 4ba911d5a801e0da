// Package smallcache implements a per-goroutine, size-segregated
// small-block cache for requests of 256 bytes or fewer. It never blocks
// and is never touched by more than one goroutine, so it carries no
// mutex; only the dispatcher that owns a Cache instance may call it.
package smallcache

import (
	"unsafe"

	"github.com/maderix/memory-allocator/internal/arena"
	"github.com/maderix/memory-allocator/internal/stats"
)

// Bins is the fixed, ordered table of bin sizes.
var Bins = [4]uint64{32, 64, 128, 256}

const maxSmall = 256

// header sits at the low end of every small block's backing chunk.
// BinIndex is authoritative for free; UserSize is informational only.
type header struct {
	BinIndex uint32
	UserSize uint64
	next     int64 // free-list link; valid only while the block is cached
}

// markerSize matches arena.markerSize: small blocks carry the same
// discriminator-and-padding marker immediately before the payload so the
// dispatcher's Free can read the kind byte uniformly regardless of which
// cache allocated the block.
const markerSize = 5

var headerSize = int64(unsafe.Sizeof(header{}))

// Cache holds one LIFO free list per bin and the backing chunks it has
// provisioned from the platform allocator. Each chunk holds exactly one
// block. Zero value is not ready to use; construct with New.
type Cache struct {
	bins  [4]int64 // index into chunks of the bin's LIFO head, -1 if empty
	pages [][]byte
}

// New returns an empty Cache with every bin list initialized empty.
func New() *Cache {
	return &Cache{bins: [4]int64{-1, -1, -1, -1}}
}

// binFor returns the smallest index i with Bins[i] >= size, or -1 if
// size exceeds the largest bin.
func binFor(size uint64) int {
	for i, b := range Bins {
		if b >= size {
			return i
		}
	}
	return -1
}

func (c *Cache) headerOf(page int) *header {
	return (*header)(unsafe.Pointer(&c.pages[page][0]))
}

func (c *Cache) payloadOf(page int) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(&c.pages[page][0]), headerSize+markerSize)
}

// Allocate returns a block from the smallest bin that fits size. Returns
// (nil, false) when size exceeds the largest bin; the caller should fall
// back to the arena.
func (c *Cache) Allocate(size uint64, st *stats.Stats) (unsafe.Pointer, bool) {
	if size > maxSmall {
		return nil, false
	}
	i := binFor(size)
	if c.bins[i] != -1 {
		page := int(c.bins[i])
		h := c.headerOf(page)
		c.bins[i] = h.next
		h.UserSize = size
		return c.payloadOf(page), true
	}

	blockSize := headerSize + markerSize + int64(Bins[i])
	c.pages = append(c.pages, make([]byte, blockSize))
	page := len(c.pages) - 1

	h := c.headerOf(page)
	h.BinIndex = uint32(i)
	h.UserSize = size

	ptr := c.payloadOf(page)
	writeSmallMarker(ptr)

	st.RecordAlloc(uint64(blockSize))
	return ptr, true
}

// Free returns a block to its bin's free list. ptr must be a pointer
// previously returned by Allocate on this same Cache; the dispatcher is
// responsible for routing only such pointers here.
func (c *Cache) Free(ptr unsafe.Pointer, st *stats.Stats) {
	page, ok := c.locate(ptr)
	if !ok {
		return
	}
	h := c.headerOf(page)
	if h.BinIndex >= uint32(len(Bins)) {
		return
	}
	st.RecordFree(uint64(headerSize+markerSize) + Bins[h.BinIndex])

	h.next = c.bins[h.BinIndex]
	c.bins[h.BinIndex] = int64(page)
}

// locate recovers the chunk index a payload pointer belongs to by
// scanning the cache's own chunks. O(pages), but the page count is bounded
// by how many distinct bin-exhaustion events this one goroutine has ever
// triggered, which stays small under the ephemeral-allocation workload
// this allocator targets (freed blocks are reused from the bin, not
// reallocated as fresh chunks).
func (c *Cache) locate(ptr unsafe.Pointer) (int, bool) {
	target := uintptr(ptr)
	for i, page := range c.pages {
		base := uintptr(unsafe.Pointer(&page[0]))
		if target == base+uintptr(headerSize+markerSize) {
			return i, true
		}
	}
	return 0, false
}

func writeSmallMarker(ptr unsafe.Pointer) {
	*(*byte)(unsafe.Add(ptr, -1)) = byte(arena.KindSmall)
	*(*uint32)(unsafe.Add(ptr, -5)) = 0
}
