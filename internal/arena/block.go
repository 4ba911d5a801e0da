package arena

import "unsafe"

// Magic is the boundary-tag sentinel stamped into every arena block's
// header and footer.
const Magic uint32 = 0xCAFEBABE

// Kind is the one-byte discriminator written immediately before every
// user pointer (at ptr-1), identifying which allocator owns the block so
// that a free() can route to the right one without inspecting the block
// header.
type Kind byte

const (
	KindArena Kind = 0xA5
	KindSmall Kind = 0x5A
)

// marker is the fixed 5-byte tail written immediately before every user
// pointer: padding (alignment slack between the header and this marker,
// meaningless for small blocks) followed by the one-byte kind
// discriminator. Its address relative to ptr never depends on knowing
// where the block's header lives, so a free() can read it first and use
// the padding field to step back to the header.
const markerSize = 5

func markerKindAddr(ptr unsafe.Pointer) *byte {
	return (*byte)(unsafe.Add(ptr, -1))
}

func markerPaddingAddr(ptr unsafe.Pointer) *uint32 {
	return (*uint32)(unsafe.Add(ptr, -5))
}

func writeMarker(ptr unsafe.Pointer, kind Kind, padding uint32) {
	*markerPaddingAddr(ptr) = padding
	*markerKindAddr(ptr) = byte(kind)
}

// ReadKind reads the discriminator byte immediately preceding ptr. This is
// the single operation the dispatcher needs to decide between small-cache
// and arena disposal in Free.
func ReadKind(ptr unsafe.Pointer) Kind {
	return Kind(*markerKindAddr(ptr))
}

// blockHeader sits at a block's low address and carries everything the
// boundary tag needs: the magic sentinel, whether the block is free, its
// total size including overhead, the caller's requested size, and the
// alignment padding inserted before the payload.
type blockHeader struct {
	Magic     uint32
	IsFree    bool
	TotalSize uint64
	UserSize  uint64
	Padding   uint32
}

// blockFooter sits at header_address + total_size - sizeof(footer).
type blockFooter struct {
	Magic     uint32
	IsFree    bool
	TotalSize uint64
}

// freeNode is the singly linked free-list link a free block stores in the
// first word of its payload. Next is a byte offset into the arena's
// region rather than a raw pointer, with -1 meaning "no next".
type freeNode struct {
	Next int64
}

var (
	headerSize = int64(unsafe.Sizeof(blockHeader{}))
	footerSize = int64(unsafe.Sizeof(blockFooter{}))
	nodeSize   = int64(unsafe.Sizeof(freeNode{}))
)

func headerAt(region []byte, off int64) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&region[off]))
}

func footerAt(region []byte, headerOff int64, totalSize uint64) *blockFooter {
	return (*blockFooter)(unsafe.Pointer(&region[headerOff+int64(totalSize)-footerSize]))
}

func freeNodeAt(region []byte, headerOff int64) *freeNode {
	return (*freeNode)(unsafe.Pointer(&region[headerOff+headerSize]))
}

func payloadAddr(region []byte, headerOff int64, padding uint32) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(&region[0]), headerOff+headerSize+int64(padding)+markerSize)
}

// headerOffsetFromPtr reverses payloadAddr + writeMarker: reads the
// padding stashed in the marker immediately preceding ptr and steps back
// to the header's offset within region.
func headerOffsetFromPtr(region []byte, ptr unsafe.Pointer) int64 {
	padding := *markerPaddingAddr(ptr)
	base := uintptr(unsafe.Pointer(&region[0]))
	p := uintptr(ptr)
	return int64(p-base) - markerSize - int64(padding) - headerSize
}

func writeFreeBlock(region []byte, off int64, totalSize uint64) {
	h := headerAt(region, off)
	h.Magic = Magic
	h.IsFree = true
	h.TotalSize = totalSize
	h.UserSize = 0
	h.Padding = 0
	f := footerAt(region, off, totalSize)
	f.Magic = Magic
	f.IsFree = true
	f.TotalSize = totalSize
}
