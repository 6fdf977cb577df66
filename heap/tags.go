package heap

import "encoding/binary"

const (
	// wordSize is the width of a boundary tag
	wordSize = 4
	// doubleSize is the alignment unit and the width of a free-list link
	doubleSize = 8
	// overhead is the header plus footer cost carried by every block
	overhead = 8
	// minBlockSize is header + two free-list links + footer. A free block
	// keeps both links inline in its payload, so no block may be smaller.
	minBlockSize = 24

	allocatedBit = uint32(0x1)
	sizeMask     = ^uint32(0x7)
)

// nullBlock is the offset that stands in for a null block pointer. The
// prologue occupies the low words of the arena, so no payload ever sits at 0.
const nullBlock = 0

// pack encodes a block size and its allocated flag into one tag word.
func pack(size int, allocated bool) uint32 {
	tag := uint32(size)
	if allocated {
		tag |= allocatedBit
	}
	return tag
}

func (h *Heap) word(at int) uint32 {
	return binary.LittleEndian.Uint32(h.mem.Bytes()[at:])
}

func (h *Heap) putWord(at int, tag uint32) {
	binary.LittleEndian.PutUint32(h.mem.Bytes()[at:], tag)
}

// headerOf locates the header tag of the block whose payload begins at bp.
func headerOf(bp int) int {
	return bp - wordSize
}

// footerOf locates the footer tag, which sits in the block's last word.
func (h *Heap) footerOf(bp int) int {
	return bp + h.blockSize(bp) - overhead
}

func (h *Heap) blockSize(bp int) int {
	return int(h.word(headerOf(bp)) & sizeMask)
}

func (h *Heap) allocated(bp int) bool {
	return h.word(headerOf(bp))&allocatedBit != 0
}

// writeTags stamps both boundary tags of the block at bp. The footer position
// is derived from the size argument, never from the old header, so callers may
// resize blocks with a single call.
func (h *Heap) writeTags(bp, size int, allocated bool) {
	tag := pack(size, allocated)
	h.putWord(headerOf(bp), tag)
	h.putWord(bp+size-overhead, tag)
}

// nextBlock walks forward to the adjacent block using this block's header.
func (h *Heap) nextBlock(bp int) int {
	return bp + h.blockSize(bp)
}

// prevBlock walks backward to the adjacent block using that block's footer.
func (h *Heap) prevBlock(bp int) int {
	return bp - int(h.word(bp-overhead)&sizeMask)
}

// Free blocks carry their list links in the first 16 payload bytes: the
// forward link at bp, the backward link at bp+8.

func (h *Heap) nextFree(bp int) int {
	return int(binary.LittleEndian.Uint64(h.mem.Bytes()[bp:]))
}

func (h *Heap) prevFree(bp int) int {
	return int(binary.LittleEndian.Uint64(h.mem.Bytes()[bp+doubleSize:]))
}

func (h *Heap) setNextFree(bp, to int) {
	binary.LittleEndian.PutUint64(h.mem.Bytes()[bp:], uint64(to))
}

func (h *Heap) setPrevFree(bp, to int) {
	binary.LittleEndian.PutUint64(h.mem.Bytes()[bp+doubleSize:], uint64(to))
}
