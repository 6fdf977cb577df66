package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/Otamio/segheap"
	"golang.org/x/exp/slog"
)

// Validate performs internal consistency checks across the whole heap: the
// sentinel shape, every block's boundary tags, the coalescing invariant, and
// the integrity of each segregated free list. When the allocator is
// functioning correctly it cannot return an error, but it is the sole
// diagnostic for client-side corruption.
func (h *Heap) Validate() error {
	if !h.initialized {
		return nil
	}

	if h.blockSize(h.heapStart) != overhead || !h.allocated(h.heapStart) {
		return errors.Errorf("bad prologue at offset %d: size %d, allocated %t", h.heapStart, h.blockSize(h.heapStart), h.allocated(h.heapStart))
	}

	// Walk the heap by header sizes, prologue to epilogue.
	freeSeen := map[int]bool{}
	walkFreeCount := 0
	walkAllocCount := 0
	prevWasFree := false

	bp := h.nextBlock(h.heapStart)
	for ; h.blockSize(bp) > 0; bp = h.nextBlock(bp) {
		if bp%doubleSize != 0 {
			return errors.Errorf("block at offset %d is not 8-byte aligned", bp)
		}

		size := h.blockSize(bp)
		if size%doubleSize != 0 || size < minBlockSize {
			return errors.Errorf("block at offset %d has invalid size %d", bp, size)
		}
		if bp+size > h.mem.High() {
			return errors.Errorf("block at offset %d with size %d runs past the break at %d", bp, size, h.mem.High())
		}
		if h.word(headerOf(bp)) != h.word(h.footerOf(bp)) {
			return errors.Errorf("block at offset %d: header %#x does not match footer %#x", bp, h.word(headerOf(bp)), h.word(h.footerOf(bp)))
		}

		if h.allocated(bp) {
			walkAllocCount++
			prevWasFree = false

			trackedSize, ok := h.live.Get(bp)
			if !ok {
				return errors.Errorf("allocated block at offset %d is missing from the live registry", bp)
			}
			if trackedSize != size-overhead {
				return errors.Errorf("allocated block at offset %d has payload %d but the live registry recorded %d", bp, size-overhead, trackedSize)
			}
		} else {
			if prevWasFree {
				return errors.Errorf("adjacent free blocks ending at offset %d escaped coalescing", bp)
			}
			prevWasFree = true

			freeSeen[bp] = false
			walkFreeCount++

			if !segheap.ValidatePoisonValue(h.poisonRegion(bp)) {
				return errors.Errorf("free block at offset %d was written to after being freed", bp)
			}
		}
	}

	if h.blockSize(bp) != 0 || !h.allocated(bp) {
		return errors.Errorf("bad epilogue at offset %d: size %d, allocated %t", bp, h.blockSize(bp), h.allocated(bp))
	}
	if headerOf(bp)+wordSize != h.mem.High() {
		return errors.Errorf("epilogue header at offset %d does not sit at the break %d", headerOf(bp), h.mem.High())
	}

	// Walk every class list and reconcile against the heap walk.
	listCount := 0
	for class, root := range h.roots {
		prev := nullBlock
		for fp := root; fp != nullBlock; fp = h.nextFree(fp) {
			if fp < h.mem.Low() || fp >= h.mem.High() {
				return errors.Errorf("free-list link %d in class %d points outside the heap", fp, class)
			}
			if h.allocated(fp) {
				return errors.Errorf("block at offset %d is in the class %d list but is not free", fp, class)
			}
			if h.prevFree(fp) != prev {
				return errors.Errorf("block at offset %d lists %d as its previous free block, but %d links to it", fp, h.prevFree(fp), prev)
			}
			if c := classIndex(h.bounds, h.blockSize(fp)); c != class {
				return errors.Errorf("block at offset %d with size %d belongs in class %d but is filed in class %d", fp, h.blockSize(fp), c, class)
			}

			onList, inWalk := freeSeen[fp]
			if !inWalk {
				return errors.Errorf("free-list block at offset %d was not found by the heap walk", fp)
			}
			if onList {
				return errors.Errorf("block at offset %d appears on more than one free list", fp)
			}
			freeSeen[fp] = true

			listCount++
			prev = fp
		}
	}

	if listCount != walkFreeCount {
		return errors.Errorf("the heap walk found %d free blocks but the class lists hold %d", walkFreeCount, listCount)
	}
	if walkAllocCount != h.allocCount {
		return errors.Errorf("the allocation count is %d, but the heap walk found %d allocated blocks", h.allocCount, walkAllocCount)
	}
	if h.live.Count() != h.allocCount {
		return errors.Errorf("the allocation count is %d, but the live registry holds %d entries", h.allocCount, h.live.Count())
	}

	return nil
}

// CheckHeap walks the heap and reports any invariant violation through the
// configured logger. With verbose set it also logs one line per block.
func (h *Heap) CheckHeap(verbose bool) {
	if !h.initialized {
		h.logger.Info("heap is uninitialized")
		return
	}

	if verbose {
		h.logger.Info("heap",
			slog.Int("low", h.mem.Low()),
			slog.Int("high", h.mem.High()),
			slog.Int("allocations", h.allocCount))

		for bp := h.heapStart; h.blockSize(bp) > 0; bp = h.nextBlock(bp) {
			h.logger.Info("block",
				slog.Int("offset", bp),
				slog.Int("size", h.blockSize(bp)),
				slog.Bool("allocated", h.allocated(bp)))
		}
	}

	if err := h.Validate(); err != nil {
		h.logger.Error("heap inconsistency", slog.Any("error", err))
	}
}

// DebugLogAllAllocations walks every outstanding allocation, invoking logFunc
// for each. Useful for reporting leaked blocks at the end of a workload.
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	if !h.initialized {
		return
	}

	for bp := h.nextBlock(h.heapStart); h.blockSize(bp) > 0; bp = h.nextBlock(bp) {
		if h.allocated(bp) {
			logFunc(logger, bp, h.blockSize(bp))
		}
	}
}

// AddStatistics sums this heap's usage into the provided statistics.
func (h *Heap) AddStatistics(stats *segheap.Statistics) {
	if !h.initialized {
		return
	}

	stats.HeapBytes += h.mem.High() - h.mem.Low()
	stats.AllocationCount += h.allocCount

	for bp := h.nextBlock(h.heapStart); h.blockSize(bp) > 0; bp = h.nextBlock(bp) {
		if h.allocated(bp) {
			stats.AllocationBytes += h.blockSize(bp)
		} else {
			stats.FreeBytes += h.blockSize(bp)
		}
	}
}

// AddDetailedStatistics sums this heap's usage, free-range counts, and size
// extrema into the provided statistics.
func (h *Heap) AddDetailedStatistics(stats *segheap.DetailedStatistics) {
	if !h.initialized {
		return
	}

	stats.HeapBytes += h.mem.High() - h.mem.Low()

	for bp := h.nextBlock(h.heapStart); h.blockSize(bp) > 0; bp = h.nextBlock(bp) {
		if h.allocated(bp) {
			stats.AddAllocation(h.blockSize(bp))
		} else {
			stats.AddFreeRange(h.blockSize(bp))
		}
	}
}

// PrintDetailedMap writes a JSON description of the heap - a summary header
// plus one entry per block - to the provided writer.
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	var stats segheap.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	obj.Name("TotalBytes").Int(stats.HeapBytes)
	obj.Name("UnusedBytes").Int(stats.FreeBytes)
	obj.Name("Allocations").Int(stats.AllocationCount)
	obj.Name("FreeRanges").Int(stats.FreeRangeCount)

	if !h.initialized {
		return
	}

	blocks := obj.Name("Blocks").Array()
	defer blocks.End()

	for bp := h.nextBlock(h.heapStart); h.blockSize(bp) > 0; bp = h.nextBlock(bp) {
		blockObj := blocks.Object()

		blockObj.Name("Offset").Int(bp)
		blockObj.Name("Size").Int(h.blockSize(bp))
		if h.allocated(bp) {
			blockObj.Name("Type").String("ALLOCATED")
		} else {
			blockObj.Name("Type").String("FREE")
		}

		blockObj.End()
	}
}
