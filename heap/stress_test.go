package heap_test

import (
	"math/rand"
	"testing"

	"github.com/Otamio/segheap/heap"
	"github.com/stretchr/testify/require"
)

type liveAlloc struct {
	offset  int
	size    int
	pattern byte
}

func fillPattern(h *heap.Heap, a liveAlloc) {
	payload := h.Payload(a.offset)[:a.size]
	for i := range payload {
		payload[i] = a.pattern
	}
}

func checkPattern(t *testing.T, h *heap.Heap, a liveAlloc) {
	t.Helper()

	for i, b := range h.Payload(a.offset)[:a.size] {
		if b != a.pattern {
			t.Fatalf("allocation at %d: byte %d is %#x, want %#x", a.offset, i, b, a.pattern)
		}
	}
}

func checkDisjoint(t *testing.T, h *heap.Heap, live []liveAlloc, next liveAlloc) {
	t.Helper()

	for _, a := range live {
		if next.offset < a.offset+h.UsableSize(a.offset) && a.offset < next.offset+h.UsableSize(next.offset) {
			t.Fatalf("allocation at %d overlaps the live allocation at %d", next.offset, a.offset)
		}
	}
}

// TestRandomizedWorkload drives the allocator with a deterministic random mix
// of malloc, free, and realloc, re-validating every invariant as it goes.
func TestRandomizedWorkload(t *testing.T) {
	h := newTestHeap(t, heap.Config{})
	rng := rand.New(rand.NewSource(0x5EE0))

	// Log-uniform sizes in [1, 4096].
	randomSize := func() int {
		return 1 + rng.Intn(1<<(1+rng.Intn(12)))
	}

	var live []liveAlloc
	for op := 0; op < 2000; op++ {
		switch {
		case len(live) == 0 || rng.Intn(100) < 45:
			a := liveAlloc{size: randomSize(), pattern: byte(1 + rng.Intn(255))}

			offset, err := h.Malloc(a.size)
			require.NoError(t, err)
			require.NotZero(t, offset)
			require.Zero(t, offset%8)
			a.offset = offset

			checkDisjoint(t, h, live, a)
			fillPattern(h, a)
			live = append(live, a)

		case rng.Intn(100) < 60:
			i := rng.Intn(len(live))
			checkPattern(t, h, live[i])
			h.Free(live[i].offset)
			live = append(live[:i], live[i+1:]...)

		default:
			i := rng.Intn(len(live))
			checkPattern(t, h, live[i])

			newSize := randomSize()
			offset, err := h.Realloc(live[i].offset, newSize)
			require.NoError(t, err)
			require.NotZero(t, offset)

			preserved := live[i].size
			if newSize < preserved {
				preserved = newSize
			}
			live[i].offset = offset
			live[i].size = preserved
			checkPattern(t, h, live[i])

			live[i].size = newSize
			fillPattern(h, live[i])
		}

		if op%64 == 0 {
			require.NoError(t, h.Validate())
			require.Equal(t, len(live), h.AllocationCount())
		}
	}

	require.NoError(t, h.Validate())

	for _, a := range live {
		checkPattern(t, h, a)
		h.Free(a.offset)
	}
	require.NoError(t, h.Validate())
	require.Equal(t, 0, h.AllocationCount())
}
