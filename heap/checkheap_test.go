package heap_test

import (
	"bytes"
	"testing"

	"github.com/Otamio/segheap"
	"github.com/Otamio/segheap/heap"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestStatisticsTrackTheHeap(t *testing.T) {
	h := newTestHeap(t, heap.Config{})

	var stats segheap.Statistics
	stats.Clear()
	h.AddStatistics(&stats)

	require.Equal(t, segheap.Statistics{
		HeapBytes:       16 + heap.DefaultChunkSize,
		AllocationCount: 0,
		AllocationBytes: 0,
		FreeBytes:       heap.DefaultChunkSize,
	}, stats)

	p, err := h.Malloc(100)
	require.NoError(t, err)
	require.NotZero(t, p)

	stats.Clear()
	h.AddStatistics(&stats)
	require.Equal(t, segheap.Statistics{
		HeapBytes:       16 + heap.DefaultChunkSize,
		AllocationCount: 1,
		AllocationBytes: 112,
		FreeBytes:       heap.DefaultChunkSize - 112,
	}, stats)
}

func TestDetailedStatisticsTrackExtrema(t *testing.T) {
	h := newTestHeap(t, heap.Config{})

	p, err := h.Malloc(16)
	require.NoError(t, err)
	require.NotZero(t, p)
	q, err := h.Malloc(1000)
	require.NoError(t, err)
	r, err := h.Malloc(16)
	require.NoError(t, err)
	require.NotZero(t, r)

	h.Free(q)

	var stats segheap.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 2, stats.FreeRangeCount)
	require.Equal(t, 24, stats.AllocationSizeMin)
	require.Equal(t, 24, stats.AllocationSizeMax)
	require.Equal(t, 1008, stats.FreeRangeSizeMin)
	require.Equal(t, 48, stats.AllocationBytes)
}

func TestPrintDetailedMap(t *testing.T) {
	h := newTestHeap(t, heap.Config{})

	p, err := h.Malloc(100)
	require.NoError(t, err)
	q, err := h.Malloc(100)
	require.NoError(t, err)
	require.NotZero(t, q)
	h.Free(p)

	w := jwriter.NewWriter()
	h.PrintDetailedMap(&w)
	require.NoError(t, w.Error())

	out := string(w.Bytes())
	require.Contains(t, out, `"TotalBytes":4112`)
	require.Contains(t, out, `"Allocations":1`)
	require.Contains(t, out, `"Blocks":[`)
	require.Contains(t, out, `"Type":"ALLOCATED"`)
	require.Contains(t, out, `"Type":"FREE"`)
}

func TestCheckHeapLogsBlocks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf))

	h := newTestHeap(t, heap.Config{Logger: logger})

	p, err := h.Malloc(100)
	require.NoError(t, err)
	require.NotZero(t, p)

	h.CheckHeap(true)

	out := buf.String()
	require.Contains(t, out, "allocations=1")
	require.Contains(t, out, "allocated=true")
	require.Contains(t, out, "allocated=false")
	require.NotContains(t, out, "heap inconsistency")
}

func TestCheckHeapReportsCorruption(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf))

	mem := heap.NewBrkMemory(1 << 20)
	h := newTestHeap(t, heap.Config{Logger: logger, Memory: mem})

	p, err := h.Malloc(100)
	require.NoError(t, err)

	// Smash the footer tag, which sits just past the payload. The walker must
	// notice the header/footer mismatch.
	mem.Bytes()[p+h.UsableSize(p)] ^= 0xFF

	require.Error(t, h.Validate())

	h.CheckHeap(false)
	require.Contains(t, buf.String(), "heap inconsistency")
}

func TestDebugLogAllAllocationsVisitsEveryLiveBlock(t *testing.T) {
	h := newTestHeap(t, heap.Config{})

	p, err := h.Malloc(100)
	require.NoError(t, err)
	q, err := h.Malloc(200)
	require.NoError(t, err)
	r, err := h.Malloc(300)
	require.NoError(t, err)
	h.Free(q)

	visited := map[int]int{}
	h.DebugLogAllAllocations(nil, func(log *slog.Logger, offset int, size int) {
		visited[offset] = size
	})

	require.Equal(t, map[int]int{p: 112, r: 312}, visited)
}
