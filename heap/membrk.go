package heap

import (
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned when the backing arena cannot be grown any further.
var ErrOutOfMemory = errors.New("out of memory")

// Memory is the sole source of raw heap bytes. It models an sbrk-style
// break: the region [Low, High) grows monotonically at its high end and is
// never returned. All block pointers handed out by Heap are byte offsets
// into Bytes; offset 0 is reserved as the null block pointer, which the
// prologue guarantees can never collide with a real payload.
type Memory interface {
	// Sbrk grows the high end of the region by incr bytes and returns the old
	// break. The region is left unchanged on error. Sbrk must return an
	// 8-aligned offset when every increment it has seen is a multiple of 8.
	Sbrk(incr int) (int, error)
	// Bytes exposes every byte in [Low, High). The returned slice must remain
	// valid across later Sbrk calls.
	Bytes() []byte
	// Low returns the offset of the first byte of the region
	Low() int
	// High returns the current break
	High() int
}

// BrkMemory is the default Memory: a fixed-capacity arena with a break index.
// The backing array is allocated up front and never moves, so payload slices
// taken from it stay valid while the heap grows.
type BrkMemory struct {
	buf []byte
	brk int
}

var _ Memory = &BrkMemory{}

// NewBrkMemory creates an arena that can grow up to limit bytes. limit should
// be a multiple of 8.
func NewBrkMemory(limit int) *BrkMemory {
	return &BrkMemory{
		buf: make([]byte, limit),
	}
}

func (m *BrkMemory) Sbrk(incr int) (int, error) {
	if incr < 0 {
		return 0, errors.Errorf("cannot shrink the heap by %d bytes", -incr)
	}
	if m.brk+incr > len(m.buf) {
		return 0, errors.Wrapf(ErrOutOfMemory, "break at %d cannot advance by %d bytes with an arena limit of %d", m.brk, incr, len(m.buf))
	}

	oldBrk := m.brk
	m.brk += incr
	return oldBrk, nil
}

func (m *BrkMemory) Bytes() []byte {
	return m.buf[:m.brk]
}

func (m *BrkMemory) Low() int {
	return 0
}

func (m *BrkMemory) High() int {
	return m.brk
}
