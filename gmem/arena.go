// Package gmem models a flat guest physical memory region. Drivers carve
// statically-sized buffers and ring areas out of an Arena at init time, and
// the device side addresses the same region by physical address.
package gmem

import (
	"io"

	"github.com/pkg/errors"
)

// ErrArenaFull is returned by Alloc when the arena can't satisfy a request.
var ErrArenaFull = errors.New("gmem: arena full")

// ErrBadAddress is returned when an access falls outside the arena.
var ErrBadAddress = errors.New("gmem: address out of range")

// Arena is a bump allocator over a fixed block of guest memory. Allocations
// are never freed: everything is carved out once during device bring-up and
// reused for the life of the machine.
type Arena struct {
	base uint64
	buf  []byte
	next uint64
}

var (
	_ io.ReaderAt = (*Arena)(nil)
	_ io.WriterAt = (*Arena)(nil)
)

// New creates an arena of the given size, addressed starting at base.
func New(base uint64, size int) *Arena {
	return &Arena{
		base: base,
		buf:  make([]byte, size),
	}
}

// Base returns the lowest address of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}

// Alloc reserves size bytes aligned to align and returns the address of the
// reservation. Align must be a power of two.
func (a *Arena) Alloc(size int, align int) (uint64, error) {
	if size <= 0 {
		return 0, errors.Wrapf(ErrBadAddress, "alloc %d bytes", size)
	}

	if align <= 0 || align&(align-1) != 0 {
		return 0, errors.Errorf("gmem: bad alignment %d", align)
	}

	off := (a.next + uint64(align) - 1) &^ (uint64(align) - 1)
	if off+uint64(size) > uint64(len(a.buf)) {
		return 0, errors.Wrapf(ErrArenaFull, "alloc %d bytes align %d", size, align)
	}

	a.next = off + uint64(size)
	return a.base + off, nil
}

// Bytes returns a view of n bytes of guest memory starting at addr. The
// view aliases the arena: writes through it are visible to both sides.
func (a *Arena) Bytes(addr uint64, n int) ([]byte, error) {
	if addr < a.base || n < 0 {
		return nil, errors.Wrapf(ErrBadAddress, "addr %#x len %d", addr, n)
	}

	off := addr - a.base
	if off+uint64(n) > uint64(len(a.buf)) {
		return nil, errors.Wrapf(ErrBadAddress, "addr %#x len %d", addr, n)
	}

	return a.buf[off : off+uint64(n) : off+uint64(n)], nil
}

// ReadAt reads guest memory. The offset is a physical address.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	b, err := a.Bytes(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt writes guest memory. The offset is a physical address.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	b, err := a.Bytes(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}
