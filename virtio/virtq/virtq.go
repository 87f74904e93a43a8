// Package virtq manages a split virtqueue from the driver side: a fixed
// descriptor table with an intrusive free list, the available ring the
// driver publishes to, and the used ring it drains completions from. The
// ring memory lives in guest physical memory and is shared with the device,
// so every publish and observe is ordered by an explicit fence.
package virtq

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vmforge/virtguest/gmem"
	"github.com/vmforge/virtguest/virtio"
)

// descriptor flags
const (
	DescFNext  = 1 // the descriptor continues via the Next field
	DescFWrite = 2 // the device writes to the buffer (driver reads)
)

// noFreeHead terminates the descriptor free list.
const noFreeHead = 0xffff

// maxSize is the largest power of 2 whose ring indexes still wrap correctly
// in a 16-bit integer.
const maxSize = 32768

// ErrQueueSizeInvalid is returned by New for sizes that are not a power of
// 2 in [1, 32768].
var ErrQueueSizeInvalid = errors.New("virtq: queue size is invalid")

// ErrUsedIndexInvalid reports a device that moved the used index backwards
// or past the number of outstanding chains. The queue refuses to consume
// such completions so descriptor accounting stays consistent.
var ErrUsedIndexInvalid = errors.New("virtq: used index out of step with submissions")

// Desc is one descriptor table entry, as shared with the device.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one used ring entry written by the device.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Completion reports one chain the device has finished with: the head
// descriptor index and the number of bytes the device wrote to the chain.
type Completion struct {
	Head    uint16
	Written uint32
}

// Queue is one split virtqueue. It is not safe for concurrent use: exactly
// one execution context may submit to and drain a given queue.
type Queue struct {
	size uint16

	descAddr   uint64
	driverAddr uint64
	deviceAddr uint64

	desc []Desc

	availIdx  *uint16
	availRing []uint16

	usedIdx  *uint16
	usedRing []UsedElem

	freeHead  uint16
	freeCount uint16
	lastUsed  uint16
	inFlight  uint16
}

// New carves the descriptor table, available ring and used ring for a queue
// of the given size out of mem and links every descriptor onto the free
// list. Size must be a power of 2 so ring indexes wrap correctly when the
// 16-bit counters overflow.
func New(mem *gmem.Arena, size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 || size > maxSize {
		return nil, errors.Wrapf(ErrQueueSizeInvalid, "size %d", size)
	}

	n := int(size)

	descAddr, err := mem.Alloc(16*n, 16)
	if err != nil {
		return nil, errors.Wrap(err, "alloc descriptor table")
	}

	driverAddr, err := mem.Alloc(4+2*n, 2)
	if err != nil {
		return nil, errors.Wrap(err, "alloc available ring")
	}

	deviceAddr, err := mem.Alloc(4+8*n, 4)
	if err != nil {
		return nil, errors.Wrap(err, "alloc used ring")
	}

	descB, err := mem.Bytes(descAddr, 16*n)
	if err != nil {
		return nil, err
	}

	driverB, err := mem.Bytes(driverAddr, 4+2*n)
	if err != nil {
		return nil, err
	}

	deviceB, err := mem.Bytes(deviceAddr, 4+8*n)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		size: size,

		descAddr:   descAddr,
		driverAddr: driverAddr,
		deviceAddr: deviceAddr,

		desc: unsafe.Slice((*Desc)(unsafe.Pointer(&descB[0])), n),

		availIdx:  (*uint16)(unsafe.Pointer(&driverB[2])),
		availRing: unsafe.Slice((*uint16)(unsafe.Pointer(&driverB[4])), n),

		usedIdx:  (*uint16)(unsafe.Pointer(&deviceB[2])),
		usedRing: unsafe.Slice((*UsedElem)(unsafe.Pointer(&deviceB[4])), n),
	}

	for i := 0; i < n-1; i++ {
		q.desc[i].Next = uint16(i + 1)
	}
	q.desc[n-1].Next = noFreeHead

	q.freeHead = 0
	q.freeCount = size

	return q, nil
}

// Size returns the queue size in descriptors.
func (q *Queue) Size() uint16 {
	return q.size
}

// Capacity returns the descriptor table capacity.
func (q *Queue) Capacity() int {
	return int(q.size)
}

// FreeCount returns the number of descriptors on the free list.
func (q *Queue) FreeCount() int {
	return int(q.freeCount)
}

// DescAddr returns the physical address of the descriptor table.
func (q *Queue) DescAddr() uint64 {
	return q.descAddr
}

// DriverAddr returns the physical address of the available ring.
func (q *Queue) DriverAddr() uint64 {
	return q.driverAddr
}

// DeviceAddr returns the physical address of the used ring.
func (q *Queue) DeviceAddr() uint64 {
	return q.deviceAddr
}

// AvailIdx returns the current available ring index.
func (q *Queue) AvailIdx() uint16 {
	return *q.availIdx
}

// AllocChain pops n descriptors off the free list and returns their indexes
// in pop order. It fails without side effects if fewer than n descriptors
// are free. The caller links the chain by setting each descriptor's buffer
// and Next field before submitting the head.
func (q *Queue) AllocChain(n int) ([]uint16, error) {
	if n <= 0 || n > int(q.size) {
		return nil, errors.Wrapf(virtio.ErrOutOfDescriptors, "chain of %d", n)
	}

	if int(q.freeCount) < n {
		return nil, errors.Wrapf(virtio.ErrOutOfDescriptors, "chain of %d, %d free", n, q.freeCount)
	}

	idx := make([]uint16, n)
	for i := range idx {
		idx[i] = q.freeHead
		q.freeHead = q.desc[q.freeHead].Next
		q.freeCount--
	}

	return idx, nil
}

// SetDesc fills descriptor i.
func (q *Queue) SetDesc(i uint16, addr uint64, length uint32, flags uint16, next uint16) {
	q.desc[i] = Desc{Addr: addr, Len: length, Flags: flags, Next: next}
}

// DescAt returns a copy of descriptor i.
func (q *Queue) DescAt(i uint16) Desc {
	return q.desc[i]
}

// Submit publishes the chain starting at head on the available ring. The
// ring slot write is fenced before the index increment so the device never
// observes an index that advertises an unwritten slot. The caller notifies
// the device through the transport afterwards.
func (q *Queue) Submit(head uint16) {
	q.availRing[*q.availIdx%q.size] = head
	fence()
	*q.availIdx++
	q.inFlight++
}

// Next consumes one completion from the used ring, or returns (nil, nil)
// when the device has produced nothing new. It is the only path that
// advances the driver's used index.
func (q *Queue) Next() (*Completion, error) {
	idx := *q.usedIdx
	if idx == q.lastUsed {
		return nil, nil
	}

	if uint16(idx-q.lastUsed) > q.inFlight {
		return nil, errors.Wrapf(ErrUsedIndexInvalid, "used %d, last seen %d, %d in flight",
			idx, q.lastUsed, q.inFlight)
	}

	fence()
	e := q.usedRing[q.lastUsed%q.size]
	if e.ID >= uint32(q.size) {
		return nil, errors.Wrapf(ErrUsedIndexInvalid, "completed head %d out of range", e.ID)
	}

	q.lastUsed++
	q.inFlight--

	return &Completion{Head: uint16(e.ID), Written: e.Len}, nil
}

// FreeChain walks the chain starting at head via the descriptor Next links
// and returns every descriptor to the free list. It must be called exactly
// once per completion. It returns the chain length.
func (q *Queue) FreeChain(head uint16) (int, error) {
	if head >= q.size {
		return 0, errors.Wrapf(virtio.ErrOutOfRange, "free chain head %d", head)
	}

	n := 0
	for i := head; ; {
		next, more := q.desc[i].Next, q.desc[i].Flags&DescFNext != 0

		q.desc[i].Next = q.freeHead
		q.freeHead = i
		q.freeCount++
		n++

		if !more {
			break
		}

		if next >= q.size || n >= int(q.size) {
			return n, errors.Wrapf(virtio.ErrOutOfRange, "broken chain link %d -> %d", i, next)
		}

		i = next
	}

	return n, nil
}
