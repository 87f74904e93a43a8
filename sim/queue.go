package sim

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/vmforge/virtguest/gmem"
	"github.com/vmforge/virtguest/virtio"
)

var le = binary.LittleEndian

var barrierDummy int64

// fence orders guest memory writes against the index updates that publish
// them, mirroring the fence the driver issues on its side of the rings.
func fence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Queue is the device's view of one split virtqueue: it consumes chains
// from the available ring and returns them through the used ring, reading
// both straight out of guest memory.
type Queue struct {
	mem  *gmem.Arena
	size uint16

	descAddr   uint64
	driverAddr uint64
	deviceAddr uint64

	lastAvail uint16
	onUsed    func()
}

func newQueue(mem *gmem.Arena, size uint16, descAddr, driverAddr, deviceAddr uint64, onUsed func()) *Queue {
	return &Queue{
		mem:  mem,
		size: size,

		descAddr:   descAddr,
		driverAddr: driverAddr,
		deviceAddr: deviceAddr,

		onUsed: onUsed,
	}
}

// desc is a decoded descriptor table entry.
type desc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// descriptor flags, as shared with the driver
const (
	descFNext  = 1
	descFWrite = 2
)

func (q *Queue) readDesc(i uint16) (desc, error) {
	b, err := q.mem.Bytes(q.descAddr+16*uint64(i), 16)
	if err != nil {
		return desc{}, err
	}

	return desc{
		addr:  le.Uint64(b),
		len:   le.Uint32(b[8:]),
		flags: le.Uint16(b[12:]),
		next:  le.Uint16(b[14:]),
	}, nil
}

// Next returns the next available chain, or nil when the driver has
// published nothing new.
func (q *Queue) Next() (*Chain, error) {
	availB, err := q.mem.Bytes(q.driverAddr, 4+2*int(q.size))
	if err != nil {
		return nil, err
	}

	idx := le.Uint16(availB[2:])
	if idx == q.lastAvail {
		return nil, nil
	}

	fence()
	head := le.Uint16(availB[4+2*(q.lastAvail%q.size):])
	q.lastAvail++

	if head >= q.size {
		return nil, errors.Wrapf(virtio.ErrOutOfRange, "available head %d", head)
	}

	c := &Chain{q: q, head: head}
	for i, n := head, 0; ; n++ {
		if n >= int(q.size) {
			return nil, errors.Wrapf(virtio.ErrOutOfRange, "chain at %d has no tail", head)
		}

		d, err := q.readDesc(i)
		if err != nil {
			return nil, err
		}

		c.desc = append(c.desc, d)

		if d.flags&descFNext == 0 {
			break
		}

		if d.next >= q.size {
			return nil, errors.Wrapf(virtio.ErrOutOfRange, "chain link %d -> %d", i, d.next)
		}

		i = d.next
	}

	return c, nil
}

// Chain is one descriptor chain the driver made available.
type Chain struct {
	q    *Queue
	head uint16
	desc []desc
}

// Len returns the number of descriptors in the chain.
func (c *Chain) Len() int {
	return len(c.desc)
}

// IsRO reports whether descriptor i is read-only for the device.
func (c *Chain) IsRO(i int) bool {
	return c.desc[i].flags&descFWrite == 0
}

// IsWO reports whether descriptor i is write-only for the device.
func (c *Chain) IsWO(i int) bool {
	return c.desc[i].flags&descFWrite != 0
}

// Data returns the guest memory backing descriptor i.
func (c *Chain) Data(i int) ([]byte, error) {
	return c.q.mem.Bytes(c.desc[i].addr, int(c.desc[i].len))
}

// Release returns the chain through the used ring, recording how many bytes
// the device wrote to it, and raises the used-buffer interrupt.
func (c *Chain) Release(written int) error {
	usedB, err := c.q.mem.Bytes(c.q.deviceAddr, 4+8*int(c.q.size))
	if err != nil {
		return err
	}

	idx := le.Uint16(usedB[2:])
	slot := idx % c.q.size

	le.PutUint32(usedB[4+8*slot:], uint32(c.head))
	le.PutUint32(usedB[4+8*slot+4:], uint32(written))

	fence()
	le.PutUint16(usedB[2:], idx+1)

	if c.q.onUsed != nil {
		c.q.onUsed()
	}

	return nil
}
