package virtq_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmforge/virtguest/gmem"
	"github.com/vmforge/virtguest/virtio"
	"github.com/vmforge/virtguest/virtio/virtq"
)

var le = binary.LittleEndian

// devSide acts as the device for a queue: it reads the available ring and
// descriptor table straight out of guest memory and writes used entries
// back, the way a real device observes the shared rings.
type devSide struct {
	t        *testing.T
	mem      *gmem.Arena
	q        *virtq.Queue
	lastSeen uint16
	usedIdx  uint16
}

func newDevSide(t *testing.T, mem *gmem.Arena, q *virtq.Queue) *devSide {
	t.Helper()
	return &devSide{t: t, mem: mem, q: q}
}

func (d *devSide) availIdx() uint16 {
	b, err := d.mem.Bytes(d.q.DriverAddr(), 4+2*int(d.q.Size()))
	require.NoError(d.t, err)
	return le.Uint16(b[2:])
}

func (d *devSide) availHead(slot uint16) uint16 {
	b, err := d.mem.Bytes(d.q.DriverAddr(), 4+2*int(d.q.Size()))
	require.NoError(d.t, err)
	return le.Uint16(b[4+2*(slot%d.q.Size()):])
}

func (d *devSide) readDesc(i uint16) (addr uint64, length uint32, flags, next uint16) {
	b, err := d.mem.Bytes(d.q.DescAddr()+16*uint64(i), 16)
	require.NoError(d.t, err)
	return le.Uint64(b), le.Uint32(b[8:]), le.Uint16(b[12:]), le.Uint16(b[14:])
}

// complete marks the chain at head used with the given written length.
func (d *devSide) complete(head uint16, written uint32) {
	b, err := d.mem.Bytes(d.q.DeviceAddr(), 4+8*int(d.q.Size()))
	require.NoError(d.t, err)

	slot := d.usedIdx % d.q.Size()
	le.PutUint32(b[4+8*slot:], uint32(head))
	le.PutUint32(b[4+8*slot+4:], written)

	d.usedIdx++
	le.PutUint16(b[2:], d.usedIdx)
}

// completeNext consumes the next available chain and marks it used with its
// first descriptor's length.
func (d *devSide) completeNext() uint16 {
	require.NotEqual(d.t, d.lastSeen, d.availIdx(), "nothing available")

	head := d.availHead(d.lastSeen)
	d.lastSeen++

	_, length, _, _ := d.readDesc(head)
	d.complete(head, length)

	return head
}

func TestNew(t *testing.T) {
	for _, size := range []uint16{0, 3, 12, 100} {
		if _, err := virtq.New(gmem.New(0, 1<<20), size); !assert.ErrorIs(t, err, virtq.ErrQueueSizeInvalid) {
			t.Logf("size %d", size)
		}
	}

	q, err := virtq.New(gmem.New(0x8000_0000, 1<<20), 16)
	require.NoError(t, err)
	assert.Equal(t, 16, q.Capacity())
	assert.Equal(t, 16, q.FreeCount())
	assert.NotZero(t, q.DescAddr())
	assert.NotZero(t, q.DriverAddr())
	assert.NotZero(t, q.DeviceAddr())
}

func TestAllocChain(t *testing.T) {
	t.Run("no double allocation", func(t *testing.T) {
		q, err := virtq.New(gmem.New(0, 1<<20), 16)
		require.NoError(t, err)

		seen := make(map[uint16]bool)
		for i := 0; i < 16; i++ {
			idx, err := q.AllocChain(1)
			require.NoError(t, err)
			require.False(t, seen[idx[0]], "descriptor %d allocated twice", idx[0])
			seen[idx[0]] = true
		}

		_, err = q.AllocChain(1)
		assert.ErrorIs(t, err, virtio.ErrOutOfDescriptors)
	})

	t.Run("no partial allocation", func(t *testing.T) {
		q, err := virtq.New(gmem.New(0, 1<<20), 16)
		require.NoError(t, err)

		_, err = q.AllocChain(14)
		require.NoError(t, err)
		require.Equal(t, 2, q.FreeCount())

		_, err = q.AllocChain(3)
		assert.ErrorIs(t, err, virtio.ErrOutOfDescriptors)
		assert.Equal(t, 2, q.FreeCount())
	})
}

func TestFreeListConservation(t *testing.T) {
	q, err := virtq.New(gmem.New(0, 1<<20), 8)
	require.NoError(t, err)

	link := func(idx []uint16, write bool) {
		for i, d := range idx {
			flags := uint16(0)
			next := uint16(0)
			if write {
				flags |= virtq.DescFWrite
			}
			if i < len(idx)-1 {
				flags |= virtq.DescFNext
				next = idx[i+1]
			}
			q.SetDesc(d, 0, 0, flags, next)
		}
	}

	a, err := q.AllocChain(3)
	require.NoError(t, err)
	link(a, false)

	b, err := q.AllocChain(2)
	require.NoError(t, err)
	link(b, true)

	assert.Equal(t, 3, q.FreeCount())

	n, err := q.FreeChain(a[0])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 6, q.FreeCount())

	n, err = q.FreeChain(b[0])
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 8, q.FreeCount())
}

func TestScenario(t *testing.T) {
	mem := gmem.New(0x8000_0000, 1<<20)
	q, err := virtq.New(mem, 16)
	require.NoError(t, err)

	dev := newDevSide(t, mem, q)

	idx, err := q.AllocChain(3)
	require.NoError(t, err)

	q.SetDesc(idx[0], 0x9000, 16, virtq.DescFNext, idx[1])
	q.SetDesc(idx[1], 0xa000, 512, virtq.DescFNext|virtq.DescFWrite, idx[2])
	q.SetDesc(idx[2], 0xb000, 1, virtq.DescFWrite, 0)

	q.Submit(idx[0])
	assert.Equal(t, uint16(1), q.AvailIdx())
	assert.Equal(t, idx[0], dev.availHead(0))

	dev.complete(idx[0], 512)

	c, err := q.Next()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, idx[0], c.Head)
	assert.Equal(t, uint32(512), c.Written)

	// drained: the next call is a no-op
	c, err = q.Next()
	require.NoError(t, err)
	assert.Nil(t, c)

	n, err := q.FreeChain(idx[0])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 16, q.FreeCount())
}

func TestRingWraparound(t *testing.T) {
	mem := gmem.New(0x8000_0000, 1<<20)
	q, err := virtq.New(mem, 16)
	require.NoError(t, err)

	buf, err := mem.Alloc(4, 4)
	require.NoError(t, err)

	dev := newDevSide(t, mem, q)

	for i := 0; i < q.Capacity()*3+1; i++ {
		p, err := mem.Bytes(buf, 4)
		require.NoError(t, err)
		le.PutUint32(p, uint32(i))

		idx, err := q.AllocChain(1)
		require.NoError(t, err)
		q.SetDesc(idx[0], buf, 4, 0, 0)
		q.Submit(idx[0])

		head := dev.completeNext()
		require.Equal(t, idx[0], head, "iteration %d", i)

		// the device sees the data the driver published
		addr, length, _, _ := dev.readDesc(head)
		data, err := mem.Bytes(addr, int(length))
		require.NoError(t, err)
		require.Equal(t, uint32(i), le.Uint32(data), "iteration %d", i)

		c, err := q.Next()
		require.NoError(t, err)
		require.NotNil(t, c, "iteration %d", i)
		require.Equal(t, idx[0], c.Head)

		_, err = q.FreeChain(c.Head)
		require.NoError(t, err)
		require.Equal(t, q.Capacity(), q.FreeCount())
	}
}

func TestUsedIndexViolation(t *testing.T) {
	mem := gmem.New(0, 1<<20)
	q, err := virtq.New(mem, 8)
	require.NoError(t, err)

	// the device completes a chain that was never submitted
	b, err := mem.Bytes(q.DeviceAddr(), 4+8*8)
	require.NoError(t, err)
	le.PutUint16(b[2:], 5)

	_, err = q.Next()
	assert.ErrorIs(t, err, virtq.ErrUsedIndexInvalid)

	// accounting is untouched
	assert.Equal(t, 8, q.FreeCount())
}
