package blk

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmforge/virtguest/sim"
	"github.com/vmforge/virtguest/virtio"
	"github.com/vmforge/virtguest/virtio/virtq"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// flushRecorder wraps storage and counts flushes.
type flushRecorder struct {
	*sim.MemStorage
	flushes int
}

func (fr *flushRecorder) Flush() error {
	fr.flushes++
	return nil
}

func newTestDevice(t *testing.T, cfg sim.MachineConfig) (*Device, *sim.Machine) {
	t.Helper()

	cfg.Log = quietLogger()

	m, err := sim.NewMachine(cfg)
	require.NoError(t, err)

	d, err := New(Config{Bus: m.BlockBus, Mem: m.Mem, Log: cfg.Log})
	require.NoError(t, err)
	require.True(t, d.Available())

	return d, m
}

func TestGeometry(t *testing.T) {
	storage := &sim.MemStorage{Bytes: make([]byte, 1<<20)}
	d, _ := newTestDevice(t, sim.MachineConfig{Storage: storage})

	assert.Equal(t, uint64(2048), d.Capacity())
	assert.Equal(t, uint32(512), d.SectorSize())
}

func TestCustomSectorSize(t *testing.T) {
	storage := &sim.MemStorage{Bytes: make([]byte, 1<<20)}
	d, _ := newTestDevice(t, sim.MachineConfig{Storage: storage, SectorSize: 4096, MemSize: 16 << 20})

	assert.Equal(t, uint64(256), d.Capacity())
	assert.Equal(t, uint32(4096), d.SectorSize())
}

func TestReadWrite(t *testing.T) {
	storage := &sim.MemStorage{Bytes: make([]byte, 1<<20)}
	d, _ := newTestDevice(t, sim.MachineConfig{Storage: storage})

	// spans three sub-requests
	p := make([]byte, 300*512)
	rand.New(rand.NewSource(1)).Read(p)

	require.NoError(t, d.Write(10, p))
	assert.Equal(t, p, storage.Bytes[10*512:10*512+len(p)])

	got := make([]byte, len(p))
	require.NoError(t, d.Read(10, got))
	assert.Equal(t, p, got)
}

func TestReadLastSector(t *testing.T) {
	storage := &sim.MemStorage{Bytes: make([]byte, 1<<20)}
	rand.New(rand.NewSource(2)).Read(storage.Bytes)

	d, _ := newTestDevice(t, sim.MachineConfig{Storage: storage})

	got := make([]byte, 512)
	require.NoError(t, d.Read(d.Capacity()-1, got))
	assert.True(t, bytes.Equal(storage.Bytes[len(storage.Bytes)-512:], got))
}

func TestOutOfRange(t *testing.T) {
	storage := &sim.MemStorage{Bytes: make([]byte, 1<<20)}
	d, _ := newTestDevice(t, sim.MachineConfig{Storage: storage})

	// not a whole number of sectors
	err := d.Read(0, make([]byte, 100))
	assert.ErrorIs(t, err, virtio.ErrOutOfRange)

	// empty buffer
	err = d.Read(0, nil)
	assert.ErrorIs(t, err, virtio.ErrOutOfRange)

	// crosses the end of the device
	err = d.Read(d.Capacity()-1, make([]byte, 2*512))
	assert.ErrorIs(t, err, virtio.ErrOutOfRange)

	err = d.Write(d.Capacity(), make([]byte, 512))
	assert.ErrorIs(t, err, virtio.ErrOutOfRange)

	// rejected before touching the ring
	assert.Equal(t, d.q.Capacity(), d.q.FreeCount())
}

func TestUsedIndexViolation(t *testing.T) {
	storage := &sim.MemStorage{Bytes: make([]byte, 1<<20)}
	d, _ := newTestDevice(t, sim.MachineConfig{Storage: storage})

	// corrupt the used index so the completion arrives out of step with
	// the single outstanding request
	b, err := d.mem.Bytes(d.q.DeviceAddr(), 4)
	require.NoError(t, err)
	le.PutUint16(b[2:], 7)

	err = d.Read(0, make([]byte, 512))
	assert.ErrorIs(t, err, virtq.ErrUsedIndexInvalid)

	// the failed request's chain is back on the free list
	assert.Equal(t, d.q.Capacity(), d.q.FreeCount())
}

func TestFlush(t *testing.T) {
	fr := &flushRecorder{MemStorage: &sim.MemStorage{Bytes: make([]byte, 1<<20)}}
	d, _ := newTestDevice(t, sim.MachineConfig{Storage: fr})

	require.NoError(t, d.Flush())
	assert.Equal(t, 1, fr.flushes)
}

func TestReadOnly(t *testing.T) {
	storage := &sim.MemStorage{Bytes: make([]byte, 1<<20)}
	d, _ := newTestDevice(t, sim.MachineConfig{Storage: storage, ReadOnly: true})

	err := d.Write(0, make([]byte, 512))
	assert.ErrorIs(t, err, virtio.ErrDeviceIO)

	// reads still work
	assert.NoError(t, d.Read(0, make([]byte, 512)))
}

func TestProbeMissingDevice(t *testing.T) {
	m, err := sim.NewMachine(sim.MachineConfig{Log: quietLogger()})
	require.NoError(t, err)

	d, err := New(Config{Bus: m.BlockBus, Mem: m.Mem, Log: quietLogger()})
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, virtio.ErrWrongDeviceType), "got %v", err)

	// degraded callers hold a nil device
	assert.False(t, d.Available())
}
