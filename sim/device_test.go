package sim

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmforge/virtguest/gmem"
	"github.com/vmforge/virtguest/virtio"
	"github.com/vmforge/virtguest/virtio/mmio"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// recordingHandler counts handler callbacks.
type recordingHandler struct {
	id       virtio.DeviceID
	features uint64

	readies  int
	notifies int
}

func (h *recordingHandler) DeviceID() virtio.DeviceID { return h.id }
func (h *recordingHandler) Features() uint64          { return h.features }

func (h *recordingHandler) Ready(uint64) error {
	h.readies++
	return nil
}

func (h *recordingHandler) Notify(int, *Queue) error {
	h.notifies++
	return nil
}

func (h *recordingHandler) ReadConfig(p []byte, off int) error { return nil }

func newTestBus(t *testing.T) (*Device, *recordingHandler) {
	t.Helper()

	h := &recordingHandler{id: virtio.BlockDeviceID}
	mem := gmem.New(MemBase, 1<<20)
	return NewDevice(mem, h, BlockIRQ, nil, quietLogger()), h
}

func TestIdentity(t *testing.T) {
	d, _ := newTestBus(t)

	assert.Equal(t, uint32(virtio.MagicValue), d.Read32(mmio.RegMagicValue))
	assert.Equal(t, uint32(virtio.Version), d.Read32(mmio.RegVersion))
	assert.Equal(t, uint32(virtio.BlockDeviceID), d.Read32(mmio.RegDeviceID))
}

func TestStatusMonotonic(t *testing.T) {
	d, h := newTestBus(t)

	// the driver may not skip handshake steps
	d.Write32(mmio.RegStatus, virtio.StatusDriverOK)
	assert.Equal(t, uint32(0), d.Read32(mmio.RegStatus))

	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge)
	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge|virtio.StatusDriver)

	// clearing a set bit is rejected too
	d.Write32(mmio.RegStatus, virtio.StatusDriver)
	assert.Equal(t, uint32(virtio.StatusAcknowledge|virtio.StatusDriver), d.Read32(mmio.RegStatus))

	assert.Equal(t, 0, h.readies)
}

func TestStatusOrder(t *testing.T) {
	d, _ := newTestBus(t)

	// each handshake bit requires its predecessor
	d.Write32(mmio.RegStatus, virtio.StatusDriver)
	assert.Equal(t, uint32(0), d.Read32(mmio.RegStatus))

	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge|virtio.StatusFeaturesOK)
	assert.Equal(t, uint32(0), d.Read32(mmio.RegStatus))

	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge)
	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge|virtio.StatusDriver)

	// DriverOK without FeaturesOK is rejected
	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusDriverOK)
	assert.Equal(t, uint32(virtio.StatusAcknowledge|virtio.StatusDriver), d.Read32(mmio.RegStatus))

	d.Write32(mmio.RegStatus, uint32(configuringQueues))
	assert.Equal(t, uint32(configuringQueues), d.Read32(mmio.RegStatus))
}

func TestNetConfigSpace(t *testing.T) {
	m, err := NewMachine(MachineConfig{Log: quietLogger()})
	require.NoError(t, err)

	assert.Equal(t, uint32(0), m.NetBus.Read32(mmio.RegDeviceConfigStart))
	assert.Equal(t, uint32(0), m.NetBus.Read32(mmio.RegDeviceConfigStart+4))
}

func TestFeatureRejection(t *testing.T) {
	d, _ := newTestBus(t)

	dev := mmio.New(d, quietLogger())
	require.NoError(t, dev.Probe(virtio.BlockDeviceID))

	err := dev.Negotiate(virtio.FVersion1 | 1<<9)
	assert.ErrorIs(t, err, virtio.ErrFeaturesRejected)
}

func TestNotifyGating(t *testing.T) {
	d, h := newTestBus(t)

	// notifies before DriverOK are dropped
	d.Write32(mmio.RegQueueNotify, 0)
	assert.Equal(t, 0, h.notifies)
}

func TestQueueConfigGating(t *testing.T) {
	d, _ := newTestBus(t)

	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge)
	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge|virtio.StatusDriver)

	// queue registers are locked until FeaturesOK
	d.Write32(mmio.RegQueueNum, 16)
	d.Write32(mmio.RegQueueReady, 1)
	assert.Equal(t, uint32(0), d.Read32(mmio.RegQueueReady))
}

func TestReset(t *testing.T) {
	d, h := newTestBus(t)

	dev := mmio.New(d, quietLogger())
	require.NoError(t, dev.Probe(virtio.BlockDeviceID))
	require.NoError(t, dev.Negotiate(virtio.FVersion1))

	dev.SetDriverOK()
	assert.Equal(t, 1, h.readies)

	d.Write32(mmio.RegStatus, 0)
	assert.Equal(t, uint32(0), d.Read32(mmio.RegStatus))
}

func TestVersion1Required(t *testing.T) {
	d, _ := newTestBus(t)

	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge)
	d.Write32(mmio.RegStatus, virtio.StatusAcknowledge|virtio.StatusDriver)

	// FeaturesOK without offering any features
	d.Write32(mmio.RegStatus, configuringQueues)
	assert.Equal(t, uint32(configuringQueues), d.Read32(mmio.RegStatus))

	d.Write32(mmio.RegStatus, operatingNormally)
	assert.NotZero(t, d.Read32(mmio.RegStatus)&virtio.StatusNeedsReset)
}
