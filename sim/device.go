// Package sim simulates the host side of the machine: virtio-mmio register
// files with the full device status state machine, device-side virtqueue
// processing over guest memory, a block device with pluggable storage, a
// FIFO-framed network device and a PLIC. Tests and the demo binary run the
// guest drivers against it instead of real hardware.
package sim

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vmforge/virtguest/gmem"
	"github.com/vmforge/virtguest/virtio"
	"github.com/vmforge/virtguest/virtio/mmio"
	"golang.org/x/sys/unix"
)

// Handler implements the device-specific behavior behind a register file.
type Handler interface {

	// DeviceID identifies the type of the device.
	DeviceID() virtio.DeviceID

	// Features returns feature bits supported in addition to VERSION_1.
	Features() uint64

	// Ready is called when the driver completes the status handshake.
	Ready(negotiatedFeatures uint64) error

	// Notify is called when the driver rings the doorbell for a queue. It
	// runs in the writer's context and should consume the queue's newly
	// available chains before returning.
	Notify(queueNum int, q *Queue) error

	// ReadConfig reads the device configuration space at off into p.
	ReadConfig(p []byte, off int) error
}

var (
	_ Handler = (*BlockDevice)(nil)
	_ Handler = (*NetDevice)(nil)
	_ Handler = absentDevice{}
)

const maxQueues = 4

// handshake gates, in the order the driver walks them
const (
	negotiatingFeatures = virtio.StatusAcknowledge | virtio.StatusDriver
	configuringQueues   = negotiatingFeatures | virtio.StatusFeaturesOK
	operatingNormally   = configuringQueues | virtio.StatusDriverOK
)

// Device is one virtio-mmio register file. It implements the register
// window interface the guest transport drives, enforcing the status state
// machine: writes that arrive in the wrong state are rejected and logged,
// matching a hardware device that ignores them.
type Device struct {
	mem     *gmem.Arena
	handler Handler
	irq     uint32
	raise   func(irq uint32)
	log     *logrus.Entry

	mu     sync.Mutex
	state  deviceState
	queues [maxQueues]*Queue
}

type deviceState struct {
	status uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    [maxQueues]queueState

	intStatus uint32
	version   uint32
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64
	DriverAddr uint64
	DeviceAddr uint64
}

// NewDevice builds a register file over guest memory. raise is called with
// the device's interrupt line when it has used buffers; it may be nil.
func NewDevice(mem *gmem.Arena, handler Handler, irq uint32, raise func(irq uint32), log *logrus.Logger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if raise == nil {
		raise = func(uint32) {}
	}

	return &Device{
		mem:     mem,
		handler: handler,
		irq:     irq,
		raise:   raise,
		log: log.WithFields(logrus.Fields{
			"subsystem": "sim",
			"device":    handler.DeviceID().String(),
		}),
	}
}

// IRQ returns the device's interrupt line.
func (d *Device) IRQ() uint32 {
	return d.irq
}

// Queue returns the device-side view of a configured queue.
func (d *Device) Queue(n int) (*Queue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n < 0 || n >= maxQueues || d.queues[n] == nil {
		return nil, false
	}

	return d.queues[n], true
}

// Read32 implements the guest-facing register window.
func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case mmio.RegMagicValue:
		return virtio.MagicValue

	case mmio.RegVersion:
		return virtio.Version

	case mmio.RegDeviceID:
		return uint32(d.handler.DeviceID())

	case mmio.RegVendorID:
		return 0xffff

	case mmio.RegDeviceFeatures:
		return uint32(d.features() >> (32 * d.state.deviceFeaturesSel))

	case mmio.RegQueueNumMax:
		return 1 << 15

	case mmio.RegQueueReady:
		return d.selectedQueue().Ready

	case mmio.RegInterruptStatus:
		return d.state.intStatus

	case mmio.RegStatus:
		return d.state.status

	case mmio.RegConfigGeneration:
		return d.state.version
	}

	if off >= mmio.RegDeviceConfigStart {
		var p [4]byte
		if err := d.handler.ReadConfig(p[:], int(off-mmio.RegDeviceConfigStart)); err != nil {
			d.log.WithError(err).WithField("off", off).Warn("config read failed")
			return 0
		}

		return le.Uint32(p[:])
	}

	d.log.WithField("off", off).Warn("read of unknown register")
	return 0
}

// Write32 implements the guest-facing register window. Queue notifications
// dispatch to the handler outside the device lock so the handler can raise
// interrupts and the host can inject frames without deadlocking.
func (d *Device) Write32(off uint32, v uint32) {
	if off == mmio.RegQueueNotify {
		d.notifyQueue(v)
		return
	}

	d.mu.Lock()
	err := d.writeReg(off, v)
	d.mu.Unlock()

	if err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"off":   off,
			"value": v,
		}).Warn("rejected register write")
	}
}

func (d *Device) writeReg(off uint32, v uint32) error {
	switch off {
	case mmio.RegDeviceFeaturesSel:
		if !d.isNegotiatingFeatures() {
			return unix.EPERM
		}

		if v > 1 {
			return unix.EINVAL
		}

		d.state.deviceFeaturesSel = v
		return nil

	case mmio.RegDriverFeaturesSel:
		if !d.isNegotiatingFeatures() {
			return unix.EPERM
		}

		if v > 1 {
			return unix.EINVAL
		}

		d.state.driverFeaturesSel = v
		return nil

	case mmio.RegDriverFeatures:
		if !d.isNegotiatingFeatures() {
			return unix.EPERM
		}

		d.state.driverFeatures |= uint64(v) << (32 * d.state.driverFeaturesSel)
		return nil

	case mmio.RegQueueSel:
		if !d.isConfiguringQueues() {
			return unix.EPERM
		}

		if v >= maxQueues {
			return unix.EINVAL
		}

		d.state.queueSel = v
		return nil

	case mmio.RegQueueNum:
		if !d.isConfiguringQueues() {
			return unix.EPERM
		}

		if v == 0 || v > 1<<15 || v&(v-1) != 0 {
			return unix.EINVAL
		}

		d.selectedQueue().NumDesc = v
		return nil

	case mmio.RegQueueDescLow:
		return d.setQueueAddr(&d.selectedQueue().DescAddr, uint64(v), 0)

	case mmio.RegQueueDescHigh:
		return d.setQueueAddr(&d.selectedQueue().DescAddr, uint64(v)<<32, 32)

	case mmio.RegQueueDriverLow:
		return d.setQueueAddr(&d.selectedQueue().DriverAddr, uint64(v), 0)

	case mmio.RegQueueDriverHigh:
		return d.setQueueAddr(&d.selectedQueue().DriverAddr, uint64(v)<<32, 32)

	case mmio.RegQueueDeviceLow:
		return d.setQueueAddr(&d.selectedQueue().DeviceAddr, uint64(v), 0)

	case mmio.RegQueueDeviceHigh:
		return d.setQueueAddr(&d.selectedQueue().DeviceAddr, uint64(v)<<32, 32)

	case mmio.RegQueueReady:
		return d.writeQueueReady(v)

	case mmio.RegInterruptAck:
		if !d.isOperatingNormally() {
			return unix.EPERM
		}

		d.state.intStatus &^= v
		return nil

	case mmio.RegStatus:
		return d.writeStatus(v)
	}

	return unix.EINVAL
}

func (d *Device) setQueueAddr(field *uint64, v uint64, shift int) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	*field = *field&^(0xffffffff<<shift) | v
	return nil
}

func (d *Device) writeQueueReady(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	qs := d.selectedQueue()
	if qs.Ready == 1 {
		return unix.EPERM
	}

	if qs.NumDesc == 0 {
		return unix.EINVAL
	}

	// the rings must be inside guest memory
	if _, err := d.mem.Bytes(qs.DescAddr, 16*int(qs.NumDesc)); err != nil {
		return err
	}

	if _, err := d.mem.Bytes(qs.DriverAddr, 4+2*int(qs.NumDesc)); err != nil {
		return err
	}

	if _, err := d.mem.Bytes(qs.DeviceAddr, 4+8*int(qs.NumDesc)); err != nil {
		return err
	}

	qs.Ready = 1
	d.state.version++

	d.queues[d.state.queueSel] = newQueue(d.mem, uint16(qs.NumDesc),
		qs.DescAddr, qs.DriverAddr, qs.DeviceAddr, func() {
			d.mu.Lock()
			d.state.intStatus |= mmio.IntStatusUsedBuffer
			d.mu.Unlock()

			d.raise(d.irq)
		})

	return nil
}

func (d *Device) writeStatus(v uint32) error {
	if v == 0 {
		// reset
		d.state = deviceState{}
		d.queues = [maxQueues]*Queue{}
		return nil
	}

	if v&virtio.StatusNeedsReset != 0 || v&d.state.status != d.state.status {
		// the driver may only add bits
		return unix.EINVAL
	}

	if v&virtio.StatusFailed != 0 {
		d.state.status = v
		d.log.Error("driver reported failure")
		return nil
	}

	// the handshake bits are ordered: each one requires its predecessor
	for _, step := range [][2]uint32{
		{virtio.StatusDriver, virtio.StatusAcknowledge},
		{virtio.StatusFeaturesOK, virtio.StatusDriver},
		{virtio.StatusDriverOK, virtio.StatusFeaturesOK},
	} {
		if v&step[0] != 0 && v&step[1] == 0 {
			return unix.EINVAL
		}
	}

	if added := v &^ d.state.status; added&virtio.StatusFeaturesOK != 0 {
		// reject features the device does not support by refusing the
		// FeaturesOK bit; the driver detects this on readback
		if d.state.driverFeatures&^d.features() != 0 {
			d.log.WithField("features", d.state.driverFeatures).Warn("rejecting driver features")
			d.state.status = v &^ virtio.StatusFeaturesOK
			d.state.version++
			return nil
		}
	}

	d.state.status = v
	d.state.version++

	if d.isOperatingNormally() {
		if d.state.driverFeatures&virtio.FVersion1 == 0 {
			d.state.status |= virtio.StatusNeedsReset
			d.log.Error("driver did not negotiate VERSION_1")
			return nil
		}

		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			d.state.status |= virtio.StatusNeedsReset
			return err
		}
	}

	return nil
}

func (d *Device) notifyQueue(qn uint32) {
	d.mu.Lock()

	if !d.isOperatingNormally() || qn >= maxQueues || d.queues[qn] == nil {
		d.mu.Unlock()
		d.log.WithField("queue", qn).Warn("rejected queue notify")
		return
	}

	q := d.queues[qn]
	d.mu.Unlock()

	if err := d.handler.Notify(int(qn), q); err != nil {
		d.log.WithError(err).WithField("queue", qn).Error("queue handler failed")
	}
}

func (d *Device) features() uint64 {
	return virtio.FVersion1 | d.handler.Features()
}

func (d *Device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *Device) isConfiguringQueues() bool {
	return d.state.status == configuringQueues
}

func (d *Device) isOperatingNormally() bool {
	return d.state.status == operatingNormally
}

func (d *Device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}
