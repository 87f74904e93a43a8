package mmio

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmforge/virtguest/virtio"
)

// RegisterBus is a 32-bit register window onto one virtio-mmio device.
// Offsets are relative to the device's base address. Implementations are
// provided by the platform: real MMIO on hardware, a simulated register
// file in tests.
type RegisterBus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Device drives the virtio-mmio handshake for a single device. It tracks
// the status byte written so far; any probe or negotiation failure leaves
// the device unusable and is returned to the caller. There are no retries.
type Device struct {
	bus    RegisterBus
	log    *logrus.Entry
	status uint32
	ready  bool
}

// New wraps a register window. Probe, Negotiate, ConfigureQueue and
// SetDriverOK must be called in that order before the queues are usable.
func New(bus RegisterBus, log *logrus.Logger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Device{
		bus: bus,
		log: log.WithField("subsystem", "virtio-mmio"),
	}
}

// Probe checks the magic, version and device-id registers and resets the
// device. It fails if the window does not contain a virtio-mmio device of
// the wanted type.
func (d *Device) Probe(want virtio.DeviceID) error {
	if magic := d.bus.Read32(RegMagicValue); magic != virtio.MagicValue {
		return errors.Wrapf(virtio.ErrWrongMagic, "got %#x", magic)
	}

	if version := d.bus.Read32(RegVersion); version != virtio.Version {
		return errors.Wrapf(virtio.ErrUnsupportedVersion, "got %d", version)
	}

	if id := virtio.DeviceID(d.bus.Read32(RegDeviceID)); id != want {
		return errors.Wrapf(virtio.ErrWrongDeviceType, "got %v, want %v", id, want)
	}

	// reset
	d.bus.Write32(RegStatus, 0)
	d.status = 0

	d.setStatus(virtio.StatusAcknowledge)
	d.setStatus(virtio.StatusDriver)

	d.log.WithField("type", want).Debug("device probed")
	return nil
}

// Negotiate offers the given feature bits to the device and completes the
// feature handshake. The device may reject the features by clearing the
// FeaturesOK status bit, which fails negotiation.
func (d *Device) Negotiate(features uint64) error {
	d.bus.Write32(RegDriverFeaturesSel, 1)
	d.bus.Write32(RegDriverFeatures, uint32(features>>32))
	d.bus.Write32(RegDriverFeaturesSel, 0)
	d.bus.Write32(RegDriverFeatures, uint32(features))

	d.setStatus(virtio.StatusFeaturesOK)

	if d.bus.Read32(RegStatus)&virtio.StatusFeaturesOK == 0 {
		return errors.Wrapf(virtio.ErrFeaturesRejected, "offered %#x", features)
	}

	return nil
}

// ConfigureQueue selects queue index and programs its size and the physical
// addresses of the descriptor table, the driver (available) area and the
// device (used) area, then marks the queue ready. It fails if the device
// does not support a queue of the requested size.
func (d *Device) ConfigureQueue(index int, size uint16, descAddr, driverAddr, deviceAddr uint64) error {
	d.bus.Write32(RegQueueSel, uint32(index))

	max := d.bus.Read32(RegQueueNumMax)
	if max == 0 || max < uint32(size) {
		return errors.Wrapf(virtio.ErrQueueUnavailable, "queue %d: max size %d < %d", index, max, size)
	}

	d.bus.Write32(RegQueueNum, uint32(size))

	d.bus.Write32(RegQueueDescLow, uint32(descAddr))
	d.bus.Write32(RegQueueDescHigh, uint32(descAddr>>32))
	d.bus.Write32(RegQueueDriverLow, uint32(driverAddr))
	d.bus.Write32(RegQueueDriverHigh, uint32(driverAddr>>32))
	d.bus.Write32(RegQueueDeviceLow, uint32(deviceAddr))
	d.bus.Write32(RegQueueDeviceHigh, uint32(deviceAddr>>32))

	d.bus.Write32(RegQueueReady, 1)

	d.log.WithFields(logrus.Fields{
		"queue": index,
		"size":  size,
	}).Debug("queue configured")

	return nil
}

// SetDriverOK completes the handshake. The device processes buffers only
// after this point.
func (d *Device) SetDriverOK() {
	d.setStatus(virtio.StatusDriverOK)
	d.ready = true
}

// Ready reports whether the handshake completed.
func (d *Device) Ready() bool {
	return d.ready
}

// NotifyQueue tells the device that new buffers are available on a queue.
func (d *Device) NotifyQueue(index int) {
	d.bus.Write32(RegQueueNotify, uint32(index))
}

// InterruptStatus reads the pending interrupt causes.
func (d *Device) InterruptStatus() uint32 {
	return d.bus.Read32(RegInterruptStatus)
}

// InterruptAck acknowledges the given interrupt causes.
func (d *Device) InterruptAck(mask uint32) {
	d.bus.Write32(RegInterruptAck, mask)
}

// ConfigRead32 reads a 32-bit word from device-specific config space.
func (d *Device) ConfigRead32(off uint32) uint32 {
	return d.bus.Read32(RegDeviceConfigStart + off)
}

// ConfigRead64 reads a 64-bit value from device-specific config space as
// two 32-bit words, low word first.
func (d *Device) ConfigRead64(off uint32) uint64 {
	lo := d.bus.Read32(RegDeviceConfigStart + off)
	hi := d.bus.Read32(RegDeviceConfigStart + off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// setStatus adds bits to the device status register. The status byte only
// accumulates during bring-up: bits are never cleared except by reset.
func (d *Device) setStatus(bits uint32) {
	d.status |= bits
	d.bus.Write32(RegStatus, d.status)
}
