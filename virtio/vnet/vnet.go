// Package vnet is the guest driver for the FIFO-framed virtio network
// device. Ethernet frames travel over two virtqueues (TX and RX) wrapped in
// a 2-byte big-endian length prefix. Transmit is fire-and-forget; receive
// is drained from a poll loop or an interrupt, never both at once.
package vnet

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/vmforge/virtguest/gmem"
	"github.com/vmforge/virtguest/virtio"
	"github.com/vmforge/virtguest/virtio/mmio"
	"github.com/vmforge/virtguest/virtio/virtq"
)

const (
	queueTx = 0
	queueRx = 1

	queueSize = 16

	// SlotSize is the fixed frame buffer size, one slot per descriptor.
	// It bounds a frame to SlotSize-2 bytes after the length prefix.
	SlotSize = 2048

	// MTU is the interface MTU advertised to the protocol stack.
	MTU = 1500
)

// defaultMAC is a locally administered unicast address.
var defaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

var be = binary.BigEndian

// Config carries the collaborators for a network device.
type Config struct {
	// Bus is the device's MMIO register window.
	Bus mmio.RegisterBus

	// Mem is the guest memory arena the rings and slots are carved from.
	Mem *gmem.Arena

	// Log receives driver events. Defaults to the standard logger.
	Log *logrus.Logger

	// MAC overrides the interface hardware address.
	MAC net.HardwareAddr

	// Input receives inbound frames from Poll and HandleInterrupt. The
	// frame is only valid for the duration of the call: the slot is
	// re-posted to the device as soon as the callback returns.
	Input func(frame []byte)
}

// Device is a ready network device. A mutex serializes the driver entry
// points so the protocol stack's transmit path and the poll loop can't
// interleave on the shared ring state.
type Device struct {
	mu  sync.Mutex
	dev *mmio.Device
	mem *gmem.Arena
	log *logrus.Entry

	txq *virtq.Queue
	rxq *virtq.Queue

	// slot addresses indexed by descriptor number
	txSlot [queueSize]uint64
	rxSlot [queueSize]uint64

	mac   net.HardwareAddr
	input func(frame []byte)

	txFrames  metrics.Counter
	rxFrames  metrics.Counter
	rxDropped metrics.Counter
}

// New probes and negotiates the device, configures the TX and RX queues,
// completes the handshake, and pre-posts half the RX ring so the device has
// somewhere to land inbound frames before the first poll.
func New(cfg Config) (*Device, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	dev := mmio.New(cfg.Bus, log)

	if err := dev.Probe(virtio.NetworkDeviceID); err != nil {
		return nil, errors.Wrap(err, "vnet: probe")
	}

	if err := dev.Negotiate(virtio.FVersion1); err != nil {
		return nil, errors.Wrap(err, "vnet: negotiate")
	}

	mac := cfg.MAC
	if mac == nil {
		mac = defaultMAC
	}

	d := &Device{
		dev:   dev,
		mem:   cfg.Mem,
		log:   log.WithField("subsystem", "virtio-net"),
		mac:   mac,
		input: cfg.Input,

		txFrames:  metrics.GetOrRegisterCounter("virtio.net.tx_frames", nil),
		rxFrames:  metrics.GetOrRegisterCounter("virtio.net.rx_frames", nil),
		rxDropped: metrics.GetOrRegisterCounter("virtio.net.rx_dropped", nil),
	}

	var err error
	if d.txq, err = virtq.New(cfg.Mem, queueSize); err != nil {
		return nil, err
	}

	if err := dev.ConfigureQueue(queueTx, d.txq.Size(), d.txq.DescAddr(), d.txq.DriverAddr(), d.txq.DeviceAddr()); err != nil {
		return nil, errors.Wrap(err, "vnet: configure tx queue")
	}

	if d.rxq, err = virtq.New(cfg.Mem, queueSize); err != nil {
		return nil, err
	}

	if err := dev.ConfigureQueue(queueRx, d.rxq.Size(), d.rxq.DescAddr(), d.rxq.DriverAddr(), d.rxq.DeviceAddr()); err != nil {
		return nil, errors.Wrap(err, "vnet: configure rx queue")
	}

	txBase, err := cfg.Mem.Alloc(queueSize*SlotSize, 4096)
	if err != nil {
		return nil, err
	}

	rxBase, err := cfg.Mem.Alloc(queueSize*SlotSize, 4096)
	if err != nil {
		return nil, err
	}

	for i := 0; i < queueSize; i++ {
		d.txSlot[i] = txBase + uint64(i)*SlotSize
		d.rxSlot[i] = rxBase + uint64(i)*SlotSize
	}

	dev.SetDriverOK()

	for i := 0; i < queueSize/2; i++ {
		idx, err := d.rxq.AllocChain(1)
		if err != nil {
			return nil, err
		}

		d.rxq.SetDesc(idx[0], d.rxSlot[idx[0]], SlotSize, virtq.DescFWrite, 0)
		d.rxq.Submit(idx[0])
	}

	dev.NotifyQueue(queueRx)

	d.log.WithField("mac", mac.String()).Info("network device ready")
	return d, nil
}

// Available reports whether the device completed its handshake. It is safe
// to call on a nil device.
func (d *Device) Available() bool {
	return d != nil && d.dev.Ready()
}

// MAC returns the interface hardware address.
func (d *Device) MAC() net.HardwareAddr {
	return d.mac
}

// Transmit queues one Ethernet frame and returns without waiting for the
// device to consume it. The slot is reclaimed later by ReclaimTransmitted.
func (d *Device) Transmit(frame []byte) error {
	if !d.Available() {
		return virtio.ErrNotReady
	}

	if len(frame)+2 > SlotSize {
		return errors.Wrapf(virtio.ErrFrameTooLarge, "%d bytes", len(frame))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.txq.AllocChain(1)
	if err != nil {
		return errors.Wrapf(virtio.ErrQueueFull, "tx ring: %v", err)
	}

	slot := d.txSlot[idx[0]]

	buf, err := d.mem.Bytes(slot, 2+len(frame))
	if err != nil {
		return err
	}

	be.PutUint16(buf, uint16(len(frame)))
	copy(buf[2:], frame)

	d.txq.SetDesc(idx[0], slot, uint32(2+len(frame)), 0, 0)
	d.txq.Submit(idx[0])
	d.dev.NotifyQueue(queueTx)

	d.txFrames.Inc(1)
	return nil
}

// ReclaimTransmitted returns completed TX descriptors to the free list. It
// must run periodically or the TX ring starves.
func (d *Device) ReclaimTransmitted() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.reclaimLocked()
}

// ReceivePending drains completed RX buffers, passing each valid frame to
// fn and immediately re-posting the slot so RX capacity stays maximal.
// Frames with a corrupt length prefix are logged and dropped; the slot is
// still re-posted. It returns the number of buffers drained.
func (d *Device) ReceivePending(fn func(frame []byte)) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.receiveLocked(fn)
}

// Poll acknowledges a pending device interrupt, reclaims TX completions
// and drains inbound frames to the configured input callback. It does
// nothing when no interrupt is pending, so a main loop can call it freely
// alongside an interrupt handler that already serviced the device.
func (d *Device) Poll() error {
	if !d.Available() {
		return virtio.ErrNotReady
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	status := d.dev.InterruptStatus()
	if status == 0 {
		return nil
	}
	d.dev.InterruptAck(status)

	return d.serviceLocked()
}

// HandleInterrupt services the device from the interrupt path: it always
// acknowledges and runs a full reclaim and receive cycle. Errors are logged
// rather than returned, since interrupt dispatch has no caller to hand them
// to.
func (d *Device) HandleInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if status := d.dev.InterruptStatus(); status != 0 {
		d.dev.InterruptAck(status)
	}

	if err := d.serviceLocked(); err != nil {
		d.log.WithError(err).Error("interrupt service failed")
	}
}

func (d *Device) serviceLocked() error {
	if _, err := d.reclaimLocked(); err != nil {
		return err
	}

	fn := d.input
	if fn == nil {
		fn = func([]byte) {}
	}

	_, err := d.receiveLocked(fn)
	return err
}

func (d *Device) reclaimLocked() (int, error) {
	n := 0
	for {
		c, err := d.txq.Next()
		if err != nil {
			return n, err
		}

		if c == nil {
			return n, nil
		}

		if _, err := d.txq.FreeChain(c.Head); err != nil {
			return n, err
		}

		n++
	}
}

func (d *Device) receiveLocked(fn func(frame []byte)) (int, error) {
	n := 0
	for {
		c, err := d.rxq.Next()
		if err != nil {
			return n, err
		}

		if c == nil {
			break
		}

		buf, err := d.mem.Bytes(d.rxSlot[c.Head], SlotSize)
		if err != nil {
			return n, err
		}

		if c.Written < 2 {
			d.rxDropped.Inc(1)
			d.log.WithField("written", c.Written).Warn("runt rx buffer")
		} else if flen := be.Uint16(buf); flen == 0 || uint32(flen) > c.Written-2 {
			d.rxDropped.Inc(1)
			d.log.WithFields(logrus.Fields{
				"prefix":  flen,
				"written": c.Written,
			}).Warn("bad rx length prefix")
		} else {
			fn(buf[2 : 2+flen])
			d.rxFrames.Inc(1)
		}

		// re-post before looking at the next completion
		d.rxq.SetDesc(c.Head, d.rxSlot[c.Head], SlotSize, virtq.DescFWrite, 0)
		d.rxq.Submit(c.Head)
		n++
	}

	if n > 0 {
		d.dev.NotifyQueue(queueRx)
	}

	return n, nil
}
