// Package blk is the guest driver for a virtio block device. Requests are
// synchronous: the driver keeps exactly one request in flight and busy-waits
// on the used ring for its completion, so completions never need to be
// matched back to requests.
package blk

import (
	"encoding/binary"
	"runtime"
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
	requestQueue = 0
	queueSize    = 16

	// MaxSectorsPerRequest bounds a single request to the scratch buffer.
	// Larger transfers are split into sequential sub-requests.
	MaxSectorsPerRequest = 128

	// DefaultSectorSize is assumed when the device reports a zero block size.
	DefaultSectorSize = 512
)

// request types
const (
	tIn    = 0
	tOut   = 1
	tFlush = 4
)

// request status
const (
	sOK     = 0
	sIOErr  = 1
	sUnsupp = 2

	// statusSentinel is preset into the status byte before submission so a
	// device that completes a request without writing status is detectable.
	statusSentinel = 0xff
)

// device config space offsets
const (
	cfgCapacity = 0  // le64, in 512-byte sectors
	cfgBlkSize  = 20 // le32
)

var le = binary.LittleEndian

// Config carries the collaborators for a block device.
type Config struct {
	// Bus is the device's MMIO register window.
	Bus mmio.RegisterBus

	// Mem is the guest memory arena the rings and buffers are carved from.
	Mem *gmem.Arena

	// Log receives driver events. Defaults to the standard logger.
	Log *logrus.Logger
}

// Device is a ready block device. Methods are safe for use from a single
// context; a mutex serializes callers that share the device anyway.
type Device struct {
	mu  sync.Mutex
	dev *mmio.Device
	mem *gmem.Arena
	q   *virtq.Queue
	log *logrus.Entry

	capacity   uint64 // sectors
	sectorSize uint32

	hdrAddr     uint64
	statusAddr  uint64
	scratchAddr uint64

	hdr     []byte
	status  []byte
	scratch []byte

	reads      metrics.Counter
	writes     metrics.Counter
	flushes    metrics.Counter
	readBytes  metrics.Counter
	writeBytes metrics.Counter
}

// New probes and negotiates the device, reads its geometry from config
// space, configures the request queue and completes the handshake. Any
// failure leaves the device unusable and is returned; the caller may run
// degraded without block storage.
func New(cfg Config) (*Device, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	dev := mmio.New(cfg.Bus, log)

	if err := dev.Probe(virtio.BlockDeviceID); err != nil {
		return nil, errors.Wrap(err, "blk: probe")
	}

	if err := dev.Negotiate(virtio.FVersion1); err != nil {
		return nil, errors.Wrap(err, "blk: negotiate")
	}

	capacity := dev.ConfigRead64(cfgCapacity)

	sectorSize := dev.ConfigRead32(cfgBlkSize)
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}

	d := &Device{
		dev: dev,
		mem: cfg.Mem,
		log: log.WithField("subsystem", "virtio-blk"),

		capacity:   capacity,
		sectorSize: sectorSize,

		reads:      metrics.GetOrRegisterCounter("virtio.blk.reads", nil),
		writes:     metrics.GetOrRegisterCounter("virtio.blk.writes", nil),
		flushes:    metrics.GetOrRegisterCounter("virtio.blk.flushes", nil),
		readBytes:  metrics.GetOrRegisterCounter("virtio.blk.read_bytes", nil),
		writeBytes: metrics.GetOrRegisterCounter("virtio.blk.write_bytes", nil),
	}

	var err error
	if d.hdrAddr, err = cfg.Mem.Alloc(16, 16); err != nil {
		return nil, err
	}

	if d.statusAddr, err = cfg.Mem.Alloc(1, 16); err != nil {
		return nil, err
	}

	if d.scratchAddr, err = cfg.Mem.Alloc(MaxSectorsPerRequest*int(sectorSize), 4096); err != nil {
		return nil, err
	}

	if d.hdr, err = cfg.Mem.Bytes(d.hdrAddr, 16); err != nil {
		return nil, err
	}

	if d.status, err = cfg.Mem.Bytes(d.statusAddr, 1); err != nil {
		return nil, err
	}

	if d.scratch, err = cfg.Mem.Bytes(d.scratchAddr, MaxSectorsPerRequest*int(sectorSize)); err != nil {
		return nil, err
	}

	if d.q, err = virtq.New(cfg.Mem, queueSize); err != nil {
		return nil, err
	}

	if err := dev.ConfigureQueue(requestQueue, d.q.Size(), d.q.DescAddr(), d.q.DriverAddr(), d.q.DeviceAddr()); err != nil {
		return nil, errors.Wrap(err, "blk: configure queue")
	}

	dev.SetDriverOK()

	d.log.WithFields(logrus.Fields{
		"capacity":   capacity,
		"sectorSize": sectorSize,
	}).Info("block device ready")

	return d, nil
}

// Available reports whether the device completed its handshake. It is safe
// to call on a nil device so callers can degrade gracefully.
func (d *Device) Available() bool {
	return d != nil && d.dev.Ready()
}

// Capacity returns the device capacity in sectors.
func (d *Device) Capacity() uint64 {
	return d.capacity
}

// SectorSize returns the device sector size in bytes.
func (d *Device) SectorSize() uint32 {
	return d.sectorSize
}

// Read fills p from the device starting at the given sector. The buffer
// length must be a whole number of sectors and the range must lie inside
// the device.
func (d *Device) Read(sector uint64, p []byte) error {
	count, err := d.checkRange(sector, p)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for count > 0 {
		n := min(count, MaxSectorsPerRequest)
		length := n * uint64(d.sectorSize)

		if err := d.request(tIn, sector, uint32(length)); err != nil {
			return err
		}

		copy(p[:length], d.scratch[:length])

		p = p[length:]
		sector += n
		count -= n
	}

	d.reads.Inc(1)
	return nil
}

// Write stores p to the device starting at the given sector. The buffer
// length must be a whole number of sectors and the range must lie inside
// the device.
func (d *Device) Write(sector uint64, p []byte) error {
	count, err := d.checkRange(sector, p)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for count > 0 {
		n := min(count, MaxSectorsPerRequest)
		length := n * uint64(d.sectorSize)

		copy(d.scratch[:length], p[:length])

		if err := d.request(tOut, sector, uint32(length)); err != nil {
			return err
		}

		p = p[length:]
		sector += n
		count -= n
	}

	d.writes.Inc(1)
	return nil
}

// Flush asks the device to commit its write cache.
func (d *Device) Flush() error {
	if !d.Available() {
		return virtio.ErrNotReady
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.request(tFlush, 0, 0); err != nil {
		return err
	}

	d.flushes.Inc(1)
	return nil
}

// checkRange validates a transfer before any hardware state changes and
// returns its length in sectors.
func (d *Device) checkRange(sector uint64, p []byte) (uint64, error) {
	if !d.Available() {
		return 0, virtio.ErrNotReady
	}

	if len(p) == 0 || len(p)%int(d.sectorSize) != 0 {
		return 0, errors.Wrapf(virtio.ErrOutOfRange, "buffer length %d is not a whole number of %d-byte sectors",
			len(p), d.sectorSize)
	}

	count := uint64(len(p)) / uint64(d.sectorSize)
	if sector+count > d.capacity || sector+count < sector {
		return 0, errors.Wrapf(virtio.ErrOutOfRange, "sectors [%d, %d) beyond capacity %d",
			sector, sector+count, d.capacity)
	}

	return count, nil
}

// request submits one header/data/status chain (header/status for flush),
// waits for its completion and checks the device status byte. Exactly one
// request is ever outstanding.
func (d *Device) request(op uint32, sector uint64, length uint32) error {
	le.PutUint32(d.hdr[0:], op)
	le.PutUint32(d.hdr[4:], 0)
	le.PutUint64(d.hdr[8:], sector)

	d.status[0] = statusSentinel

	ndesc := 3
	if op == tFlush {
		ndesc = 2
	}

	idx, err := d.q.AllocChain(ndesc)
	if err != nil {
		return err
	}

	if op == tFlush {
		d.q.SetDesc(idx[0], d.hdrAddr, 16, virtq.DescFNext, idx[1])
		d.q.SetDesc(idx[1], d.statusAddr, 1, virtq.DescFWrite, 0)
	} else {
		dataFlags := uint16(virtq.DescFNext)
		if op == tIn {
			dataFlags |= virtq.DescFWrite
		}

		d.q.SetDesc(idx[0], d.hdrAddr, 16, virtq.DescFNext, idx[1])
		d.q.SetDesc(idx[1], d.scratchAddr, length, dataFlags, idx[2])
		d.q.SetDesc(idx[2], d.statusAddr, 1, virtq.DescFWrite, 0)
	}

	d.q.Submit(idx[0])
	d.dev.NotifyQueue(requestQueue)

	// Busy-wait for the single outstanding request. A device that never
	// completes hangs the caller; there is no timeout.
	var c *virtq.Completion
	for {
		c, err = d.q.Next()
		if err != nil {
			// reclaim the chain so the free list stays consistent
			if _, ferr := d.q.FreeChain(idx[0]); ferr != nil {
				d.log.WithError(ferr).Warn("freeing chain after ring error")
			}

			return err
		}

		if c != nil {
			break
		}

		runtime.Gosched()
	}

	// Keep the interrupt line quiet: this driver completes synchronously,
	// so the used-buffer interrupt carries no extra information.
	if s := d.dev.InterruptStatus(); s != 0 {
		d.dev.InterruptAck(s)
	}

	if c.Head != idx[0] {
		if _, ferr := d.q.FreeChain(idx[0]); ferr != nil {
			d.log.WithError(ferr).Warn("freeing chain after head mismatch")
		}

		return errors.Wrapf(virtq.ErrUsedIndexInvalid, "completed head %d, submitted %d", c.Head, idx[0])
	}

	if _, err := d.q.FreeChain(idx[0]); err != nil {
		return err
	}

	switch st := d.status[0]; st {
	case sOK:
		if op == tIn {
			d.readBytes.Inc(int64(length))
		} else if op == tOut {
			d.writeBytes.Inc(int64(length))
		}
		return nil

	case sUnsupp:
		return errors.Wrapf(virtio.ErrDeviceIO, "unsupported request type %d", op)

	default:
		return errors.Wrapf(virtio.ErrDeviceIO, "status %d", st)
	}
}
