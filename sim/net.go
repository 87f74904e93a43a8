package sim

import (
	"encoding/binary"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmforge/virtguest/virtio"
)

var netBE = binary.BigEndian

// defaultMaxPending bounds the host->guest frame backlog while the guest
// has no RX buffers posted.
const defaultMaxPending = 64

// NetDevice emulates the FIFO-framed network device: every frame crossing
// the queues carries a 2-byte big-endian length prefix. Frames the guest
// transmits are handed to the Transmit callback; frames the host injects
// land in the guest's posted RX buffers.
type NetDevice struct {

	// Transmit receives each frame the guest sends, without the length
	// prefix. It runs in the guest's notify context and may call
	// InjectFrame to loop traffic back.
	Transmit func(frame []byte)

	// MaxPending bounds the backlog of injected frames waiting for RX
	// buffers. Zero means a small default; overflow drops the newest frame.
	MaxPending int

	// Log receives device events. Defaults to the standard logger.
	Log *logrus.Logger

	mu      sync.Mutex
	dev     *Device
	pending [][]byte
	log     *logrus.Entry
}

func (dev *NetDevice) DeviceID() virtio.DeviceID {
	return virtio.NetworkDeviceID
}

func (dev *NetDevice) Features() uint64 {
	return 0
}

func (dev *NetDevice) Ready(negotiatedFeatures uint64) error {
	return nil
}

// ReadConfig serves the device config space. The network device has none:
// its MAC and MTU are fixed, so every read returns zeroes.
func (dev *NetDevice) ReadConfig(p []byte, off int) error {
	for i := range p {
		p[i] = 0
	}

	return nil
}

// attach wires the device to its register file so frame injection can find
// the RX queue.
func (dev *NetDevice) attach(d *Device) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.dev = d
}

func (dev *NetDevice) logger() *logrus.Entry {
	if dev.log == nil {
		l := dev.Log
		if l == nil {
			l = logrus.StandardLogger()
		}

		dev.log = l.WithField("subsystem", "sim-net")
	}

	return dev.log
}

// Notify consumes guest activity: TX chains carry outbound frames, and a
// notify on the RX queue means fresh buffers for any backlogged frames.
func (dev *NetDevice) Notify(queueNum int, q *Queue) error {
	switch queueNum {
	case 0:
		return dev.consumeTx(q)

	case 1:
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.deliverLocked()

	default:
		return errors.Errorf("network device has no queue %d", queueNum)
	}
}

func (dev *NetDevice) consumeTx(q *Queue) error {
	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		buf, err := c.Data(0)
		if err != nil {
			return err
		}

		frame := dev.decode(buf)

		// the device wrote nothing back to a TX chain
		if err := c.Release(0); err != nil {
			return err
		}

		if frame != nil && dev.Transmit != nil {
			dev.Transmit(frame)
		}
	}
}

// decode strips and validates the length prefix, returning a copy of the
// frame or nil if the framing is broken.
func (dev *NetDevice) decode(buf []byte) []byte {
	if len(buf) < 2 {
		dev.logger().WithField("len", len(buf)).Warn("runt tx buffer")
		return nil
	}

	flen := netBE.Uint16(buf)
	if flen == 0 || int(flen) > len(buf)-2 {
		dev.logger().WithFields(logrus.Fields{
			"prefix": flen,
			"len":    len(buf),
		}).Warn("bad tx length prefix")
		return nil
	}

	frame := append([]byte(nil), buf[2:2+flen]...)

	if log := dev.logger(); log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
		log.WithField("packet", pkt.String()).Debug("guest tx")
	}

	return frame
}

// InjectFrame queues one host frame for delivery into the guest's posted
// RX buffers. Frames wait in a bounded backlog while the guest has no
// buffers; the newest frame is dropped on overflow.
func (dev *NetDevice) InjectFrame(frame []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	maxPending := dev.MaxPending
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}

	if len(dev.pending) >= maxPending {
		dev.logger().Warn("rx backlog full, dropping frame")
		return errors.Wrap(virtio.ErrQueueFull, "rx backlog")
	}

	dev.pending = append(dev.pending, append([]byte(nil), frame...))
	return dev.deliverLocked()
}

func (dev *NetDevice) deliverLocked() error {
	if dev.dev == nil {
		return nil
	}

	q, ok := dev.dev.Queue(1)
	if !ok {
		return nil
	}

	for len(dev.pending) > 0 {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		frame := dev.pending[0]
		dev.pending = dev.pending[1:]

		buf, err := c.Data(0)
		if err != nil {
			return err
		}

		if len(buf) < 2+len(frame) {
			dev.logger().WithFields(logrus.Fields{
				"frame": len(frame),
				"slot":  len(buf),
			}).Warn("rx buffer too small, dropping frame")

			if err := c.Release(0); err != nil {
				return err
			}

			continue
		}

		netBE.PutUint16(buf, uint16(len(frame)))
		copy(buf[2:], frame)

		if err := c.Release(2 + len(frame)); err != nil {
			return err
		}
	}

	return nil
}
