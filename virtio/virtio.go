// Package virtio holds the protocol constants and error taxonomy shared by
// the MMIO transport, the virtqueue ring manager and the device drivers.
package virtio

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

// device status bits
const (
	StatusAcknowledge = 1   // recognized by the guest
	StatusDriver      = 2   // the guest has a driver
	StatusDriverOK    = 4   // ready to drive
	StatusFeaturesOK  = 8   // features negotiated
	StatusNeedsReset  = 64  // fatal device error
	StatusFailed      = 128 // fatal driver error
)

// FVersion1 (VIRTIO_F_VERSION_1) "indicates compliance with [the virtio]
// specification, giving a simple way to detect legacy devices or drivers."
// It is the only feature bit the drivers in this module negotiate.
const FVersion1 = 1 << 32

// Discovery and negotiation errors. Each is fatal to the affected device
// only: the caller may continue without it.
var (
	ErrWrongMagic         = errors.New("virtio: wrong magic value")
	ErrUnsupportedVersion = errors.New("virtio: unsupported device version")
	ErrWrongDeviceType    = errors.New("virtio: wrong device type")
	ErrFeaturesRejected   = errors.New("virtio: device rejected driver features")
	ErrQueueUnavailable   = errors.New("virtio: queue unavailable")
)

// Runtime errors surfaced by driver operations.
var (
	ErrNotReady         = errors.New("virtio: device is not ready")
	ErrOutOfRange       = errors.New("virtio: access out of range")
	ErrDeviceIO         = errors.New("virtio: device reported an I/O error")
	ErrFrameTooLarge    = errors.New("virtio: frame too large")
	ErrQueueFull        = errors.New("virtio: queue is full")
	ErrOutOfDescriptors = errors.New("virtio: out of descriptors")
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
