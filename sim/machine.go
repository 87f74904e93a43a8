package sim

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmforge/virtguest/gmem"
	"github.com/vmforge/virtguest/virtio"
)

// Physical layout of the simulated machine. Guest memory starts at MemBase;
// the device register windows sit below it.
const (
	MemBase   = 0x8000_0000
	PLICBase  = 0x0c00_0000
	NetBase   = 0x1000_1000
	BlockBase = 0x1000_2000

	NetIRQ   = 2
	BlockIRQ = 3
)

// DefaultMemSize is the guest memory size used when the config leaves it zero.
const DefaultMemSize = 8 << 20

// MachineConfig assembles a Machine.
type MachineConfig struct {

	// MemSize is the guest memory size in bytes. Zero means DefaultMemSize.
	MemSize int

	// Storage backs the block device. Nil means no block device: its
	// register window still exists but fails the probe.
	Storage Storage

	// SectorSize is reported in the block device's config space. Zero is
	// passed through to the driver, which falls back to 512.
	SectorSize uint32

	// ReadOnly forces the block device to reject writes.
	ReadOnly bool

	// Transmit receives frames the guest sends, without the length prefix.
	// It may call Machine.InjectFrame to loop traffic back.
	Transmit func(frame []byte)

	// Log receives machine events. Defaults to the standard logger.
	Log *logrus.Logger
}

// Machine is the host side of the platform: guest memory, the interrupt
// controller and the virtio-mmio register files, wired together the way the
// real machine lays them out.
type Machine struct {
	Mem  *gmem.Arena
	PLIC *PLIC

	Net    *NetDevice
	NetBus *Device

	Block    *BlockDevice
	BlockBus *Device
}

// NewMachine assembles guest memory, the PLIC and the device register files.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	size := cfg.MemSize
	if size == 0 {
		size = DefaultMemSize
	}

	if size < 0 {
		return nil, errors.Errorf("bad memory size %d", size)
	}

	mem := gmem.New(MemBase, size)

	m := &Machine{
		Mem:  mem,
		PLIC: NewPLIC(cfg.Log),
	}

	m.Net = &NetDevice{
		Transmit: cfg.Transmit,
		Log:      cfg.Log,
	}

	m.NetBus = NewDevice(mem, m.Net, NetIRQ, m.PLIC.Raise, cfg.Log)
	m.Net.attach(m.NetBus)

	if cfg.Storage != nil {
		m.Block = &BlockDevice{
			Storage:    cfg.Storage,
			ReadOnly:   cfg.ReadOnly,
			SectorSize: cfg.SectorSize,
			Log:        cfg.Log,
		}

		m.BlockBus = NewDevice(mem, m.Block, BlockIRQ, m.PLIC.Raise, cfg.Log)
	} else {
		m.BlockBus = NewDevice(mem, absentDevice{}, BlockIRQ, m.PLIC.Raise, cfg.Log)
	}

	return m, nil
}

// InjectFrame delivers one host frame into the guest's network device.
func (m *Machine) InjectFrame(frame []byte) error {
	return m.Net.InjectFrame(frame)
}

// absentDevice fills an unpopulated register window. Probing it fails with
// a device-type mismatch, the same way an empty virtio-mmio slot reports
// device ID zero.
type absentDevice struct{}

func (absentDevice) DeviceID() virtio.DeviceID          { return virtio.InvalidDeviceID }
func (absentDevice) Features() uint64                   { return 0 }
func (absentDevice) Ready(uint64) error                 { return nil }
func (absentDevice) Notify(int, *Queue) error           { return nil }
func (absentDevice) ReadConfig(p []byte, off int) error { return nil }
