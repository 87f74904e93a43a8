package sim

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// PLIC register offsets, matching the layout the guest driver expects.
const (
	plicPriority  = 0x000000
	plicPending   = 0x001000
	plicEnable    = 0x002000
	plicThreshold = 0x200000
	plicClaim     = 0x200004
)

// plicSources is the number of interrupt sources modeled. Source 0 is
// reserved to mean "none pending".
const plicSources = 64

// PLIC emulates a priority-based interrupt controller with claim/complete
// semantics: a pending enabled source is returned by a claim read and stays
// masked until the matching complete write re-arms it.
type PLIC struct {
	mu        sync.Mutex
	priority  [plicSources]uint32
	pending   uint64
	enable    uint64
	claimed   uint64
	threshold uint32
	log       *logrus.Entry
}

// NewPLIC builds an interrupt controller with all sources disabled.
func NewPLIC(log *logrus.Logger) *PLIC {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &PLIC{
		log: log.WithField("subsystem", "sim-plic"),
	}
}

// Raise marks an interrupt source pending.
func (p *PLIC) Raise(src uint32) {
	if src == 0 || src >= plicSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending |= 1 << src
}

// Pending reports whether a source is pending and not yet claimed.
func (p *PLIC) Pending(src uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pending&(1<<src) != 0
}

// Read32 implements the guest-facing register window.
func (p *PLIC) Read32(off uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case off >= plicPriority && off < plicPriority+4*plicSources:
		return p.priority[(off-plicPriority)/4]

	case off >= plicPending && off < plicPending+8:
		return uint32(p.pending >> (32 * ((off - plicPending) / 4)))

	case off >= plicEnable && off < plicEnable+8:
		return uint32(p.enable >> (32 * ((off - plicEnable) / 4)))

	case off == plicThreshold:
		return p.threshold

	case off == plicClaim:
		return p.claimLocked()
	}

	p.log.WithField("off", off).Warn("read of unknown register")
	return 0
}

// Write32 implements the guest-facing register window.
func (p *PLIC) Write32(off uint32, v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case off >= plicPriority && off < plicPriority+4*plicSources:
		p.priority[(off-plicPriority)/4] = v

	case off >= plicEnable && off < plicEnable+8:
		shift := 32 * ((off - plicEnable) / 4)
		p.enable = p.enable&^(0xffffffff<<shift) | uint64(v)<<shift

	case off == plicThreshold:
		p.threshold = v

	case off == plicClaim:
		// complete: re-arm the source
		if v > 0 && v < plicSources {
			p.claimed &^= 1 << v
		}

	default:
		p.log.WithFields(logrus.Fields{
			"off":   off,
			"value": v,
		}).Warn("write to unknown register")
	}
}

// claimLocked returns the highest-priority claimable source, breaking ties
// by the lowest source number, or 0 when nothing is claimable.
func (p *PLIC) claimLocked() uint32 {
	var best uint32
	var bestPrio uint32

	for src := uint32(1); src < plicSources; src++ {
		bit := uint64(1) << src
		if p.pending&bit == 0 || p.enable&bit == 0 || p.claimed&bit != 0 {
			continue
		}

		if prio := p.priority[src]; prio > p.threshold && prio > bestPrio {
			best, bestPrio = src, prio
		}
	}

	if best != 0 {
		p.pending &^= 1 << best
		p.claimed |= 1 << best
	}

	return best
}
