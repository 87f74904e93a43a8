// Package plic drives a priority-based external interrupt controller with
// claim/complete semantics and dispatches claimed sources to their owning
// device drivers.
package plic

import (
	"github.com/sirupsen/logrus"
)

// register offsets relative to the controller base
const (
	regPriority  = 0x000000 // one word per source
	regPending   = 0x001000 // pending bits, one word per 32 sources
	regEnable    = 0x002000 // enable bits, one word per 32 sources
	regThreshold = 0x200000 // priority threshold
	regClaim     = 0x200004 // claim on read, complete on write
)

// RegisterBus is the controller's register window.
type RegisterBus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Controller is the low-level claim/complete interface to the interrupt
// controller.
type Controller struct {
	bus RegisterBus
}

// New wraps a controller register window and opens the priority threshold
// so every source with priority > 0 can interrupt.
func New(bus RegisterBus) *Controller {
	c := &Controller{bus: bus}
	c.SetThreshold(0)
	return c
}

// SetThreshold masks all sources with priority <= threshold.
func (c *Controller) SetThreshold(threshold uint32) {
	c.bus.Write32(regThreshold, threshold)
}

// Enable gives the source priority 1 and sets its enable bit.
func (c *Controller) Enable(src uint32) {
	c.bus.Write32(regPriority+4*src, 1)

	word, bit := src/32, src%32
	cur := c.bus.Read32(regEnable + 4*word)
	c.bus.Write32(regEnable+4*word, cur|1<<bit)
}

// Disable clears the source's enable bit.
func (c *Controller) Disable(src uint32) {
	word, bit := src/32, src%32
	cur := c.bus.Read32(regEnable + 4*word)
	c.bus.Write32(regEnable+4*word, cur&^(1<<bit))
}

// Claim returns the highest-priority pending enabled source and marks it
// claimed, or 0 when nothing is pending.
func (c *Controller) Claim() uint32 {
	return c.bus.Read32(regClaim)
}

// Complete re-arms a claimed source. Every claim must be completed exactly
// once or the controller never raises that source again.
func (c *Controller) Complete(src uint32) {
	c.bus.Write32(regClaim, src)
}

// Dispatcher routes claimed interrupt sources to registered handlers.
type Dispatcher struct {
	ctl      *Controller
	handlers map[uint32]func()
	log      *logrus.Entry
}

// NewDispatcher builds a dispatcher over a controller.
func NewDispatcher(ctl *Controller, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Dispatcher{
		ctl:      ctl,
		handlers: make(map[uint32]func()),
		log:      log.WithField("subsystem", "plic"),
	}
}

// Register installs the handler for an interrupt source and enables the
// source at the controller.
func (d *Dispatcher) Register(src uint32, fn func()) {
	d.handlers[src] = fn
	d.ctl.Enable(src)
}

// Service claims and dispatches pending interrupts until the controller
// reports none. Each claim is completed exactly once, after its handler
// returns. Claims with no registered handler are logged and completed so
// the source cannot wedge the controller. It returns the number of claims
// serviced.
func (d *Dispatcher) Service() int {
	n := 0
	for {
		src := d.ctl.Claim()
		if src == 0 {
			return n
		}

		if fn, ok := d.handlers[src]; ok {
			fn()
		} else {
			d.log.WithField("source", src).Warn("interrupt from unregistered source")
		}

		d.ctl.Complete(src)
		n++
	}
}
