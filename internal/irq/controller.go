// Package irq models the single interrupt source shared by the device
// driver and the poll loop.
//
// The poll context masks the source with Disable and restores the previous
// state with Restore, mirroring a save/restore of the global interrupt-enable
// bit. The dispatcher runs every handler inside Enter/Exit, so a handler can
// never overlap a masked section of the poll loop and is never re-entered.
package irq

import "sync"

// State is the interrupt-enable state saved by Disable.
type State bool

// Masker is the poll-context view of the interrupt source.
type Masker interface {
	// Disable masks the source and returns the previous state.
	Disable() State
	// Restore re-applies a state returned by Disable.
	Restore(State)
}

// Controller is the host rendition of the interrupt controller. Masking is
// holding mu; a pending interrupt waits in Enter until the poll context
// restores the enabled state.
type Controller struct {
	mu sync.Mutex

	// enabled is owned by the poll context.
	enabled bool
}

// NewController returns a controller with interrupts globally disabled, as
// at reset. Call Enable once the device is ready.
func NewController() *Controller {
	c := &Controller{}
	c.mu.Lock()
	return c
}

// Enable sets the global interrupt-enable bit.
func (c *Controller) Enable() {
	c.Restore(true)
}

// Enabled reports the global interrupt-enable bit. Poll context only.
func (c *Controller) Enabled() bool {
	return c.enabled
}

// Disable clears the global interrupt-enable bit and returns its previous
// value. Nested calls return false and leave the mask in place.
func (c *Controller) Disable() State {
	if !c.enabled {
		return false
	}
	c.mu.Lock()
	c.enabled = false
	return true
}

// Restore re-enables interrupts if prev is the enabled state.
func (c *Controller) Restore(prev State) {
	if !bool(prev) || c.enabled {
		return
	}
	c.enabled = true
	c.mu.Unlock()
}

// Enter is called by the dispatcher before running a handler.
func (c *Controller) Enter() {
	c.mu.Lock()
}

// Exit is called by the dispatcher after a handler returns.
func (c *Controller) Exit() {
	c.mu.Unlock()
}

// Masked runs fn with the source masked.
func Masked(m Masker, fn func()) {
	prev := m.Disable()
	defer m.Restore(prev)
	fn()
}
