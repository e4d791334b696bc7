package irq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler services the device from interrupt context. It must not block on
// the poll loop.
type Handler func()

var (
	errAlreadyAttached = errors.New("irq: handler already attached")
	errNotAttached     = errors.New("irq: no handler attached")
)

// Dispatcher delivers interrupt-line events to the attached handler, one at
// a time, inside the controller's critical section.
type Dispatcher struct {
	ctrl *Controller

	mu      sync.Mutex
	handler Handler
	line    <-chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	fired atomic.Uint64
}

// NewDispatcher returns a dispatcher bound to ctrl.
func NewDispatcher(ctrl *Controller) *Dispatcher {
	return &Dispatcher{ctrl: ctrl}
}

// Attach registers h as the handler for events raised on line.
func (d *Dispatcher) Attach(line <-chan struct{}, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler != nil {
		return errAlreadyAttached
	}
	d.handler = h
	d.line = line
	return nil
}

// Start runs the dispatch loop until ctx is cancelled, Stop is called, or
// the line is closed.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return errNotAttached
	}
	if d.done != nil {
		return nil
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.loop(ctx, d.line, d.done)
	slog.Debug("interrupt dispatcher started", "component", "irq")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, line <-chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-line:
			if !ok {
				return
			}
			d.Fire()
		}
	}
}

// Fire runs the handler once inside the critical section, waiting while the
// poll context holds the source masked.
func (d *Dispatcher) Fire() {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		return
	}
	d.ctrl.Enter()
	defer d.ctrl.Exit()
	h()
	d.fired.Add(1)
}

// Poll runs the handler from the poll context with the source masked. It is
// how the device is serviced before interrupts are armed.
func (d *Dispatcher) Poll() {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		return
	}
	Masked(d.ctrl, h)
}

// Fired returns how many times the handler has run.
func (d *Dispatcher) Fired() uint64 {
	return d.fired.Load()
}

// Stop ends the dispatch loop and waits for an in-flight handler to return.
// Interrupts must be enabled, otherwise a pending event never drains.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Debug("interrupt dispatcher stopped", "component", "irq", "fired", d.fired.Load())
}
