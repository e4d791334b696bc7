package bridge

import (
	"context"
	"fmt"

	"firestige.xyz/irqbridge/internal/core"
	"firestige.xyz/irqbridge/internal/device"
	"firestige.xyz/irqbridge/internal/irq"
	"firestige.xyz/irqbridge/internal/metrics"
	"firestige.xyz/irqbridge/internal/ring"
)

// Stack owns the interrupt plumbing around one device: controller,
// dispatcher, ring and adapter.
type Stack struct {
	Device  device.Device
	Ctrl    *irq.Controller
	Disp    *irq.Dispatcher
	Ring    *ring.Ring
	Adapter *Adapter

	armed bool
}

// NewStack builds the stack and installs the receive path on dev. Interrupts
// stay disabled until Arm.
func NewStack(dev device.Device, rc ring.Config, ac Config, rec *metrics.Recorder) (*Stack, error) {
	ctrl := irq.NewController()
	r, err := ring.New(rc, ctrl)
	if err != nil {
		return nil, err
	}
	a, err := NewAdapter(ac, dev, r, ctrl, rec)
	if err != nil {
		return nil, err
	}
	disp := irq.NewDispatcher(ctrl)
	dev.SetReceiver(a.Receiver())
	if err := disp.Attach(dev.Line(), a.Interrupt); err != nil {
		return nil, err
	}
	return &Stack{Device: dev, Ctrl: ctrl, Disp: disp, Ring: r, Adapter: a}, nil
}

// Poll services the device from the poll loop, before interrupts are armed.
func (s *Stack) Poll() { s.Disp.Poll() }

// Resolve starts address resolution for addr with the device masked.
func (s *Stack) Resolve(addr core.Endpoint) error {
	var err error
	irq.Masked(s.Ctrl, func() { err = s.Device.Resolve(addr.Addr) })
	return err
}

// Arm clears stale device events, starts the dispatcher and enables
// interrupts.
func (s *Stack) Arm(ctx context.Context) error {
	if s.armed {
		return nil
	}
	s.Device.ClearPending()
	if err := s.Disp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start interrupt dispatcher: %w", err)
	}
	s.Ctrl.Enable()
	s.armed = true
	return nil
}

// Armed reports whether interrupts are enabled.
func (s *Stack) Armed() bool { return s.armed }

// Close stops interrupt delivery. The device is left open.
func (s *Stack) Close() {
	if s.armed {
		s.Disp.Stop()
		s.armed = false
	}
}
