// Package bridge connects the interrupt-fed ring to the transport engine's
// non-blocking send and receive callbacks.
package bridge

import (
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/irqbridge/internal/core"
	"firestige.xyz/irqbridge/internal/device"
	"firestige.xyz/irqbridge/internal/irq"
	"firestige.xyz/irqbridge/internal/metrics"
	"firestige.xyz/irqbridge/internal/ring"
)

// Config fixes the UDP ports used for every transmission.
type Config struct {
	SrcPort uint16
	DstPort uint16
	// FlushOnSend resets the ring before each non-empty send.
	FlushOnSend bool
}

// Adapter is the transport engine's I/O surface. Send and Receive are called
// from the poll loop only; Interrupt and Receiver run in interrupt context.
type Adapter struct {
	dev  device.Device
	ring *ring.Ring
	mask irq.Masker
	flow *FlowController
	rec  *metrics.Recorder

	srcPort uint16
	dstPort uint16
}

// NewAdapter wires dev and r together. m masks the device interrupt around
// transmit-buffer access.
func NewAdapter(cfg Config, dev device.Device, r *ring.Ring, m irq.Masker, rec *metrics.Recorder) (*Adapter, error) {
	if dev == nil || r == nil || m == nil || rec == nil {
		return nil, fmt.Errorf("%w: adapter requires a device, ring, masker and recorder", core.ErrConfigInvalid)
	}
	if cfg.DstPort == 0 {
		return nil, fmt.Errorf("%w: adapter destination port not set", core.ErrConfigInvalid)
	}
	return &Adapter{
		dev:     dev,
		ring:    r,
		mask:    m,
		flow:    NewFlowController(r, rec, cfg.FlushOnSend),
		rec:     rec,
		srcPort: cfg.SrcPort,
		dstPort: cfg.DstPort,
	}, nil
}

// Receiver returns the frame-arrival callback that feeds the ring.
func (a *Adapter) Receiver() device.Receiver {
	return func(src netip.Addr, srcPort, dstPort uint16, payload []byte) {
		a.ring.Produce(src, srcPort, dstPort, payload)
	}
}

// Interrupt is the device interrupt handler.
func (a *Adapter) Interrupt() {
	a.dev.Service()
}

// Send transmits p as one datagram.
//
// A non-empty payload flushes the ring first, even when the transmit buffer
// then turns out to be busy. A busy buffer yields would-block without
// consuming p. A closed device fails with KindConnClosed. An empty payload
// transmits nothing.
func (a *Adapter) Send(p []byte) core.Result {
	if len(p) == 0 {
		return core.Data(0)
	}
	a.flow.BeforeSend(len(p))

	prev := a.mask.Disable()
	defer a.mask.Restore(prev)

	buf, err := a.dev.TxBuffer()
	if err != nil {
		if errors.Is(err, core.ErrDeviceClosed) {
			return core.Fail(core.KindConnClosed, err)
		}
		return core.Fail(core.KindGeneral, err)
	}
	if buf == nil {
		a.rec.RecordWouldBlock(metrics.Outbound)
		return core.WouldBlock()
	}
	if len(p) > len(buf) {
		return core.Fail(core.KindGeneral, fmt.Errorf("%w: %d bytes exceeds transmit buffer of %d", core.ErrFrameTooLarge, len(p), len(buf)))
	}
	n := copy(buf, p)
	if err := a.dev.Transmit(a.srcPort, a.dstPort, n); err != nil {
		switch {
		case errors.Is(err, core.ErrTxUnavailable):
			a.rec.RecordWouldBlock(metrics.Outbound)
			return core.WouldBlock()
		case errors.Is(err, core.ErrDeviceClosed):
			return core.Fail(core.KindConnClosed, err)
		default:
			return core.Fail(core.KindGeneral, err)
		}
	}
	a.rec.Record(metrics.Outbound, n)
	return core.Data(n)
}

// Receive copies queued inbound bytes into p.
func (a *Adapter) Receive(p []byte) core.Result {
	res := a.ring.Consume(p)
	switch {
	case res.Blocked():
		a.rec.RecordWouldBlock(metrics.Inbound)
	case res.Ok():
		a.rec.Record(metrics.Inbound, res.N)
	}
	return res
}

// Flow returns the flow controller.
func (a *Adapter) Flow() *FlowController { return a.flow }

// Ring returns the inbound ring.
func (a *Adapter) Ring() *ring.Ring { return a.ring }
