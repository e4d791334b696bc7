package bridge

import (
	"firestige.xyz/irqbridge/internal/metrics"
	"firestige.xyz/irqbridge/internal/ring"
)

// FlowController invalidates buffered inbound data ahead of every outbound
// payload. Whatever the engine sends supersedes what the peer had sent
// before, so stale frames (including unrelated inbound traffic) are dropped.
type FlowController struct {
	ring    *ring.Ring
	rec     *metrics.Recorder
	enabled bool
}

// NewFlowController returns a controller resetting r. A disabled controller
// never flushes.
func NewFlowController(r *ring.Ring, rec *metrics.Recorder, enabled bool) *FlowController {
	return &FlowController{ring: r, rec: rec, enabled: enabled}
}

// BeforeSend flushes the ring when an n-byte payload is about to go out.
func (f *FlowController) BeforeSend(n int) {
	if !f.enabled || n <= 0 {
		return
	}
	f.ring.Reset()
	if f.rec != nil {
		f.rec.RecordFlush()
	}
}

// Enabled reports whether sends flush the ring.
func (f *FlowController) Enabled() bool { return f.enabled }
