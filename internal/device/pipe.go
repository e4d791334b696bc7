package device

import (
	"sync"

	"firestige.xyz/irqbridge/internal/core"
)

// PipeEnd is one side of an in-memory Ethernet link.
type PipeEnd struct {
	in  chan []byte
	out chan []byte

	once   sync.Once
	closed chan struct{}
	peer   *PipeEnd
}

// NewPipe returns two connected link ends. Each direction buffers depth
// frames; writes to a full link are dropped, like a saturated wire.
func NewPipe(depth int) (*PipeEnd, *PipeEnd) {
	if depth <= 0 {
		depth = 64
	}
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	a := &PipeEnd{in: ba, out: ab, closed: make(chan struct{})}
	b := &PipeEnd{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// ReadFrame implements FrameIO.
func (p *PipeEnd) ReadFrame() ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return nil, core.ErrDeviceClosed
	}
}

// WriteFrame implements FrameIO. The frame is copied.
func (p *PipeEnd) WriteFrame(frame []byte) error {
	select {
	case <-p.closed:
		return core.ErrDeviceClosed
	default:
	}
	f := make([]byte, len(frame))
	copy(f, frame)
	select {
	case p.out <- f:
	default:
	}
	return nil
}

// Close implements FrameIO.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
