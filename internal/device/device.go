// Package device provides the network devices the bridge runs on: a host
// UDP socket and a raw Ethernet frame device.
//
// Every device models the same hardware contract. Received frames land in a
// small bounded receive FIFO and raise the interrupt line; Service drains the
// FIFO and hands matching UDP payloads to the Receiver. Transmission goes
// through a single transmit buffer that stays busy while a frame is in
// flight.
package device

import (
	"net/netip"
	"sync/atomic"
)

// Receiver is called from interrupt context for every received UDP payload.
// The payload is only valid for the duration of the call.
type Receiver func(src netip.Addr, srcPort, dstPort uint16, payload []byte)

// Device is the driver surface used by the bridge.
type Device interface {
	// SetReceiver installs the frame-arrival callback.
	SetReceiver(Receiver)
	// Line is the interrupt line raised when the receive FIFO becomes non-empty.
	Line() <-chan struct{}
	// ClearPending discards pending interrupt events.
	ClearPending()
	// Service drains the receive FIFO. Called with the interrupt source masked
	// or from the interrupt handler.
	Service()
	// TxBuffer returns the payload area of the transmit buffer. It returns a
	// nil buffer and no error while a previous transmission is in flight, and
	// ErrDeviceClosed once the device is closed.
	TxBuffer() ([]byte, error)
	// Transmit sends the first n bytes of the transmit buffer as one UDP datagram.
	Transmit(srcPort, dstPort uint16, n int) error
	// Resolve starts address resolution for addr; Resolved reports completion.
	Resolve(addr netip.Addr) error
	Resolved(addr netip.Addr) bool
	// Stats returns device counters.
	Stats() Stats
	Close() error
}

// Stats counts hardware-level events.
type Stats struct {
	RxFrames   uint64
	RxOverruns uint64
	RxFiltered uint64
	TxFrames   uint64
	TxErrors   uint64
	ARPReplies uint64
}

// rxFifo is the device-side receive queue filled by the link reader.
type rxFifo[T any] struct {
	frames chan T
	line   chan struct{}

	received atomic.Uint64
	overruns atomic.Uint64
}

func newRxFifo[T any](depth int) *rxFifo[T] {
	if depth <= 0 {
		depth = 8
	}
	return &rxFifo[T]{
		frames: make(chan T, depth),
		line:   make(chan struct{}, 1),
	}
}

// push queues a frame and raises the line. A full FIFO drops the frame.
func (f *rxFifo[T]) push(v T) {
	select {
	case f.frames <- v:
		f.received.Add(1)
	default:
		f.overruns.Add(1)
	}
	select {
	case f.line <- struct{}{}:
	default:
	}
}

// drain hands every queued frame to fn without blocking.
func (f *rxFifo[T]) drain(fn func(T)) {
	for {
		select {
		case v := <-f.frames:
			fn(v)
		default:
			return
		}
	}
}

func (f *rxFifo[T]) clearPending() {
	for {
		select {
		case <-f.line:
		default:
			return
		}
	}
}

// txPort owns the single transmit buffer and the goroutine that puts
// frames on the link.
type txPort struct {
	buf  []byte
	busy atomic.Bool
	jobs chan []byte
	done chan struct{}

	sent   atomic.Uint64
	errors atomic.Uint64
}

func newTxPort(size int, write func([]byte) error) *txPort {
	t := &txPort{
		buf:  make([]byte, size),
		jobs: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	go t.loop(write)
	return t
}

func (t *txPort) loop(write func([]byte) error) {
	defer close(t.done)
	for frame := range t.jobs {
		if err := write(frame); err != nil {
			t.errors.Add(1)
		} else {
			t.sent.Add(1)
		}
		t.busy.Store(false)
	}
}

func (t *txPort) acquire() []byte {
	if t.busy.Load() {
		return nil
	}
	return t.buf
}

// submit hands frame to the link. Callers must have acquired the buffer.
func (t *txPort) submit(frame []byte) {
	t.busy.Store(true)
	t.jobs <- frame
}

func (t *txPort) close() {
	close(t.jobs)
	<-t.done
}
