// Package ring implements the fixed-slot receive queue between the interrupt
// handler and the poll loop.
//
// Semantics
//   - Exactly one producer (interrupt context) and one consumer (poll context).
//   - The producer writes only the slot at the write index, and only while
//     that slot is empty. A full ring drops the incoming frame.
//   - The consumer reads only the slot at the read index, and only while it
//     is populated. A slot may be drained across several Consume calls.
//   - Reset is the only operation that touches both indices; it runs with the
//     interrupt source masked.
package ring

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"firestige.xyz/irqbridge/internal/core"
	"firestige.xyz/irqbridge/internal/irq"
)

const (
	DefaultSlots    = 16
	DefaultSlotSize = 1500
)

// Config describes the ring geometry and the expected peer.
type Config struct {
	Slots    int
	SlotSize int

	// Peer is the only source accepted by Produce.
	Peer core.Endpoint
	// LocalPort, when non-zero, must match the frame's destination port.
	LocalPort uint16
}

type slot struct {
	data   []byte
	length int
	cursor int
	ready  atomic.Bool
}

// Ring is a fixed-capacity SPSC queue of packet slots.
type Ring struct {
	slots []slot
	wr    atomic.Uint32
	rd    atomic.Uint32

	peer      core.Endpoint
	localPort uint16
	mask      irq.Masker

	accepted     atomic.Uint64
	droppedPeer  atomic.Uint64
	droppedSize  atomic.Uint64
	droppedEmpty atomic.Uint64
	droppedFull  atomic.Uint64
	resets       atomic.Uint64
	discarded    atomic.Uint64
}

// New allocates every slot up front. m masks the producer during Reset.
func New(cfg Config, m irq.Masker) (*Ring, error) {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.SlotSize <= 0 {
		cfg.SlotSize = DefaultSlotSize
	}
	if !cfg.Peer.Addr.IsValid() {
		return nil, fmt.Errorf("%w: ring peer address not set", core.ErrConfigInvalid)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: ring requires an interrupt masker", core.ErrConfigInvalid)
	}

	r := &Ring{
		slots:     make([]slot, cfg.Slots),
		peer:      cfg.Peer,
		localPort: cfg.LocalPort,
		mask:      m,
	}
	backing := make([]byte, cfg.Slots*cfg.SlotSize)
	for i := range r.slots {
		r.slots[i].data = backing[i*cfg.SlotSize : (i+1)*cfg.SlotSize : (i+1)*cfg.SlotSize]
	}
	return r, nil
}

// Produce queues one frame. Interrupt context only.
//
// Frames from an unexpected peer, empty frames, frames larger than a slot and
// frames arriving while the write slot is still populated are dropped
// silently; the return value only feeds counters.
func (r *Ring) Produce(src netip.Addr, srcPort, dstPort uint16, data []byte) bool {
	if src != r.peer.Addr || srcPort != r.peer.Port {
		r.droppedPeer.Add(1)
		return false
	}
	if r.localPort != 0 && dstPort != r.localPort {
		r.droppedPeer.Add(1)
		return false
	}
	if len(data) == 0 {
		r.droppedEmpty.Add(1)
		return false
	}

	w := r.wr.Load()
	s := &r.slots[w]
	if len(data) > cap(s.data) {
		r.droppedSize.Add(1)
		return false
	}
	if s.ready.Load() {
		r.droppedFull.Add(1)
		return false
	}

	s.length = copy(s.data[:cap(s.data)], data)
	s.cursor = 0
	s.ready.Store(true)

	r.wr.Store((w + 1) % uint32(len(r.slots)))
	r.accepted.Add(1)
	return true
}

// Consume copies queued bytes into dst. Poll context only.
//
// It returns would-block when the read slot is empty. Otherwise it copies at
// most the unread remainder of a single frame; the slot is released and the
// read index advanced once the frame is fully drained.
func (r *Ring) Consume(dst []byte) core.Result {
	ri := r.rd.Load()
	s := &r.slots[ri]
	if !s.ready.Load() {
		return core.WouldBlock()
	}

	n := copy(dst, s.data[s.cursor:s.length])
	s.cursor += n

	if s.cursor >= s.length {
		s.ready.Store(false)
		r.rd.Store((ri + 1) % uint32(len(r.slots)))
	}
	return core.Data(n)
}

// Reset empties every slot and zeroes both indices with the producer masked.
// A partially drained frame is discarded.
func (r *Ring) Reset() {
	irq.Masked(r.mask, r.reset)
}

func (r *Ring) reset() {
	var discarded uint64
	for i := range r.slots {
		s := &r.slots[i]
		if s.ready.Load() {
			discarded++
		}
		s.ready.Store(false)
		s.cursor = 0
		s.length = 0
	}
	r.wr.Store(0)
	r.rd.Store(0)
	r.resets.Add(1)
	r.discarded.Add(discarded)
}

// Slots returns the slot count.
func (r *Ring) Slots() int { return len(r.slots) }

// SlotSize returns the per-slot capacity in bytes.
func (r *Ring) SlotSize() int { return cap(r.slots[0].data) }

// Pending counts populated slots. Diagnostic only; the value may be stale
// by the time it is returned.
func (r *Ring) Pending() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].ready.Load() {
			n++
		}
	}
	return n
}

// WriteIndex returns the producer index.
func (r *Ring) WriteIndex() int { return int(r.wr.Load()) }

// ReadIndex returns the consumer index.
func (r *Ring) ReadIndex() int { return int(r.rd.Load()) }

// Stats is a snapshot of the ring counters.
type Stats struct {
	Accepted        uint64
	DroppedPeer     uint64
	DroppedOversize uint64
	DroppedEmpty    uint64
	DroppedFull     uint64
	Resets          uint64
	Discarded       uint64
}

// Dropped sums every drop reason.
func (s Stats) Dropped() uint64 {
	return s.DroppedPeer + s.DroppedOversize + s.DroppedEmpty + s.DroppedFull
}

// Stats returns the current counters.
func (r *Ring) Stats() Stats {
	return Stats{
		Accepted:        r.accepted.Load(),
		DroppedPeer:     r.droppedPeer.Load(),
		DroppedOversize: r.droppedSize.Load(),
		DroppedEmpty:    r.droppedEmpty.Load(),
		DroppedFull:     r.droppedFull.Load(),
		Resets:          r.resets.Load(),
		Discarded:       r.discarded.Load(),
	}
}
