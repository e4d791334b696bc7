// Package clock reads the free-running cycle counter and converts cycle
// deltas to wall time.
package clock

import (
	"sync/atomic"
	"time"
)

// Counter exposes the two 32-bit halves of a free-running 64-bit cycle counter.
type Counter interface {
	High() uint32
	Low() uint32
}

// Read64 returns a consistent 64-bit counter value. The high half is read on
// both sides of the low half so that a carry out of the low half between the
// two reads is detected and the read retried.
func Read64(c Counter) uint64 {
	for {
		hi := c.High()
		lo := c.Low()
		if c.High() == hi {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}

// Clock converts counter readings using a fixed tick frequency.
type Clock struct {
	counter   Counter
	frequency uint64
}

// New returns a Clock reading c at frequencyHz ticks per second.
func New(c Counter, frequencyHz uint64) *Clock {
	return &Clock{counter: c, frequency: frequencyHz}
}

// Cycles samples the counter.
func (c *Clock) Cycles() uint64 {
	return Read64(c.counter)
}

// Frequency returns the tick frequency in Hz.
func (c *Clock) Frequency() uint64 {
	return c.frequency
}

// Millis converts a cycle delta to whole milliseconds.
func (c *Clock) Millis(cycles uint64) uint32 {
	return CyclesToMillis(cycles, c.frequency)
}

// NowMillis returns the counter value in milliseconds since it started.
func (c *Clock) NowMillis() uint64 {
	perMs := c.frequency / 1000
	if perMs == 0 {
		return 0
	}
	return c.Cycles() / perMs
}

// Seconds is a low-resolution timer in whole seconds.
func (c *Clock) Seconds() uint32 {
	return c.Millis(c.Cycles()) / 1000
}

// CyclesToMillis converts cycles to milliseconds at frequencyHz.
// Frequencies below 1 kHz yield zero.
func CyclesToMillis(cycles, frequencyHz uint64) uint32 {
	perMs := frequencyHz / 1000
	if perMs == 0 {
		return 0
	}
	return uint32(cycles / perMs)
}

// MillisToCycles is the inverse of CyclesToMillis.
func MillisToCycles(ms, frequencyHz uint64) uint64 {
	return ms * (frequencyHz / 1000)
}

// HostCounter emulates a cycle counter from the host monotonic clock.
type HostCounter struct {
	start     time.Time
	frequency uint64
	offset    uint64
}

// NewHostCounter returns a counter ticking at frequencyHz from now.
func NewHostCounter(frequencyHz uint64) *HostCounter {
	return &HostCounter{start: time.Now(), frequency: frequencyHz}
}

// NewHostCounterAt returns a counter whose first reading is near start
// cycles. Used to exercise the low-half carry.
func NewHostCounterAt(frequencyHz, start uint64) *HostCounter {
	h := NewHostCounter(frequencyHz)
	h.offset = start
	return h
}

func (h *HostCounter) value() uint64 {
	ns := uint64(time.Since(h.start).Nanoseconds())
	hi, lo := ns/1_000_000_000, ns%1_000_000_000
	cycles := hi*h.frequency + lo*h.frequency/1_000_000_000
	return cycles + h.offset
}

// High returns the upper 32 bits.
func (h *HostCounter) High() uint32 { return uint32(h.value() >> 32) }

// Low returns the lower 32 bits.
func (h *HostCounter) Low() uint32 { return uint32(h.value()) }

// ManualCounter is a counter advanced explicitly by the caller.
type ManualCounter struct {
	v atomic.Uint64
}

// Set stores an absolute counter value.
func (m *ManualCounter) Set(v uint64) { m.v.Store(v) }

// Advance moves the counter forward by n cycles.
func (m *ManualCounter) Advance(n uint64) { m.v.Add(n) }

// High returns the upper 32 bits.
func (m *ManualCounter) High() uint32 { return uint32(m.v.Load() >> 32) }

// Low returns the lower 32 bits.
func (m *ManualCounter) Low() uint32 { return uint32(m.v.Load()) }
