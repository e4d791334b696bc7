// Package memprof tracks heap usage of allocations routed through it.
//
// Each block accounts exactly its requested size; Current and Peak are the
// figures printed in the run report.
package memprof

import (
	"fmt"
	"sync"
	"unsafe"

	"firestige.xyz/irqbridge/internal/core"
)

// Tracker records live blocks with their requested sizes.
type Tracker struct {
	mu      sync.Mutex
	blocks  map[*byte]int
	current int
	peak    int
	allocs  uint64
	frees   uint64
	limit   int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLimit makes Malloc fail once current usage would exceed n bytes.
func WithLimit(n int) Option {
	return func(t *Tracker) { t.limit = n }
}

// New returns an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{blocks: make(map[*byte]int)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Malloc returns a zeroed block of n bytes. A zero-size request returns an
// empty, untracked slice.
func (t *Tracker) Malloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative size %d", core.ErrAllocation, n)
	}
	if n == 0 {
		return []byte{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && t.current+n > t.limit {
		return nil, fmt.Errorf("%w: %d bytes over limit %d", core.ErrAllocation, n, t.limit)
	}
	b := make([]byte, n)
	t.blocks[unsafe.SliceData(b)] = n
	t.current += n
	if t.current > t.peak {
		t.peak = t.current
	}
	t.allocs++
	return b, nil
}

// Free releases a block returned by Malloc or Realloc. Unknown and empty
// blocks are ignored.
func (t *Tracker) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release(b)
}

func (t *Tracker) release(b []byte) {
	p := unsafe.SliceData(b)
	n, ok := t.blocks[p]
	if !ok {
		return
	}
	delete(t.blocks, p)
	t.current -= n
	t.frees++
}

// Realloc returns a block of n bytes holding the prefix of b and frees b.
func (t *Tracker) Realloc(b []byte, n int) ([]byte, error) {
	nb, err := t.Malloc(n)
	if err != nil {
		return nil, err
	}
	copy(nb, b)
	t.Free(b)
	return nb, nil
}

// Current returns the bytes held by live blocks.
func (t *Tracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Peak returns the high-water mark of Current.
func (t *Tracker) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// Stats is a point-in-time copy of the tracker counters.
type Stats struct {
	Current int
	Peak    int
	Live    int
	Allocs  uint64
	Frees   uint64
}

// Freed returns how far usage has dropped from its peak.
func (s Stats) Freed() int { return s.Peak - s.Current }

// Stats returns the tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Current: t.current,
		Peak:    t.peak,
		Live:    len(t.blocks),
		Allocs:  t.allocs,
		Frees:   t.frees,
	}
}
