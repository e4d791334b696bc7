// Package metrics implements the run recorder, the end-of-run report and the
// Prometheus exporter.
package metrics

import (
	"sync/atomic"

	"firestige.xyz/irqbridge/internal/clock"
	"firestige.xyz/irqbridge/internal/core"
)

// Direction labels byte counters.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// span is a pair of cycle-counter samples.
type span struct {
	start, end uint64
}

func (s span) cycles() uint64 {
	if s.end < s.start {
		return 0
	}
	return s.end - s.start
}

// Recorder accumulates byte counters and phase timestamps for one run.
//
// Phase marks are taken from the poll loop only. Byte counters are atomic so
// the exporter can read them while the run is in progress.
type Recorder struct {
	clock *clock.Clock
	phase atomic.Int32

	session   span
	handshake span
	bulk      span
	verify    span

	hsOut, hsIn     atomic.Uint64
	bulkOut, bulkIn atomic.Uint64
	totalOut        atomic.Uint64
	totalIn         atomic.Uint64
	payload         atomic.Uint64
	blockedOut      atomic.Uint64
	blockedIn       atomic.Uint64
	flushes         atomic.Uint64
}

// NewRecorder returns a recorder sampling clk.
func NewRecorder(clk *clock.Clock) *Recorder {
	return &Recorder{clock: clk}
}

// Clock returns the sampled clock.
func (r *Recorder) Clock() *clock.Clock { return r.clock }

// Start resets every counter and marks the session start.
func (r *Recorder) Start() {
	r.phase.Store(int32(core.PhaseIdle))
	r.handshake, r.bulk, r.verify = span{}, span{}, span{}
	for _, c := range []*atomic.Uint64{
		&r.hsOut, &r.hsIn, &r.bulkOut, &r.bulkIn, &r.totalOut, &r.totalIn,
		&r.payload, &r.blockedOut, &r.blockedIn, &r.flushes,
	} {
		c.Store(0)
	}
	r.session = span{start: r.clock.Cycles()}
}

// Finish marks the session end.
func (r *Recorder) Finish() { r.session.end = r.clock.Cycles() }

// BeginHandshake enters the handshake phase.
func (r *Recorder) BeginHandshake() {
	r.handshake.start = r.clock.Cycles()
	r.phase.Store(int32(core.PhaseHandshake))
	RunPhase.Set(float64(core.PhaseHandshake))
}

// EndHandshake leaves the handshake phase.
func (r *Recorder) EndHandshake() {
	r.handshake.end = r.clock.Cycles()
	r.phase.Store(int32(core.PhaseIdle))
	RunPhase.Set(0)
}

// BeginBulk enters the bulk-transfer phase.
func (r *Recorder) BeginBulk() {
	r.bulk.start = r.clock.Cycles()
	r.phase.Store(int32(core.PhaseBulk))
	RunPhase.Set(float64(core.PhaseBulk))
}

// EndBulk leaves the bulk-transfer phase.
func (r *Recorder) EndBulk() {
	r.bulk.end = r.clock.Cycles()
	r.phase.Store(int32(core.PhaseIdle))
	RunPhase.Set(0)
}

// BeginVerify and EndVerify bracket the peer verification window.
func (r *Recorder) BeginVerify() { r.verify.start = r.clock.Cycles() }

func (r *Recorder) EndVerify() { r.verify.end = r.clock.Cycles() }

// Phase returns the current phase.
func (r *Recorder) Phase() core.Phase { return core.Phase(r.phase.Load()) }

// Record adds n transferred bytes in direction d to the current phase.
func (r *Recorder) Record(d Direction, n int) {
	if n <= 0 {
		return
	}
	v := uint64(n)
	phase := r.Phase()
	bytesCounters[d][phase].Add(float64(n))
	if d == Inbound {
		r.totalIn.Add(v)
		switch phase {
		case core.PhaseHandshake:
			r.hsIn.Add(v)
		case core.PhaseBulk:
			r.bulkIn.Add(v)
		}
		return
	}
	r.totalOut.Add(v)
	switch phase {
	case core.PhaseHandshake:
		r.hsOut.Add(v)
	case core.PhaseBulk:
		r.bulkOut.Add(v)
	}
}

// RecordPayload adds application bytes accepted by the engine during bulk
// transfer.
func (r *Recorder) RecordPayload(n int) {
	if n > 0 {
		r.payload.Add(uint64(n))
	}
}

// RecordWouldBlock counts a would-block result in direction d.
func (r *Recorder) RecordWouldBlock(d Direction) {
	blockedCounters[d].Inc()
	if d == Inbound {
		r.blockedIn.Add(1)
	} else {
		r.blockedOut.Add(1)
	}
}

// RecordFlush counts an inbound flush.
func (r *Recorder) RecordFlush() {
	r.flushes.Add(1)
	FlushesTotal.Inc()
}

// Snapshot is a copy of the recorder state.
type Snapshot struct {
	Frequency uint64

	SessionCycles   uint64
	HandshakeCycles uint64
	BulkCycles      uint64
	VerifyCycles    uint64

	HandshakeOut uint64
	HandshakeIn  uint64
	BulkOut      uint64
	BulkIn       uint64
	TotalOut     uint64
	TotalIn      uint64
	Payload      uint64

	WouldBlockOut uint64
	WouldBlockIn  uint64
	Flushes       uint64
}

// Snapshot copies the recorder state. Take it after the run completes.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Frequency:       r.clock.Frequency(),
		SessionCycles:   r.session.cycles(),
		HandshakeCycles: r.handshake.cycles(),
		BulkCycles:      r.bulk.cycles(),
		VerifyCycles:    r.verify.cycles(),
		HandshakeOut:    r.hsOut.Load(),
		HandshakeIn:     r.hsIn.Load(),
		BulkOut:         r.bulkOut.Load(),
		BulkIn:          r.bulkIn.Load(),
		TotalOut:        r.totalOut.Load(),
		TotalIn:         r.totalIn.Load(),
		Payload:         r.payload.Load(),
		WouldBlockOut:   r.blockedOut.Load(),
		WouldBlockIn:    r.blockedIn.Load(),
		Flushes:         r.flushes.Load(),
	}
}
