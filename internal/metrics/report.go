package metrics

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"firestige.xyz/irqbridge/internal/clock"
	"firestige.xyz/irqbridge/internal/memprof"
	"firestige.xyz/irqbridge/internal/ring"
)

// Report is the read-only projection of a finished run.
type Report struct {
	RunID     string
	Frequency uint64

	ClientMillis    uint32
	ClientCycles    uint64
	HandshakeMillis uint32
	HandshakeCycles uint64
	VerifyMillis    uint32
	VerifyCycles    uint64
	BulkMillis      uint32
	BulkCycles      uint64

	HandshakeBytes uint64
	Payload        uint64
	TotalOut       uint64
	TotalIn        uint64
	Flushes        uint64

	// ThroughputKBps is bulk payload over bulk time; zero when no bulk
	// phase ran.
	ThroughputKBps float64
	// Efficiency is handshake bytes in both directions over handshake time.
	Efficiency float64

	Heap memprof.Stats
	Ring ring.Stats
}

// millisFloor converts cycles to milliseconds, never below 1 ms.
func millisFloor(cycles, hz uint64) uint32 {
	ms := clock.CyclesToMillis(cycles, hz)
	if ms == 0 {
		return 1
	}
	return ms
}

// Derive computes the report figures from a snapshot.
func Derive(s Snapshot) Report {
	r := Report{
		Frequency:       s.Frequency,
		ClientCycles:    s.SessionCycles,
		ClientMillis:    clock.CyclesToMillis(s.SessionCycles, s.Frequency),
		HandshakeCycles: s.HandshakeCycles,
		VerifyCycles:    s.VerifyCycles,
		VerifyMillis:    clock.CyclesToMillis(s.VerifyCycles, s.Frequency),
		BulkCycles:      s.BulkCycles,
		HandshakeBytes:  s.HandshakeOut + s.HandshakeIn,
		Payload:         s.Payload,
		TotalOut:        s.TotalOut,
		TotalIn:         s.TotalIn,
		Flushes:         s.Flushes,
	}

	if s.HandshakeCycles > 0 {
		r.HandshakeMillis = millisFloor(s.HandshakeCycles, s.Frequency)
		r.Efficiency = float64(r.HandshakeBytes) / float64(r.HandshakeMillis)
	}

	if s.BulkCycles > 0 {
		r.BulkMillis = millisFloor(s.BulkCycles, s.Frequency)
		bulk := s.Payload
		if bulk == 0 {
			bulk = s.BulkOut
		}
		r.ThroughputKBps = float64(bulk) / 1024 * 1000 / float64(r.BulkMillis)
	}
	return r
}

var heading = color.New(color.FgCyan, color.Bold)

// Render writes the human-readable report.
func Render(w io.Writer, r Report) error {
	ew := &errWriter{w: w}

	heading.Fprintln(ew, "=== Run Report ===")
	if r.RunID != "" {
		ew.printf("Run ID: %s\n", r.RunID)
	}
	ew.printf("Time taken (handshake): %d ms (%d cycles)\n", r.HandshakeMillis, r.HandshakeCycles)
	ew.printf("Time taken (peer verification): %d ms (%d cycles)\n", r.VerifyMillis, r.VerifyCycles)
	ew.printf("Time taken (whole client): %d ms (%d cycles)\n", r.ClientMillis, r.ClientCycles)

	heading.Fprintln(ew, "Memory:")
	ew.printf("    RAM (peak heap usage): %d bytes\n", r.Heap.Peak)
	ew.printf("    RAM (active session heap usage): %d bytes\n", r.Heap.Current)
	ew.printf("    Memory freed after handshake: %d bytes\n", r.Heap.Freed())

	heading.Fprintln(ew, "Throughput Metrics:")
	if r.BulkCycles > 0 {
		ew.printf("    a. Data Transmission Throughput (Sustained): %.0f KB/s\n", r.ThroughputKBps)
		ew.printf("         - Measured over %d bytes in %d ms\n", r.Payload, r.BulkMillis)
	} else {
		ew.printf("    a. Data Transmission Throughput (Sustained): N/A (no bulk transfer)\n")
	}
	if r.HandshakeCycles > 0 {
		ew.printf("    b. Efficiency (Handshake Phase): %.0f Bytes/ms\n", r.Efficiency)
		ew.printf("         - %d bytes exchanged in %d ms\n", r.HandshakeBytes, r.HandshakeMillis)
	} else {
		ew.printf("    b. Efficiency (Handshake Phase): N/A (handshake time is zero)\n")
	}

	heading.Fprintln(ew, "Transport:")
	ew.printf("    Bytes sent: %d, received: %d, inbound flushes: %d\n", r.TotalOut, r.TotalIn, r.Flushes)
	ew.printf("    Ring: accepted %d, dropped %d (peer %d, oversize %d, empty %d, full %d), discarded by flush %d\n",
		r.Ring.Accepted, r.Ring.Dropped(), r.Ring.DroppedPeer, r.Ring.DroppedOversize,
		r.Ring.DroppedEmpty, r.Ring.DroppedFull, r.Ring.Discarded)
	return ew.err
}

// errWriter keeps the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

func (e *errWriter) printf(format string, args ...any) {
	fmt.Fprintf(e, format, args...)
}
