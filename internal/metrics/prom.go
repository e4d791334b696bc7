package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"firestige.xyz/irqbridge/internal/core"
	"firestige.xyz/irqbridge/internal/device"
	"firestige.xyz/irqbridge/internal/ring"
)

var (
	// AdapterBytesTotal counts bytes moved by the transport adapter
	AdapterBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "irqbridge_adapter_bytes_total",
			Help: "Total number of bytes passed through the transport adapter",
		},
		[]string{"direction", "phase"},
	)

	// AdapterWouldBlockTotal counts would-block results returned to the engine
	AdapterWouldBlockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "irqbridge_adapter_would_block_total",
			Help: "Total number of would-block results returned to the engine",
		},
		[]string{"direction"},
	)

	// FlushesTotal counts inbound flushes triggered by outbound sends
	FlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "irqbridge_flow_flushes_total",
			Help: "Total number of inbound flushes triggered by outbound sends",
		},
	)

	// RunPhase tracks the current run phase (0=idle, 1=handshake, 2=bulk)
	RunPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "irqbridge_run_phase",
			Help: "Current run phase (0=idle, 1=handshake, 2=bulk)",
		},
	)
)

// per direction and phase, resolved once so the poll loop never hashes labels
var (
	bytesCounters   [2][3]prometheus.Counter
	blockedCounters [2]prometheus.Counter
)

func init() {
	for _, d := range []Direction{Outbound, Inbound} {
		for _, p := range []core.Phase{core.PhaseIdle, core.PhaseHandshake, core.PhaseBulk} {
			bytesCounters[d][p] = AdapterBytesTotal.WithLabelValues(d.String(), p.String())
		}
		blockedCounters[d] = AdapterWouldBlockTotal.WithLabelValues(d.String())
	}
}

// RegisterRing exports ring counters on reg. The values are read from the
// ring at scrape time.
func RegisterRing(reg prometheus.Registerer, r *ring.Ring) {
	f := promauto.With(reg)
	frames := func(outcome string, get func(ring.Stats) uint64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name:        "irqbridge_ring_frames_total",
			Help:        "Total number of frames offered to the ring by outcome",
			ConstLabels: prometheus.Labels{"outcome": outcome},
		}, func() float64 { return float64(get(r.Stats())) })
	}
	frames("accepted", func(s ring.Stats) uint64 { return s.Accepted })
	frames("peer", func(s ring.Stats) uint64 { return s.DroppedPeer })
	frames("oversize", func(s ring.Stats) uint64 { return s.DroppedOversize })
	frames("empty", func(s ring.Stats) uint64 { return s.DroppedEmpty })
	frames("full", func(s ring.Stats) uint64 { return s.DroppedFull })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "irqbridge_ring_resets_total",
		Help: "Total number of ring resets",
	}, func() float64 { return float64(r.Stats().Resets) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "irqbridge_ring_discarded_slots_total",
		Help: "Total number of populated slots discarded by resets",
	}, func() float64 { return float64(r.Stats().Discarded) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "irqbridge_ring_pending_slots",
		Help: "Number of populated slots awaiting the consumer",
	}, func() float64 { return float64(r.Pending()) })
}

// RegisterDevice exports device counters on reg.
func RegisterDevice(reg prometheus.Registerer, d device.Device) {
	f := promauto.With(reg)
	counter := func(name, help string, get func(device.Stats) uint64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "irqbridge_device_" + name,
			Help: help,
		}, func() float64 { return float64(get(d.Stats())) })
	}
	counter("rx_frames_total", "Total number of frames queued by the device", func(s device.Stats) uint64 { return s.RxFrames })
	counter("rx_overruns_total", "Total number of frames lost to a full receive FIFO", func(s device.Stats) uint64 { return s.RxOverruns })
	counter("rx_filtered_total", "Total number of frames rejected by the link filter", func(s device.Stats) uint64 { return s.RxFiltered })
	counter("tx_frames_total", "Total number of frames transmitted", func(s device.Stats) uint64 { return s.TxFrames })
	counter("tx_errors_total", "Total number of failed transmissions", func(s device.Stats) uint64 { return s.TxErrors })
	counter("arp_replies_total", "Total number of ARP replies sent", func(s device.Stats) uint64 { return s.ARPReplies })
}
