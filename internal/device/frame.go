package device

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/irqbridge/internal/core"
)

// FrameIO moves raw Ethernet frames on and off the link.
type FrameIO interface {
	// ReadFrame blocks until a frame arrives. It returns ErrDeviceClosed
	// once the link is closed.
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// FrameConfig configures a raw Ethernet device.
type FrameConfig struct {
	MAC   net.HardwareAddr
	Local core.Endpoint
	// SnapLen bounds the frame size accepted by the link filter.
	SnapLen    int
	QueueDepth int
	// ARPCacheTTL is how long a resolved neighbour stays valid.
	ARPCacheTTL time.Duration
}

// Frame is an Ethernet/IPv4/UDP device with its own ARP responder.
type Frame struct {
	io    FrameIO
	mac   net.HardwareAddr
	local core.Endpoint

	rx        *rxFifo[[]byte]
	tx        *txPort
	filter    *linkFilter
	neighbour *neighbours

	// decode state is used from the interrupt handler only
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType

	// serialize state is used with the interrupt source masked
	sbuf gopacket.SerializeBuffer

	mu       sync.Mutex
	receiver Receiver

	// target is the last address passed to Resolve
	target atomic.Value

	filtered   atomic.Uint64
	arpReplies atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	readDone  chan struct{}
}

// NewFrame starts the link reader on io.
func NewFrame(io FrameIO, cfg FrameConfig) (*Frame, error) {
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("%w: invalid MAC address %q", core.ErrConfigInvalid, cfg.MAC)
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = 1600
	}
	filter, err := newLinkFilter(cfg.Local.Addr, cfg.Local.Port, uint32(cfg.SnapLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	d := &Frame{
		io:        io,
		mac:       cfg.MAC,
		local:     cfg.Local,
		rx:        newRxFifo[[]byte](cfg.QueueDepth),
		filter:    filter,
		neighbour: newNeighbours(cfg.ARPCacheTTL),
		sbuf:      gopacket.NewSerializeBuffer(),
		decoded:   make([]gopacket.LayerType, 0, 4),
		readDone:  make(chan struct{}),
	}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &d.eth, &d.arp, &d.ip4, &d.udp, &d.payload)
	d.parser.IgnoreUnsupported = true
	d.tx = newTxPort(maxDatagram, io.WriteFrame)
	go d.readLoop()

	slog.Info("frame device ready", "component", "device", "mac", d.mac.String(), "local", d.local.String())
	return d, nil
}

func (d *Frame) readLoop() {
	defer close(d.readDone)
	for {
		frame, err := d.io.ReadFrame()
		if err != nil {
			if d.closed.Load() || errors.Is(err, core.ErrDeviceClosed) {
				return
			}
			slog.Warn("frame device read failed", "component", "device", "error", err)
			continue
		}
		if !d.filter.accept(frame) {
			d.filtered.Add(1)
			continue
		}
		d.rx.push(frame)
	}
}

// SetReceiver implements Device.
func (d *Frame) SetReceiver(r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = r
}

// Line implements Device.
func (d *Frame) Line() <-chan struct{} { return d.rx.line }

// ClearPending implements Device.
func (d *Frame) ClearPending() { d.rx.clearPending() }

// Service implements Device. ARP requests for the local address are
// answered from here, through the shared transmit buffer.
func (d *Frame) Service() {
	d.mu.Lock()
	recv := d.receiver
	d.mu.Unlock()
	d.rx.drain(func(frame []byte) { d.handle(frame, recv) })
}

func (d *Frame) handle(frame []byte, recv Receiver) {
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return
	}
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeARP:
			d.handleARP()
			return
		case layers.LayerTypeUDP:
			src, ok := netip.AddrFromSlice(d.ip4.SrcIP.To4())
			if !ok || recv == nil {
				return
			}
			recv(src, uint16(d.udp.SrcPort), uint16(d.udp.DstPort), d.udp.Payload)
			return
		}
	}
}

func (d *Frame) handleARP() {
	sender, ok := netip.AddrFromSlice(d.arp.SourceProtAddress)
	if !ok {
		return
	}
	switch d.arp.Operation {
	case layers.ARPReply:
		d.neighbour.learn(sender, d.arp.SourceHwAddress)
	case layers.ARPRequest:
		target, ok := netip.AddrFromSlice(d.arp.DstProtAddress)
		if !ok || target != d.local.Addr {
			return
		}
		d.neighbour.learn(sender, d.arp.SourceHwAddress)
		// a busy transmitter drops the reply; the requester retries
		if d.tx.acquire() == nil {
			return
		}
		if err := d.sendARP(layers.ARPReply, d.arp.SourceHwAddress, sender); err == nil {
			d.arpReplies.Add(1)
		}
	}
}

func (d *Frame) sendARP(op uint16, dstMAC net.HardwareAddr, dstIP netip.Addr) error {
	ethDst := dstMAC
	arpDst := dstMAC
	if op == layers.ARPRequest {
		ethDst = layers.EthernetBroadcast
		arpDst = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	local := d.local.Addr.As4()
	target := dstIP.As4()
	eth := &layers.Ethernet{SrcMAC: d.mac, DstMAC: ethDst, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   d.mac,
		SourceProtAddress: local[:],
		DstHwAddress:      arpDst,
		DstProtAddress:    target[:],
	}
	return d.serializeAndSubmit(eth, arp)
}

func (d *Frame) serializeAndSubmit(ls ...gopacket.SerializableLayer) error {
	if err := d.sbuf.Clear(); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(d.sbuf, opts, ls...); err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}
	d.tx.submit(d.sbuf.Bytes())
	return nil
}

// TxBuffer implements Device.
func (d *Frame) TxBuffer() ([]byte, error) {
	if d.closed.Load() {
		return nil, core.ErrDeviceClosed
	}
	return d.tx.acquire(), nil
}

// Transmit implements Device. The peer must already be resolved.
func (d *Frame) Transmit(srcPort, dstPort uint16, n int) error {
	return d.TransmitTo(d.peer(), srcPort, dstPort, n)
}

// TransmitTo sends the transmit buffer to an explicit destination address.
func (d *Frame) TransmitTo(dst netip.Addr, srcPort, dstPort uint16, n int) error {
	if d.closed.Load() {
		return core.ErrDeviceClosed
	}
	if n < 0 || n > len(d.tx.buf) {
		return fmt.Errorf("%w: %d bytes", core.ErrFrameTooLarge, n)
	}
	if d.tx.busy.Load() {
		return core.ErrTxUnavailable
	}
	mac, ok := d.neighbour.lookup(dst)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAddressResolution, dst)
	}
	local := d.local.Addr.As4()
	remote := dst.As4()
	eth := &layers.Ethernet{SrcMAC: d.mac, DstMAC: mac, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    local[:],
		DstIP:    remote[:],
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return d.serializeAndSubmit(eth, ip, udp, gopacket.Payload(d.tx.buf[:n]))
}

func (d *Frame) peer() netip.Addr {
	v, _ := d.target.Load().(netip.Addr)
	return v
}

// Resolve broadcasts an ARP request for addr. Poll Service and check
// Resolved until the reply arrives. Call with the interrupt source masked.
func (d *Frame) Resolve(addr netip.Addr) error {
	d.target.Store(addr)
	if _, ok := d.neighbour.lookup(addr); ok {
		return nil
	}
	if d.tx.acquire() == nil {
		return core.ErrTxUnavailable
	}
	return d.sendARP(layers.ARPRequest, nil, addr)
}

// Resolved implements Device.
func (d *Frame) Resolved(addr netip.Addr) bool {
	_, ok := d.neighbour.lookup(addr)
	return ok
}

// Stats implements Device.
func (d *Frame) Stats() Stats {
	return Stats{
		RxFrames:   d.rx.received.Load(),
		RxOverruns: d.rx.overruns.Load(),
		RxFiltered: d.filtered.Load(),
		TxFrames:   d.tx.sent.Load(),
		TxErrors:   d.tx.errors.Load(),
		ARPReplies: d.arpReplies.Load(),
	}
}

// Close stops the link.
func (d *Frame) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err = d.io.Close()
		<-d.readDone
		d.tx.close()
	})
	return err
}
