package device

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/irqbridge/internal/core"
)

var (
	localMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x64}
	localIP   = netip.MustParseAddr("192.168.1.50")
	peerIP    = netip.MustParseAddr("192.168.1.100")
	localPort = uint16(15000)
	peerPort  = uint16(4444)
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func udpFrameBytes(t *testing.T, src, dst netip.Addr, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	s, d := src.As4(), dst.As4()
	eth := &layers.Ethernet{SrcMAC: peerMAC, DstMAC: localMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: s[:], DstIP: d[:]}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

func arpFrameBytes(t *testing.T, op uint16, srcMAC net.HardwareAddr, srcIP netip.Addr, dstMAC net.HardwareAddr, dstIP netip.Addr) []byte {
	t.Helper()
	s, d := srcIP.As4(), dstIP.As4()
	ethDst := dstMAC
	if op == layers.ARPRequest {
		ethDst = layers.EthernetBroadcast
	}
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: ethDst, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: s[:],
		DstHwAddress:      dstMAC,
		DstProtAddress:    d[:],
	}
	return serialize(t, eth, arp)
}

func newTestFrame(t *testing.T) (*Frame, *PipeEnd) {
	t.Helper()
	devEnd, hostEnd := NewPipe(64)
	d, err := NewFrame(devEnd, FrameConfig{
		MAC:        localMAC,
		Local:      core.Endpoint{Addr: localIP, Port: localPort},
		QueueDepth: 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		hostEnd.Close()
	})
	return d, hostEnd
}

// waitLine blocks until the device raises its interrupt line.
func waitLine(t *testing.T, d Device) {
	t.Helper()
	select {
	case <-d.Line():
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt line not raised")
	}
}

func readFrame(t *testing.T, p *PipeEnd) gopacket.Packet {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := p.ReadFrame()
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return gopacket.NewPacket(r.data, layers.LayerTypeEthernet, gopacket.Default)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written to the link")
		return nil
	}
}

// txBuffer acquires the transmit buffer of an open device.
func txBuffer(t *testing.T, d Device) []byte {
	t.Helper()
	buf, err := d.TxBuffer()
	require.NoError(t, err)
	return buf
}
