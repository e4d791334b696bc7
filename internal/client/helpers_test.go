package client

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/irqbridge/internal/device"

	"firestige.xyz/irqbridge/internal/config"
)

// freePort reserves an ephemeral loopback UDP port and releases it.
func freePort(t *testing.T) uint16 {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, c.Close())
	return uint16(port)
}

// loopbackConfig returns a configuration for a client and peer talking over
// 127.0.0.1 with a short throughput test.
func loopbackConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.IP = "127.0.0.1"
	cfg.Node.Port = freePort(t)
	cfg.Peer.IP = "127.0.0.1"
	cfg.Peer.Port = freePort(t)
	cfg.Device.Bind = "127.0.0.1"
	cfg.Device.HWQueueDepth = 256
	cfg.Ring.Slots = 64
	cfg.Engine.RetransmitTimeout = time.Second
	cfg.Engine.HandshakeTimeout = 10 * time.Second
	cfg.Throughput.TotalBytes = 6000
	cfg.Throughput.ChunkSize = 1200
	return cfg
}

var peerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x64}

// answerARP plays the peer host on the far end of a pipe: every ARP request
// gets a reply carrying mac. It returns once the pipe closes.
func answerARP(far *device.PipeEnd, mac net.HardwareAddr) {
	for {
		frame, err := far.ReadFrame()
		if err != nil {
			return
		}
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
		req, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
		if !ok || req.Operation != layers.ARPRequest {
			continue
		}
		eth := &layers.Ethernet{SrcMAC: mac, DstMAC: net.HardwareAddr(req.SourceHwAddress), EthernetType: layers.EthernetTypeARP}
		reply := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   mac,
			SourceProtAddress: req.DstProtAddress,
			DstHwAddress:      req.SourceHwAddress,
			DstProtAddress:    req.SourceProtAddress,
		}
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, reply); err != nil {
			continue
		}
		if err := far.WriteFrame(append([]byte(nil), buf.Bytes()...)); err != nil {
			return
		}
	}
}
