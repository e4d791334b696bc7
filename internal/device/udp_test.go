package device

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/irqbridge/internal/core"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func listenPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(loopback, 0)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestUDP(t *testing.T, peer *net.UDPConn) *UDP {
	t.Helper()
	peerAddr := peer.LocalAddr().(*net.UDPAddr).AddrPort()
	d, err := NewUDP(UDPConfig{
		Bind:       loopback,
		Peer:       core.Endpoint{Addr: loopback, Port: peerAddr.Port()},
		QueueDepth: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestUDPReceive(t *testing.T) {
	peer := listenPeer(t)
	d := newTestUDP(t, peer)
	var got captured
	d.SetReceiver(got.receiver())

	_, err := peer.WriteToUDPAddrPort([]byte("ping"), netip.AddrPortFrom(loopback, d.LocalPort()))
	require.NoError(t, err)
	waitLine(t, d)
	d.Service()

	frames := got.all()
	require.Len(t, frames, 1)
	assert.Equal(t, loopback, frames[0].src)
	assert.Equal(t, peer.LocalAddr().(*net.UDPAddr).AddrPort().Port(), frames[0].srcPort)
	assert.Equal(t, d.LocalPort(), frames[0].dstPort)
	assert.Equal(t, []byte("ping"), frames[0].payload)
}

func TestUDPTransmit(t *testing.T) {
	peer := listenPeer(t)
	d := newTestUDP(t, peer)
	peerPort := peer.LocalAddr().(*net.UDPAddr).AddrPort().Port()

	buf, err := d.TxBuffer()
	require.NoError(t, err)
	require.NotNil(t, buf)
	n := copy(buf, "pong")
	require.NoError(t, d.Transmit(d.LocalPort(), peerPort, n))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	rb := make([]byte, 64)
	rn, src, err := peer.ReadFromUDPAddrPort(rb)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), rb[:rn])
	assert.Equal(t, d.LocalPort(), src.Port())

	require.Eventually(t, func() bool { return d.Stats().TxFrames == 1 }, time.Second, time.Millisecond)
	assert.NotNil(t, txBuffer(t, d))
}

func TestUDPTransmitErrors(t *testing.T) {
	peer := listenPeer(t)
	d := newTestUDP(t, peer)
	peerPort := peer.LocalAddr().(*net.UDPAddr).AddrPort().Port()

	assert.ErrorIs(t, d.Transmit(0, peerPort+1, 1), core.ErrPeerMismatch)
	assert.ErrorIs(t, d.Transmit(0, peerPort, maxDatagram+1), core.ErrFrameTooLarge)

	// the host stack resolves addresses itself
	assert.NoError(t, d.Resolve(loopback))
	assert.True(t, d.Resolved(loopback))

	require.NoError(t, d.Close())
	buf, err := d.TxBuffer()
	assert.Nil(t, buf)
	assert.ErrorIs(t, err, core.ErrDeviceClosed)
	assert.ErrorIs(t, d.Transmit(0, peerPort, 1), core.ErrDeviceClosed)
}

func TestUDPBusyTransmitter(t *testing.T) {
	peer := listenPeer(t)
	d := newTestUDP(t, peer)
	peerPort := peer.LocalAddr().(*net.UDPAddr).AddrPort().Port()

	d.tx.busy.Store(true)
	assert.Nil(t, txBuffer(t, d))
	assert.ErrorIs(t, d.Transmit(0, peerPort, 1), core.ErrTxUnavailable)
	d.tx.busy.Store(false)
	assert.NotNil(t, txBuffer(t, d))
}
