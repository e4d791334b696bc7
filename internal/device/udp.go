package device

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"firestige.xyz/irqbridge/internal/core"
)

// maxDatagram bounds a single UDP payload (Ethernet MTU minus IPv4/UDP headers).
const maxDatagram = 1500 - 20 - 8

// UDPConfig configures a UDP socket device.
type UDPConfig struct {
	// Bind is the local address; Local.Port is the bound port.
	Bind netip.Addr
	Port uint16
	// Peer receives every transmitted datagram.
	Peer core.Endpoint
	// QueueDepth is the receive FIFO depth.
	QueueDepth int
}

type udpFrame struct {
	src     netip.AddrPort
	payload []byte
}

// UDP is a device backed by a host UDP socket. Address resolution is left to
// the host stack.
type UDP struct {
	conn  *net.UDPConn
	local uint16
	peer  netip.AddrPort

	rx *rxFifo[udpFrame]
	tx *txPort

	mu       sync.Mutex
	receiver Receiver

	closed    atomic.Bool
	closeOnce sync.Once
	readDone  chan struct{}
}

// NewUDP binds the socket and starts the link reader.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	bind := cfg.Bind
	if !bind.IsValid() {
		bind = netip.IPv4Unspecified()
	}
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(bind, cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp device: %w", err)
	}
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	d := &UDP{
		conn:     conn,
		local:    local.Port(),
		peer:     cfg.Peer.AddrPort(),
		rx:       newRxFifo[udpFrame](cfg.QueueDepth),
		readDone: make(chan struct{}),
	}
	d.tx = newTxPort(maxDatagram, d.write)
	go d.readLoop()

	slog.Info("udp device ready", "component", "device", "local", local.String(), "peer", d.peer.String())
	return d, nil
}

// LocalPort returns the bound port.
func (d *UDP) LocalPort() uint16 { return d.local }

func (d *UDP) readLoop() {
	defer close(d.readDone)
	buf := make([]byte, 64*1024)
	for {
		n, src, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if d.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("udp device read failed", "component", "device", "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.rx.push(udpFrame{
			src:     netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
			payload: payload,
		})
	}
}

func (d *UDP) write(frame []byte) error {
	_, err := d.conn.WriteToUDPAddrPort(frame, d.peer)
	return err
}

// SetReceiver implements Device.
func (d *UDP) SetReceiver(r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = r
}

// Line implements Device.
func (d *UDP) Line() <-chan struct{} { return d.rx.line }

// ClearPending implements Device.
func (d *UDP) ClearPending() { d.rx.clearPending() }

// Service implements Device.
func (d *UDP) Service() {
	d.mu.Lock()
	recv := d.receiver
	d.mu.Unlock()
	d.rx.drain(func(f udpFrame) {
		if recv != nil {
			recv(f.src.Addr(), f.src.Port(), d.local, f.payload)
		}
	})
}

// TxBuffer implements Device.
func (d *UDP) TxBuffer() ([]byte, error) {
	if d.closed.Load() {
		return nil, core.ErrDeviceClosed
	}
	return d.tx.acquire(), nil
}

// Transmit implements Device. The source port is fixed by the bound socket.
func (d *UDP) Transmit(_, dstPort uint16, n int) error {
	if d.closed.Load() {
		return core.ErrDeviceClosed
	}
	if n < 0 || n > len(d.tx.buf) {
		return fmt.Errorf("%w: %d bytes", core.ErrFrameTooLarge, n)
	}
	if d.tx.busy.Load() {
		return core.ErrTxUnavailable
	}
	if dstPort != d.peer.Port() {
		return fmt.Errorf("%w: destination port %d", core.ErrPeerMismatch, dstPort)
	}
	d.tx.submit(d.tx.buf[:n])
	return nil
}

// Resolve implements Device; the host stack resolves addresses itself.
func (d *UDP) Resolve(netip.Addr) error { return nil }

// Resolved implements Device.
func (d *UDP) Resolved(netip.Addr) bool { return true }

// Stats implements Device.
func (d *UDP) Stats() Stats {
	return Stats{
		RxFrames:   d.rx.received.Load(),
		RxOverruns: d.rx.overruns.Load(),
		TxFrames:   d.tx.sent.Load(),
		TxErrors:   d.tx.errors.Load(),
	}
}

// Close stops the link reader and the transmitter.
func (d *UDP) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err = d.conn.Close()
		<-d.readDone
		d.tx.close()
	})
	return err
}
