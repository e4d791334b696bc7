package device

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/pcap"

	"firestige.xyz/irqbridge/internal/core"
)

// PcapIO is a FrameIO on a live interface, typically a TAP device.
type PcapIO struct {
	handle *pcap.Handle
	closed atomic.Bool
}

// OpenPcap opens iface and installs the kernel-side receive filter for the
// local endpoint.
func OpenPcap(iface string, snapLen int, local netip.Addr, localPort uint16) (*PcapIO, error) {
	handle, err := pcap.OpenLive(iface, int32(snapLen), true, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter(filterExpr(local, localPort)); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set filter on %s: %w", iface, err)
	}
	return &PcapIO{handle: handle}, nil
}

// ReadFrame implements FrameIO.
func (p *PcapIO) ReadFrame() ([]byte, error) {
	for {
		if p.closed.Load() {
			return nil, core.ErrDeviceClosed
		}
		data, _, err := p.handle.ReadPacketData()
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			continue
		}
		if err != nil {
			if p.closed.Load() {
				return nil, core.ErrDeviceClosed
			}
			return nil, err
		}
		return data, nil
	}
}

// WriteFrame implements FrameIO.
func (p *PcapIO) WriteFrame(frame []byte) error {
	if p.closed.Load() {
		return core.ErrDeviceClosed
	}
	return p.handle.WritePacketData(frame)
}

// Close implements FrameIO. The reader notices within the read timeout.
func (p *PcapIO) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	time.AfterFunc(200*time.Millisecond, p.handle.Close)
	return nil
}
