package client

import (
	"fmt"
	"net/netip"

	"firestige.xyz/irqbridge/internal/config"
	"firestige.xyz/irqbridge/internal/device"
)

// OpenDevice opens the device selected by cfg.Device.Type.
func OpenDevice(cfg *config.Config) (device.Device, error) {
	node, err := cfg.Node.Endpoint()
	if err != nil {
		return nil, err
	}
	peer, err := cfg.Peer.Endpoint()
	if err != nil {
		return nil, err
	}

	switch cfg.Device.Type {
	case "udp":
		bind, err := netip.ParseAddr(cfg.Device.Bind)
		if err != nil {
			return nil, fmt.Errorf("invalid device.bind: %w", err)
		}
		return device.NewUDP(device.UDPConfig{
			Bind:       bind,
			Port:       node.Port,
			Peer:       peer,
			QueueDepth: cfg.Device.HWQueueDepth,
		})
	case "pcap":
		mac, err := cfg.Node.HardwareAddr()
		if err != nil {
			return nil, err
		}
		link, err := device.OpenPcap(cfg.Device.Interface, cfg.Device.SnapLen, node.Addr, node.Port)
		if err != nil {
			return nil, err
		}
		d, err := device.NewFrame(link, device.FrameConfig{
			MAC:         mac,
			Local:       node,
			SnapLen:     cfg.Device.SnapLen,
			QueueDepth:  cfg.Device.HWQueueDepth,
			ARPCacheTTL: cfg.Device.ARPCacheTTL,
		})
		if err != nil {
			link.Close()
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported device type %q", cfg.Device.Type)
	}
}
