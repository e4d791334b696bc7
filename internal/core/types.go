// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// Endpoint is an IPv4 address and UDP port pair.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// AddrPort converts the endpoint to a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// ParseEndpoint builds an Endpoint from an address string and a port.
func ParseEndpoint(addr string, port uint16) (Endpoint, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: address %q: %v", ErrConfigInvalid, addr, err)
	}
	if !a.Is4() {
		return Endpoint{}, fmt.Errorf("%w: address %q is not IPv4", ErrConfigInvalid, addr)
	}
	return Endpoint{Addr: a, Port: port}, nil
}

// Phase identifies which bookkeeping phase a byte count belongs to.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseHandshake
	PhaseBulk
)

// String returns the phase label used in metrics.
func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseBulk:
		return "bulk"
	default:
		return "idle"
	}
}
