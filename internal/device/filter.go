package device

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/net/bpf"
)

// linkFilter is the receive filter applied before frames enter the FIFO:
// ARP, plus unfragmented IPv4/UDP addressed to the local endpoint.
type linkFilter struct {
	vm *bpf.VM
}

func peerFilterProgram(local netip.Addr, localPort uint16, snapLen uint32) ([]bpf.Instruction, error) {
	if !local.Is4() {
		return nil, fmt.Errorf("link filter requires an IPv4 address, got %s", local)
	}
	ip := local.As4()
	return []bpf.Instruction{
		/* 0 */ bpf.LoadAbsolute{Off: 12, Size: 2},
		/* 1 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0806, SkipTrue: 10},
		/* 2 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipFalse: 10},
		/* 3 */ bpf.LoadAbsolute{Off: 23, Size: 1},
		/* 4 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 17, SkipFalse: 8},
		/* 5 */ bpf.LoadAbsolute{Off: 30, Size: 4},
		/* 6 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: binary.BigEndian.Uint32(ip[:]), SkipFalse: 6},
		/* 7 */ bpf.LoadAbsolute{Off: 20, Size: 2},
		/* 8 */ bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: 4},
		/* 9 */ bpf.LoadMemShift{Off: 14},
		/* 10 */ bpf.LoadIndirect{Off: 16, Size: 2},
		/* 11 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(localPort), SkipFalse: 1},
		/* 12 */ bpf.RetConstant{Val: snapLen},
		/* 13 */ bpf.RetConstant{Val: 0},
	}, nil
}

func newLinkFilter(local netip.Addr, localPort uint16, snapLen uint32) (*linkFilter, error) {
	prog, err := peerFilterProgram(local, localPort, snapLen)
	if err != nil {
		return nil, err
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to load link filter: %w", err)
	}
	return &linkFilter{vm: vm}, nil
}

// accept reports whether frame passes the filter.
func (f *linkFilter) accept(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

// filterExpr renders the same filter in pcap syntax for kernel-side filtering.
func filterExpr(local netip.Addr, localPort uint16) string {
	return fmt.Sprintf("arp or (udp and dst host %s and dst port %d)", local, localPort)
}
