package bridge

import (
	"net/netip"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/irqbridge/internal/device"
)

type mockDevice struct {
	mock.Mock
}

func (m *mockDevice) SetReceiver(r device.Receiver) { m.Called(r) }

func (m *mockDevice) Line() <-chan struct{} {
	args := m.Called()
	ch, _ := args.Get(0).(<-chan struct{})
	return ch
}

func (m *mockDevice) ClearPending() { m.Called() }

func (m *mockDevice) Service() { m.Called() }

func (m *mockDevice) TxBuffer() ([]byte, error) {
	args := m.Called()
	buf, _ := args.Get(0).([]byte)
	return buf, args.Error(1)
}

func (m *mockDevice) Transmit(srcPort, dstPort uint16, n int) error {
	args := m.Called(srcPort, dstPort, n)
	return args.Error(0)
}

func (m *mockDevice) Resolve(addr netip.Addr) error {
	args := m.Called(addr)
	return args.Error(0)
}

func (m *mockDevice) Resolved(addr netip.Addr) bool {
	args := m.Called(addr)
	return args.Bool(0)
}

func (m *mockDevice) Stats() device.Stats {
	args := m.Called()
	s, _ := args.Get(0).(device.Stats)
	return s
}

func (m *mockDevice) Close() error {
	args := m.Called()
	return args.Error(0)
}
