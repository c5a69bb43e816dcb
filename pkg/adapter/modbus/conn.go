package modbus

import (
	"context"
	"sync"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
)

// Conn is the wire transport a Modbus adapter session reads and writes
// through. A real implementation wraps a TCP or RTU client; MockConn
// simulates one in memory for development mode and tests.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	ReadHolding(address, quantity uint16) ([]byte, error)
	ReadInput(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscrete(address, quantity uint16) ([]byte, error)
	WriteHolding(address uint16, data []byte) error
	WriteCoil(address uint16, data []byte) error
}

// MockConn simulates a Modbus slave's register banks in memory, layered
// on adapter.MockWireConn for connect simulation (latency, scripted
// failures, drop rate).
type MockConn struct {
	wire *adapter.MockWireConn

	mu       sync.Mutex
	holding  map[uint16]byte
	input    map[uint16]byte
	coils    map[uint16]byte
	discrete map[uint16]byte
}

// NewMockConn constructs a MockConn with the given simulation parameters.
func NewMockConn(cfg adapter.SimConfig) *MockConn {
	return &MockConn{
		wire:     adapter.NewMockWireConn(cfg),
		holding:  make(map[uint16]byte),
		input:    make(map[uint16]byte),
		coils:    make(map[uint16]byte),
		discrete: make(map[uint16]byte),
	}
}

// SeedHolding preloads holding-register bytes at address, for tests that
// need to control what a scan will decode.
func (m *MockConn) SeedHolding(address uint16, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		m.holding[address+uint16(i)] = b
	}
}

func (m *MockConn) Connect(ctx context.Context) error { return m.wire.Connect(ctx) }
func (m *MockConn) Close() error                       { return m.wire.Close() }

// ReadHolding returns quantity 16-bit registers, i.e. 2*quantity bytes.
func (m *MockConn) ReadHolding(address, quantity uint16) ([]byte, error) {
	return m.readBank(m.holding, address, 2*quantity)
}

// ReadInput returns quantity 16-bit registers, i.e. 2*quantity bytes.
func (m *MockConn) ReadInput(address, quantity uint16) ([]byte, error) {
	return m.readBank(m.input, address, 2*quantity)
}

func (m *MockConn) ReadCoils(address, quantity uint16) ([]byte, error) {
	return m.readBank(m.coils, address, quantity)
}

func (m *MockConn) ReadDiscrete(address, quantity uint16) ([]byte, error) {
	return m.readBank(m.discrete, address, quantity)
}

func (m *MockConn) readBank(bank map[uint16]byte, address, quantity uint16) ([]byte, error) {
	if !m.wire.Connected() {
		return nil, adaptererr.New(adaptererr.KindConnectionRefused, "Not connected")
	}
	if m.wire.ShouldDrop() {
		return nil, adaptererr.New(adaptererr.KindTimeout, "Connection timed out")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, quantity)
	for i := uint16(0); i < quantity; i++ {
		out[i] = bank[address+i]
	}
	return out, nil
}

func (m *MockConn) WriteHolding(address uint16, data []byte) error {
	return m.writeBank(m.holding, address, data)
}

func (m *MockConn) WriteCoil(address uint16, data []byte) error {
	return m.writeBank(m.coils, address, data)
}

func (m *MockConn) writeBank(bank map[uint16]byte, address uint16, data []byte) error {
	if !m.wire.Connected() {
		return adaptererr.New(adaptererr.KindConnectionRefused, "Not connected")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		bank[address+uint16(i)] = b
	}
	return nil
}
