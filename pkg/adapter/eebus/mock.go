package eebus

import (
	"context"
	"sync"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
)

// MockConn simulates a SHIP/SPINE peer in memory.
type MockConn struct {
	wire *adapter.MockWireConn
	ski  string

	mu     sync.Mutex
	values map[string]float64
}

// NewMockConn constructs a MockConn that hands back ski on handshake.
func NewMockConn(cfg adapter.SimConfig, ski string) *MockConn {
	return &MockConn{wire: adapter.NewMockWireConn(cfg), ski: ski, values: map[string]float64{}}
}

// SeedValue sets the value Read returns for name until next SeedValue/Write.
func (m *MockConn) SeedValue(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}

func (m *MockConn) Handshake(ctx context.Context) (string, error) {
	if err := m.wire.Connect(ctx); err != nil {
		return "", err
	}
	return m.ski, nil
}

func (m *MockConn) Close() error { return m.wire.Close() }

func (m *MockConn) Read(ctx context.Context, functions []Function) (map[string]float64, error) {
	if !m.wire.Connected() {
		return nil, adaptererr.New(adaptererr.KindConnectionRefused, "Not connected")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(functions))
	for _, f := range functions {
		if v, ok := m.values[f.Name]; ok {
			out[f.Name] = v
		}
	}
	return out, nil
}

func (m *MockConn) Write(ctx context.Context, entity, name string, value float64) error {
	if !m.wire.Connected() {
		return adaptererr.New(adaptererr.KindConnectionRefused, "Not connected")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}
