package gateway

import (
	"context"

	"github.com/cuemby/derconn/pkg/adapter"
)

// MockUplink simulates the gateway's own physical uplink connection.
type MockUplink struct {
	wire *adapter.MockWireConn
}

// NewMockUplink constructs a MockUplink with the given simulation parameters.
func NewMockUplink(cfg adapter.SimConfig) *MockUplink {
	return &MockUplink{wire: adapter.NewMockWireConn(cfg)}
}

func (m *MockUplink) Connect(ctx context.Context) error { return m.wire.Connect(ctx) }
func (m *MockUplink) Close() error                       { return m.wire.Close() }
