package tcpip

import (
	"context"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
)

// MockConn simulates a generic TCP/IP device: Poll returns a fixed
// readings snapshot (mutable via SetReadings for tests), Send echoes its
// parameters back as the result.
type MockConn struct {
	wire     *adapter.MockWireConn
	readings map[string]float64
}

// NewMockConn constructs a MockConn with the given simulation parameters.
func NewMockConn(cfg adapter.SimConfig) *MockConn {
	return &MockConn{wire: adapter.NewMockWireConn(cfg), readings: map[string]float64{}}
}

// SetReadings replaces the snapshot Poll returns.
func (m *MockConn) SetReadings(readings map[string]float64) {
	m.readings = readings
}

func (m *MockConn) Connect(ctx context.Context) error { return m.wire.Connect(ctx) }
func (m *MockConn) Close() error                       { return m.wire.Close() }

func (m *MockConn) Poll(ctx context.Context) (map[string]float64, error) {
	if !m.wire.Connected() {
		return nil, adaptererr.New(adaptererr.KindConnectionRefused, "Not connected")
	}
	if m.wire.ShouldDrop() {
		return nil, adaptererr.New(adaptererr.KindTimeout, "Connection timed out")
	}
	out := make(map[string]float64, len(m.readings))
	for k, v := range m.readings {
		out[k] = v
	}
	return out, nil
}

func (m *MockConn) Send(ctx context.Context, command string, parameters map[string]any) (map[string]any, error) {
	if !m.wire.Connected() {
		return nil, adaptererr.New(adaptererr.KindConnectionRefused, "Not connected")
	}
	echoed := make(map[string]any, len(parameters)+1)
	for k, v := range parameters {
		echoed[k] = v
	}
	echoed["command"] = command
	return echoed, nil
}
