package ocpp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
)

// Conn is the bidirectional streaming transport an OCPP session reads and
// writes JSON array frames through. A real implementation wraps
// *websocket.Conn; MockConn simulates a central system for development
// mode and tests.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	WriteFrame(data []byte) error
	// ReadFrame blocks until a frame arrives or ctx is done.
	ReadFrame(ctx context.Context) ([]byte, error)
}

// MockConn simulates an OCPP central system: it accepts BootNotification
// unconditionally, answers StartTransaction with an accepting reply and
// any other Call with an empty CallResult, delivering it back to the device through an internal channel, which is
// exactly how the real central system's response would arrive.
type MockConn struct {
	wire *adapter.MockWireConn

	mu      sync.Mutex
	inbound chan []byte
}

// NewMockConn constructs a MockConn with the given simulation parameters.
func NewMockConn(cfg adapter.SimConfig) *MockConn {
	return &MockConn{
		wire:    adapter.NewMockWireConn(cfg),
		inbound: make(chan []byte, 16),
	}
}

func (m *MockConn) Connect(ctx context.Context) error { return m.wire.Connect(ctx) }
func (m *MockConn) Close() error                       { return m.wire.Close() }

// WriteFrame simulates sending a frame to the central system: every Call
// is immediately answered with a CallResult, matching the mock's "accept
// everything" policy. BootNotification gets an Accepted status and
// StartTransaction an Accepted idTagInfo; any other action gets an empty
// payload. Frames that are not Calls are discarded.
func (m *MockConn) WriteFrame(data []byte) error {
	if !m.wire.Connected() {
		return adaptererr.New(adaptererr.KindConnectionRefused, "Not connected")
	}
	if m.wire.ShouldDrop() {
		return adaptererr.New(adaptererr.KindTimeout, "Connection timed out")
	}

	parsed, err := ParseFrame(data)
	if err != nil || parsed.Call == nil {
		return nil
	}

	payload := json.RawMessage("{}")
	if parsed.Call.Action == "BootNotification" {
		payload, _ = json.Marshal(BootNotificationResponse{Status: "Accepted", Interval: 300, CurrentTime: "1970-01-01T00:00:00Z"})
	}
	if parsed.Call.Action == "StartTransaction" {
		payload, _ = json.Marshal(StartTransactionResponse{TransactionID: 0, IDTagInfo: "Accepted"})
	}

	resp, err := MarshalCallResult(CallResult{MessageID: parsed.Call.MessageID, Payload: payload})
	if err != nil {
		return err
	}
	m.inbound <- resp
	return nil
}

// InjectFrame delivers an externally constructed frame (e.g. a simulated
// device-originated StatusNotification) as if received from the wire.
func (m *MockConn) InjectFrame(data []byte) {
	m.inbound <- data
}

func (m *MockConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.inbound:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
