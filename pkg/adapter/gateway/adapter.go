// Package gateway implements the composite Gateway Adapter (spec §4.5):
// it owns one upstream physical-gateway connection and supervises a set
// of child adapters reachable through it, isolating a child's failure
// from its siblings and from the gateway's own upstream link.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/internal/telemetry"
)

// UplinkConn is the physical gateway's own wire connection, established
// once and shared implicitly by every child (a real implementation might
// be a single TCP/RTU master the children's register reads multiplex
// over; here it is a connectivity precondition the children assume).
type UplinkConn interface {
	Connect(ctx context.Context) error
	Close() error
}

// Child is the subset of the Adapter contract the gateway needs to
// supervise a child device: connect, disconnect and observe state. Any
// concrete adapter (modbus.Adapter, tcpip.Adapter, eebus.Adapter)
// satisfies this.
type Child interface {
	ID() string
	Protocol() string
	Connect(ctx context.Context) error
	Disconnect()
	State() adapter.State
}

// ChildMapping declares one child device's datapoint mapping (spec §4.5).
// Nothing in this package reads it: children are built by the caller and
// registered with AddChild, and the composite status reports only each
// child's protocol and state.
type ChildMapping struct {
	Name      string
	Address   int
	DataType  string
	Unit      string
	Scale     float64
	Access    string // "read" | "write" | "read-write"
}

// Adapter is the composite Gateway Adapter.
type Adapter struct {
	*adapter.Session

	uplink UplinkConn

	mu       sync.RWMutex
	children map[string]Child
}

// New constructs a Gateway Adapter for deviceID, fronting an uplink
// connection. Children are added via AddChild before or after Connect.
func New(deviceID string, uplink UplinkConn, b *bus.Broker) *Adapter {
	a := &Adapter{uplink: uplink, children: make(map[string]Child)}
	a.Session = adapter.NewSession(deviceID, "gateway", b, adapter.Hooks{
		Connect:           a.connect,
		Disconnect:        a.disconnect,
		Heartbeat:         a.heartbeat,
		HeartbeatInterval: 60 * time.Second,
	})
	return a
}

// AddChild registers a child adapter to be supervised through this
// gateway. Safe to call while the gateway is connected.
func (a *Adapter) AddChild(child Child) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.children[child.ID()] = child
}

// RemoveChild disconnects and forgets a child.
func (a *Adapter) RemoveChild(id string) {
	a.mu.Lock()
	child, ok := a.children[id]
	if ok {
		delete(a.children, id)
	}
	a.mu.Unlock()
	if ok {
		child.Disconnect()
	}
}

func (a *Adapter) connect(ctx context.Context) error {
	if err := a.uplink.Connect(ctx); err != nil {
		return err
	}

	for _, child := range a.snapshotChildren() {
		if err := child.Connect(ctx); err != nil {
			// A child failing to connect does not fail the gateway: it
			// surfaces as that child's own Error state, picked up on the
			// next heartbeat's reconnect sweep (spec §4.5).
			continue
		}
	}
	return nil
}

func (a *Adapter) disconnect() {
	for _, child := range a.snapshotChildren() {
		child.Disconnect()
	}
	_ = a.uplink.Close()
}

// heartbeat polls every child's connectivity and attempts to reconnect
// any that are down, then publishes a composite status enumerating
// per-child connectivity (spec §4.5).
func (a *Adapter) heartbeat(ctx context.Context) error {
	children := a.snapshotChildren()
	statuses := make(map[string]any, len(children))

	for _, child := range children {
		if child.State() != adapter.StateConnected {
			_ = child.Connect(ctx) // best-effort; failure keeps it in Error, isolated from siblings
		}
		statuses[child.ID()] = map[string]any{
			"protocol": child.Protocol(),
			"state":    string(child.State()),
		}
	}

	a.PublishEvent("compositeStatus", map[string]any{"children": statuses})
	return nil
}

func (a *Adapter) snapshotChildren() []Child {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Child, 0, len(a.children))
	for _, c := range a.children {
		out = append(out, c)
	}
	return out
}

// StartScanning / StopScanning are no-ops on the gateway itself; each
// child adapter owns its own scan loop.
func (a *Adapter) StartScanning() {}
func (a *Adapter) StopScanning()  {}

// ExecuteCommand is not supported directly on the composite gateway;
// commands target a specific child adapter through its own Adapter
// Manager entry.
func (a *Adapter) ExecuteCommand(ctx context.Context, command string, parameters map[string]any) (*telemetry.CommandResponseBody, error) {
	return a.RunCommandWithTimeout(ctx, command, func(ctx context.Context) (any, error) {
		return nil, errUnsupportedOnGateway{}
	})
}

type errUnsupportedOnGateway struct{}

func (errUnsupportedOnGateway) Error() string {
	return "commands target a child adapter, not the composite gateway"
}

// ChildStates returns a snapshot of every child's current state, for
// reconciler cross-checks and tests.
func (a *Adapter) ChildStates() map[string]adapter.State {
	children := a.snapshotChildren()
	out := make(map[string]adapter.State, len(children))
	for _, c := range children {
		out[c.ID()] = c.State()
	}
	return out
}
