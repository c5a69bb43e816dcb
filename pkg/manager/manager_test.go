package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adapter/modbus"
	"github.com/cuemby/derconn/pkg/bus"
)

func newTestFactory(b *bus.Broker) (Factory, *map[string]*modbus.MockConn) {
	conns := make(map[string]*modbus.MockConn)
	factory := func(deviceID string, config map[string]any) (adapter.Adapter, error) {
		conn := modbus.NewMockConn(adapter.SimConfig{})
		conns[deviceID] = conn
		return modbus.New(deviceID, "ev_charger", conn, nil, time.Hour, nil, b), nil
	}
	return factory, &conns
}

func TestAddDeviceConstructsAndConnects(t *testing.T) {
	b := bus.NewBroker()
	factory, _ := newTestFactory(b)
	m := New(Config{Protocol: "modbus", Factory: factory, AutoConnect: true})

	a, err := m.AddDevice(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	require.Equal(t, adapter.StateConnected, a.State())

	got, ok := m.GetAdapter("dev-1")
	require.True(t, ok)
	require.Same(t, a, got)
}

func TestAddDeviceReplacesAndDisconnectsOldAdapter(t *testing.T) {
	b := bus.NewBroker()
	factory, _ := newTestFactory(b)
	m := New(Config{Protocol: "modbus", Factory: factory, AutoConnect: true})

	first, err := m.AddDevice(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	require.Equal(t, adapter.StateConnected, first.State())

	second, err := m.AddDevice(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, adapter.StateShuttingDown, first.State())
	require.Equal(t, adapter.StateConnected, second.State())

	all := m.GetAll()
	require.Len(t, all, 1)
	require.Same(t, second, all["dev-1"])
}

func TestRemoveDeviceErrorsWhenUnknown(t *testing.T) {
	b := bus.NewBroker()
	factory, _ := newTestFactory(b)
	m := New(Config{Protocol: "modbus", Factory: factory})

	err := m.RemoveDevice("missing")
	require.Error(t, err)
}

func TestRemoveDeviceDisconnectsAndForgets(t *testing.T) {
	b := bus.NewBroker()
	factory, _ := newTestFactory(b)
	m := New(Config{Protocol: "modbus", Factory: factory, AutoConnect: true})

	a, err := m.AddDevice(context.Background(), "dev-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.RemoveDevice("dev-1"))
	require.Equal(t, adapter.StateShuttingDown, a.State())

	_, ok := m.GetAdapter("dev-1")
	require.False(t, ok)
}

func TestShutdownIsolatesPerAdapterAndClearsTable(t *testing.T) {
	b := bus.NewBroker()
	factory, _ := newTestFactory(b)
	m := New(Config{Protocol: "modbus", Factory: factory, AutoConnect: true})

	a1, err := m.AddDevice(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	a2, err := m.AddDevice(context.Background(), "dev-2", nil)
	require.NoError(t, err)

	m.Shutdown()

	require.Equal(t, adapter.StateShuttingDown, a1.State())
	require.Equal(t, adapter.StateShuttingDown, a2.State())
	require.Len(t, m.GetAll(), 0)
}

func TestFactoryErrorDoesNotRegisterAdapter(t *testing.T) {
	b := bus.NewBroker()
	_ = b
	m := New(Config{
		Protocol: "modbus",
		Factory: func(deviceID string, config map[string]any) (adapter.Adapter, error) {
			return nil, assertErr{}
		},
	})

	_, err := m.AddDevice(context.Background(), "dev-1", nil)
	require.Error(t, err)

	_, ok := m.GetAdapter("dev-1")
	require.False(t, ok)
}

type assertErr struct{}

func (assertErr) Error() string { return "factory failed" }
