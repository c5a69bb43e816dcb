package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adapter/modbus"
	"github.com/cuemby/derconn/pkg/bus"
)

func TestConnectStartsUplinkAndChildren(t *testing.T) {
	b := bus.NewBroker()
	g := New("gw-1", NewMockUplink(adapter.SimConfig{}), b)

	childConn := modbus.NewMockConn(adapter.SimConfig{})
	child := modbus.New("gw-1/unit-1", "ev_charger", childConn, nil, time.Hour, nil, b)
	g.AddChild(child)

	require.NoError(t, g.Connect(context.Background()))
	require.Equal(t, adapter.StateConnected, child.State())
}

func TestHeartbeatIsolatesChildFailureAndReconnectsIt(t *testing.T) {
	b := bus.NewBroker()
	g := New("gw-2", NewMockUplink(adapter.SimConfig{}), b)

	healthyConn := modbus.NewMockConn(adapter.SimConfig{})
	healthy := modbus.New("gw-2/unit-1", "ev_charger", healthyConn, nil, time.Hour, nil, b)

	flakyConn := modbus.NewMockConn(adapter.SimConfig{FailFirstNConnects: 1})
	flaky := modbus.New("gw-2/unit-2", "ev_charger", flakyConn, nil, time.Hour, nil, b)

	g.AddChild(healthy)
	g.AddChild(flaky)

	require.NoError(t, g.Connect(context.Background()))
	require.Equal(t, adapter.StateConnected, healthy.State())
	require.Equal(t, adapter.StateError, flaky.State())

	require.NoError(t, g.heartbeat(context.Background()))
	require.Equal(t, adapter.StateConnected, healthy.State(), "a sibling's failure must not affect a healthy child")
	require.Equal(t, adapter.StateConnected, flaky.State(), "heartbeat must retry and recover a down child")
}
