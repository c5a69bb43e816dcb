// Package scenario exercises the connectivity/telemetry plane end to end,
// wiring the message bus, adapter managers, concrete adapters and push
// gateway together the way cmd/derconn/serve.go does, rather than any one
// package in isolation (spec §8).
package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adapter/modbus"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/pkg/manager"
	"github.com/cuemby/derconn/internal/telemetry"
)

// S1: a Modbus device's scan loop normalizes a raw register read onto the
// bus as canonical telemetry, reachable only through the manager's
// Factory seam, the same path serve.go wires in production.
func TestModbusDeviceScansAndPublishesCanonicalTelemetry(t *testing.T) {
	b := bus.NewBroker()

	canonical := telemetry.CanonicalTable{
		"W": {RawName: "W", Canonical: telemetry.ChannelPower, Unit: "W"},
	}
	registers := []modbus.RegisterDescriptor{
		{Name: "W", Type: modbus.RegisterHolding, Address: 0, DataType: modbus.DataTypeUint16, Unit: "W"},
	}

	m := manager.New(manager.Config{
		Protocol: "modbus",
		Factory: func(deviceID string, config map[string]any) (adapter.Adapter, error) {
			conn := modbus.NewMockConn(adapter.SimConfig{})
			raw, err := modbus.Encode(registers[0], 4200)
			require.NoError(t, err)
			conn.SeedHolding(0, raw)
			return modbus.New(deviceID, "smart_meter", conn, registers, 10*time.Millisecond, canonical, b), nil
		},
		AutoConnect: true,
	})

	msgs := make(chan *bus.Message, 8)
	b.Subscribe("devices/meter-1/telemetry", func(msg *bus.Message) { msgs <- msg })

	a, err := m.AddDevice(context.Background(), "meter-1", nil)
	require.NoError(t, err)
	a.StartScanning()
	defer a.StopScanning()

	select {
	case msg := <-msgs:
		body, ok := msg.Body.(telemetry.TelemetryBody)
		require.True(t, ok)
		require.InDelta(t, 4200, body.Readings[telemetry.ChannelPower], 0.1)
		require.Equal(t, "W", body.Units[telemetry.ChannelPower])
	case <-time.After(time.Second):
		t.Fatal("expected a scan telemetry message within one second")
	}

	require.Equal(t, adapter.StateConnected, a.State())
	m.Shutdown()
}
