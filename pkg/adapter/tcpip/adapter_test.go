package tcpip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/internal/telemetry"
)

func TestScanLoopPublishesTelemetry(t *testing.T) {
	conn := NewMockConn(adapter.SimConfig{})
	conn.SetReadings(map[string]float64{"temp_c": 21.5})

	canonical := telemetry.CanonicalTable{
		"temp_c": {RawName: "temp_c", Canonical: telemetry.ChannelTemperature, Unit: "C"},
	}

	b := bus.NewBroker()
	msgs := make(chan *bus.Message, 4)
	b.Subscribe("devices/hp-1/telemetry", func(m *bus.Message) { msgs <- m })

	a := New("hp-1", conn, Config{DeviceType: "heat_pump", ScanInterval: 10 * time.Millisecond}, canonical, b)
	require.NoError(t, a.Connect(context.Background()))
	a.StartScanning()
	defer a.StopScanning()

	select {
	case msg := <-msgs:
		body := msg.Body.(telemetry.TelemetryBody)
		require.InDelta(t, 21.5, body.Readings[telemetry.ChannelTemperature], 0.01)
	case <-time.After(time.Second):
		t.Fatal("expected a telemetry message")
	}
}

func TestExecuteCommandEchoesParameters(t *testing.T) {
	conn := NewMockConn(adapter.SimConfig{})
	b := bus.NewBroker()
	a := New("hp-2", conn, Config{DeviceType: "heat_pump"}, nil, b)
	require.NoError(t, a.Connect(context.Background()))

	resp, err := a.ExecuteCommand(context.Background(), "setMode", map[string]any{"mode": "eco"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "eco", result["mode"])
}
