package push

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/pkg/registry"
	"github.com/cuemby/derconn/internal/telemetry"
)

func newTestServer(t *testing.T, b *bus.Broker, reg registry.Lookup) (*Gateway, string) {
	t.Helper()
	g := New(b, reg)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	t.Cleanup(g.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return g, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f OutboundFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestAcceptSendsConnectedFrameFirst(t *testing.T) {
	b := bus.NewBroker()
	_, url := newTestServer(t, b, nil)
	conn := dial(t, url)

	f := readFrame(t, conn)
	require.Equal(t, FrameConnected, f.Type)
	require.NotEmpty(t, f.ConnectionID)
}

func TestSubscribeByDeviceIDReceivesTelemetry(t *testing.T) {
	b := bus.NewBroker()
	_, url := newTestServer(t, b, nil)
	conn := dial(t, url)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: inboundSubscribe, DeviceID: "dev-1"}))
	ack := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, ack.Type)

	b.Publish(&bus.Message{
		MessageType: bus.MessageTypeTelemetry,
		Timestamp:   time.Now(),
		DeviceID:    "dev-1",
		Topic:       "devices/dev-1/telemetry",
		Body:        telemetry.TelemetryBody{Readings: map[string]float64{"power": 1000}},
	})

	f := readFrame(t, conn)
	require.Equal(t, FrameDeviceReading, f.Type)
}

func TestUnscopedConnectionReceivesNothing(t *testing.T) {
	b := bus.NewBroker()
	_, url := newTestServer(t, b, nil)
	conn := dial(t, url)
	readFrame(t, conn) // connected

	b.Publish(&bus.Message{
		MessageType: bus.MessageTypeTelemetry,
		Timestamp:   time.Now(),
		DeviceID:    "dev-1",
		Topic:       "devices/dev-1/telemetry",
		Body:        telemetry.TelemetryBody{Readings: map[string]float64{"power": 1000}},
	})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var f OutboundFrame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "expected a read timeout since the connection has no subscription scope")
}

func TestSiteScopeCrossChecksRegistryForDeviceCommand(t *testing.T) {
	b := bus.NewBroker()
	reg := registry.NewMemoryRegistry()
	reg.Seed(registry.Device{ID: "dev-2", SiteID: "site-a"})
	_, url := newTestServer(t, b, reg)

	conn := dial(t, url)
	readFrame(t, conn) // connected
	require.NoError(t, conn.WriteJSON(inboundFrame{Type: inboundSubscribe, SiteID: "site-a"}))
	readFrame(t, conn) // subscribed ack

	b.Publish(&bus.Message{
		MessageType: bus.MessageTypeCommandResponse,
		Timestamp:   time.Now(),
		DeviceID:    "dev-2",
		Topic:       "devices/dev-2/commands/response",
		Body:        telemetry.CommandResponseBody{Command: "writeRegister", Success: true},
	})

	f := readFrame(t, conn)
	require.Equal(t, FrameDeviceCommand, f.Type)
}

func TestErrorStatusForwardedOnlyWithinScope(t *testing.T) {
	b := bus.NewBroker()
	_, url := newTestServer(t, b, nil)

	scoped := dial(t, url)
	readFrame(t, scoped)
	require.NoError(t, scoped.WriteJSON(inboundFrame{Type: inboundSubscribe, DeviceID: "dev-1"}))
	readFrame(t, scoped)

	unscoped := dial(t, url)
	readFrame(t, unscoped)

	b.Publish(&bus.Message{
		MessageType: bus.MessageTypeStatus,
		Timestamp:   time.Now(),
		DeviceID:    "dev-1",
		Topic:       "devices/dev-1/status",
		Body:        telemetry.StatusBody{Status: telemetry.StatusError, Details: "connection refused"},
	})

	f := readFrame(t, scoped)
	require.Equal(t, FrameError, f.Type)

	unscoped.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var uf OutboundFrame
	err := unscoped.ReadJSON(&uf)
	require.Error(t, err)
}

func TestSiteScopedConnectionReceivesEnergyReadingFromTopic(t *testing.T) {
	b := bus.NewBroker()
	_, url := newTestServer(t, b, nil)
	conn := dial(t, url)
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(inboundFrame{Type: inboundSubscribe, SiteID: "site-a"}))
	readFrame(t, conn)

	b.Publish(&bus.Message{
		MessageType: bus.MessageTypeTelemetry,
		Timestamp:   time.Now(),
		Topic:       "sites/site-a/energy/readings",
		Body:        map[string]any{"totalPowerW": 5000},
	})

	f := readFrame(t, conn)
	require.Equal(t, FrameEnergyReading, f.Type)
}

func TestPingControlFrameGetsPong(t *testing.T) {
	b := bus.NewBroker()
	_, url := newTestServer(t, b, nil)
	conn := dial(t, url)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: inboundPing}))
	f := readFrame(t, conn)
	require.Equal(t, FramePong, f.Type)
}
