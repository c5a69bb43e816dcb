package ocpp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/bus"
)

func TestParseFrameRoundTripsCall(t *testing.T) {
	data, err := MarshalCall(Call{MessageID: "abc", Action: "Heartbeat", Payload: []byte(`{}`)})
	require.NoError(t, err)

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.Call)
	require.Equal(t, "abc", parsed.Call.MessageID)
	require.Equal(t, "Heartbeat", parsed.Call.Action)
}

func TestConnectorStartStopTransaction(t *testing.T) {
	c := NewConnector(1)
	require.Equal(t, StatusAvailable, c.Status())

	tx, err := c.StartTransaction("tag-1", 1000)
	require.NoError(t, err)
	require.Equal(t, StatusCharging, c.Status())

	_, err = c.StartTransaction("tag-2", 1000)
	require.Error(t, err, "starting a second transaction on an occupied connector must fail")

	_, err = c.UpdateMeter(500, 3300)
	require.NoError(t, err)

	ended, err := c.StopTransaction(1500)
	require.NoError(t, err)
	require.Equal(t, TransactionEnded, ended.Status)
	require.Equal(t, StatusAvailable, c.Status())
	require.Equal(t, tx.ID, ended.ID)

	_, err = c.StopTransaction(1600)
	require.Error(t, err, "stopping with no active transaction must fail")
}

func TestAdapterConnectSendsBootNotificationAndArmsHeartbeat(t *testing.T) {
	conn := NewMockConn(adapter.SimConfig{})
	b := bus.NewBroker()

	a := New("cp-1", conn, Config{Vendor: "Acme", Model: "X1", HeartbeatInterval: 20 * time.Millisecond, MeterValuesPeriod: time.Hour}, b)

	require.NoError(t, a.Connect(context.Background()))
	require.Equal(t, adapter.StateConnected, a.State())
}

func TestAdapterHandlesIncomingStartAndStopTransaction(t *testing.T) {
	conn := NewMockConn(adapter.SimConfig{})
	b := bus.NewBroker()
	events := make(chan *bus.Message, 8)
	b.Subscribe("devices/cp-2/status", func(m *bus.Message) { events <- m })

	a := New("cp-2", conn, Config{Vendor: "Acme", Model: "X1", MeterValuesPeriod: time.Hour}, b)
	require.NoError(t, a.Connect(context.Background()))

	startPayload, _ := json.Marshal(StartTransactionRequest{ConnectorID: 1, IDTag: "tag-1", MeterStart: 0})
	callData, _ := MarshalCall(Call{MessageID: "m1", Action: "StartTransaction", Payload: startPayload})
	conn.InjectFrame(callData)

	require.Eventually(t, func() bool {
		_, ok := a.connectors[1].ActiveTransaction()
		return ok
	}, time.Second, time.Millisecond)

	stopPayload, _ := json.Marshal(StopTransactionRequest{TransactionID: 1, MeterStop: 500})
	stopCall, _ := MarshalCall(Call{MessageID: "m2", Action: "StopTransaction", Payload: stopPayload})
	conn.InjectFrame(stopCall)

	require.Eventually(t, func() bool {
		_, ok := a.connectors[1].ActiveTransaction()
		return !ok
	}, time.Second, time.Millisecond)
}

func TestExecuteCommandRemoteStartRejectsUnknownConnector(t *testing.T) {
	conn := NewMockConn(adapter.SimConfig{})
	b := bus.NewBroker()
	a := New("cp-3", conn, Config{Vendor: "Acme", Model: "X1", MeterValuesPeriod: time.Hour}, b)
	require.NoError(t, a.Connect(context.Background()))

	resp, err := a.ExecuteCommand(context.Background(), "remoteStartTransaction", map[string]any{
		"connectorId": float64(99),
		"idTag":       "tag-1",
	})
	require.Error(t, err)
	require.False(t, resp.Success)
}
