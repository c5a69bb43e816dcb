package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/pkg/metrics"
	"github.com/cuemby/derconn/internal/telemetry"
)

// DefaultCallTimeout bounds how long a pending outgoing Call waits for its
// CallResult/CallError before being purged (spec §4.4).
const DefaultCallTimeout = 30 * time.Second

// DefaultHeartbeatInterval is the default Heartbeat period.
const DefaultHeartbeatInterval = 300 * time.Second

// DefaultMeterValuesInterval is the default MeterValues period for
// connectors with an active transaction.
const DefaultMeterValuesInterval = 60 * time.Second

// Config carries the vendor identity sent in BootNotification and the
// connector count to provision.
type Config struct {
	Vendor             string
	Model              string
	SerialNumber       string
	FirmwareVersion    string
	ConnectorCount     int
	HeartbeatInterval  time.Duration
	MeterValuesPeriod  time.Duration
}

// Adapter implements the OCPP protocol adapter (spec §4.4).
type Adapter struct {
	*adapter.Session

	conn       Conn
	cfg        Config
	connectors map[int]*Connector

	pendingMu sync.Mutex
	pending   map[string]chan *ParsedFrame

	stopReadLoop   context.CancelFunc
	stopMeterTimer context.CancelFunc
}

// New constructs an OCPP Adapter for deviceID.
func New(deviceID string, conn Conn, cfg Config, b *bus.Broker) *Adapter {
	if cfg.ConnectorCount <= 0 {
		cfg.ConnectorCount = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MeterValuesPeriod <= 0 {
		cfg.MeterValuesPeriod = DefaultMeterValuesInterval
	}

	connectors := make(map[int]*Connector, cfg.ConnectorCount)
	for i := 1; i <= cfg.ConnectorCount; i++ {
		connectors[i] = NewConnector(i)
	}

	a := &Adapter{
		conn:       conn,
		cfg:        cfg,
		connectors: connectors,
		pending:    make(map[string]chan *ParsedFrame),
	}

	a.Session = adapter.NewSession(deviceID, "ocpp", b, adapter.Hooks{
		Connect:           a.connect,
		Disconnect:        a.disconnect,
		Heartbeat:         a.heartbeat,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	return a
}

// StartScanning / StopScanning are no-ops: OCPP is event-driven (spec §4.2).
func (a *Adapter) StartScanning() {}
func (a *Adapter) StopScanning()  {}

func (a *Adapter) connect(ctx context.Context) error {
	if err := a.conn.Connect(ctx); err != nil {
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	a.stopReadLoop = cancel
	go a.readLoop(readCtx)

	payload, _ := json.Marshal(BootNotificationRequest{
		ChargePointVendor:       a.cfg.Vendor,
		ChargePointModel:        a.cfg.Model,
		ChargePointSerialNumber: a.cfg.SerialNumber,
		FirmwareVersion:         a.cfg.FirmwareVersion,
	})
	respPayload, err := a.sendCall(ctx, "BootNotification", payload)
	if err != nil {
		cancel()
		return err
	}

	var resp BootNotificationResponse
	if err := json.Unmarshal(respPayload, &resp); err == nil && resp.Status != "Accepted" {
		cancel()
		return adaptererr.New(adaptererr.KindProtocolViolation, fmt.Sprintf("BootNotification rejected: %s", resp.Status))
	}

	meterCtx, meterCancel := context.WithCancel(context.Background())
	a.stopMeterTimer = meterCancel
	go a.meterValuesLoop(meterCtx)

	return nil
}

func (a *Adapter) disconnect() {
	if a.stopReadLoop != nil {
		a.stopReadLoop()
	}
	if a.stopMeterTimer != nil {
		a.stopMeterTimer()
	}
	_ = a.conn.Close()
}

func (a *Adapter) heartbeat(ctx context.Context) error {
	_, err := a.sendCall(ctx, "Heartbeat", json.RawMessage("{}"))
	return err
}

// sendCall writes a Call frame and waits for its correlated CallResult or
// CallError, purging the pending entry on timeout (spec §4.4).
func (a *Adapter) sendCall(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	messageID := uuid.NewString()
	ch := make(chan *ParsedFrame, 1)

	a.pendingMu.Lock()
	a.pending[messageID] = ch
	a.pendingMu.Unlock()

	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, messageID)
		a.pendingMu.Unlock()
	}()

	data, err := MarshalCall(Call{MessageID: messageID, Action: action, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := a.conn.WriteFrame(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(DefaultCallTimeout)
	defer timer.Stop()

	select {
	case frame := <-ch:
		if frame.Err != nil {
			return nil, adaptererr.New(adaptererr.KindProtocolViolation, frame.Err.ErrorDescription)
		}
		return frame.Result.Payload, nil
	case <-timer.C:
		metrics.OCPPCallTimeoutsTotal.Inc()
		return nil, adaptererr.New(adaptererr.KindTimeout, fmt.Sprintf("call %q timed out waiting for response", action))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		frame, err := a.conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		parsed, err := ParseFrame(frame)
		if err != nil {
			continue
		}

		switch {
		case parsed.Result != nil:
			a.resolvePending(parsed.Result.MessageID, parsed)
		case parsed.Err != nil:
			a.resolvePending(parsed.Err.MessageID, parsed)
		case parsed.Call != nil:
			a.handleIncomingCall(parsed.Call)
		}
	}
}

func (a *Adapter) resolvePending(messageID string, frame *ParsedFrame) {
	a.pendingMu.Lock()
	ch, ok := a.pending[messageID]
	a.pendingMu.Unlock()
	if ok {
		ch <- frame
	}
}

// handleIncomingCall routes a device-originated Call to its dedicated
// handler and acknowledges via CallResult; unknown actions get an empty
// CallResult (spec §4.4).
func (a *Adapter) handleIncomingCall(call *Call) {
	var payload json.RawMessage = json.RawMessage("{}")

	switch call.Action {
	case "StatusNotification":
		var req StatusNotificationRequest
		if json.Unmarshal(call.Payload, &req) == nil {
			if c, ok := a.connectors[req.ConnectorID]; ok {
				c.SetStatus(ConnectorStatus(req.Status))
				a.PublishEvent("connectorStatus", map[string]any{"connectorId": req.ConnectorID, "status": req.Status})
			}
		}
	case "StartTransaction":
		var req StartTransactionRequest
		if json.Unmarshal(call.Payload, &req) == nil {
			if c, ok := a.connectors[req.ConnectorID]; ok {
				tx, err := c.StartTransaction(req.IDTag, req.MeterStart)
				if err == nil {
					metrics.OCPPTransactionsActive.Inc()
					a.PublishEvent("transactionStart", transactionEventData(tx))
					resp, _ := json.Marshal(StartTransactionResponse{TransactionID: tx.ID, IDTagInfo: "Accepted"})
					payload = resp
				}
			}
		}
	case "StopTransaction":
		var req StopTransactionRequest
		if json.Unmarshal(call.Payload, &req) == nil {
			if c := a.connectorForTransaction(req.TransactionID); c != nil {
				tx, err := c.StopTransaction(req.MeterStop)
				if err == nil {
					metrics.OCPPTransactionsActive.Dec()
					a.PublishEvent("transactionStop", transactionEventData(tx))
				}
			}
		}
	case "MeterValues":
		var req MeterValuesRequest
		if json.Unmarshal(call.Payload, &req) == nil {
			if c, ok := a.connectors[req.ConnectorID]; ok {
				tx, err := c.UpdateMeter(req.EnergyWh, req.PowerW)
				if err == nil {
					a.PublishEvent("transactionUpdate", transactionEventData(tx))
				}
			}
		}
	}

	resp, err := MarshalCallResult(CallResult{MessageID: call.MessageID, Payload: payload})
	if err != nil {
		return
	}
	_ = a.conn.WriteFrame(resp)
}

func (a *Adapter) connectorForTransaction(transactionID int) *Connector {
	for _, c := range a.connectors {
		if tx, ok := c.ActiveTransaction(); ok && tx.ID == transactionID {
			return c
		}
	}
	return nil
}

func transactionEventData(tx *Transaction) map[string]any {
	return map[string]any{
		"transactionId": tx.ID,
		"connectorId":   tx.ConnectorID,
		"status":        string(tx.Status),
		"energyWh":      tx.EnergyWh,
		"powerW":        tx.PowerW,
		"durationSec":   tx.Duration().Seconds(),
	}
}

// meterValuesLoop periodically emits a MeterValues call for every
// connector with an active transaction (spec §4.4).
func (a *Adapter) meterValuesLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.MeterValuesPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, c := range a.connectors {
				tx, ok := c.ActiveTransaction()
				if !ok {
					continue
				}
				txID := tx.ID
				payload, _ := json.Marshal(MeterValuesRequest{
					ConnectorID:   c.ID,
					TransactionID: &txID,
					EnergyWh:      tx.EnergyWh,
					PowerW:        tx.PowerW,
				})
				_, _ = a.sendCall(ctx, "MeterValues", payload)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ExecuteCommand supports "remoteStartTransaction" {connectorId, idTag} and
// "remoteStopTransaction" {transactionId}, each a locally-initiated
// command that mutates connector/transaction state directly (spec §4.2,
// §4.4).
func (a *Adapter) ExecuteCommand(ctx context.Context, command string, parameters map[string]any) (*telemetry.CommandResponseBody, error) {
	return a.RunCommandWithTimeout(ctx, command, func(ctx context.Context) (any, error) {
		switch command {
		case "remoteStartTransaction":
			connectorID := intParam(parameters, "connectorId")
			idTag, _ := parameters["idTag"].(string)
			c, ok := a.connectors[connectorID]
			if !ok {
				return nil, adaptererr.New(adaptererr.KindInvalidConnector, fmt.Sprintf("unknown connector %d", connectorID))
			}
			tx, err := c.StartTransaction(idTag, 0)
			if err != nil {
				return nil, adaptererr.Wrap(adaptererr.KindInvalidConnector, "cannot start transaction", err)
			}
			metrics.OCPPTransactionsActive.Inc()
			a.PublishEvent("transactionStart", transactionEventData(tx))
			return map[string]any{"transactionId": tx.ID}, nil
		case "remoteStopTransaction":
			transactionID := intParam(parameters, "transactionId")
			c := a.connectorForTransaction(transactionID)
			if c == nil {
				return nil, adaptererr.New(adaptererr.KindNoActiveTransaction, fmt.Sprintf("no active transaction %d", transactionID))
			}
			tx, err := c.StopTransaction(0)
			if err != nil {
				return nil, adaptererr.Wrap(adaptererr.KindNoActiveTransaction, "cannot stop transaction", err)
			}
			metrics.OCPPTransactionsActive.Dec()
			a.PublishEvent("transactionStop", transactionEventData(tx))
			return map[string]any{"transactionId": tx.ID}, nil
		default:
			return nil, adaptererr.New(adaptererr.KindProtocolViolation, fmt.Sprintf("unsupported command %q", command))
		}
	})
}

func intParam(parameters map[string]any, key string) int {
	switch v := parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
