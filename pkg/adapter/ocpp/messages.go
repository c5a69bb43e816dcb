// Package ocpp implements the OCPP 1.6 / 2.0.1 adapter (spec §4.4): JSON
// array call/result/error framing over a WebSocket-class transport, a
// per-connector state machine and transaction bookkeeping, wired onto the
// shared adapter.Session lifecycle.
package ocpp

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminants, the first element of every OCPP JSON array
// message (spec §4.4).
const (
	FrameCall       = 2
	FrameCallResult = 3
	FrameCallError  = 4
)

// Call is an outgoing or incoming OCPP action invocation:
// [2, messageId, action, payload].
type Call struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

// CallResult is a successful reply: [3, messageId, payload].
type CallResult struct {
	MessageID string
	Payload   json.RawMessage
}

// CallError is a failed reply: [4, messageId, errorCode, errorDescription, details].
type CallError struct {
	MessageID        string
	ErrorCode        string
	ErrorDescription string
	Details          json.RawMessage
}

// MarshalCall encodes a Call frame.
func MarshalCall(c Call) ([]byte, error) {
	return json.Marshal([]any{FrameCall, c.MessageID, c.Action, c.Payload})
}

// MarshalCallResult encodes a CallResult frame.
func MarshalCallResult(r CallResult) ([]byte, error) {
	return json.Marshal([]any{FrameCallResult, r.MessageID, r.Payload})
}

// MarshalCallError encodes a CallError frame.
func MarshalCallError(e CallError) ([]byte, error) {
	details := e.Details
	if details == nil {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]any{FrameCallError, e.MessageID, e.ErrorCode, e.ErrorDescription, details})
}

// ParsedFrame is the decoded form of any incoming OCPP frame.
type ParsedFrame struct {
	Type   int
	Call   *Call
	Result *CallResult
	Err    *CallError
}

// ParseFrame decodes raw into whichever of Call/CallResult/CallError its
// leading type discriminant indicates.
func ParseFrame(raw []byte) (*ParsedFrame, error) {
	var generic []json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("ocpp: malformed frame: %w", err)
	}
	if len(generic) < 3 {
		return nil, fmt.Errorf("ocpp: frame has too few elements")
	}

	var frameType int
	if err := json.Unmarshal(generic[0], &frameType); err != nil {
		return nil, fmt.Errorf("ocpp: malformed frame type: %w", err)
	}
	var messageID string
	if err := json.Unmarshal(generic[1], &messageID); err != nil {
		return nil, fmt.Errorf("ocpp: malformed message id: %w", err)
	}

	switch frameType {
	case FrameCall:
		if len(generic) < 4 {
			return nil, fmt.Errorf("ocpp: call frame has too few elements")
		}
		var action string
		if err := json.Unmarshal(generic[2], &action); err != nil {
			return nil, fmt.Errorf("ocpp: malformed action: %w", err)
		}
		return &ParsedFrame{Type: frameType, Call: &Call{MessageID: messageID, Action: action, Payload: generic[3]}}, nil
	case FrameCallResult:
		return &ParsedFrame{Type: frameType, Result: &CallResult{MessageID: messageID, Payload: generic[2]}}, nil
	case FrameCallError:
		if len(generic) < 4 {
			return nil, fmt.Errorf("ocpp: call error frame has too few elements")
		}
		var code, desc string
		_ = json.Unmarshal(generic[2], &code)
		_ = json.Unmarshal(generic[3], &desc)
		var details json.RawMessage
		if len(generic) >= 5 {
			details = generic[4]
		}
		return &ParsedFrame{Type: frameType, Err: &CallError{MessageID: messageID, ErrorCode: code, ErrorDescription: desc, Details: details}}, nil
	default:
		return nil, fmt.Errorf("ocpp: unknown frame type %d", frameType)
	}
}

// BootNotificationRequest is the handshake payload sent on Connect.
type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

// BootNotificationResponse is the server's acceptance reply.
type BootNotificationResponse struct {
	Status      string `json:"status"`
	Interval    int    `json:"interval"`
	CurrentTime string `json:"currentTime"`
}

// StatusNotificationRequest reports a connector's state transition.
type StatusNotificationRequest struct {
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
}

// MeterValuesRequest carries one or more periodic meter samples.
type MeterValuesRequest struct {
	ConnectorID   int     `json:"connectorId"`
	TransactionID *int    `json:"transactionId,omitempty"`
	EnergyWh      float64 `json:"energyWh"`
	PowerW        float64 `json:"powerW"`
}

// StartTransactionRequest begins a charging session on a connector.
type StartTransactionRequest struct {
	ConnectorID int    `json:"connectorId"`
	IDTag       string `json:"idTag"`
	MeterStart  int    `json:"meterStart"`
}

// StartTransactionResponse carries the allocated transaction id.
type StartTransactionResponse struct {
	TransactionID int    `json:"transactionId"`
	IDTagInfo     string `json:"idTagInfo"`
}

// StopTransactionRequest ends an active charging session.
type StopTransactionRequest struct {
	TransactionID int `json:"transactionId"`
	MeterStop     int `json:"meterStop"`
}
