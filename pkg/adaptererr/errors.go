// Package adaptererr defines the typed error kinds surfaced by the
// connectivity core (spec §7).
package adaptererr

import "errors"

// Kind classifies an error surfaced by an adapter, manager or push
// gateway operation.
type Kind string

const (
	KindConnectionRefused      Kind = "ConnectionRefused"
	KindTimeout                Kind = "Timeout"
	KindProtocolViolation      Kind = "ProtocolViolation"
	KindUnknownRegister        Kind = "UnknownRegister"
	KindReadOnlyRegister       Kind = "ReadOnlyRegister"
	KindInvalidConnector       Kind = "InvalidConnector"
	KindNoActiveTransaction    Kind = "NoActiveTransaction"
	KindTransactionAlreadyActive Kind = "TransactionAlreadyActive"
	KindAdapterNotFound        Kind = "AdapterNotFound"
	KindBusNotConnected        Kind = "BusNotConnected"
	KindCancelled              Kind = "Cancelled"
)

// Error wraps an underlying error with a Kind for programmatic handling,
// e.g. ExecuteCommand surfacing success=false with error kind Timeout.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
