package ocpp

import (
	"sync"
	"time"
)

// ConnectorStatus is one state in the OCPP connector state machine
// (spec §4.4).
type ConnectorStatus string

const (
	StatusAvailable     ConnectorStatus = "Available"
	StatusPreparing     ConnectorStatus = "Preparing"
	StatusCharging      ConnectorStatus = "Charging"
	StatusSuspendedEV   ConnectorStatus = "SuspendedEV"
	StatusSuspendedEVSE ConnectorStatus = "SuspendedEVSE"
	StatusFinishing     ConnectorStatus = "Finishing"
	StatusReserved      ConnectorStatus = "Reserved"
	StatusUnavailable   ConnectorStatus = "Unavailable"
	StatusFaulted       ConnectorStatus = "Faulted"
)

// TransactionStatus tracks a Transaction's lifecycle.
type TransactionStatus string

const (
	TransactionStarted TransactionStatus = "Started"
	TransactionUpdated TransactionStatus = "Updated"
	TransactionEnded   TransactionStatus = "Ended"
)

// Transaction is an OCPP-scoped child of an adapter session (spec §3): at
// most one non-Ended Transaction exists per connector.
type Transaction struct {
	ID          int
	ConnectorID int
	TagID       string
	StartTime   time.Time
	EndTime     time.Time
	MeterStart  int
	MeterStop   int
	Status      TransactionStatus
	EnergyWh    float64
	PowerW      float64
}

// Duration returns the transaction's elapsed runtime, using time.Now if it
// has not yet ended.
func (t *Transaction) Duration() time.Duration {
	end := t.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.StartTime)
}

// Connector holds one physical connector's state and at most one active
// transaction.
type Connector struct {
	ID     int
	mu     sync.Mutex
	status ConnectorStatus
	active *Transaction
	nextTx int
}

// NewConnector constructs a Connector in the Available state.
func NewConnector(id int) *Connector {
	return &Connector{ID: id, status: StatusAvailable, nextTx: 1}
}

// Status returns the connector's current status.
func (c *Connector) Status() ConnectorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus applies an externally or locally driven status transition
// (e.g. from an incoming StatusNotification).
func (c *Connector) SetStatus(s ConnectorStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// ActiveTransaction returns the connector's current non-Ended transaction,
// if any.
func (c *Connector) ActiveTransaction() (*Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, false
	}
	return c.active, true
}

// errConnectorNotAvailable is returned by StartTransaction when the
// connector is not in Available state.
type errConnectorNotAvailable struct{}

func (errConnectorNotAvailable) Error() string { return "connector is not Available" }

// errNoActiveTransaction is returned by StopTransaction/UpdateMeter when
// the connector has no active transaction.
type errNoActiveTransaction struct{}

func (errNoActiveTransaction) Error() string { return "connector has no active transaction" }

// StartTransaction allocates a new Transaction on c, requiring the
// connector to be Available (spec §4.4). Advances status to Charging.
func (c *Connector) StartTransaction(tagID string, meterStart int) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusAvailable {
		return nil, errConnectorNotAvailable{}
	}

	tx := &Transaction{
		ID:          c.nextTx,
		ConnectorID: c.ID,
		TagID:       tagID,
		StartTime:   time.Now(),
		MeterStart:  meterStart,
		Status:      TransactionStarted,
	}
	c.nextTx++
	c.active = tx
	c.status = StatusCharging
	return tx, nil
}

// UpdateMeter advances the active transaction's running totals on a
// MeterValues tick.
func (c *Connector) UpdateMeter(energyWh, powerW float64) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, errNoActiveTransaction{}
	}
	c.active.EnergyWh = energyWh
	c.active.PowerW = powerW
	c.active.Status = TransactionUpdated
	return c.active, nil
}

// StopTransaction ends the connector's active transaction, requiring one
// to exist (spec §4.4). Returns the connector to Available.
func (c *Connector) StopTransaction(meterStop int) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, errNoActiveTransaction{}
	}
	tx := c.active
	tx.MeterStop = meterStop
	tx.EndTime = time.Now()
	tx.Status = TransactionEnded
	c.active = nil
	c.status = StatusAvailable
	return tx, nil
}
