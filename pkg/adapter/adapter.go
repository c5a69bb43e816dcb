// Package adapter defines the protocol adapter contract shared by every
// concrete adapter (Modbus, OCPP, EEBus, generic TCP/IP, Gateway) and the
// Session type that implements the common lifecycle state machine,
// heartbeat/reconnect timer discipline and bus publication helpers they
// all build on (spec §4.2, §9).
//
// Per spec §9's re-mapping guidance, a Session's mutable state (current
// State, connection attempt counter, last-seen timestamp, lifecycle
// context) is owned by one mutex and never touched from more than
// one goroutine at a time; the session never references its owning
// manager, it only publishes onto the bus.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/derconn/pkg/adaptererr"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/pkg/log"
	"github.com/cuemby/derconn/pkg/metrics"
	"github.com/cuemby/derconn/internal/telemetry"
)

// DefaultCommandTimeout is the default upper bound for ExecuteCommand,
// per spec §4.2.
const DefaultCommandTimeout = 30 * time.Second

// Adapter is the contract every concrete protocol adapter implements.
type Adapter interface {
	// ID is the device's stable string identifier.
	ID() string
	// Protocol names the wire protocol family, e.g. "modbus", "ocpp".
	Protocol() string
	// Connect is idempotent; concurrent callers while Connecting observe
	// the same outcome once the session reaches Connected or Error.
	Connect(ctx context.Context) error
	// Disconnect is idempotent and safe in any state.
	Disconnect()
	// StartScanning begins polling, a no-op for event-driven adapters.
	StartScanning()
	// StopScanning stops polling, a no-op for event-driven adapters.
	StopScanning()
	// ExecuteCommand runs a protocol-specific command, publishing a
	// commands/response message and returning the same response.
	ExecuteCommand(ctx context.Context, command string, parameters map[string]any) (*telemetry.CommandResponseBody, error)
	// State returns the current lifecycle state.
	State() State
}

// Hooks are the protocol-specific behaviors a concrete adapter supplies
// to a Session. All are invoked with the session's internal lock not
// held, so hooks may safely call back into Session methods.
type Hooks struct {
	// Connect performs the protocol handshake. A nil error means success.
	Connect func(ctx context.Context) error
	// Disconnect releases the wire connection. Session.Disconnect calls it
	// from any state except Disconnected, and Session.Shutdown always calls
	// it, so it must be idempotent.
	Disconnect func()
	// Heartbeat performs a liveness probe / periodic telemetry snapshot.
	// A non-nil error transitions the session to Error.
	Heartbeat func(ctx context.Context) error
	// HeartbeatInterval is protocol-specific (OCPP 300s, Modbus scan
	// interval, gateway 60s).
	HeartbeatInterval time.Duration
}

// Session implements the adapter lifecycle state machine shared by every
// concrete adapter. Concrete adapters embed a *Session and supply Hooks.
type Session struct {
	deviceID string
	protocol string
	bus      *bus.Broker
	hooks    Hooks
	logger   zerolog.Logger

	mu                 sync.Mutex
	state              State
	connectionAttempts int
	lastSeen           time.Time
	connectWaiters     []chan error

	backoff *Backoff

	ctx      context.Context
	cancel   context.CancelFunc
	scanning bool
}

// NewSession constructs a Session for deviceID on the given protocol
// family, publishing onto bus and driven by hooks.
func NewSession(deviceID, protocol string, b *bus.Broker, hooks Hooks) *Session {
	return &Session{
		deviceID: deviceID,
		protocol: protocol,
		bus:      b,
		hooks:    hooks,
		logger:   log.WithAdapterID(protocol, deviceID),
		state:    StateDisconnected,
		backoff:  NewBackoff(5*time.Second, 60*time.Second),
	}
}

func (s *Session) ID() string       { return s.deviceID }
func (s *Session) Protocol() string { return s.protocol }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect is idempotent: a call while Connecting waits for the in-flight
// attempt's outcome instead of starting a second one.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		waiter := make(chan error, 1)
		s.connectWaiters = append(s.connectWaiters, waiter)
		s.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateShuttingDown:
		s.mu.Unlock()
		return adaptererr.New(adaptererr.KindCancelled, "session is shutting down")
	}
	s.state = StateConnecting
	sessionCtx, cancel := context.WithCancel(context.Background())
	s.ctx = sessionCtx
	s.cancel = cancel
	s.mu.Unlock()

	timer := metrics.NewTimer()
	err := s.hooks.Connect(ctx)
	timer.ObserveDurationVec(metrics.AdapterConnectDuration, s.protocol)

	s.mu.Lock()
	waiters := s.connectWaiters
	s.connectWaiters = nil
	if err != nil {
		s.connectionAttempts++
		s.state = StateError
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int("attempt", s.connectionAttempts).Msg("connect failed")
		s.publishStatus(telemetry.StatusError, err.Error())
		metrics.AdapterReconnectsTotal.WithLabelValues(s.protocol).Inc()
		go s.armReconnect()
	} else {
		s.connectionAttempts = 0
		s.backoff.Reset()
		s.lastSeen = time.Now()
		s.state = StateConnected
		s.mu.Unlock()
		s.publishStatus(telemetry.StatusOnline, "")
		s.armHeartbeat()
	}

	for _, w := range waiters {
		w <- err
	}
	return err
}

// Disconnect is idempotent and preempts any in-flight heartbeat/reconnect
// wait by cancelling the session's context.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.hooks.Disconnect()
	s.publishStatus(telemetry.StatusOffline, "")
}

// Shutdown is a strict, ordered terminal transition: it stops scanning,
// cancels timers, releases the wire connection and marks the session
// terminal so no further publish occurs under its device id.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.state = StateShuttingDown
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.hooks.Disconnect()

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}

func (s *Session) armReconnect() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.backoff.Wait(ctx); err != nil {
		return // preempted by Disconnect/Shutdown
	}
	s.mu.Lock()
	if s.state != StateError {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = s.Connect(context.Background())
}

func (s *Session) armHeartbeat() {
	s.mu.Lock()
	ctx := s.ctx
	interval := s.hooks.HeartbeatInterval
	s.mu.Unlock()
	if ctx == nil || interval <= 0 {
		return
	}

	go func() {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		if s.state != StateConnected {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.hooks.Heartbeat(ctx); err != nil {
			s.mu.Lock()
			s.state = StateError
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("heartbeat failed, entering error state")
			s.publishStatus(telemetry.StatusError, err.Error())
			metrics.AdapterReconnectsTotal.WithLabelValues(s.protocol).Inc()
			go s.armReconnect()
			return
		}

		s.mu.Lock()
		s.lastSeen = time.Now()
		s.mu.Unlock()
		metrics.AdapterHeartbeatsTotal.WithLabelValues(s.protocol).Inc()
		s.armHeartbeat()
	}()
}

// StartScanning marks the session as actively polling; concrete polling
// adapters consult Scanning() from their own scan loop goroutine.
func (s *Session) StartScanning() {
	s.mu.Lock()
	s.scanning = true
	s.mu.Unlock()
}

// StopScanning stops polling.
func (s *Session) StopScanning() {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
}

// Scanning reports whether scanning is currently enabled.
func (s *Session) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Context returns the session's current lifecycle context, cancelled on
// Disconnect/Shutdown. Concrete adapters use it to bound their scan loop.
func (s *Session) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// ConnectionAttempts returns the attempt counter since the last reset.
func (s *Session) ConnectionAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionAttempts
}

// PublishTelemetry publishes a normalized telemetry envelope for this
// device.
func (s *Session) PublishTelemetry(body telemetry.TelemetryBody) {
	s.bus.Publish(&bus.Message{
		MessageID:   uuid.NewString(),
		MessageType: bus.MessageTypeTelemetry,
		Timestamp:   time.Now(),
		DeviceID:    s.deviceID,
		Topic:       "devices/" + s.deviceID + "/telemetry",
		Body:        body,
	})
}

// PublishEvent publishes a protocol-specific lifecycle event (e.g.
// transactionStart) on the device's status topic.
func (s *Session) PublishEvent(event string, data map[string]any) {
	s.bus.Publish(&bus.Message{
		MessageID:   uuid.NewString(),
		MessageType: bus.MessageTypeEvent,
		Timestamp:   time.Now(),
		DeviceID:    s.deviceID,
		Topic:       "devices/" + s.deviceID + "/status",
		Body:        telemetry.EventBody{Event: event, Data: data},
	})
}

func (s *Session) publishStatus(status telemetry.StatusValue, details string) {
	s.bus.Publish(&bus.Message{
		MessageID:   uuid.NewString(),
		MessageType: bus.MessageTypeStatus,
		Timestamp:   time.Now(),
		DeviceID:    s.deviceID,
		Topic:       "devices/" + s.deviceID + "/status",
		Body: telemetry.StatusBody{
			Status:   status,
			Details:  details,
			Protocol: s.protocol,
		},
	})
}

// PublishCommandResponse publishes a commands/response message.
func (s *Session) PublishCommandResponse(resp *telemetry.CommandResponseBody) {
	s.bus.Publish(&bus.Message{
		MessageID:   uuid.NewString(),
		MessageType: bus.MessageTypeCommandResponse,
		Timestamp:   resp.Timestamp,
		DeviceID:    s.deviceID,
		Topic:       "devices/" + s.deviceID + "/commands/response",
		Body:        resp,
	})
}

// RunCommandWithTimeout runs fn bounded by DefaultCommandTimeout (or
// ctx's own deadline if tighter), surfacing a timeout as success=false
// with error kind Timeout, and always publishes exactly one
// commands/response message.
func (s *Session) RunCommandWithTimeout(ctx context.Context, command string, fn func(ctx context.Context) (any, error)) (*telemetry.CommandResponseBody, error) {
	cctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()
	timer := metrics.NewTimer()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(cctx)
		done <- outcome{result, err}
	}()

	var resp *telemetry.CommandResponseBody
	var err error
	select {
	case o := <-done:
		if o.err != nil {
			err = o.err
			resp = &telemetry.CommandResponseBody{
				Command:   command,
				Success:   false,
				Error:     o.err.Error(),
				Timestamp: time.Now(),
			}
		} else {
			resp = &telemetry.CommandResponseBody{
				Command:   command,
				Success:   true,
				Result:    o.result,
				Timestamp: time.Now(),
			}
		}
	case <-cctx.Done():
		err = adaptererr.New(adaptererr.KindTimeout, "command timed out")
		resp = &telemetry.CommandResponseBody{
			Command:   command,
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now(),
		}
	}

	s.PublishCommandResponse(resp)
	timer.ObserveDurationVec(metrics.AdapterCommandDuration, s.protocol, command)
	return resp, err
}
