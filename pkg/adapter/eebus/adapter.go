// Package eebus implements the EEBus/SPINE adapter: a use-case-oriented
// protocol where a device exposes typed "functions" (measurement, limit,
// setpoint) under entities, discovered during a SHIP handshake and
// thereafter polled (spec §4.2's "generic" adapters family). Values are
// only read by the periodic poll; there is no device-pushed update path.
package eebus

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/internal/telemetry"
)

// FunctionKind names an EEBus SPINE function category.
type FunctionKind string

const (
	FunctionMeasurement FunctionKind = "measurement"
	FunctionLimit       FunctionKind = "limit"
	FunctionSetpoint    FunctionKind = "setpoint"
)

// Function declares one entity's exposed datapoint.
type Function struct {
	Entity   string
	Name     string
	Kind     FunctionKind
	Unit     string
	ReadOnly bool
}

// Conn is the SHIP/SPINE transport an EEBus adapter session uses.
type Conn interface {
	// Handshake performs the SHIP pairing/handshake, returning the SKI
	// (device identity) on success.
	Handshake(ctx context.Context) (ski string, err error)
	Close() error
	// Read returns the current value of every declared Function.
	Read(ctx context.Context, functions []Function) (map[string]float64, error)
	// Write pushes a new value to a single writable Function.
	Write(ctx context.Context, entity, name string, value float64) error
}

// Config declares a device's type label, function table and poll cadence.
type Config struct {
	DeviceType   string
	Functions    []Function
	ScanInterval time.Duration
}

// Adapter implements the EEBus protocol adapter.
type Adapter struct {
	*adapter.Session

	conn      Conn
	cfg       Config
	byName    map[string]Function
	canonical telemetry.CanonicalTable

	stopScan context.CancelFunc
	ski      string
}

// New constructs an EEBus Adapter for deviceID.
func New(deviceID string, conn Conn, cfg Config, canonical telemetry.CanonicalTable, b *bus.Broker) *Adapter {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	byName := make(map[string]Function, len(cfg.Functions))
	for _, f := range cfg.Functions {
		byName[f.Name] = f
	}

	a := &Adapter{conn: conn, cfg: cfg, byName: byName, canonical: canonical}
	a.Session = adapter.NewSession(deviceID, "eebus", b, adapter.Hooks{
		Connect:           a.connect,
		Disconnect:        a.disconnect,
		Heartbeat:         a.heartbeat,
		HeartbeatInterval: cfg.ScanInterval,
	})
	return a
}

func (a *Adapter) connect(ctx context.Context) error {
	ski, err := a.conn.Handshake(ctx)
	if err != nil {
		return err
	}
	a.ski = ski
	a.PublishEvent("handshake", map[string]any{"ski": ski})
	return nil
}

func (a *Adapter) disconnect() {
	a.StopScanning()
	_ = a.conn.Close()
}

func (a *Adapter) heartbeat(ctx context.Context) error {
	return a.readOnce(ctx)
}

func (a *Adapter) readOnce(ctx context.Context) error {
	raw, err := a.conn.Read(ctx, a.cfg.Functions)
	if err != nil {
		return err
	}

	readings := make(map[string]float64, len(raw))
	units := make(map[string]string, len(raw))
	for name, value := range raw {
		canonicalName, unit := name, ""
		if f, ok := a.byName[name]; ok {
			unit = f.Unit
		}
		if a.canonical != nil {
			if mapped, mu := a.canonical.Resolve(name); mapped != name {
				canonicalName, unit = mapped, mu
			}
		}
		readings[canonicalName] = value
		if unit != "" {
			units[canonicalName] = unit
		}
	}

	a.PublishTelemetry(telemetry.TelemetryBody{
		DeviceType: a.cfg.DeviceType,
		Protocol:   "eebus",
		Readings:   readings,
		Units:      units,
		Metadata:   map[string]any{"ski": a.ski},
	})
	return nil
}

// StartScanning begins the periodic read loop.
func (a *Adapter) StartScanning() {
	if a.stopScan != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopScan = cancel
	a.Session.StartScanning()
	go a.scanLoop(ctx)
}

// StopScanning halts the periodic read loop; idempotent.
func (a *Adapter) StopScanning() {
	if a.stopScan == nil {
		return
	}
	a.stopScan()
	a.stopScan = nil
	a.Session.StopScanning()
}

func (a *Adapter) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ScanInterval)
	defer ticker.Stop()
	sessionCtx := a.Context()

	for {
		select {
		case <-ticker.C:
			_ = a.readOnce(ctx)
		case <-ctx.Done():
			return
		case <-sessionCtx.Done():
			return
		}
	}
}

// ExecuteCommand supports "setFunction" {entity, name, value}, rejecting
// unknown or read-only functions (spec §4.3's write-path pattern, applied
// here to SPINE functions instead of Modbus registers).
func (a *Adapter) ExecuteCommand(ctx context.Context, command string, parameters map[string]any) (*telemetry.CommandResponseBody, error) {
	return a.RunCommandWithTimeout(ctx, command, func(ctx context.Context) (any, error) {
		if command != "setFunction" {
			return nil, adaptererr.New(adaptererr.KindProtocolViolation, fmt.Sprintf("unsupported command %q", command))
		}
		name, _ := parameters["name"].(string)
		f, ok := a.byName[name]
		if !ok {
			return nil, adaptererr.New(adaptererr.KindUnknownRegister, fmt.Sprintf("unknown function %q", name))
		}
		if f.ReadOnly {
			return nil, adaptererr.New(adaptererr.KindReadOnlyRegister, fmt.Sprintf("function %q is read-only", name))
		}
		value, _ := parameters["value"].(float64)
		if err := a.conn.Write(ctx, f.Entity, f.Name, value); err != nil {
			return nil, err
		}
		return map[string]any{"entity": f.Entity, "name": name, "value": value}, nil
	})
}
