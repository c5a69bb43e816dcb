package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/internal/telemetry"
)

// Adapter implements the Modbus TCP/RTU protocol adapter (spec §4.3) on
// top of the shared adapter.Session lifecycle: Session owns Connect,
// Disconnect, heartbeat/reconnect timing; Adapter owns the register
// table, scan loop and write path.
type Adapter struct {
	*adapter.Session

	conn         Conn
	registers    []RegisterDescriptor
	byName       map[string]RegisterDescriptor
	scanInterval time.Duration
	deviceType   string
	canonical    telemetry.CanonicalTable

	scanMu   sync.Mutex
	scanning bool
	stopScan chan struct{}
}

// New constructs a Modbus Adapter for deviceID, talking to conn over the
// given register table, scanning every scanInterval and publishing onto
// b. canonical may be nil, in which case register names pass through
// unmodified onto the readings map.
func New(deviceID string, deviceType string, conn Conn, registers []RegisterDescriptor, scanInterval time.Duration, canonical telemetry.CanonicalTable, b *bus.Broker) *Adapter {
	byName := make(map[string]RegisterDescriptor, len(registers))
	for _, rd := range registers {
		byName[rd.Name] = rd
	}

	a := &Adapter{
		conn:         conn,
		registers:    registers,
		byName:       byName,
		scanInterval: scanInterval,
		deviceType:   deviceType,
		canonical:    canonical,
	}

	a.Session = adapter.NewSession(deviceID, "modbus", b, adapter.Hooks{
		Connect:           a.connect,
		Disconnect:        a.disconnect,
		Heartbeat:         a.heartbeat,
		HeartbeatInterval: scanInterval,
	})

	return a
}

func (a *Adapter) connect(ctx context.Context) error {
	return a.conn.Connect(ctx)
}

func (a *Adapter) disconnect() {
	a.StopScanning()
	_ = a.conn.Close()
}

// heartbeat performs one scan pass, doubling as the Modbus adapter's
// liveness probe and periodic telemetry snapshot (spec §4.2/§4.3).
func (a *Adapter) heartbeat(ctx context.Context) error {
	readings, units, err := a.scanOnce()
	if err != nil {
		return err
	}
	a.PublishTelemetry(telemetry.TelemetryBody{
		DeviceType: a.deviceType,
		Protocol:   "modbus",
		Readings:   readings,
		Units:      units,
	})
	return nil
}

// StartScanning begins the periodic scan loop; a no-op if already running.
func (a *Adapter) StartScanning() {
	a.scanMu.Lock()
	if a.scanning {
		a.scanMu.Unlock()
		return
	}
	a.scanning = true
	stop := make(chan struct{})
	a.stopScan = stop
	a.scanMu.Unlock()

	a.Session.StartScanning()
	go a.scanLoop(stop)
}

// StopScanning halts the periodic scan loop; idempotent.
func (a *Adapter) StopScanning() {
	a.scanMu.Lock()
	if !a.scanning {
		a.scanMu.Unlock()
		return
	}
	a.scanning = false
	close(a.stopScan)
	a.scanMu.Unlock()

	a.Session.StopScanning()
}

func (a *Adapter) scanLoop(stop chan struct{}) {
	ticker := time.NewTicker(a.scanInterval)
	defer ticker.Stop()

	sessionCtx := a.Context()
	for {
		select {
		case <-ticker.C:
			readings, units, err := a.scanOnce()
			if err != nil {
				continue // a scan-wide failure (not connected) just skips this tick
			}
			a.PublishTelemetry(telemetry.TelemetryBody{
				DeviceType: a.deviceType,
				Protocol:   "modbus",
				Readings:   readings,
				Units:      units,
			})
		case <-stop:
			return
		case <-sessionCtx.Done():
			return
		}
	}
}

// scanOnce reads every declared register, decoding and scaling each per
// its descriptor. A register that fails to decode (short buffer, read
// error) is skipped; the scan still returns every register that
// succeeded (spec §4.3: "on decode failure or short buffer, skip that
// register and continue").
func (a *Adapter) scanOnce() (readings map[string]float64, units map[string]string, err error) {
	readings = make(map[string]float64, len(a.registers))
	units = make(map[string]string, len(a.registers))

	connectedAtLeastOnce := false
	for _, rd := range a.registers {
		raw, rerr := a.readRegister(rd)
		if rerr != nil {
			if kind, ok := adaptererr.KindOf(rerr); ok && kind == adaptererr.KindConnectionRefused {
				err = rerr
				continue
			}
			continue
		}
		connectedAtLeastOnce = true

		value, derr := Decode(rd, raw)
		if derr != nil {
			continue
		}

		canonicalName, unit := rd.Name, rd.Unit
		if a.canonical != nil {
			if mapped, mu := a.canonical.Resolve(rd.Name); mapped != rd.Name {
				canonicalName, unit = mapped, mu
			}
		}
		readings[canonicalName] = value
		if unit != "" {
			units[canonicalName] = unit
		}
	}

	if !connectedAtLeastOnce && err != nil {
		return nil, nil, err
	}
	return readings, units, nil
}

func (a *Adapter) readRegister(rd RegisterDescriptor) ([]byte, error) {
	width := registerWidth(rd.DataType)
	switch rd.Type {
	case RegisterHolding:
		return a.conn.ReadHolding(rd.Address, width)
	case RegisterInput:
		return a.conn.ReadInput(rd.Address, width)
	case RegisterCoil:
		return a.conn.ReadCoils(rd.Address, 1)
	case RegisterDiscrete:
		return a.conn.ReadDiscrete(rd.Address, 1)
	default:
		return nil, adaptererr.New(adaptererr.KindProtocolViolation, fmt.Sprintf("unknown register type %q", rd.Type))
	}
}

// WriteRegister writes value to the named register, rejecting unknown
// names and read-only registers (spec §4.3).
func (a *Adapter) WriteRegister(name string, value float64) error {
	rd, ok := a.byName[name]
	if !ok {
		return adaptererr.New(adaptererr.KindUnknownRegister, fmt.Sprintf("unknown register %q", name))
	}
	if rd.ReadOnly || rd.Type == RegisterInput || rd.Type == RegisterDiscrete {
		return adaptererr.New(adaptererr.KindReadOnlyRegister, fmt.Sprintf("register %q is read-only", name))
	}

	data, err := Encode(rd, value)
	if err != nil {
		return err
	}

	if rd.Type == RegisterCoil {
		return a.conn.WriteCoil(rd.Address, data)
	}
	return a.conn.WriteHolding(rd.Address, data)
}

// ExecuteCommand supports the "writeRegister" command with parameters
// {name, value}, per the adapter contract (spec §4.2).
func (a *Adapter) ExecuteCommand(ctx context.Context, command string, parameters map[string]any) (*telemetry.CommandResponseBody, error) {
	return a.RunCommandWithTimeout(ctx, command, func(ctx context.Context) (any, error) {
		if command != "writeRegister" {
			return nil, adaptererr.New(adaptererr.KindProtocolViolation, fmt.Sprintf("unsupported command %q", command))
		}
		name, _ := parameters["name"].(string)
		value, _ := parameters["value"].(float64)
		if err := a.WriteRegister(name, value); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "value": value}, nil
	})
}
