// Package tcpip implements the generic TCP/IP adapter (spec §4.2, §4.3's
// sibling "generic TCP/IP adapter"): a thin line-oriented or fixed-frame
// protocol adapter for devices that speak a simple request/response
// framing over a raw TCP socket rather than Modbus, OCPP or EEBus.
package tcpip

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/internal/telemetry"
)

// Conn is the raw transport a TCP/IP adapter reads and writes frames
// through.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	// Poll queries the device and returns its current readings, used once
	// per scan tick.
	Poll(ctx context.Context) (map[string]float64, error)
	// Send writes a command frame and returns the device's raw reply.
	Send(ctx context.Context, command string, parameters map[string]any) (map[string]any, error)
}

// Config declares a device type label and poll cadence for a generic
// TCP/IP adapter.
type Config struct {
	DeviceType   string
	ScanInterval time.Duration
}

// Adapter implements the generic TCP/IP protocol adapter.
type Adapter struct {
	*adapter.Session

	conn      Conn
	cfg       Config
	canonical telemetry.CanonicalTable

	stopScan context.CancelFunc
}

// New constructs a generic TCP/IP Adapter for deviceID.
func New(deviceID string, conn Conn, cfg Config, canonical telemetry.CanonicalTable, b *bus.Broker) *Adapter {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}

	a := &Adapter{conn: conn, cfg: cfg, canonical: canonical}
	a.Session = adapter.NewSession(deviceID, "tcpip", b, adapter.Hooks{
		Connect:           a.connect,
		Disconnect:        a.disconnect,
		Heartbeat:         a.heartbeat,
		HeartbeatInterval: cfg.ScanInterval,
	})
	return a
}

func (a *Adapter) connect(ctx context.Context) error { return a.conn.Connect(ctx) }

func (a *Adapter) disconnect() {
	a.StopScanning()
	_ = a.conn.Close()
}

func (a *Adapter) heartbeat(ctx context.Context) error {
	return a.pollOnce(ctx)
}

func (a *Adapter) pollOnce(ctx context.Context) error {
	readings, err := a.conn.Poll(ctx)
	if err != nil {
		return err
	}

	mapped := make(map[string]float64, len(readings))
	units := make(map[string]string, len(readings))
	for name, value := range readings {
		canonicalName, unit := name, ""
		if a.canonical != nil {
			canonicalName, unit = a.canonical.Resolve(name)
		}
		mapped[canonicalName] = value
		if unit != "" {
			units[canonicalName] = unit
		}
	}

	a.PublishTelemetry(telemetry.TelemetryBody{
		DeviceType: a.cfg.DeviceType,
		Protocol:   "tcpip",
		Readings:   mapped,
		Units:      units,
	})
	return nil
}

// StartScanning begins the periodic poll loop.
func (a *Adapter) StartScanning() {
	if a.stopScan != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopScan = cancel
	a.Session.StartScanning()
	go a.scanLoop(ctx)
}

// StopScanning halts the periodic poll loop; idempotent.
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
			_ = a.pollOnce(ctx)
		case <-ctx.Done():
			return
		case <-sessionCtx.Done():
			return
		}
	}
}

// ExecuteCommand forwards command/parameters to the device and wraps the
// raw reply in a commands/response envelope (spec §4.2).
func (a *Adapter) ExecuteCommand(ctx context.Context, command string, parameters map[string]any) (*telemetry.CommandResponseBody, error) {
	return a.RunCommandWithTimeout(ctx, command, func(ctx context.Context) (any, error) {
		result, err := a.conn.Send(ctx, command, parameters)
		if err != nil {
			return nil, adaptererr.Wrap(adaptererr.KindProtocolViolation, fmt.Sprintf("command %q failed", command), err)
		}
		return result, nil
	})
}
