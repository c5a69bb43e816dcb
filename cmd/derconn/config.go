package main

import (
	"time"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adapter/eebus"
	"github.com/cuemby/derconn/pkg/adapter/gateway"
	"github.com/cuemby/derconn/pkg/adapter/modbus"
	"github.com/cuemby/derconn/pkg/adapter/ocpp"
	"github.com/cuemby/derconn/pkg/adapter/tcpip"
	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/pkg/manager"
)

// Device connection config is an opaque map per registry.Device's
// contract ("this facade does not interpret it"); these helpers are
// where a Factory does the interpreting, one protocol family at a time.

func stringField(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func durationSecondsField(cfg map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case float64:
		return time.Duration(v) * time.Second
	case int:
		return time.Duration(v) * time.Second
	}
	return fallback
}

func simConfigField(cfg map[string]any) adapter.SimConfig {
	sim := adapter.SimConfig{}
	if v, ok := cfg["dropRate"].(float64); ok {
		sim.DropRate = v
	}
	if v, ok := cfg["connectLatencyMs"].(float64); ok {
		sim.ConnectLatency = time.Duration(v) * time.Millisecond
	}
	return sim
}

// modbusRegisters extracts register descriptors from cfg["registers"], a
// list of maps shaped like RegisterDescriptor's JSON-ish fields. Devices
// seeded without a registers entry get an empty table: the scan loop
// simply has nothing to read, which is valid (spec §4.3 places no floor
// on register count).
func modbusRegisters(cfg map[string]any) []modbus.RegisterDescriptor {
	raw, ok := cfg["registers"].([]any)
	if !ok {
		return nil
	}
	out := make([]modbus.RegisterDescriptor, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, modbus.RegisterDescriptor{
			Name:      stringField(m, "name", ""),
			Type:      modbus.RegisterType(stringField(m, "type", string(modbus.RegisterHolding))),
			Address:   uint16(intField(m, "address", 0)),
			Length:    uint16(intField(m, "length", 1)),
			DataType:  modbus.DataType(stringField(m, "dataType", string(modbus.DataTypeUint16))),
			Scale:     floatField(m, "scale", 1),
			ByteOrder: modbus.ByteOrder(stringField(m, "byteOrder", "")),
			Unit:      stringField(m, "unit", ""),
			ReadOnly:  boolField(m, "readOnly", true),
		})
	}
	return out
}

func intField(cfg map[string]any, key string, fallback int) int {
	if v, ok := cfg[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func floatField(cfg map[string]any, key string, fallback float64) float64 {
	if v, ok := cfg[key].(float64); ok {
		return v
	}
	return fallback
}

func boolField(cfg map[string]any, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

// modbusFactory builds a manager.Factory closure. Like every factory in
// this file it passes a nil canonical table, so register names reach the
// readings map unmodified; no mapping table is declared here.
func modbusFactory(b *bus.Broker) manager.Factory {
	return func(deviceID string, cfg map[string]any) (adapter.Adapter, error) {
		conn := modbus.NewMockConn(simConfigField(cfg))
		scan := durationSecondsField(cfg, "scanIntervalSeconds", 30*time.Second)
		deviceType := stringField(cfg, "deviceType", "ev_charger")
		return modbus.New(deviceID, deviceType, conn, modbusRegisters(cfg), scan, nil, b), nil
	}
}

func ocppFactory(b *bus.Broker) manager.Factory {
	return func(deviceID string, cfg map[string]any) (adapter.Adapter, error) {
		conn := ocpp.NewMockConn(simConfigField(cfg))
		ocppCfg := ocpp.Config{
			Vendor:            stringField(cfg, "vendor", "Generic"),
			Model:             stringField(cfg, "model", "EVSE"),
			SerialNumber:      stringField(cfg, "serialNumber", deviceID),
			ConnectorCount:    intField(cfg, "connectorCount", 1),
			HeartbeatInterval: durationSecondsField(cfg, "heartbeatIntervalSeconds", ocpp.DefaultHeartbeatInterval),
			MeterValuesPeriod: durationSecondsField(cfg, "meterValuesPeriodSeconds", ocpp.DefaultMeterValuesInterval),
		}
		return ocpp.New(deviceID, conn, ocppCfg, b), nil
	}
}

func tcpipFactory(b *bus.Broker) manager.Factory {
	return func(deviceID string, cfg map[string]any) (adapter.Adapter, error) {
		conn := tcpip.NewMockConn(simConfigField(cfg))
		tcpipCfg := tcpip.Config{
			DeviceType:   stringField(cfg, "deviceType", "generic"),
			ScanInterval: durationSecondsField(cfg, "scanIntervalSeconds", 30*time.Second),
		}
		return tcpip.New(deviceID, conn, tcpipCfg, nil, b), nil
	}
}

func eebusFactory(b *bus.Broker) manager.Factory {
	return func(deviceID string, cfg map[string]any) (adapter.Adapter, error) {
		ski := stringField(cfg, "ski", deviceID)
		conn := eebus.NewMockConn(simConfigField(cfg), ski)
		eebusCfg := eebus.Config{
			DeviceType:   stringField(cfg, "deviceType", "heat_pump"),
			ScanInterval: durationSecondsField(cfg, "scanIntervalSeconds", 30*time.Second),
		}
		return eebus.New(deviceID, conn, eebusCfg, nil, b), nil
	}
}

func gatewayFactory(b *bus.Broker) manager.Factory {
	return func(deviceID string, cfg map[string]any) (adapter.Adapter, error) {
		uplink := gateway.NewMockUplink(simConfigField(cfg))
		return gateway.New(deviceID, uplink, b), nil
	}
}
