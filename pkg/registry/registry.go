// Package registry defines the Device Registry facade (spec §4.7): a
// thin, read-only lookup from device id to its site, device type and
// connection config. The real Storage capability lives outside this
// core; Lookup is the boundary a caller wires a concrete client behind.
package registry

import "context"

// Device is the record the registry exposes for one device. Connection
// holds whatever raw config the owning Adapter Manager's Factory needs
// (register map, host/port, OCPP vendor/model, etc.) — this facade does
// not interpret it.
type Device struct {
	ID         string
	SiteID     string
	DeviceType string
	Protocol   string
	Connection map[string]any
}

// Lookup is the narrow read-only contract the core depends on. A real
// implementation resolves this against the external Storage capability;
// BoltMockRegistry backs development and tests.
type Lookup interface {
	// Get returns the device record for id, or ok=false if unknown.
	Get(ctx context.Context, id string) (Device, bool, error)
	// BySite returns every device registered under siteID.
	BySite(ctx context.Context, siteID string) ([]Device, error)
	// All returns every registered device, for reconciler drift checks.
	All(ctx context.Context) ([]Device, error)
}
