// Package manager implements the Adapter Manager (spec §4.6): one
// instance per protocol family, owning the table of live adapters for
// that family and serializing every add/remove/shutdown against it.
package manager

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/derconn/pkg/adapter"
	"github.com/cuemby/derconn/pkg/adaptererr"
	"github.com/cuemby/derconn/pkg/log"
	"github.com/cuemby/derconn/pkg/metrics"
)

// Factory constructs a protocol-specific Adapter for deviceID from its
// raw connection config. Supplied by the composition root, which is the
// only place that needs to import every concrete adapter package.
type Factory func(deviceID string, config map[string]any) (adapter.Adapter, error)

// Config configures a Manager for one protocol family.
type Config struct {
	Protocol string
	Factory  Factory
	// AutoConnect, when true, connects an adapter immediately on
	// AddDevice (development convenience); production callers leave this
	// false and call Connect explicitly (spec §4.6).
	AutoConnect bool
}

// shutdowner is satisfied by any adapter embedding *adapter.Session,
// which promotes Shutdown's strict ordered termination over the plain
// Disconnect of the Adapter interface.
type shutdowner interface {
	Shutdown()
}

// Manager owns the table of live adapters for one protocol family.
type Manager struct {
	protocol    string
	factory     Factory
	autoConnect bool
	logger      zerolog.Logger

	mu       sync.Mutex
	adapters map[string]adapter.Adapter
}

// New constructs a Manager for cfg.Protocol.
func New(cfg Config) *Manager {
	return &Manager{
		protocol:    cfg.Protocol,
		factory:     cfg.Factory,
		autoConnect: cfg.AutoConnect,
		logger:      log.WithComponent("manager." + cfg.Protocol),
		adapters:    make(map[string]adapter.Adapter),
	}
}

// AddDevice constructs (or replaces) the adapter for deviceID. If an
// adapter already exists under this id, it is fully disconnected before
// the new one is constructed (spec §4.6).
func (m *Manager) AddDevice(ctx context.Context, deviceID string, config map[string]any) (adapter.Adapter, error) {
	m.mu.Lock()
	old, existed := m.adapters[deviceID]
	if existed {
		delete(m.adapters, deviceID)
	}
	m.mu.Unlock()

	if existed {
		shutdownAdapter(old)
	}

	a, err := m.factory(deviceID, config)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.adapters[deviceID] = a
	m.mu.Unlock()
	m.refreshMetrics()

	if m.autoConnect {
		if err := a.Connect(ctx); err != nil {
			m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("auto-connect failed; adapter left in Error, reconnect is self-driven")
		}
	}

	return a, nil
}

// RemoveDevice disconnects and forgets the adapter for deviceID.
func (m *Manager) RemoveDevice(deviceID string) error {
	m.mu.Lock()
	a, ok := m.adapters[deviceID]
	if ok {
		delete(m.adapters, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return adaptererr.New(adaptererr.KindAdapterNotFound, "no adapter for device "+deviceID)
	}

	shutdownAdapter(a)
	m.refreshMetrics()
	return nil
}

// GetAdapter returns the adapter for deviceID, if any.
func (m *Manager) GetAdapter(deviceID string) (adapter.Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[deviceID]
	return a, ok
}

// GetAll returns a snapshot of every live adapter keyed by device id.
func (m *Manager) GetAll() map[string]adapter.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]adapter.Adapter, len(m.adapters))
	for id, a := range m.adapters {
		out[id] = a
	}
	return out
}

// Shutdown fans Disconnect/Shutdown out to every adapter in parallel and
// clears the table; a failing individual shutdown is logged and does not
// halt the sweep (spec §4.6).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	snapshot := m.adapters
	m.adapters = make(map[string]adapter.Adapter)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, a := range snapshot {
		wg.Add(1)
		go func(id string, a adapter.Adapter) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("device_id", id).Msg("adapter shutdown panicked")
				}
			}()
			shutdownAdapter(a)
		}(id, a)
	}
	wg.Wait()
	m.refreshMetrics()
}

// Protocol returns the protocol family this Manager owns.
func (m *Manager) Protocol() string { return m.protocol }

func shutdownAdapter(a adapter.Adapter) {
	if sd, ok := a.(shutdowner); ok {
		sd.Shutdown()
		return
	}
	a.Disconnect()
}

func (m *Manager) refreshMetrics() {
	m.mu.Lock()
	counts := make(map[adapter.State]int)
	for _, a := range m.adapters {
		counts[a.State()]++
	}
	m.mu.Unlock()

	for _, state := range []adapter.State{
		adapter.StateDisconnected, adapter.StateConnecting, adapter.StateConnected,
		adapter.StateError, adapter.StateShuttingDown,
	} {
		metrics.AdaptersTotal.WithLabelValues(m.protocol, string(state)).Set(float64(counts[state]))
	}
}
