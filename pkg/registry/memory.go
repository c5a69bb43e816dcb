package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Lookup, used by package tests that
// don't need bbolt's on-disk durability (registry_test.go exercises
// BoltMockRegistry directly to cover that path).
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewMemoryRegistry constructs an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[string]Device)}
}

// Seed upserts a device record.
func (r *MemoryRegistry) Seed(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// Remove deletes a device record.
func (r *MemoryRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (Device, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok, nil
}

func (r *MemoryRegistry) BySite(ctx context.Context, siteID string) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Device
	for _, d := range r.devices {
		if d.SiteID == siteID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) All(ctx context.Context) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out, nil
}
