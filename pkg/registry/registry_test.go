package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryGetAndBySite(t *testing.T) {
	r := NewMemoryRegistry()
	r.Seed(Device{ID: "dev-1", SiteID: "site-a", DeviceType: "ev_charger", Protocol: "ocpp"})
	r.Seed(Device{ID: "dev-2", SiteID: "site-a", DeviceType: "solar_pv", Protocol: "eebus"})
	r.Seed(Device{ID: "dev-3", SiteID: "site-b", DeviceType: "inverter", Protocol: "modbus"})

	d, ok, err := r.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ocpp", d.Protocol)

	_, ok, err = r.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	siteA, err := r.BySite(context.Background(), "site-a")
	require.NoError(t, err)
	require.Len(t, siteA, 2)

	all, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestMemoryRegistryRemove(t *testing.T) {
	r := NewMemoryRegistry()
	r.Seed(Device{ID: "dev-1", SiteID: "site-a"})
	r.Remove("dev-1")

	_, ok, err := r.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBoltMockRegistrySeedGetAndPersistShape(t *testing.T) {
	dir := t.TempDir()
	r, err := NewBoltMockRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Seed(Device{
		ID: "dev-1", SiteID: "site-a", DeviceType: "ev_charger", Protocol: "ocpp",
		Connection: map[string]any{"host": "10.0.0.5", "port": 9000.0},
	}))

	d, ok, err := r.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "site-a", d.SiteID)
	require.Equal(t, "10.0.0.5", d.Connection["host"])

	require.NoError(t, r.Remove("dev-1"))
	_, ok, err = r.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBoltMockRegistryBySiteAndAll(t *testing.T) {
	dir := t.TempDir()
	r, err := NewBoltMockRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Seed(Device{ID: "dev-1", SiteID: "site-a"}))
	require.NoError(t, r.Seed(Device{ID: "dev-2", SiteID: "site-a"}))
	require.NoError(t, r.Seed(Device{ID: "dev-3", SiteID: "site-b"}))

	siteA, err := r.BySite(context.Background(), "site-a")
	require.NoError(t, err)
	require.Len(t, siteA, 2)

	all, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
}
