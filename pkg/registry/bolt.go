package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// record is Device's on-disk JSON shape; kept distinct from Device so the
// bucket schema doesn't shift if Device grows fields later.
type record struct {
	ID         string         `json:"id"`
	SiteID     string         `json:"siteId"`
	DeviceType string         `json:"deviceType"`
	Protocol   string         `json:"protocol"`
	Connection map[string]any `json:"connection,omitempty"`
}

// BoltMockRegistry is a bbolt-backed Lookup used for development and
// tests in place of the external Storage capability (spec §4.7, §9).
type BoltMockRegistry struct {
	db *bolt.DB
}

// NewBoltMockRegistry opens (creating if absent) a bbolt database under
// dataDir holding the seeded device table.
func NewBoltMockRegistry(dataDir string) (*BoltMockRegistry, error) {
	dbPath := filepath.Join(dataDir, "registry.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltMockRegistry{db: db}, nil
}

// Close closes the underlying database.
func (r *BoltMockRegistry) Close() error { return r.db.Close() }

// Seed upserts a device record, for test and demo-mode setup.
func (r *BoltMockRegistry) Seed(d Device) error {
	rec := record{ID: d.ID, SiteID: d.SiteID, DeviceType: d.DeviceType, Protocol: d.Protocol, Connection: d.Connection}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), data)
	})
}

// Remove deletes a device record, for test teardown.
func (r *BoltMockRegistry) Remove(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(id))
	})
}

func (r *BoltMockRegistry) Get(ctx context.Context, id string) (Device, bool, error) {
	var rec record
	var found bool
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil || !found {
		return Device{}, false, err
	}
	return toDevice(rec), true, nil
}

func (r *BoltMockRegistry) BySite(ctx context.Context, siteID string) ([]Device, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(all))
	for _, d := range all {
		if d.SiteID == siteID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *BoltMockRegistry) All(ctx context.Context) ([]Device, error) {
	var out []Device
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, toDevice(rec))
			return nil
		})
	})
	return out, err
}

func toDevice(rec record) Device {
	return Device{ID: rec.ID, SiteID: rec.SiteID, DeviceType: rec.DeviceType, Protocol: rec.Protocol, Connection: rec.Connection}
}
