package splitstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arashi-net/splitstore/internal/segment"
)

var splitfilesBucket = []byte("splitfiles")

// RegistryRecord is everything a Manager needs to re-open a splitfile's RAF
// and rebuild its segment/cross-segment vectors after a process restart.
type RegistryRecord struct {
	ID        string               `json:"id"`
	RAFPath   string               `json:"raf_path"`
	Fixed     segment.FixedMetadata `json:"fixed"`
	CreatedAt time.Time            `json:"created_at"`
}

// Registry persists the set of splitfiles a Manager knows about, so a
// restart can discover which ones were mid-fetch instead of losing all
// progress. A single bucket of JSON-encoded records.
type Registry struct {
	db *bolt.DB
}

// OpenRegistry opens (creating if necessary) a bbolt-backed registry at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("splitstore: open registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(splitfilesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("splitstore: init registry bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying bbolt database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put records or overwrites a splitfile's registry entry.
func (r *Registry) Put(rec RegistryRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(splitfilesBucket).Put([]byte(rec.ID), data)
	})
}

// Get returns the registry entry for a splitfile ID, if any.
func (r *Registry) Get(id string) (RegistryRecord, bool, error) {
	var rec RegistryRecord
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(splitfilesBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// Delete removes a splitfile's registry entry, used once a parent storage
// instance tears down.
func (r *Registry) Delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(splitfilesBucket).Delete([]byte(id))
	})
}

// List returns every registered splitfile. Daemon startup does not call
// it; registered splitfiles are not re-opened automatically.
func (r *Registry) List() ([]RegistryRecord, error) {
	var recs []RegistryRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(splitfilesBucket).ForEach(func(k, v []byte) error {
			var rec RegistryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}
