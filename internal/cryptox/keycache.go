package cryptox

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var keyBucket = []byte("clinic_keys")

// KeyCache is the persistent level of the key cache: a small bbolt file
// holding base64 key material per clinic, so a key fetched once remains
// usable across restarts while offline. It lives outside the record
// database and is deleted wholesale on sign-out.
type KeyCache struct {
	db *bolt.DB
}

// OpenKeyCache opens (or creates) the key cache file.
func OpenKeyCache(path string) (*KeyCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open key cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keyBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init key cache: %w", err)
	}
	return &KeyCache{db: db}, nil
}

// Get returns the cached base64 key for a clinic, if present.
func (c *KeyCache) Get(clinicID string) (string, bool, error) {
	var encoded string
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keyBucket).Get([]byte(clinicID))
		if v != nil {
			encoded = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return encoded, encoded != "", nil
}

// Put stores (or replaces) a clinic's base64 key.
func (c *KeyCache) Put(clinicID, encoded string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keyBucket).Put([]byte(clinicID), []byte(encoded))
	})
}

// Delete removes a single clinic's cached key (rotation).
func (c *KeyCache) Delete(clinicID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keyBucket).Delete([]byte(clinicID))
	})
}

// PurgeAll drops every cached key (sign-out).
func (c *KeyCache) PurgeAll() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(keyBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(keyBucket)
		return err
	})
}

// Close releases the underlying file.
func (c *KeyCache) Close() error {
	return c.db.Close()
}
