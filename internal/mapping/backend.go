package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Backend persists mappings behind the Store. Writes go through on every
// change.
type Backend interface {
	Load() ([]ApiMapping, error)
	Put(m ApiMapping) error
	Delete(key string) error
	Close() error
}

var bucketMappings = []byte("mappings")

// BoltBackend stores mappings as JSON values in a bbolt bucket.
type BoltBackend struct {
	db   *bolt.DB
	path string
}

// NewBoltBackend opens or creates the database at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMappings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltBackend{db: db, path: path}, nil
}

// Path returns the database file path.
func (b *BoltBackend) Path() string {
	return b.path
}

// Load returns every stored mapping in key order.
func (b *BoltBackend) Load() ([]ApiMapping, error) {
	var out []ApiMapping
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMappings)
		if bkt == nil {
			return fmt.Errorf("bucket not found")
		}
		return bkt.ForEach(func(k, v []byte) error {
			var m ApiMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to unmarshal mapping %s: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Put writes m under its key.
func (b *BoltBackend) Put(m ApiMapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMappings)
		if bkt == nil {
			return fmt.Errorf("bucket not found")
		}
		return bkt.Put([]byte(m.Key()), data)
	})
}

// Delete removes key. Removing an absent key is not an error.
func (b *BoltBackend) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMappings)
		if bkt == nil {
			return fmt.Errorf("bucket not found")
		}
		return bkt.Delete([]byte(key))
	})
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// MemoryBackend keeps mappings in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]ApiMapping
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]ApiMapping)}
}

// Load returns every stored mapping in key order.
func (b *MemoryBackend) Load() ([]ApiMapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.items))
	for k := range b.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ApiMapping, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.items[k].Clone())
	}
	return out, nil
}

// Put stores m under its key.
func (b *MemoryBackend) Put(m ApiMapping) error {
	b.mu.Lock()
	b.items[m.Key()] = m.Clone()
	b.mu.Unlock()
	return nil
}

// Delete removes key.
func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
	return nil
}

// Close is a no-op for MemoryBackend.
func (b *MemoryBackend) Close() error {
	return nil
}
