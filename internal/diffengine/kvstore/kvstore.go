// Package kvstore is the engine's persistent KV layer, backing the namespaces
// of spec §6 (Compaction Records, Snapshot SST Map, Diff Jobs, Diff Result
// Pages, Backup ref-counts) on top of bbolt, in the same bucket-per-namespace
// shape the host project uses for its own cluster state.
package kvstore

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Namespace names, matching the prefixes of spec §6's persisted state table.
var (
	NamespaceCompactionRecords = []byte("CR")
	NamespaceSnapshots         = []byte("SN")
	NamespaceJobs              = []byte("JOB")
	NamespaceResults           = []byte("RES")
	NamespaceBackupRefs        = []byte("BACKUP")
)

var allNamespaces = [][]byte{
	NamespaceCompactionRecords,
	NamespaceSnapshots,
	NamespaceJobs,
	NamespaceResults,
	NamespaceBackupRefs,
}

// Store is a thin wrapper around a bbolt database exposing the
// put/get/delete/scan/batch operations spec §6 asks of the persistent KV store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the engine's KV store under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "diffengine.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range allNamespaces {
			if _, err := tx.CreateBucketIfNotExists(ns); err != nil {
				return fmt.Errorf("failed to create namespace %s: %w", ns, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes key -> value under the given namespace.
func (s *Store) Put(namespace, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(namespace).Put(key, value)
	})
}

// PutIfAbsent writes key -> value only if key is not already present,
// returning ok=false without error if it was already present. Used by
// snapmap to enforce "record is one-shot" (spec §4.4).
func (s *Store) PutIfAbsent(namespace, key, value []byte) (ok bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(namespace)
		if b.Get(key) != nil {
			ok = false
			return nil
		}
		ok = true
		return b.Put(key, value)
	})
	return ok, err
}

// Get reads the value for key under namespace. Returns nil, nil if absent.
func (s *Store) Get(namespace, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(namespace).Get(key)
		if v == nil {
			return nil
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	return value, err
}

// Delete removes key from namespace.
func (s *Store) Delete(namespace, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(namespace).Delete(key)
	})
}

// Entry is a single key/value pair returned by ScanPrefix and ScanAll.
type Entry struct {
	Key   []byte
	Value []byte
}

// ScanPrefix returns every entry in namespace whose key starts with prefix,
// in key order, copying both key and value out of the bbolt transaction.
func (s *Store) ScanPrefix(namespace, prefix []byte) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(namespace).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			entry := Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// ScanAll returns every entry in namespace, in key order.
func (s *Store) ScanAll(namespace []byte) ([]Entry, error) {
	return s.ScanPrefix(namespace, nil)
}

// BatchOp is one put or delete applied by Batch.
type BatchOp struct {
	Namespace []byte
	Key       []byte
	Value     []byte // nil means delete
}

// Batch applies all ops atomically (spec requires compaction-record edges and
// backup-store renames to be written all-or-nothing).
func (s *Store) Batch(ops []BatchOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket(op.Namespace)
			if op.Value == nil {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
