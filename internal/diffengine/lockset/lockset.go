// Package lockset provides a sharded per-key mutex set, used to serialize
// operations against a single SST file id (e.g. concurrent preserve/release
// calls in backupstore) without a single global lock (spec §5, per-file_id
// locking).
package lockset

import "sync"

const shardCount = 32

// Set is a striped set of mutexes keyed by an arbitrary string key.
type Set struct {
	shards [shardCount]*sync.Mutex
}

// New returns a ready-to-use lock set.
func New() *Set {
	s := &Set{}
	for i := range s.shards {
		s.shards[i] = &sync.Mutex{}
	}
	return s
}

func (s *Set) shard(key string) *sync.Mutex {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return s.shards[h%shardCount]
}

// Lock acquires the mutex for key.
func (s *Set) Lock(key string) { s.shard(key).Lock() }

// Unlock releases the mutex for key.
func (s *Set) Unlock(key string) { s.shard(key).Unlock() }

// With runs fn while holding key's lock.
func (s *Set) With(key string, fn func()) {
	s.Lock(key)
	defer s.Unlock(key)
	fn()
}
