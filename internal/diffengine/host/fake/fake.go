// Package fake provides an in-memory implementation of host.Store, used by
// every other package's tests in place of a real LSM engine (spec §6 host
// contract). It models compaction as an atomic "remove inputs, add outputs"
// swap of the live SST set and drives registered listeners exactly as a real
// host would (spec §4.2).
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/model"
	"github.com/cuemby/diffengine/internal/diffengine/sstreader"
)

type sstEntry struct {
	records []model.Record
	live    bool
}

// Store is an in-memory host.Store. Zero value is not usable; use New.
type Store struct {
	mu        sync.Mutex
	ssts      map[model.FileID]*sstEntry
	snapshots map[model.SnapshotID]model.Snapshot
	listeners []host.CompactionListener
	seq       uint64
}

// New returns an empty fake store.
func New() *Store {
	return &Store{
		ssts:      make(map[model.FileID]*sstEntry),
		snapshots: make(map[model.SnapshotID]model.Snapshot),
	}
}

// RegisterCompactionListener installs a listener for compaction events.
func (s *Store) RegisterCompactionListener(listener host.CompactionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Flush adds a new live SST (as if produced by a memtable flush) and advances
// the store's sequence counter past the highest sequence among its records.
func (s *Store) Flush(id model.FileID, records []model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssts[id] = &sstEntry{records: append([]model.Record(nil), records...), live: true}
	for _, r := range records {
		if r.Seq > s.seq {
			s.seq = r.Seq
		}
	}
}

// Compact atomically replaces inputs with an output SST holding outputRecords
// (the test-supplied already-merged, tombstone-resolved content a real
// compaction would have produced), notifying any registered listeners.
func (s *Store) Compact(inputs []model.FileID, output model.FileID, outputRecords []model.Record) error {
	s.mu.Lock()
	listeners := append([]host.CompactionListener(nil), s.listeners...)
	s.mu.Unlock()

	// Listener hooks run with the store unlocked: a real listener preserves
	// compaction inputs by calling back into SSTPath/OpenSST, which would
	// deadlock against a lock held here.
	for _, l := range listeners {
		l.OnCompactionBegin(inputs)
	}

	s.mu.Lock()
	for _, id := range inputs {
		e, ok := s.ssts[id]
		if !ok || !e.live {
			s.mu.Unlock()
			err := fmt.Errorf("fake: compaction input %s not live", id)
			for _, l := range listeners {
				l.OnCompactionAborted(inputs)
			}
			return err
		}
	}
	for _, id := range inputs {
		s.ssts[id].live = false
	}
	s.ssts[output] = &sstEntry{records: append([]model.Record(nil), outputRecords...), live: true}
	for _, r := range outputRecords {
		if r.Seq > s.seq {
			s.seq = r.Seq
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnCompactionComplete(inputs, []model.FileID{output}, true)
	}
	return nil
}

// AbortCompaction notifies listeners of a failed compaction without mutating
// the live set, modeling spec §4.2's abort path.
func (s *Store) AbortCompaction(inputs []model.FileID) {
	s.mu.Lock()
	listeners := append([]host.CompactionListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnCompactionAborted(inputs)
	}
}

// TakeSnapshot records the current live SST set and sequence counter under id.
func (s *Store) TakeSnapshot(id model.SnapshotID, prev model.SnapshotID, creationTime time.Time) model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[model.FileID]struct{})
	for fid, e := range s.ssts {
		if e.live {
			live[fid] = struct{}{}
		}
	}
	snap := model.Snapshot{
		ID:             id,
		CreationTime:   creationTime,
		LiveSSTSet:     live,
		PrevSnapshotID: prev,
		SnapshotSeq:    s.seq,
	}
	s.snapshots[id] = snap
	return snap
}

// ListLiveSSTs implements host.Store.
func (s *Store) ListLiveSSTs() (map[model.FileID]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.FileID]struct{})
	for fid, e := range s.ssts {
		if e.live {
			out[fid] = struct{}{}
		}
	}
	return out, nil
}

// SSTPath implements host.Store.
func (s *Store) SSTPath(id model.FileID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ssts[id]
	if !ok || !e.live {
		return "", fmt.Errorf("fake: sst %s not live", id)
	}
	return "memory://" + string(id), nil
}

// OpenSST implements host.Store, returning a reader over an SST's records
// regardless of liveness (preserved/backed-up SSTs read this way too).
func (s *Store) OpenSST(_ context.Context, id model.FileID) (host.SSTReader, error) {
	s.mu.Lock()
	e, ok := s.ssts[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: sst %s does not exist", id)
	}
	return sstreader.NewSliceReader(e.records), nil
}

// SnapshotSequence implements host.Store.
func (s *Store) SnapshotSequence(id model.SnapshotID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return 0, fmt.Errorf("fake: snapshot %s not found", id)
	}
	return snap.SnapshotSeq, nil
}

// Snapshot returns the recorded Snapshot for id, for tests that need the live
// SST set directly (e.g. to drive dag delta_files).
func (s *Store) Snapshot(id model.SnapshotID) (model.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

// OpenSnapshotIterator implements host.Store's fallback-path contract: it
// resolves the full namespace as of the snapshot's sequence number by
// merging every SST file ever created (live or since-compacted), under the
// real-world invariant that a host LSM store never physically discards a
// version still visible to a live snapshot.
func (s *Store) OpenSnapshotIterator(_ context.Context, id model.SnapshotID) (host.SnapshotIterator, error) {
	s.mu.Lock()
	snap, ok := s.snapshots[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("fake: snapshot %s not found", id)
	}
	var all []model.Record
	for _, e := range s.ssts {
		all = append(all, e.records...)
	}
	s.mu.Unlock()

	states := sstreader.Resolve(all, snap.SnapshotSeq)
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]model.Record, 0, len(keys))
	for _, k := range keys {
		st := states[k]
		records = append(records, model.Record{Key: []byte(k), Op: model.OpPut, Digest: st.Digest, Seq: snap.SnapshotSeq})
	}
	return &snapshotIter{records: records, idx: -1}, nil
}

type snapshotIter struct {
	records []model.Record
	idx     int
}

func (it *snapshotIter) Next() bool {
	it.idx++
	return it.idx < len(it.records)
}
func (it *snapshotIter) Key() []byte          { return it.records[it.idx].Key }
func (it *snapshotIter) Record() model.Record { return it.records[it.idx] }
func (it *snapshotIter) Err() error           { return nil }
func (it *snapshotIter) Close() error         { return nil }
