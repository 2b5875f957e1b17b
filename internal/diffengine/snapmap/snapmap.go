// Package snapmap implements the Snapshot SST Map (spec §4.4): a durable
// record of which SST files were live at the moment each snapshot was taken.
// A snapshot's record is written once and never mutated.
package snapmap

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/kvstore"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

// Map persists snapshot -> live-SST-set bindings in kvstore's Snapshots
// namespace.
type Map struct {
	kv *kvstore.Store
}

// New binds a Map to kv.
func New(kv *kvstore.Store) *Map {
	return &Map{kv: kv}
}

// Record durably stores snap. It is an error to call Record twice for the
// same snapshot id (spec §4.4, "record is one-shot").
func (m *Map) Record(snap model.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapmap: encode snapshot %s: %w", snap.ID, err)
	}
	ok, err := m.kv.PutIfAbsent(kvstore.NamespaceSnapshots, []byte(snap.ID), payload)
	if err != nil {
		return fmt.Errorf("snapmap: persist snapshot %s: %w", snap.ID, err)
	}
	if !ok {
		return fmt.Errorf("snapmap: snapshot %s already recorded", snap.ID)
	}
	return nil
}

// Get returns the recorded snapshot, or errkind.ErrSnapshotNotFound.
func (m *Map) Get(id model.SnapshotID) (model.Snapshot, error) {
	var snap model.Snapshot
	raw, err := m.kv.Get(kvstore.NamespaceSnapshots, []byte(id))
	if err != nil {
		return snap, fmt.Errorf("snapmap: get snapshot %s: %w", id, err)
	}
	if raw == nil {
		return snap, fmt.Errorf("snapshot %s: %w", id, errkind.ErrSnapshotNotFound)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("snapmap: decode snapshot %s: %w", id, err)
	}
	return snap, nil
}

// Delete removes a snapshot's record. Callers are responsible for releasing
// any backup-store references the snapshot held before calling Delete.
func (m *Map) Delete(id model.SnapshotID) error {
	return m.kv.Delete(kvstore.NamespaceSnapshots, []byte(id))
}

// Exists reports whether a snapshot has been recorded.
func (m *Map) Exists(id model.SnapshotID) (bool, error) {
	raw, err := m.kv.Get(kvstore.NamespaceSnapshots, []byte(id))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}
