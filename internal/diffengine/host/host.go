// Package host defines the narrow interfaces the engine consumes from the
// underlying LSM key-value store (spec §6, "From the host LSM store").
// The engine never reaches into the host's internals beyond these methods.
package host

import (
	"context"

	"github.com/cuemby/diffengine/internal/diffengine/model"
)

// CompactionListener receives begin/complete/abort notifications from the
// host's compaction threads (spec §4.2). Implementations must never block
// on anything beyond short in-process work.
type CompactionListener interface {
	OnCompactionBegin(inputs []model.FileID)
	OnCompactionComplete(inputs, outputs []model.FileID, ok bool)
	OnCompactionAborted(inputs []model.FileID)
}

// SSTReader iterates the records of a single SST file in key order,
// including tombstones (spec §4.5).
type SSTReader interface {
	// Next advances to the next record. Returns false at end of file or on error;
	// call Err to distinguish the two.
	Next() bool
	Record() model.Record
	Err() error
	Close() error
}

// SnapshotIterator walks a snapshot's full namespace in key order (spec §4.7,
// used only by the fallback path).
type SnapshotIterator interface {
	Next() bool
	Key() []byte
	Record() model.Record
	Err() error
	Close() error
}

// Store is the narrow contract the engine requires of the host LSM store
// (spec §6).
type Store interface {
	// RegisterCompactionListener installs begin/complete/abort callbacks.
	RegisterCompactionListener(listener CompactionListener)

	// ListLiveSSTs returns an atomic snapshot of the live SST set, consistent
	// with any concurrent compaction completion.
	ListLiveSSTs() (map[model.FileID]struct{}, error)

	// SSTPath returns the filesystem location of a live SST file.
	SSTPath(id model.FileID) (string, error)

	// OpenSST opens a tombstone-aware reader over a live SST file.
	OpenSST(ctx context.Context, id model.FileID) (SSTReader, error)

	// SnapshotSequence returns the max sequence number visible from a snapshot.
	SnapshotSequence(id model.SnapshotID) (uint64, error)

	// OpenSnapshotIterator opens a key-ordered iterator over a snapshot's
	// full namespace (fallback path only).
	OpenSnapshotIterator(ctx context.Context, id model.SnapshotID) (SnapshotIterator, error)
}
