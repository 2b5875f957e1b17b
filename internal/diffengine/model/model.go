// Package model holds the data types shared across the diff engine's
// components (spec §3): SST file records, snapshots, compaction records,
// diff events.
package model

import "time"

// FileID stably identifies an SST file for the lifetime of the file (spec §3).
type FileID string

// SnapshotID uniquely and orderably identifies a snapshot (spec §3).
type SnapshotID string

// Op is the record-level operation an SST entry represents (spec §4.5).
type Op int

const (
	OpPut Op = iota
	OpDelete
	OpRangeDelete
	OpMerge
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	case OpRangeDelete:
		return "RANGE_DELETE"
	case OpMerge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

// Digest is a fixed-width content hash used to detect value equality
// without retaining the value bytes (spec §4.1, "Pruned SSTs and digest choice").
type Digest [32]byte

// Record is a single (key, sequence, op, value-or-digest) tuple as surfaced
// by a tombstone-aware SST reader (spec §4.5).
type Record struct {
	Key      []byte
	Seq      uint64
	Op       Op
	RangeEnd []byte // only meaningful when Op == OpRangeDelete: end of the deleted range (exclusive)
	Value    []byte // full value bytes; nil if not retained (pruned mode or tombstone)
	Digest   Digest
}

// SSTFile describes an SST file's identity and range metadata (spec §3).
type SSTFile struct {
	ID          FileID
	SmallestKey []byte
	LargestKey  []byte
	SmallestSeq uint64
	LargestSeq  uint64
	Size        int64
	Level       int
}

// Snapshot is an immutable point-in-time view of the namespace (spec §3).
type Snapshot struct {
	ID              SnapshotID
	CreationTime    time.Time
	LiveSSTSet      map[FileID]struct{}
	PrevSnapshotID  SnapshotID // optional
	SnapshotSeq     uint64     // max sequence number visible from this snapshot
}

// CompactionRecord is a DAG edge: a set of input SSTs produced a set of
// output SSTs at some point in time (spec §3).
type CompactionRecord struct {
	Inputs    []FileID
	Outputs   []FileID
	Timestamp time.Time
}

// DiffOp is the classification of a key between two snapshots (spec §3).
type DiffOp string

const (
	DiffAdded    DiffOp = "ADDED"
	DiffDeleted  DiffOp = "DELETED"
	DiffModified DiffOp = "MODIFIED"
	DiffRenamed  DiffOp = "RENAMED"
)

// DiffEvent is a single emitted diff result (spec §3).
type DiffEvent struct {
	Key         []byte
	Op          DiffOp
	PreviousKey []byte // only set when Op == DiffRenamed
}

// Algorithm records which algorithm served a diff job, for status metadata (spec §4.7 Observability).
type Algorithm string

const (
	AlgorithmFast     Algorithm = "FAST"
	AlgorithmFallback Algorithm = "FALLBACK"
)
