// Package diffcore implements the fast diff path (spec §4.6): given two
// snapshots and the compaction DAG between them, compute the delta SST file
// set, merge their records, classify each affected key, and optionally pair
// ADDED/DELETED keys into RENAMED events.
package diffcore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/dag"
	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/model"
	"github.com/cuemby/diffengine/internal/diffengine/sstreader"
)

// Opener resolves an SST file id to a readable reader, whether it is still
// live in the host store or only available from the backup store.
type Opener interface {
	Open(ctx context.Context, id model.FileID) (host.SSTReader, error)
}

// CancelFunc reports whether the calling job has been cancelled (spec §5,
// cooperative cancellation).
type CancelFunc func() bool

// Options configures a single diff run (spec §4.6).
type Options struct {
	RenameDetection config.RenameDetection
	KeyBudget       int64 // 0 = unbounded
	CancelEvery     int   // check CancelFunc every N merged keys
}

// Result holds the outcome of a diffcore run.
type Result struct {
	Events    []model.DiffEvent
	KeysSeen  int64
	Algorithm model.Algorithm
}

// ErrDegradedLineage is returned when the delta file set cannot be trusted
// because a compaction in its history lost lineage information (spec §4.2).
var ErrDegradedLineage = fmt.Errorf("diffcore: degraded lineage, fallback required")

// ErrRequiresFullScan is returned when a file the delta set depends on is
// neither live nor preserved and cannot be reconstructed from the DAG (spec
// §4.6 step 2's completeness check). It is not a failure: the job manager
// catches it and dispatches the full-scan fallback (spec §4.7).
var ErrRequiresFullScan = fmt.Errorf("diffcore: delta file set incomplete, fallback required")

// Run computes the diff between from and to using the fast path.
func Run(ctx context.Context, d *dag.DAG, opener Opener, from, to model.Snapshot, opts Options, cancelled CancelFunc) (Result, error) {
	deltaFiles := dag.DeltaFiles(d, from.LiveSSTSet, to.LiveSSTSet)

	for _, f := range deltaFiles {
		if d.IsDegraded(f) {
			return Result{}, ErrDegradedLineage
		}
	}

	if len(deltaFiles) == 0 {
		return Result{Algorithm: model.AlgorithmFast}, nil
	}

	readers := make([]host.SSTReader, 0, len(deltaFiles))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, id := range deltaFiles {
		r, err := opener.Open(ctx, id)
		if err != nil {
			// Neither live nor preserved, and not reconstructable: the
			// completeness check (spec §4.6 step 2) fails open to the
			// full-scan fallback rather than failing the job outright.
			if errors.Is(err, errkind.ErrNotPreserved) || errors.Is(err, errkind.ErrMissingLineage) {
				return Result{}, ErrRequiresFullScan
			}
			return Result{}, &errkind.ReadError{FileID: string(id), Err: err}
		}
		readers = append(readers, r)
	}

	merged := sstreader.NewMergeReader(readers)

	var events []model.DiffEvent
	var added, deleted []candidate
	var keysSeen int64
	cancelEvery := opts.CancelEvery
	if cancelEvery <= 0 {
		cancelEvery = 4000
	}

	var curKey []byte
	var group []model.Record
	flush := func() error {
		if group == nil {
			return nil
		}
		keysSeen++
		if opts.KeyBudget > 0 && keysSeen > opts.KeyBudget {
			return errkind.ErrBudgetExceeded
		}
		if keysSeen%int64(cancelEvery) == 0 && cancelled != nil && cancelled() {
			return errkind.ErrCancelled
		}

		fromState, fromOK := stateAt(group, from.SnapshotSeq)
		toState, toOK := stateAt(group, to.SnapshotSeq)

		switch {
		case !fromOK && toOK:
			key := append([]byte(nil), curKey...)
			events = append(events, model.DiffEvent{Key: key, Op: model.DiffAdded})
			added = append(added, candidate{key: key, digest: toState.Digest})
		case fromOK && !toOK:
			key := append([]byte(nil), curKey...)
			events = append(events, model.DiffEvent{Key: key, Op: model.DiffDeleted})
			deleted = append(deleted, candidate{key: key, digest: fromState.Digest})
		case fromOK && toOK:
			if fromState.Digest != toState.Digest {
				events = append(events, model.DiffEvent{Key: append([]byte(nil), curKey...), Op: model.DiffModified})
			}
			// else: identical digests, no-op, nothing emitted
		}
		return nil
	}

	for merged.Next() {
		r := merged.Record()
		if curKey == nil || !bytes.Equal(curKey, r.Key) {
			if err := flush(); err != nil {
				return Result{}, err
			}
			curKey = r.Key
			group = group[:0]
		}
		group = append(group, r)
	}
	if err := merged.Err(); err != nil {
		return Result{}, fmt.Errorf("diffcore: merge: %w", err)
	}
	if err := flush(); err != nil {
		return Result{}, err
	}

	if opts.RenameDetection != config.RenameOff {
		events = pairRenames(events, added, deleted, opts.RenameDetection)
	}

	sort.Slice(events, func(i, j int) bool { return bytes.Compare(events[i].Key, events[j].Key) < 0 })
	return Result{Events: events, KeysSeen: keysSeen, Algorithm: model.AlgorithmFast}, nil
}

// stateAt resolves a key's group of records (all sharing one key, across the
// delta file set) to its state at the given snapshot sequence.
func stateAt(group []model.Record, maxSeq uint64) (sstreader.KeyState, bool) {
	states := sstreader.Resolve(group, maxSeq)
	if len(group) == 0 {
		return sstreader.KeyState{}, false
	}
	st, ok := states[string(group[0].Key)]
	return st, ok
}

// candidate is an ADDED or DELETED key together with the content digest it
// carried, used to pair renames (spec §4.6 rename pairing).
type candidate struct {
	key    []byte
	digest model.Digest
}

// pairRenames matches DELETED keys to ADDED keys with identical content
// digest (spec §4.6: a rename is a delete+add pair whose values are
// byte-identical). same-bucket mode restricts candidate pairs to keys
// sharing a bucket prefix (the portion of the key up to the first '/');
// global mode allows any pair. If a digest has more than one DELETED or
// more than one ADDED candidate, the match is ambiguous and no rename is
// inferred for it: every candidate on both sides is kept as a separate
// ADDED/DELETED event instead (spec §4.6 step 7 tie-break).
func pairRenames(events []model.DiffEvent, added, deleted []candidate, mode config.RenameDetection) []model.DiffEvent {
	// group key: digest alone in global mode, (digest, bucket) in
	// same-bucket mode, so candidates in different buckets never compete
	// for the same pairing slot.
	groupOf := func(c candidate) string {
		if mode == config.RenameSameBucket {
			return string(c.digest[:]) + "|" + bucketOf(c.key)
		}
		return string(c.digest[:])
	}

	addedByGroup := make(map[string][]int)
	deletedByGroup := make(map[string][]int)
	for ai, a := range added {
		g := groupOf(a)
		addedByGroup[g] = append(addedByGroup[g], ai)
	}
	for di, d := range deleted {
		g := groupOf(d)
		deletedByGroup[g] = append(deletedByGroup[g], di)
	}

	usedAdded := make(map[int]bool)
	usedDeleted := make(map[int]bool)
	var renamed []model.DiffEvent

	for g, addIdx := range addedByGroup {
		delIdx := deletedByGroup[g]
		if len(addIdx) != 1 || len(delIdx) != 1 {
			continue // ambiguous on one or both sides: no rename inferred
		}
		ai, di := addIdx[0], delIdx[0]
		usedAdded[ai] = true
		usedDeleted[di] = true
		renamed = append(renamed, model.DiffEvent{
			Key:         append([]byte(nil), added[ai].key...),
			Op:          model.DiffRenamed,
			PreviousKey: append([]byte(nil), deleted[di].key...),
		})
	}

	var keep []model.DiffEvent
	for _, ev := range events {
		if ev.Op == model.DiffAdded || ev.Op == model.DiffDeleted {
			continue
		}
		keep = append(keep, ev)
	}
	for ai, a := range added {
		if !usedAdded[ai] {
			keep = append(keep, model.DiffEvent{Key: append([]byte(nil), a.key...), Op: model.DiffAdded})
		}
	}
	for di, d := range deleted {
		if !usedDeleted[di] {
			keep = append(keep, model.DiffEvent{Key: append([]byte(nil), d.key...), Op: model.DiffDeleted})
		}
	}
	return append(keep, renamed...)
}

func bucketOf(key []byte) string {
	if i := bytes.IndexByte(key, '/'); i >= 0 {
		return string(key[:i])
	}
	return ""
}
