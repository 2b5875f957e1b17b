// Package fallback implements the full-namespace-scan fallback diff path
// (spec §4.7): used whenever the fast path cannot trust the compaction DAG
// (degraded lineage, or a delta file that is neither live nor preserved).
package fallback

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

// CancelFunc reports whether the calling job has been cancelled.
type CancelFunc func() bool

// Options configures a fallback run.
type Options struct {
	KeyBudget   int64
	CancelEvery int
}

// Result holds the outcome of a fallback run.
type Result struct {
	Events    []model.DiffEvent
	KeysSeen  int64
	Algorithm model.Algorithm
}

// Run linearly co-walks both snapshots' full-namespace iterators in key
// order, emitting ADDED/DELETED/MODIFIED events (spec §4.7 step algorithm).
// Rename detection is intentionally not available on the fallback path: spec
// §4.7 scopes it to the fast path only, since pairing needs the fast path's
// digest bookkeeping across the delta file set.
func Run(ctx context.Context, store host.Store, from, to model.SnapshotID, opts Options, cancelled CancelFunc) (Result, error) {
	fromIt, err := store.OpenSnapshotIterator(ctx, from)
	if err != nil {
		return Result{}, fmt.Errorf("fallback: open snapshot %s: %w", from, err)
	}
	defer fromIt.Close()

	toIt, err := store.OpenSnapshotIterator(ctx, to)
	if err != nil {
		return Result{}, fmt.Errorf("fallback: open snapshot %s: %w", to, err)
	}
	defer toIt.Close()

	cancelEvery := opts.CancelEvery
	if cancelEvery <= 0 {
		cancelEvery = 4000
	}

	var events []model.DiffEvent
	var keysSeen int64

	hasFrom := fromIt.Next()
	hasTo := toIt.Next()

	advance := func() error {
		keysSeen++
		if opts.KeyBudget > 0 && keysSeen > opts.KeyBudget {
			return errkind.ErrBudgetExceeded
		}
		if keysSeen%int64(cancelEvery) == 0 && cancelled != nil && cancelled() {
			return errkind.ErrCancelled
		}
		return nil
	}

	for hasFrom || hasTo {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		switch {
		case hasFrom && (!hasTo || bytes.Compare(fromIt.Key(), toIt.Key()) < 0):
			if err := advance(); err != nil {
				return Result{}, err
			}
			events = append(events, model.DiffEvent{Key: append([]byte(nil), fromIt.Key()...), Op: model.DiffDeleted})
			hasFrom = fromIt.Next()

		case hasTo && (!hasFrom || bytes.Compare(toIt.Key(), fromIt.Key()) < 0):
			if err := advance(); err != nil {
				return Result{}, err
			}
			events = append(events, model.DiffEvent{Key: append([]byte(nil), toIt.Key()...), Op: model.DiffAdded})
			hasTo = toIt.Next()

		default: // equal keys present in both
			if err := advance(); err != nil {
				return Result{}, err
			}
			if fromIt.Record().Digest != toIt.Record().Digest {
				events = append(events, model.DiffEvent{Key: append([]byte(nil), fromIt.Key()...), Op: model.DiffModified})
			}
			hasFrom = fromIt.Next()
			hasTo = toIt.Next()
		}
	}

	if err := fromIt.Err(); err != nil {
		return Result{}, fmt.Errorf("fallback: iterate %s: %w", from, err)
	}
	if err := toIt.Err(); err != nil {
		return Result{}, fmt.Errorf("fallback: iterate %s: %w", to, err)
	}

	return Result{Events: events, KeysSeen: keysSeen, Algorithm: model.AlgorithmFallback}, nil
}
