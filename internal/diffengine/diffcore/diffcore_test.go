package diffcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/dag"
	"github.com/cuemby/diffengine/internal/diffengine/digest"
	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/host/fake"
	"github.com/cuemby/diffengine/internal/diffengine/kvstore"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

type directOpener struct{ store *fake.Store }

func (o directOpener) Open(ctx context.Context, id model.FileID) (host.SSTReader, error) {
	return o.store.OpenSST(ctx, id)
}

func setup(t *testing.T) (*fake.Store, *dag.DAG) {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return fake.New(), dag.New(kv)
}

func putRec(key string, seq uint64, value string) model.Record {
	return model.Record{Key: []byte(key), Seq: seq, Op: model.OpPut, Value: []byte(value), Digest: digest.Compute([]byte(value))}
}

func TestRun_NoChangesProducesNoEvents(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{putRec("a", 1, "1")})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	res, err := Run(context.Background(), d, directOpener{store}, from, to, Options{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, model.AlgorithmFast, res.Algorithm)
}

func TestRun_AddedDeletedModified(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{putRec("a", 1, "1"), putRec("b", 2, "2")})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))

	store.Flush("F2", []model.Record{
		putRec("a", 3, "1-new"),
		{Key: []byte("b"), Seq: 4, Op: model.OpDelete},
		putRec("c", 5, "3"),
	})
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	res, err := Run(context.Background(), d, directOpener{store}, from, to, Options{}, nil)
	require.NoError(t, err)

	byKey := map[string]model.DiffOp{}
	for _, ev := range res.Events {
		byKey[string(ev.Key)] = ev.Op
	}
	assert.Equal(t, model.DiffModified, byKey["a"])
	assert.Equal(t, model.DiffDeleted, byKey["b"])
	assert.Equal(t, model.DiffAdded, byKey["c"])
}

func TestRun_RenameDetectionPairsIdenticalDigest(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{putRec("old/key", 1, "payload")})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))

	store.Flush("F2", []model.Record{
		{Key: []byte("old/key"), Seq: 2, Op: model.OpDelete},
		putRec("new/key", 3, "payload"),
	})
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	res, err := Run(context.Background(), d, directOpener{store}, from, to, Options{RenameDetection: config.RenameGlobal}, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, model.DiffRenamed, res.Events[0].Op)
	assert.Equal(t, "new/key", string(res.Events[0].Key))
	assert.Equal(t, "old/key", string(res.Events[0].PreviousKey))
}

func TestRun_RenameOffKeepsAddedAndDeletedSeparate(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{putRec("old/key", 1, "payload")})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))

	store.Flush("F2", []model.Record{
		{Key: []byte("old/key"), Seq: 2, Op: model.OpDelete},
		putRec("new/key", 3, "payload"),
	})
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	res, err := Run(context.Background(), d, directOpener{store}, from, to, Options{RenameDetection: config.RenameOff}, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	for _, ev := range res.Events {
		assert.NotEqual(t, model.DiffRenamed, ev.Op)
	}
}

func TestRun_AmbiguousDigestDisqualifiesRename(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{
		putRec("old/a", 1, "payload"),
		putRec("old/b", 2, "payload"),
	})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))

	// Two deletes and two adds share the same digest: neither side has a
	// single unambiguous partner, so no rename should be inferred for
	// either, and all four keys must surface as plain ADDED/DELETED.
	store.Flush("F2", []model.Record{
		{Key: []byte("old/a"), Seq: 3, Op: model.OpDelete},
		{Key: []byte("old/b"), Seq: 4, Op: model.OpDelete},
		putRec("new/a", 5, "payload"),
		putRec("new/b", 6, "payload"),
	})
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	res, err := Run(context.Background(), d, directOpener{store}, from, to, Options{RenameDetection: config.RenameGlobal}, nil)
	require.NoError(t, err)

	byKey := map[string]model.DiffOp{}
	for _, ev := range res.Events {
		byKey[string(ev.Key)] = ev.Op
	}
	require.Len(t, res.Events, 4)
	assert.Equal(t, model.DiffDeleted, byKey["old/a"])
	assert.Equal(t, model.DiffDeleted, byKey["old/b"])
	assert.Equal(t, model.DiffAdded, byKey["new/a"])
	assert.Equal(t, model.DiffAdded, byKey["new/b"])
}

func TestRun_DegradedLineageForcesFallback(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{putRec("a", 1, "1")})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))

	store.Flush("F2", []model.Record{putRec("a", 2, "2")})
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))
	d.MarkDegraded("F2")

	_, err := Run(context.Background(), d, directOpener{store}, from, to, Options{}, nil)
	assert.ErrorIs(t, err, ErrDegradedLineage)
}

// missingOpener simulates a delta file that is neither live nor preserved
// (e.g. pruned past retention without a surviving backup), the trigger for
// spec §4.6 step 2's completeness check.
type missingOpener struct {
	store   *fake.Store
	missing model.FileID
}

func (o missingOpener) Open(ctx context.Context, id model.FileID) (host.SSTReader, error) {
	if id == o.missing {
		return nil, errkind.ErrNotPreserved
	}
	return o.store.OpenSST(ctx, id)
}

func TestRun_MissingUnreconstructableFileForcesFullScan(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{putRec("a", 1, "1")})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))

	store.Flush("F2", []model.Record{putRec("a", 2, "2")})
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	_, err := Run(context.Background(), d, missingOpener{store: store, missing: "F1"}, from, to, Options{}, nil)
	assert.ErrorIs(t, err, ErrRequiresFullScan)
}

func TestRun_PreservedCorruptFileFailsHard(t *testing.T) {
	store, d := setup(t)
	store.Flush("F1", []model.Record{putRec("a", 1, "1")})
	from := store.TakeSnapshot("A", "", time.Unix(0, 0))

	store.Flush("F2", []model.Record{putRec("a", 2, "2")})
	to := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	corrupt := missingOpener{store: store, missing: "F1"}
	_, err := Run(context.Background(), d, corruptOpener{corrupt}, from, to, Options{}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRequiresFullScan)
	var readErr *errkind.ReadError
	assert.ErrorAs(t, err, &readErr)
}

type corruptOpener struct{ inner missingOpener }

func (o corruptOpener) Open(ctx context.Context, id model.FileID) (host.SSTReader, error) {
	if id == o.inner.missing {
		return nil, errkind.ErrPreservedCorrupt
	}
	return o.inner.store.OpenSST(ctx, id)
}
