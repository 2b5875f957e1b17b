package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/digest"
	"github.com/cuemby/diffengine/internal/diffengine/host/fake"
	"github.com/cuemby/diffengine/internal/diffengine/jobmanager"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

func rec(key string, seq uint64, op model.Op, value string) model.Record {
	r := model.Record{Key: []byte(key), Seq: seq, Op: op}
	if op == model.OpPut {
		r.Value = []byte(value)
		r.Digest = digest.Compute([]byte(value))
	}
	return r
}

func newTestEngine(t *testing.T, store *fake.Store) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.PerJobDeadline = 30 * time.Second
	// The fake host's SST paths are not real files, so preservation runs in
	// PRUNED mode, which writes the records read from the SST instead of
	// linking its path.
	cfg.PruneModeDefault = config.PrunePruned
	e, err := New(store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// Scenario 1 (spec §8): snapshot A sees {a:1,b:2,c:3} via SST F1; a write
// producing F2 updates a and adds d while deleting b; a compaction merges
// F1+F2 into F3, dropping the tombstone for b; snapshot B is taken after the
// compaction. Diffing A->B must report MODIFIED(a), DELETED(b), ADDED(d),
// and nothing for c (unchanged). The engine is built before any write so its
// listener preserves F1 and F2 and records the F1+F2 -> F3 edge.
func TestScenario1_CompactionDropsTombstoneButDiffStillSeesDelete(t *testing.T) {
	store := fake.New()
	e := newTestEngine(t, store)

	store.Flush("F1", []model.Record{
		rec("a", 1, model.OpPut, "1"),
		rec("b", 2, model.OpPut, "2"),
		rec("c", 3, model.OpPut, "3"),
	})
	snapA := store.TakeSnapshot("A", "", time.Unix(0, 0))

	store.Flush("F2", []model.Record{
		rec("a", 4, model.OpPut, "1-updated"),
		{Key: []byte("b"), Seq: 5, Op: model.OpDelete},
		rec("d", 6, model.OpPut, "4"),
	})

	// Compaction merges F1+F2 into F3, physically dropping the tombstone for
	// b (it has no live lower levels to shadow), but the resolved content is
	// still correct: a's latest value, c untouched, b and its tombstone gone.
	store.Compact([]model.FileID{"F1", "F2"}, "F3", []model.Record{
		rec("a", 4, model.OpPut, "1-updated"),
		rec("c", 3, model.OpPut, "3"),
		rec("d", 6, model.OpPut, "4"),
	})
	snapB := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	require.NoError(t, e.TakeSnapshot(store, snapA))
	require.NoError(t, e.TakeSnapshot(store, snapB))

	id, err := e.Jobs.Submit("A", "B", jobmanager.JobOptions{})
	require.NoError(t, err)

	events := waitForResults(t, e, id)

	byKey := map[string]model.DiffOp{}
	for _, ev := range events {
		byKey[string(ev.Key)] = ev.Op
	}
	assert.Equal(t, model.DiffModified, byKey["a"])
	assert.Equal(t, model.DiffDeleted, byKey["b"])
	assert.Equal(t, model.DiffAdded, byKey["d"])
	_, cPresent := byKey["c"]
	assert.False(t, cPresent, "unchanged key c must not appear in the diff")
}

func TestDiff_IdenticalSnapshotsYieldNoEvents(t *testing.T) {
	store := fake.New()
	store.Flush("F1", []model.Record{
		rec("x", 1, model.OpPut, "v"),
	})
	snapA := store.TakeSnapshot("A", "", time.Unix(0, 0))
	snapB := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	e := newTestEngine(t, store)
	require.NoError(t, e.TakeSnapshot(store, snapA))
	require.NoError(t, e.TakeSnapshot(store, snapB))

	id, err := e.Jobs.Submit("A", "B", jobmanager.JobOptions{})
	require.NoError(t, err)

	events := waitForResults(t, e, id)
	assert.Empty(t, events)
}

func TestSubmit_DedupsIdenticalInFlightRequest(t *testing.T) {
	store := fake.New()
	store.Flush("F1", []model.Record{rec("x", 1, model.OpPut, "v")})
	snapA := store.TakeSnapshot("A", "", time.Unix(0, 0))
	snapB := store.TakeSnapshot("B", "A", time.Unix(1, 0))

	e := newTestEngine(t, store)
	require.NoError(t, e.TakeSnapshot(store, snapA))
	require.NoError(t, e.TakeSnapshot(store, snapB))

	id1, err := e.Jobs.Submit("A", "B", jobmanager.JobOptions{})
	require.NoError(t, err)
	id2, err := e.Jobs.Submit("A", "B", jobmanager.JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func waitForResults(t *testing.T, e *Engine, id string) []model.DiffEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.Jobs.Status(id)
		require.NoError(t, err)
		switch job.Status {
		case jobmanager.StatusDone:
			events, _, err := e.Jobs.Results(id, 0, 1000)
			require.NoError(t, err)
			return events
		case jobmanager.StatusFailed, jobmanager.StatusCancelled:
			t.Fatalf("job finished with status %s: %s", job.Status, job.ErrorDetail)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job to finish")
	return nil
}
