package snapmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/kvstore"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

func newTestMap(t *testing.T) *Map {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv)
}

func TestRecord_ThenGetRoundTrips(t *testing.T) {
	m := newTestMap(t)
	snap := model.Snapshot{
		ID:           "A",
		CreationTime: time.Unix(100, 0),
		LiveSSTSet:   map[model.FileID]struct{}{"F1": {}},
		SnapshotSeq:  42,
	}
	require.NoError(t, m.Record(snap))

	got, err := m.Get("A")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, snap.SnapshotSeq, got.SnapshotSeq)
	assert.Contains(t, got.LiveSSTSet, model.FileID("F1"))
}

func TestRecord_TwiceForSameIDFails(t *testing.T) {
	m := newTestMap(t)
	snap := model.Snapshot{ID: "A"}
	require.NoError(t, m.Record(snap))
	assert.Error(t, m.Record(snap))
}

func TestGet_UnknownSnapshotReturnsNotFound(t *testing.T) {
	m := newTestMap(t)
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, errkind.ErrSnapshotNotFound)
}

func TestExists_ReflectsRecordedState(t *testing.T) {
	m := newTestMap(t)
	ok, err := m.Exists("A")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Record(model.Snapshot{ID: "A"}))
	ok, err = m.Exists("A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete_RemovesRecordedSnapshot(t *testing.T) {
	m := newTestMap(t)
	require.NoError(t, m.Record(model.Snapshot{ID: "A"}))
	require.NoError(t, m.Delete("A"))

	_, err := m.Get("A")
	assert.ErrorIs(t, err, errkind.ErrSnapshotNotFound)
}
