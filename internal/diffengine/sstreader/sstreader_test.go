package sstreader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

func TestMergeReader_OrdersByKeyThenDescendingSeq(t *testing.T) {
	r1 := NewSliceReader([]model.Record{
		{Key: []byte("a"), Seq: 1, Op: model.OpPut},
		{Key: []byte("c"), Seq: 3, Op: model.OpPut},
	})
	r2 := NewSliceReader([]model.Record{
		{Key: []byte("a"), Seq: 5, Op: model.OpPut},
		{Key: []byte("b"), Seq: 2, Op: model.OpPut},
	})

	merged := NewMergeReader([]host.SSTReader{r1, r2})

	var keys []string
	var seqs []uint64
	for merged.Next() {
		rec := merged.Record()
		keys = append(keys, string(rec.Key))
		seqs = append(seqs, rec.Seq)
	}
	require.NoError(t, merged.Err())
	assert.Equal(t, []string{"a", "a", "b", "c"}, keys)
	assert.Equal(t, []uint64{5, 1, 2, 3}, seqs)
}

func TestResolve_HighestSeqWins(t *testing.T) {
	records := []model.Record{
		{Key: []byte("k"), Seq: 1, Op: model.OpPut, Digest: model.Digest{1}},
		{Key: []byte("k"), Seq: 2, Op: model.OpPut, Digest: model.Digest{2}},
	}
	states := Resolve(records, 2)
	st, ok := states["k"]
	require.True(t, ok)
	assert.True(t, st.Present)
	assert.Equal(t, model.Digest{2}, st.Digest)

	states = Resolve(records, 1)
	st, ok = states["k"]
	require.True(t, ok)
	assert.Equal(t, model.Digest{1}, st.Digest)
}

func TestResolve_DeleteWinsOverEarlierPut(t *testing.T) {
	records := []model.Record{
		{Key: []byte("k"), Seq: 1, Op: model.OpPut},
		{Key: []byte("k"), Seq: 2, Op: model.OpDelete},
	}
	states := Resolve(records, 10)
	_, ok := states["k"]
	assert.False(t, ok, "deleted key must not appear in the resolved state")
}

func TestResolve_RangeDeleteSupersedesCoveredPut(t *testing.T) {
	records := []model.Record{
		{Key: []byte("b"), Seq: 1, Op: model.OpPut},
		{Key: []byte("a"), RangeEnd: []byte("c"), Seq: 2, Op: model.OpRangeDelete},
	}
	states := Resolve(records, 10)
	_, ok := states["b"]
	assert.False(t, ok, "key covered by a later range delete must be absent")
}

func TestResolve_PutAfterRangeDeleteSurvives(t *testing.T) {
	records := []model.Record{
		{Key: []byte("a"), RangeEnd: []byte("c"), Seq: 2, Op: model.OpRangeDelete},
		{Key: []byte("b"), Seq: 3, Op: model.OpPut, Digest: model.Digest{9}},
	}
	states := Resolve(records, 10)
	st, ok := states["b"]
	require.True(t, ok)
	assert.Equal(t, model.Digest{9}, st.Digest)
}

func TestResolve_SeqAfterMaxSeqIsIgnored(t *testing.T) {
	records := []model.Record{
		{Key: []byte("k"), Seq: 5, Op: model.OpPut},
	}
	states := Resolve(records, 4)
	_, ok := states["k"]
	assert.False(t, ok)
}
