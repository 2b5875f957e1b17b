package backupstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/kvstore"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

func newTestStore(t *testing.T) (*Store, *kvstore.Store, string) {
	t.Helper()
	kvDir := t.TempDir()
	kv, err := kvstore.Open(kvDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	backupDir := filepath.Join(t.TempDir(), "backups")
	return New(backupDir, kv), kv, backupDir
}

func writeSourceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPreserve_FullModeHardlinksAndOpenReturnsRecords(t *testing.T) {
	s, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	src := writeSourceFile(t, srcDir, "F1.sst", "raw-sst-bytes")

	records := []model.Record{{Key: []byte("a"), Seq: 1, Op: model.OpPut, Value: []byte("v")}}
	require.NoError(t, s.Preserve(context.Background(), "F1", src, records, config.PruneFull))

	assert.Equal(t, []model.FileID{"F1"}, s.List())

	reader, err := s.Open(context.Background(), "F1")
	require.NoError(t, err)
	defer reader.Close()

	data, err := os.ReadFile(s.path("F1"))
	require.NoError(t, err)
	assert.Equal(t, "raw-sst-bytes", string(data))
	_ = reader
}

func TestPreserve_PrunedModeStripsValues(t *testing.T) {
	s, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	src := writeSourceFile(t, srcDir, "F1.sst", "raw-sst-bytes")

	records := []model.Record{{Key: []byte("a"), Seq: 1, Op: model.OpPut, Value: []byte("v"), Digest: model.Digest{7}}}
	require.NoError(t, s.Preserve(context.Background(), "F1", src, records, config.PrunePruned))

	reader, err := s.Open(context.Background(), "F1")
	require.NoError(t, err)
	defer reader.Close()

	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, []byte("a"), rec.Key)
	assert.Nil(t, rec.Value)
	assert.Equal(t, model.Digest{7}, rec.Digest)
	require.NoError(t, reader.Err())
	assert.False(t, reader.Next())
}

func TestPreserve_SecondCallIncrementsRefCountWithoutRewriting(t *testing.T) {
	s, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	src := writeSourceFile(t, srcDir, "F1.sst", "raw-sst-bytes")
	records := []model.Record{{Key: []byte("a"), Seq: 1, Op: model.OpPut}}

	require.NoError(t, s.Preserve(context.Background(), "F1", src, records, config.PruneFull))
	require.NoError(t, s.Preserve(context.Background(), "F1", src, records, config.PruneFull))

	entry := s.refs["F1"]
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.RefCount)
}

func TestRelease_DecrementsAndDeletesAtZero(t *testing.T) {
	s, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	src := writeSourceFile(t, srcDir, "F1.sst", "raw-sst-bytes")
	records := []model.Record{{Key: []byte("a"), Seq: 1, Op: model.OpPut}}

	require.NoError(t, s.Preserve(context.Background(), "F1", src, records, config.PruneFull))
	require.NoError(t, s.Preserve(context.Background(), "F1", src, records, config.PruneFull))

	require.NoError(t, s.Release("F1"))
	_, err := os.Stat(s.path("F1"))
	require.NoError(t, err, "file should still exist after one of two releases")

	require.NoError(t, s.Release("F1"))
	_, err = os.Stat(s.path("F1"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, s.List())
}

func TestRelease_UnpreservedFileErrors(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.Release("ghost")
	assert.ErrorIs(t, err, errkind.ErrNotPreserved)
}

func TestOpen_NeverPreservedReturnsNotPreserved(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Open(context.Background(), "ghost")
	assert.ErrorIs(t, err, errkind.ErrNotPreserved)
}

func TestOpen_CorruptOnDiskReturnsPreservedCorrupt(t *testing.T) {
	s, _, dir := newTestStore(t)
	srcDir := t.TempDir()
	src := writeSourceFile(t, srcDir, "F1.sst", "raw")
	records := []model.Record{{Key: []byte("a"), Seq: 1, Op: model.OpPut}}
	require.NoError(t, s.Preserve(context.Background(), "F1", src, records, config.PrunePruned))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "F1.sst"), []byte("not a valid gob stream"), 0o644))

	_, err := s.Open(context.Background(), "F1")
	assert.ErrorIs(t, err, errkind.ErrPreservedCorrupt)
}

func TestReconcile_RestoresRefsAndRemovesAbandonedTempFiles(t *testing.T) {
	kvDir := t.TempDir()
	kv, err := kvstore.Open(kvDir)
	require.NoError(t, err)
	defer kv.Close()

	backupDir := filepath.Join(t.TempDir(), "backups")
	s1 := New(backupDir, kv)

	srcDir := t.TempDir()
	src := writeSourceFile(t, srcDir, "F1.sst", "raw")
	records := []model.Record{{Key: []byte("a"), Seq: 1, Op: model.OpPut}}
	require.NoError(t, s1.Preserve(context.Background(), "F1", src, records, config.PruneFull))

	require.NoError(t, os.WriteFile(filepath.Join(backupDir, ".F2.tmp"), []byte("abandoned"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "F3.sst.tmp-copy"), []byte("abandoned"), 0o644))

	s2 := New(backupDir, kv)
	require.NoError(t, s2.Reconcile())

	assert.Equal(t, []model.FileID{"F1"}, s2.List())

	_, err = os.Stat(filepath.Join(backupDir, ".F2.tmp"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(backupDir, "F3.sst.tmp-copy"))
	assert.True(t, os.IsNotExist(err))
}
