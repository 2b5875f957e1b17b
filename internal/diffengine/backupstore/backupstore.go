// Package backupstore implements the SST Backup Store (spec §4.3): it
// preserves SST files slated for compaction removal so the fast diff path can
// still read them after the host has reclaimed the originals. Writes are
// staged to a temp file and atomically promoted via rename, the same
// write-temp-then-rename pattern used for WAL snapshot promotion elsewhere in
// the ecosystem (other_examples' hermes store-compaction.go).
package backupstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/kvstore"
	"github.com/cuemby/diffengine/internal/diffengine/lockset"
	"github.com/cuemby/diffengine/internal/diffengine/model"
	"github.com/cuemby/diffengine/internal/diffengine/sstreader"
	"github.com/cuemby/diffengine/pkg/logx"
)

// refEntry is the persisted ref-count record for one preserved file.
type refEntry struct {
	RefCount int              `json:"ref_count"`
	Mode     config.PruneMode `json:"mode"`
}

// Store preserves copies (or hardlinks) of SST files that would otherwise be
// deleted by compaction, reference-counted by the snapshots that still need
// them.
type Store struct {
	dir   string
	kv    *kvstore.Store
	mu    sync.Mutex
	locks *lockset.Set
	refs  map[model.FileID]*refEntry
}

// New returns a backup store rooted at dir, using kv for ref-count
// persistence.
func New(dir string, kv *kvstore.Store) *Store {
	return &Store{
		dir:   dir,
		kv:    kv,
		locks: lockset.New(),
		refs:  make(map[model.FileID]*refEntry),
	}
}

func (s *Store) path(id model.FileID) string {
	return filepath.Join(s.dir, string(id)+".sst")
}

// Preserve copies or hardlinks the live SST at srcPath into the backup store
// under id, or increments its ref count if already preserved (spec §4.3).
// mode selects FULL (value bytes retained) or PRUNED (digest-only) content;
// in PRUNED mode the records are written with their Value bytes dropped.
func (s *Store) Preserve(ctx context.Context, id model.FileID, srcPath string, records []model.Record, mode config.PruneMode) error {
	s.locks.Lock(string(id))
	defer s.locks.Unlock(string(id))

	s.mu.Lock()
	if entry, ok := s.refs[id]; ok {
		entry.RefCount++
		s.mu.Unlock()
		return s.persistRef(id, entry)
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("backupstore: mkdir: %w", err)
	}

	dst := s.path(id)
	if mode == config.PruneFull {
		if err := s.hardlinkOrCopy(srcPath, dst); err != nil {
			return fmt.Errorf("backupstore: preserve %s: %w", id, err)
		}
	} else {
		if err := s.writePrunedSST(dst, records); err != nil {
			return fmt.Errorf("backupstore: preserve pruned %s: %w", id, err)
		}
	}

	entry := &refEntry{RefCount: 1, Mode: mode}
	s.mu.Lock()
	s.refs[id] = entry
	s.mu.Unlock()

	logx.WithFileID(string(id)).Info().Str("mode", string(mode)).Msg("sst preserved")
	return s.persistRef(id, entry)
}

// hardlinkOrCopy tries os.Link first (cheap, same filesystem) and falls back
// to a copy-then-rename when the backup directory lives on a different
// filesystem (EXDEV).
func (s *Store) hardlinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	tmp := dst + ".tmp-copy"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func isCrossDevice(err error) bool {
	return strings.Contains(err.Error(), syscall.EXDEV.Error())
}

// writePrunedSST writes a PRUNED-mode backup: records with their value bytes
// stripped, keeping only digests, via the same temp-then-rename promotion
// every durable write in this store uses.
func (s *Store) writePrunedSST(dst string, records []model.Record) error {
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := newRecordEncoder(f)
	for _, r := range records {
		pruned := r
		pruned.Value = nil
		if err := enc.Encode(pruned); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (s *Store) persistRef(id model.FileID, entry *refEntry) error {
	payload, err := encodeRef(entry)
	if err != nil {
		return fmt.Errorf("backupstore: encode ref %s: %w", id, err)
	}
	return s.kv.Put(kvstore.NamespaceBackupRefs, []byte(id), payload)
}

// Release decrements id's ref count, deleting the preserved copy once it
// reaches zero (spec §4.3, snapshot deletion triggers release).
func (s *Store) Release(id model.FileID) error {
	s.locks.Lock(string(id))
	defer s.locks.Unlock(string(id))

	s.mu.Lock()
	entry, ok := s.refs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("release %s: %w", id, errkind.ErrNotPreserved)
	}
	entry.RefCount--
	remaining := entry.RefCount
	if remaining <= 0 {
		delete(s.refs, id)
	}
	s.mu.Unlock()

	if remaining > 0 {
		return s.persistRef(id, entry)
	}

	if err := s.kv.Delete(kvstore.NamespaceBackupRefs, []byte(id)); err != nil {
		return fmt.Errorf("backupstore: delete ref %s: %w", id, err)
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backupstore: remove preserved %s: %w", id, err)
	}
	logx.WithFileID(string(id)).Info().Msg("preserved sst released")
	return nil
}

// Open opens a reader over a preserved SST, returning errkind.ErrNotPreserved
// if id was never preserved, or errkind.ErrPreservedCorrupt if the on-disk
// content cannot be decoded.
func (s *Store) Open(ctx context.Context, id model.FileID) (host.SSTReader, error) {
	s.mu.Lock()
	_, ok := s.refs[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: %w", id, errkind.ErrNotPreserved)
	}

	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", id, errkind.ErrPreservedCorrupt)
		}
		return nil, fmt.Errorf("backupstore: open %s: %w", id, err)
	}
	defer f.Close()

	records, err := decodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", id, errkind.ErrPreservedCorrupt, err)
	}
	return sstreader.NewSliceReader(records), nil
}

// List returns the ids currently preserved.
func (s *Store) List() []model.FileID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FileID, 0, len(s.refs))
	for id := range s.refs {
		out = append(out, id)
	}
	return out
}

// Reconcile restores the in-memory ref-count map from kvstore's persisted
// records, then scans the backup directory at startup for abandoned ".tmp"
// temporaries left by a crash mid-write and removes them (spec §4.3,
// startup reconciliation).
func (s *Store) Reconcile() error {
	entries, err := s.kv.ScanAll(kvstore.NamespaceBackupRefs)
	if err != nil {
		return fmt.Errorf("backupstore: reconcile scan: %w", err)
	}
	s.mu.Lock()
	for _, e := range entries {
		entry, err := decodeRef(e.Value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("backupstore: reconcile decode %s: %w", e.Key, err)
		}
		s.refs[model.FileID(e.Key)] = entry
	}
	s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*"))
	if err != nil {
		return fmt.Errorf("backupstore: reconcile glob: %w", err)
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") || strings.Contains(m, ".tmp-copy") {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				logx.WithComponent("backupstore").Warn().Str("path", m).Err(err).Msg("failed to remove abandoned backup temp file")
			}
		}
	}
	logx.WithComponent("backupstore").Info().Int("preserved", len(s.refs)).Msg("backup store reconciled")
	return nil
}
