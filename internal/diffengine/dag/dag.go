// Package dag maintains the compaction DAG (spec §4.1): a directed graph of
// SST files where edges point from input files to the output files a
// compaction produced them into. It persists edges in kvstore and rebuilds
// its in-memory adjacency on startup the way the host project's FSM rebuilds
// cluster state from a persisted snapshot (pkg/manager/fsm.go Restore).
package dag

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/diffengine/internal/diffengine/kvstore"
	"github.com/cuemby/diffengine/internal/diffengine/model"
	"github.com/cuemby/diffengine/pkg/logx"
)

// DAG is the in-memory compaction lineage graph, backed by kvstore's
// Compaction Records namespace for persistence and restart recovery.
type DAG struct {
	mu sync.RWMutex
	kv *kvstore.Store

	// forward[f] = records where f is one of the inputs.
	forward map[model.FileID][]*model.CompactionRecord
	// reverse[f] = the record that produced f as an output, if any.
	reverse map[model.FileID]*model.CompactionRecord
	// degraded marks files whose full input lineage could not be preserved
	// in time (spec §4.2 degraded-lineage marking).
	degraded map[model.FileID]struct{}
}

// New builds an empty DAG bound to kv for persistence.
func New(kv *kvstore.Store) *DAG {
	return &DAG{
		kv:       kv,
		forward:  make(map[model.FileID][]*model.CompactionRecord),
		reverse:  make(map[model.FileID]*model.CompactionRecord),
		degraded: make(map[model.FileID]struct{}),
	}
}

// MarkDegraded records that f's lineage is incomplete, forcing any delta
// computation that reaches it to fall back to the full-scan path.
func (d *DAG) MarkDegraded(f model.FileID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.degraded[f] = struct{}{}
}

// edgeKey is a (timestamp, first output) composite key so edges sort and
// scan in insertion order; uniqueness comes from the timestamp's nanosecond
// resolution plus the first output's file id.
func edgeKey(rec model.CompactionRecord) []byte {
	return []byte(fmt.Sprintf("%020d|%s", rec.Timestamp.UnixNano(), firstOf(rec.Outputs)))
}

func firstOf(ids []model.FileID) model.FileID {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// Restore rebuilds the in-memory adjacency from every persisted compaction
// record, in the same list-then-replay shape as pkg/manager/fsm.go's Restore.
func (d *DAG) Restore() error {
	entries, err := d.kv.ScanAll(kvstore.NamespaceCompactionRecords)
	if err != nil {
		return fmt.Errorf("dag: scan compaction records: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		var rec model.CompactionRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return fmt.Errorf("dag: decode compaction record %s: %w", e.Key, err)
		}
		d.indexLocked(&rec)
	}
	logx.WithComponent("dag").Info().Int("edges", len(entries)).Msg("compaction dag restored")
	return nil
}

func (d *DAG) indexLocked(rec *model.CompactionRecord) {
	for _, in := range rec.Inputs {
		d.forward[in] = append(d.forward[in], rec)
	}
	for _, out := range rec.Outputs {
		d.reverse[out] = rec
	}
}

// AddEdge records a new compaction (spec §4.2, on compaction complete) and
// persists it durably before it is visible in memory.
func (d *DAG) AddEdge(inputs, outputs []model.FileID) error {
	rec := model.CompactionRecord{Inputs: inputs, Outputs: outputs, Timestamp: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dag: encode compaction record: %w", err)
	}
	if err := d.kv.Put(kvstore.NamespaceCompactionRecords, edgeKey(rec), payload); err != nil {
		return fmt.Errorf("dag: persist compaction record: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.indexLocked(&rec)
	return nil
}

// Ancestors returns every SST file id reachable by walking backward (output
// -> inputs) from f, not including f itself (spec §4.1, "forward/reverse
// adjacency").
func (d *DAG) Ancestors(f model.FileID) []model.FileID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[model.FileID]struct{}{}
	var walk func(id model.FileID)
	walk = func(id model.FileID) {
		rec, ok := d.reverse[id]
		if !ok {
			return
		}
		for _, in := range rec.Inputs {
			if _, visited := seen[in]; visited {
				continue
			}
			seen[in] = struct{}{}
			walk(in)
		}
	}
	walk(f)

	out := make([]model.FileID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// Descendants returns every SST file id reachable by walking forward (input
// -> outputs) from f, not including f itself.
func (d *DAG) Descendants(f model.FileID) []model.FileID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[model.FileID]struct{}{}
	var walk func(id model.FileID)
	walk = func(id model.FileID) {
		for _, rec := range d.forward[id] {
			for _, out := range rec.Outputs {
				if _, visited := seen[out]; visited {
					continue
				}
				seen[out] = struct{}{}
				walk(out)
			}
		}
	}
	walk(f)

	out := make([]model.FileID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// IsDegraded reports whether f itself was marked degraded, meaning
// delta_files cannot trust the lineage through f and the caller must fall
// back to the full-scan path. Ancestors of f are not consulted; diffcore.Run
// calls it for every file of the delta set.
func (d *DAG) IsDegraded(f model.FileID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.degraded[f]; ok {
		return true
	}
	return false
}

// DeltaFiles computes the set of SST files that jointly determine the diff
// between from and to (spec §4.6 step 3). It starts from every file live in
// either snapshot: an intersection file (live in both) can still carry the
// only surviving record of a key whose later version lives elsewhere, so it
// is never excluded by a plain symmetric-difference. For a file compacted
// away from from's side, Descendants walks forward to wherever the chain
// lands; for a file new to to's side, Ancestors walks backward over the
// compaction(s) that produced it. Either walk recovers the intermediate,
// now-gone files on the chain (including sibling inputs of a multi-input
// compaction), so a tombstone or superseded value dropped during compaction
// is never missed.
func DeltaFiles(d *DAG, from, to map[model.FileID]struct{}) []model.FileID {
	delta := make(map[model.FileID]struct{}, len(from)+len(to))
	for f := range from {
		delta[f] = struct{}{}
	}
	for f := range to {
		delta[f] = struct{}{}
	}

	for f := range from {
		if _, ok := to[f]; ok {
			continue
		}
		for _, desc := range d.Descendants(f) {
			delta[desc] = struct{}{}
		}
	}
	for f := range to {
		if _, ok := from[f]; ok {
			continue
		}
		for _, anc := range d.Ancestors(f) {
			delta[anc] = struct{}{}
		}
	}

	out := make([]model.FileID, 0, len(delta))
	for f := range delta {
		out = append(out, f)
	}
	return out
}

// GC removes compaction records older than horizon none of whose output files
// is in liveFiles, so stale lineage
// does not grow the persisted store unboundedly (spec §4.1, "gc").
func (d *DAG) GC(horizon time.Duration, liveFiles map[model.FileID]struct{}) error {
	cutoff := time.Now().Add(-horizon)

	entries, err := d.kv.ScanAll(kvstore.NamespaceCompactionRecords)
	if err != nil {
		return fmt.Errorf("dag: gc scan: %w", err)
	}

	var toDelete [][]byte
	d.mu.Lock()
	for _, e := range entries {
		var rec model.CompactionRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			continue
		}
		if rec.Timestamp.After(cutoff) {
			continue
		}
		if anyLive(rec.Outputs, liveFiles) {
			continue
		}
		toDelete = append(toDelete, e.Key)
		// The forward index holds the in-memory record, not this decoded copy.
		target := &rec
		if live, ok := d.reverse[firstOf(rec.Outputs)]; ok {
			target = live
		}
		for _, in := range rec.Inputs {
			d.removeFromForwardLocked(in, target)
		}
		for _, out := range rec.Outputs {
			delete(d.reverse, out)
		}
	}
	d.mu.Unlock()

	for _, k := range toDelete {
		if err := d.kv.Delete(kvstore.NamespaceCompactionRecords, k); err != nil {
			return fmt.Errorf("dag: gc delete: %w", err)
		}
	}
	logx.WithComponent("dag").Info().Int("removed", len(toDelete)).Msg("compaction dag gc")
	return nil
}

func (d *DAG) removeFromForwardLocked(id model.FileID, target *model.CompactionRecord) {
	recs := d.forward[id]
	filtered := recs[:0]
	for _, r := range recs {
		if r != target {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		delete(d.forward, id)
	} else {
		d.forward[id] = filtered
	}
}

func anyLive(ids []model.FileID, live map[model.FileID]struct{}) bool {
	for _, id := range ids {
		if _, ok := live[id]; ok {
			return true
		}
	}
	return false
}
