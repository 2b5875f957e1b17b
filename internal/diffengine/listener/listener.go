// Package listener implements the Compaction Event Listener (spec §4.2): it
// registers with the host as a host.CompactionListener, preserves
// soon-to-be-removed SST files into the backup store before a compaction
// completes, and records the compaction's DAG edge once it does.
package listener

import (
	"context"
	"time"

	"github.com/cuemby/diffengine/internal/diffengine/backupstore"
	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/dag"
	"github.com/cuemby/diffengine/internal/diffengine/events"
	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/model"
	"github.com/cuemby/diffengine/pkg/logx"
)

// Listener bridges host.Store compaction callbacks into backupstore
// preservation and dag edge recording.
type Listener struct {
	store      host.Store
	backups    *backupstore.Store
	dag        *dag.DAG
	broker     *events.Broker
	pruneMode  config.PruneMode
	preserveTO time.Duration
}

// New builds a listener. preserveTimeout bounds how long the listener waits
// for preservation to finish before marking the compaction's lineage
// degraded (spec §4.2, "bounded-wait preserve"). The deadline is checked
// before each input is read and before it is written; a copy already in
// progress is not interrupted.
func New(store host.Store, backups *backupstore.Store, d *dag.DAG, broker *events.Broker, pruneMode config.PruneMode, preserveTimeout time.Duration) *Listener {
	l := &Listener{
		store:      store,
		backups:    backups,
		dag:        d,
		broker:     broker,
		pruneMode:  pruneMode,
		preserveTO: preserveTimeout,
	}
	store.RegisterCompactionListener(l)
	return l
}

// OnCompactionBegin publishes a begin notification and preserves every input
// SST that's about to be physically removed, so the fast diff path can still
// read it afterward.
func (l *Listener) OnCompactionBegin(inputs []model.FileID) {
	l.broker.Publish(&events.Event{Type: events.CompactionBegin, Inputs: inputs})

	ctx, cancel := context.WithTimeout(context.Background(), l.preserveTO)
	defer cancel()

	for _, id := range inputs {
		if err := l.preserveOne(ctx, id); err != nil {
			logx.WithFileID(string(id)).Warn().Err(err).Msg("failed to preserve compaction input in time; lineage will be degraded")
			l.dag.MarkDegraded(id)
		}
	}
}

func (l *Listener) preserveOne(ctx context.Context, id model.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.store.SSTPath(id)
	if err != nil {
		return err
	}

	reader, err := l.store.OpenSST(ctx, id)
	if err != nil {
		return err
	}
	defer reader.Close()

	var records []model.Record
	for reader.Next() {
		rec := reader.Record()
		if l.pruneMode == config.PrunePruned {
			rec.Value = nil
		}
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.backups.Preserve(ctx, id, path, records, l.pruneMode)
}

// OnCompactionComplete records the DAG edge and publishes a complete
// notification. Preservation already happened on begin, so completion never
// blocks on I/O.
func (l *Listener) OnCompactionComplete(inputs, outputs []model.FileID, ok bool) {
	if ok {
		if err := l.dag.AddEdge(inputs, outputs); err != nil {
			logx.WithComponent("listener").Error().Err(err).Msg("failed to record compaction edge")
		}
	}
	l.broker.Publish(&events.Event{Type: events.CompactionComplete, Inputs: inputs, Outputs: outputs, OK: ok})
}

// OnCompactionAborted publishes an abort notification. Any SSTs preserved
// during begin are left in place; they are harmless extra copies, reclaimed
// the next time their ref count drops to zero.
func (l *Listener) OnCompactionAborted(inputs []model.FileID) {
	l.broker.Publish(&events.Event{Type: events.CompactionAborted, Inputs: inputs})
}
