// Package config holds the engine's configuration keys (spec §6) and their defaults.
package config

import "time"

// RenameDetection selects the rename-pairing policy for the diff algorithm core.
type RenameDetection string

const (
	RenameOff        RenameDetection = "off"
	RenameSameBucket RenameDetection = "same-bucket"
	RenameGlobal     RenameDetection = "global"
)

// PruneMode selects whether a preserved SST keeps its values or only digests.
type PruneMode string

const (
	PruneFull   PruneMode = "full"
	PrunePruned PruneMode = "pruned"
)

// Config holds every recognized configuration key from spec §6.
type Config struct {
	// RetentionHorizon: age beyond which compaction records and unneeded
	// preserved SSTs are eligible for GC.
	RetentionHorizon time.Duration

	// PruneModeDefault: FULL or PRUNED for newly preserved SSTs.
	PruneModeDefault PruneMode

	// MaxConcurrentJobs: worker-pool upper bound.
	MaxConcurrentJobs int

	// MaxQueuedJobs: submit queue bound; beyond it submit fails TooBusy.
	MaxQueuedJobs int

	// PerJobKeyBudget: abort threshold protecting against runaway diffs. Zero means unbounded.
	PerJobKeyBudget int64

	// PerJobDeadline: default timeout applied when a caller supplies none.
	PerJobDeadline time.Duration

	// ResultPageSize: max events per page returned by list_results.
	ResultPageSize int

	// ResultTTL: how long DONE results survive before auto-purge.
	ResultTTL time.Duration

	// RenameDetection: off / same-bucket / global.
	RenameDetection RenameDetection

	// PreferNativeSSTReader: loaded from config but has no effect; SST readers
	// always come from the host store's OpenSST.
	PreferNativeSSTReader bool

	// CancelCheckInterval: how many merged keys elapse between cancellation-flag checks (spec §5, N in [1000,10000]).
	CancelCheckInterval int

	// DataDir is where the persistent KV store and backup directory live.
	DataDir string
}

// Default returns the engine's default configuration.
func Default() Config {
	return Config{
		RetentionHorizon:      72 * time.Hour,
		PruneModeDefault:      PruneFull,
		MaxConcurrentJobs:     4,
		MaxQueuedJobs:         64,
		PerJobKeyBudget:       0,
		PerJobDeadline:        10 * time.Minute,
		ResultPageSize:        1000,
		ResultTTL:             24 * time.Hour,
		RenameDetection:       RenameOff,
		PreferNativeSSTReader: true,
		CancelCheckInterval:   4000,
		DataDir:               "./data",
	}
}
