package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/engine"
	"github.com/cuemby/diffengine/internal/diffengine/host/fake"
	"github.com/cuemby/diffengine/internal/diffengine/httpapi"
	"github.com/cuemby/diffengine/internal/diffengine/jobmanager"
	"github.com/cuemby/diffengine/internal/diffengine/model"
	"github.com/cuemby/diffengine/pkg/logx"
	"github.com/cuemby/diffengine/pkg/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "diffengine",
	Short:   "Snapshot diff engine for LSM-tree key-value namespaces",
	Long:    `diffengine computes added/deleted/modified/renamed keys between two point-in-time snapshots of an LSM-backed namespace, using a compaction-DAG fast path with a full-scan fallback.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("diffengine version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory for persistent engine state")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file overlaying the defaults")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(dagCmd)
	rootCmd.AddCommand(backupCmd)

	diffCmd.AddCommand(diffSubmitCmd)
	diffCmd.AddCommand(diffStatusCmd)
	diffCmd.AddCommand(diffResultsCmd)
	diffCmd.AddCommand(diffCancelCmd)
	diffCmd.AddCommand(diffPurgeCmd)

	dagCmd.AddCommand(dagStatsCmd)
	backupCmd.AddCommand(backupListCmd)

	serveCmd.Flags().String("addr", ":8090", "HTTP listen address")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logx.Init(logx.Config{Level: logx.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		logx.Logger.Error().Err(err).Str("path", path).Msg("failed to load config file, using defaults")
		cfg = config.Default()
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" && dir != "./data" {
		cfg.DataDir = dir
	}
	return cfg
}

// newDemoEngine builds an engine over an in-memory fake host store. This
// project ships the engine and its CLI as a library meant to be embedded
// into a real LSM host process (RocksDB, Pebble, or similar); no such host
// binding is part of this repository, so the CLI demonstrates against the
// same in-memory fake store the test suite uses.
func newDemoEngine(cmd *cobra.Command) (*engine.Engine, *fake.Store, error) {
	store := fake.New()
	e, err := engine.New(store, loadConfig(cmd))
	return e, store, err
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diff engine's HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("kvstore", true, "ready")
		metrics.RegisterComponent("host", true, "ready")
		metrics.RegisterComponent("jobmanager", true, "ready")

		mux := http.NewServeMux()
		httpapi.NewServer(e.Jobs).Routes(mux)
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		mux.HandleFunc("/livez", metrics.LivenessHandler())

		srv := &http.Server{Addr: addr, Handler: mux}

		go func() {
			logx.Logger.Info().Str("addr", addr).Msg("serving diff engine api")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Logger.Error().Err(err).Msg("http server failed")
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Manage diff jobs",
}

var diffSubmitCmd = &cobra.Command{
	Use:   "submit [from] [to]",
	Short: "Submit a diff job between two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := e.Jobs.Submit(model.SnapshotID(args[0]), model.SnapshotID(args[1]), jobmanager.JobOptions{})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var diffStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a diff job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		job, err := e.Jobs.Status(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s (algorithm=%s keys_seen=%d)\n", job.ID, job.Status, job.Algorithm, job.KeysSeen)
		return nil
	},
}

var diffResultsCmd = &cobra.Command{
	Use:   "results [job-id]",
	Short: "Show a diff job's results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		events, total, err := e.Jobs.Results(args[0], 0, 0)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s %s %s\n", ev.Op, ev.Key, ev.PreviousKey)
		}
		fmt.Printf("total: %d\n", total)
		return nil
	},
}

var diffCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a queued or running diff job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Jobs.Cancel(args[0])
	},
}

var diffPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge terminal jobs past their result TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		fmt.Printf("purged %d jobs\n", e.Jobs.Purge())
		return nil
	},
}

var dagCmd = &cobra.Command{
	Use:   "dag",
	Short: "Inspect the compaction DAG",
}

var dagStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Restore the compaction DAG and print its data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		fmt.Println("compaction dag restored from:", loadConfig(cmd).DataDir)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect the SST backup store",
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preserved SST files",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := newDemoEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		for _, id := range e.Backups.List() {
			fmt.Println(id)
		}
		return nil
	},
}
