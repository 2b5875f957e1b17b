package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with yaml-friendly field types (plain strings for
// durations), the same shape cmd/warren/apply.go uses for its resource
// manifests: a small struct with `yaml:"..."` tags fed through yaml.Unmarshal.
type fileConfig struct {
	RetentionHorizon      string `yaml:"retentionHorizon"`
	PruneModeDefault      string `yaml:"pruneModeDefault"`
	MaxConcurrentJobs     int    `yaml:"maxConcurrentJobs"`
	MaxQueuedJobs         int    `yaml:"maxQueuedJobs"`
	PerJobKeyBudget       int64  `yaml:"perJobKeyBudget"`
	PerJobDeadline        string `yaml:"perJobDeadline"`
	ResultPageSize        int    `yaml:"resultPageSize"`
	ResultTTL             string `yaml:"resultTTL"`
	RenameDetection       string `yaml:"renameDetection"`
	PreferNativeSSTReader *bool  `yaml:"preferNativeSSTReader"`
	CancelCheckInterval   int    `yaml:"cancelCheckInterval"`
	DataDir               string `yaml:"dataDir"`
}

// LoadFromFile reads a YAML config file and overlays it onto Default(). A
// field left unset in the file keeps its default value, rather than zeroing
// out. Missing files are not an error; callers that require an explicit file
// should stat it themselves first.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.RetentionHorizon != "" {
		d, err := time.ParseDuration(fc.RetentionHorizon)
		if err != nil {
			return cfg, fmt.Errorf("config: retentionHorizon: %w", err)
		}
		cfg.RetentionHorizon = d
	}
	if fc.PruneModeDefault != "" {
		cfg.PruneModeDefault = PruneMode(fc.PruneModeDefault)
	}
	if fc.MaxConcurrentJobs != 0 {
		cfg.MaxConcurrentJobs = fc.MaxConcurrentJobs
	}
	if fc.MaxQueuedJobs != 0 {
		cfg.MaxQueuedJobs = fc.MaxQueuedJobs
	}
	if fc.PerJobKeyBudget != 0 {
		cfg.PerJobKeyBudget = fc.PerJobKeyBudget
	}
	if fc.PerJobDeadline != "" {
		d, err := time.ParseDuration(fc.PerJobDeadline)
		if err != nil {
			return cfg, fmt.Errorf("config: perJobDeadline: %w", err)
		}
		cfg.PerJobDeadline = d
	}
	if fc.ResultPageSize != 0 {
		cfg.ResultPageSize = fc.ResultPageSize
	}
	if fc.ResultTTL != "" {
		d, err := time.ParseDuration(fc.ResultTTL)
		if err != nil {
			return cfg, fmt.Errorf("config: resultTTL: %w", err)
		}
		cfg.ResultTTL = d
	}
	if fc.RenameDetection != "" {
		cfg.RenameDetection = RenameDetection(fc.RenameDetection)
	}
	if fc.PreferNativeSSTReader != nil {
		cfg.PreferNativeSSTReader = *fc.PreferNativeSSTReader
	}
	if fc.CancelCheckInterval != 0 {
		cfg.CancelCheckInterval = fc.CancelCheckInterval
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}

	return cfg, nil
}
