package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/pathcompression"
	"github.com/paulschiretz/pgl-catalog/pkg/pathretention"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-catalog.config.json"

type PathsConfig struct {
	// Catalog is the SQLite file name, relative to the base directory.
	Catalog string `json:"catalog"`
	// Archives is the archive root directory name, relative to the base directory.
	Archives string `json:"archives"`
}

type EnginePerformanceConfig struct {
	VerifyWorkers int `json:"verifyWorkers"`
	DeleteWorkers int `json:"deleteWorkers"`
	BufferSizeKB  int `json:"bufferSizeKB"`
}

type EngineConfig struct {
	Metrics     bool                    `json:"metrics"`
	Performance EnginePerformanceConfig `json:"performance"`
}

type ArchiveConfig struct {
	Method string `json:"method"`
	Level  string `json:"level"`
}

type RetentionConfig struct {
	// DefaultPolicy applies when a backup is created without a policy.
	DefaultPolicy        string `json:"defaultPolicy"`
	SweepAfterCreate     bool   `json:"sweepAfterCreate"`
	SweepIntervalSeconds int    `json:"sweepIntervalSeconds"`
}

type ScheduleConfig struct {
	CheckIntervalSeconds int `json:"checkIntervalSeconds"`
}

type PreflightConfig struct {
	RequireMountedTarget bool  `json:"requireMountedTarget"`
	MinFreeSpaceMB       int64 `json:"minFreeSpaceMB"`
}

type HooksConfig struct {
	// Note: omitempty is intentionally not used so the hook fields show up in a
	// generated config file.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup  []string `json:"preBackup"`
	PostBackup []string `json:"postBackup"`
	FailFast   bool     `json:"failFast"`
}

type RuntimeConfig struct {
	DryRun bool
}

type Config struct {
	Version   string          `json:"version"`
	Base      string          `json:"-"` // Never added to config file
	Runtime   RuntimeConfig   `json:"-"` // Never added to config file
	LogLevel  string          `json:"logLevel"`
	Paths     PathsConfig     `json:"paths"`
	Engine    EngineConfig    `json:"engine"`
	Archive   ArchiveConfig   `json:"archive"`
	Retention RetentionConfig `json:"retention"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Preflight PreflightConfig `json:"preflight"`
	Hooks     HooksConfig     `json:"hooks"`
}

// NewDefault returns a Config with sensible defaults. Base is left empty.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Paths: PathsConfig{
			Catalog:  catalog.DefaultFileName,
			Archives: "archives",
		},
		Engine: EngineConfig{
			Metrics: true,
			Performance: EnginePerformanceConfig{
				VerifyWorkers: 4,   // Members are checked in parallel; 4 keeps an HDD from thrashing.
				DeleteWorkers: 4,
				BufferSizeKB:  256, // Keep it between 64KB-4MB
			},
		},
		Archive: ArchiveConfig{
			Method: pathcompression.Deflate.String(),
			Level:  pathcompression.Default.String(),
		},
		Retention: RetentionConfig{
			DefaultPolicy:        "30_days",
			SweepAfterCreate:     false,
			SweepIntervalSeconds: 3600,
		},
		Schedule: ScheduleConfig{
			CheckIntervalSeconds: 60,
		},
		Preflight: PreflightConfig{
			RequireMountedTarget: false,
			MinFreeSpaceMB:       0,
		},
		Hooks: HooksConfig{
			PreBackup:  []string{},
			PostBackup: []string{},
		},
	}
}

// Load reads pgl-catalog.config.json from base. A missing file yields the
// defaults. Fields missing from the file keep their default values.
func Load(base string) (Config, error) {
	absBase, err := util.ExpandedAbsPath(base)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for base directory %s: %w", base, err)
	}

	configPath := filepath.Join(absBase, ConfigFileName)

	config := NewDefault()
	config.Base = absBase

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}

	plog.Debug("Loading configuration", "path", configPath)
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	// The file is rewritten in the current format on the next Generate.
	config.Version = buildinfo.Version
	config.Base = absBase
	return config, nil
}

// Generate writes c as pgl-catalog.config.json into c.Base, replacing any
// existing file.
func Generate(c Config) error {
	if c.Base == "" {
		return fmt.Errorf("base directory cannot be empty")
	}
	if err := os.MkdirAll(c.Base, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	configPath := filepath.Join(c.Base, ConfigFileName)
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and cleans the base path.
func (c *Config) Validate() error {
	if c.Base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	var err error
	c.Base, err = util.ExpandedAbsPath(c.Base)
	if err != nil {
		return fmt.Errorf("could not expand base path: %w", err)
	}

	if c.Paths.Catalog == "" {
		return fmt.Errorf("paths.catalog cannot be empty")
	}
	if c.Paths.Archives == "" {
		return fmt.Errorf("paths.archives cannot be empty")
	}
	// Both live directly in the base so archives, sidecars and temp files share
	// one filesystem and a rename is atomic.
	if strings.ContainsAny(c.Paths.Catalog, `\/`) {
		return fmt.Errorf("paths.catalog cannot contain path separators ('/' or '\\')")
	}
	if strings.ContainsAny(c.Paths.Archives, `\/`) {
		return fmt.Errorf("paths.archives cannot contain path separators ('/' or '\\')")
	}
	if c.Paths.Archives == "." || c.Paths.Archives == ".." {
		return fmt.Errorf("paths.archives must name a subdirectory")
	}

	if _, err := pathcompression.ParseMethod(c.Archive.Method); err != nil {
		return fmt.Errorf("archive.method: %w", err)
	}
	if _, err := pathcompression.ParseLevel(c.Archive.Level); err != nil {
		return fmt.Errorf("archive.level: %w", err)
	}
	if _, err := pathretention.ParsePolicy(c.Retention.DefaultPolicy); err != nil {
		return fmt.Errorf("retention.defaultPolicy: %w", err)
	}
	if c.Retention.SweepIntervalSeconds < 0 {
		return fmt.Errorf("retention.sweepIntervalSeconds cannot be negative")
	}
	if c.Schedule.CheckIntervalSeconds < 1 {
		return fmt.Errorf("schedule.checkIntervalSeconds must be at least 1")
	}
	if c.Preflight.MinFreeSpaceMB < 0 {
		return fmt.Errorf("preflight.minFreeSpaceMB cannot be negative")
	}

	if c.Engine.Performance.VerifyWorkers < 1 {
		return fmt.Errorf("engine.performance.verifyWorkers must be at least 1")
	}
	if c.Engine.Performance.DeleteWorkers < 1 {
		return fmt.Errorf("engine.performance.deleteWorkers must be at least 1")
	}
	if c.Engine.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.performance.bufferSizeKB must be greater than 0")
	}
	return nil
}

// CatalogPath returns the absolute path of the catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.Base, c.Paths.Catalog)
}

// ArchiveRoot returns the absolute path of the archive directory.
func (c *Config) ArchiveRoot() string {
	return filepath.Join(c.Base, c.Paths.Archives)
}

// LogSummary logs the effective configuration at info level.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"base", c.Base,
		"log_level", c.LogLevel,
		"catalog", c.Paths.Catalog,
		"archives", c.Paths.Archives,
		"dry_run", c.Runtime.DryRun,
		"metrics", c.Engine.Metrics,
		"verify_workers", c.Engine.Performance.VerifyWorkers,
		"delete_workers", c.Engine.Performance.DeleteWorkers,
		"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
		"archive", fmt.Sprintf("m:%s l:%s", c.Archive.Method, c.Archive.Level),
		"default_retention", c.Retention.DefaultPolicy,
	}
	if c.Retention.SweepAfterCreate {
		logArgs = append(logArgs, "sweep_after_create", true)
	}
	if c.Preflight.MinFreeSpaceMB > 0 {
		logArgs = append(logArgs, "min_free_space_mb", c.Preflight.MinFreeSpaceMB)
	}
	if c.Preflight.RequireMountedTarget {
		logArgs = append(logArgs, "require_mounted_target", true)
	}
	if len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the flags the user explicitly set on top of
// base. Flags that are arguments of a single command (source, id, target...)
// are not configuration and are ignored here.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base
	// Copy slices so the caller's config is not aliased.
	merged.Hooks.PreBackup = append([]string(nil), base.Hooks.PreBackup...)
	merged.Hooks.PostBackup = append([]string(nil), base.Hooks.PostBackup...)

	for name, value := range setFlags {
		switch name {
		case "base":
			merged.Base = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "verify-workers":
			merged.Engine.Performance.VerifyWorkers = value.(int)
		case "delete-workers":
			merged.Engine.Performance.DeleteWorkers = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "method":
			merged.Archive.Method = value.(string)
		case "level":
			merged.Archive.Level = value.(string)
		case "retention":
			// On create and schedule the flag is the backup's own policy.
			if command == flagparse.Init {
				merged.Retention.DefaultPolicy = value.(string)
			}
		case "sweep-after-create":
			merged.Retention.SweepAfterCreate = value.(bool)
		case "sweep-interval-seconds":
			merged.Retention.SweepIntervalSeconds = value.(int)
		case "schedule-interval-seconds":
			merged.Schedule.CheckIntervalSeconds = value.(int)
		case "min-free-space-mb":
			merged.Preflight.MinFreeSpaceMB = int64(value.(int))
		case "require-mounted-target":
			merged.Preflight.RequireMountedTarget = value.(bool)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "fail-fast":
			merged.Hooks.FailFast = value.(bool)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
