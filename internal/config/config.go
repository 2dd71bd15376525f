// Package config resolves rtq's file locations and daemon settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/rtq/internal/models"
	"gopkg.in/yaml.v3"
)

// FileName is the optional settings file inside the data directory.
const FileName = "config.yaml"

// Config holds rtq configuration.
type Config struct {
	// DataDir holds the database and config file. Not settable from the file.
	DataDir string `yaml:"-"`
	// DBPath is the SQLite store shared by the client and the daemon.
	DBPath string `yaml:"db_path"`
	// WorkDir holds daemon logs and per-task output directories.
	WorkDir string `yaml:"work_dir"`
	// PollInterval is how long the daemon sleeps when nothing is pending.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MonitorInterval is how often a running child is checked.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// LockTTL bounds how long a dead daemon can block a new one.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// DefaultMaxRunSec applies to submissions without an explicit limit. 0 = none.
	DefaultMaxRunSec int64 `yaml:"default_max_run_sec"`
}

// Default returns the built-in configuration for the given home directory.
func Default(home string) *Config {
	dataDir := getEnv("RTQ_HOME", filepath.Join(home, ".rtq"))
	return &Config{
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "rtq.db"),
		WorkDir:         filepath.Join(home, "tmp", "rtq_work_dir"),
		PollInterval:    3 * time.Second,
		MonitorInterval: time.Second,
		LockTTL:         30 * time.Second,
	}
}

// New loads the configuration for the invoking user.
func New() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("locate home directory: %w", err)
	}
	return Load(home)
}

// Load builds the defaults for home and applies <data dir>/config.yaml if present.
func Load(home string) (*Config, error) {
	cfg := Default(home)
	path := filepath.Join(cfg.DataDir, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.DBPath = expandHome(cfg.DBPath, home)
	cfg.WorkDir = expandHome(cfg.WorkDir, home)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if c.LockTTL < 2*c.MonitorInterval {
		return fmt.Errorf("lock_ttl must be at least twice monitor_interval")
	}
	if c.DefaultMaxRunSec < 0 {
		return fmt.Errorf("default_max_run_sec must not be negative")
	}
	return nil
}

// LogDir is where daemon log files are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.WorkDir, "rtqd")
}

// TaskDir is the output directory of a task started at the given time. The
// date is taken in local time.
func (c *Config) TaskDir(started time.Time, id models.TaskID) string {
	return filepath.Join(c.WorkDir, "tasks", started.Local().Format("2006-01-02"), fmt.Sprintf("task_%d", id))
}

// EnsureDirs creates the data, work and log directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, filepath.Dir(c.DBPath), c.WorkDir, c.LogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}
