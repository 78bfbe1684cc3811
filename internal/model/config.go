// Package model defines the queue entry model, its state machines and the
// isolate configuration tree.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Project      ProjectConfig      `yaml:"project" toml:"project"`
	Train        TrainConfig        `yaml:"train" toml:"train"`
	Queue        QueueConfig        `yaml:"queue" toml:"queue"`
	VCS          VCSConfig          `yaml:"vcs" toml:"vcs"`
	QualityGates QualityGatesConfig `yaml:"quality_gates" toml:"quality_gates"`
	Daemon       DaemonConfig       `yaml:"daemon" toml:"daemon"`
	Events       EventsConfig       `yaml:"events" toml:"events"`
	Notify       NotifyConfig       `yaml:"notify" toml:"notify"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Root    string `yaml:"root" toml:"root"`
	Created string `yaml:"created" toml:"created"`
}

type TrainConfig struct {
	EntryTimeoutSecs       int  `yaml:"entry_timeout_secs" toml:"entry_timeout_secs"`
	StopOnFailure          bool `yaml:"stop_on_failure" toml:"stop_on_failure"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures" toml:"max_consecutive_failures"`
	DryRun                 bool `yaml:"dry_run" toml:"dry_run"`
	RebaseBeforeTest       bool `yaml:"rebase_before_test" toml:"rebase_before_test"`
	Exclusive              bool `yaml:"exclusive" toml:"exclusive"`
}

type QueueConfig struct {
	Database        string `yaml:"database" toml:"database"`
	MaxAttempts     int    `yaml:"max_attempts" toml:"max_attempts"`
	ClaimTimeoutSec int    `yaml:"claim_timeout_sec" toml:"claim_timeout_sec"`
	RetentionHours  int    `yaml:"retention_hours" toml:"retention_hours"`
}

type VCSConfig struct {
	Backend      string `yaml:"backend" toml:"backend"`
	Repo         string `yaml:"repo" toml:"repo"`
	MainBranch   string `yaml:"main_branch" toml:"main_branch"`
	BranchPrefix string `yaml:"branch_prefix" toml:"branch_prefix"`
}

type QualityGatesConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Dir     string `yaml:"dir" toml:"dir"`
}

type DaemonConfig struct {
	PollIntervalSec    int  `yaml:"poll_interval_sec" toml:"poll_interval_sec"`
	ShutdownTimeoutSec int  `yaml:"shutdown_timeout_sec" toml:"shutdown_timeout_sec"`
	RestackStale       bool `yaml:"restack_stale" toml:"restack_stale"`
}

type EventsConfig struct {
	AuditLog         string `yaml:"audit_log" toml:"audit_log"`
	MaxLogBytes      int64  `yaml:"max_log_bytes" toml:"max_log_bytes"`
	CompressArchives bool   `yaml:"compress_archives" toml:"compress_archives"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	return Config{
		Train: TrainConfig{
			EntryTimeoutSecs:       300,
			MaxConsecutiveFailures: 3,
		},
		Queue: QueueConfig{
			Database:        "queue.db",
			MaxAttempts:     DefaultMaxAttempts,
			ClaimTimeoutSec: 600,
			RetentionHours:  168,
		},
		VCS: VCSConfig{
			Backend:    "git",
			MainBranch: "main",
		},
		QualityGates: QualityGatesConfig{
			Enabled: true,
			Dir:     "quality_gates",
		},
		Daemon: DaemonConfig{
			PollIntervalSec:    10,
			ShutdownTimeoutSec: 30,
		},
		Events: EventsConfig{
			AuditLog:         "logs/train.jsonl",
			CompressArchives: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// EntryTimeout is the per-entry pipeline deadline; zero disables it.
func (c TrainConfig) EntryTimeout() time.Duration {
	if c.EntryTimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(c.EntryTimeoutSecs) * time.Second
}

func (c QueueConfig) ClaimTimeout() time.Duration {
	sec := c.ClaimTimeoutSec
	if sec <= 0 {
		sec = 600
	}
	return time.Duration(sec) * time.Second
}

func (c QueueConfig) Retention() time.Duration {
	h := c.RetentionHours
	if h <= 0 {
		h = 168
	}
	return time.Duration(h) * time.Hour
}

func (c QueueConfig) Attempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c DaemonConfig) PollInterval() time.Duration {
	sec := c.PollIntervalSec
	if sec <= 0 {
		sec = 10
	}
	return time.Duration(sec) * time.Second
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	sec := c.ShutdownTimeoutSec
	if sec <= 0 {
		sec = 30
	}
	return time.Duration(sec) * time.Second
}

func (c VCSConfig) Main() string {
	if c.MainBranch == "" {
		return "main"
	}
	return c.MainBranch
}

// LoadConfig reads config.yaml (or config.toml) from dir. Missing keys keep
// their defaults. ISOLATE_LOG_LEVEL and ISOLATE_DRY_RUN override the file.
func LoadConfig(dir string) (Config, error) {
	cfg := DefaultConfig()

	yamlPath := filepath.Join(dir, "config.yaml")
	tomlPath := filepath.Join(dir, "config.toml")

	switch {
	case fileExists(yamlPath):
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	case fileExists(tomlPath):
		if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.toml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("no config.yaml or config.toml in %s", dir)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ISOLATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ISOLATE_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse ISOLATE_DRY_RUN: %w", err)
		}
		cfg.Train.DryRun = b
	}
	return nil
}

// ResolvePath joins a config-relative path onto the state directory.
func ResolvePath(stateDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(stateDir, p)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
