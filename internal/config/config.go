package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Primary   BackendConfig   `yaml:"primary"`
	Board     BackendConfig   `yaml:"board"`
	Local     LocalConfig     `yaml:"local"`
	Sync      SyncConfig      `yaml:"sync"`
	Store     StoreConfig     `yaml:"store"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
	Assistant AssistantConfig `yaml:"assistant"`
}

type BackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type LocalConfig struct {
	CLIPath   string `yaml:"cli_path"`
	StacksDir string `yaml:"stacks_dir"`
}

type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Incremental    bool          `yaml:"incremental"`
	Parallel       bool          `yaml:"parallel"`
	MaxWorkers     int           `yaml:"max_workers"`
	DryRun         bool          `yaml:"dry_run"`
	SkipEmpty      bool          `yaml:"skip_empty_projects"`
	Projects       []string      `yaml:"projects"` // allow-list; empty means all
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type HealthConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Mode  string `yaml:"mode"`
}

type AssistantConfig struct {
	APIKey string `yaml:"api_key"`
}

func DefaultConfig() *Config {
	return &Config{
		Local: LocalConfig{
			CLIPath: "bd",
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			RequestTimeout: 30 * time.Second,
			MaxWorkers:     4,
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Health: HealthConfig{
			Port: 8090,
		},
		Log: LogConfig{
			Level: "info",
			Mode:  "production",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
// Precedence: defaults < config file < environment.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := configPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	setString(getenv("PRIMARY_API_URL"), &cfg.Primary.URL)
	setString(getenv("PRIMARY_TOKEN"), &cfg.Primary.Token)
	setString(getenv("BOARD_API_URL"), &cfg.Board.URL)
	setString(getenv("BOARD_TOKEN"), &cfg.Board.Token)
	setString(getenv("LOCAL_CLI_PATH"), &cfg.Local.CLIPath)
	setString(getenv("STACKS_DIR"), &cfg.Local.StacksDir)
	setString(getenv("STATE_DB_PATH"), &cfg.Store.Path)
	setString(getenv("LOG_LEVEL"), &cfg.Log.Level)
	setString(getenv("LOG_MODE"), &cfg.Log.Mode)
	setString(getenv("ANTHROPIC_API_KEY"), &cfg.Assistant.APIKey)

	if err := setMillis(getenv("SYNC_INTERVAL_MS"), &cfg.Sync.Interval); err != nil {
		return fmt.Errorf("SYNC_INTERVAL_MS: %w", err)
	}
	if err := setMillis(getenv("REQUEST_TIMEOUT_MS"), &cfg.Sync.RequestTimeout); err != nil {
		return fmt.Errorf("REQUEST_TIMEOUT_MS: %w", err)
	}
	if err := setBool(getenv("INCREMENTAL_SYNC"), &cfg.Sync.Incremental); err != nil {
		return fmt.Errorf("INCREMENTAL_SYNC: %w", err)
	}
	if err := setBool(getenv("PARALLEL_SYNC"), &cfg.Sync.Parallel); err != nil {
		return fmt.Errorf("PARALLEL_SYNC: %w", err)
	}
	if err := setInt(getenv("MAX_WORKERS"), &cfg.Sync.MaxWorkers); err != nil {
		return fmt.Errorf("MAX_WORKERS: %w", err)
	}
	if err := setBool(getenv("DRY_RUN"), &cfg.Sync.DryRun); err != nil {
		return fmt.Errorf("DRY_RUN: %w", err)
	}
	if err := setBool(getenv("SKIP_EMPTY_PROJECTS"), &cfg.Sync.SkipEmpty); err != nil {
		return fmt.Errorf("SKIP_EMPTY_PROJECTS: %w", err)
	}
	if err := setInt(getenv("HEALTH_PORT"), &cfg.Health.Port); err != nil {
		return fmt.Errorf("HEALTH_PORT: %w", err)
	}

	if v := getenv("SYNC_PROJECTS"); v != "" {
		var projects []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				projects = append(projects, p)
			}
		}
		cfg.Sync.Projects = projects
	}
	return nil
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Primary.URL == "" || c.Primary.Token == "" {
		return fmt.Errorf("PRIMARY_API_URL and PRIMARY_TOKEN are required")
	}
	if c.Board.URL == "" || c.Board.Token == "" {
		return fmt.Errorf("BOARD_API_URL and BOARD_TOKEN are required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.Sync.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	return nil
}

func setString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func setBool(v string, dst *bool) error {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setInt(v string, dst *int) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setMillis(v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func defaultStorePath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}
	return filepath.Join(configDir, "tracker-sync", "sync-state.db")
}

func configPathWithEnv(getenv func(string) string) string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tracker-sync", "config.yaml")
	}

	// Fall back to ~/.config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tracker-sync", "config.yaml")
}
