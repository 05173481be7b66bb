// Package config handles configuration loading for loom. It supports
// XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/projectloom/loom/internal/budget"
	"github.com/projectloom/loom/pkg/models"
)

// unlimited is the budget cap value meaning no cap at all.
const unlimited = "unlimited"

// Config holds all configuration for loom.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Run       RunConfig       `mapstructure:"run"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Roles     RolesConfig     `mapstructure:"roles"`
	History   HistoryConfig   `mapstructure:"history"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// DispatchConfig holds graph-level dispatch settings.
type DispatchConfig struct {
	// MaxConcurrentTasks bounds the worker pool within one graph.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// MaxRetries bounds retries per task.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBase is the first retry delay.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffCap caps the retry delay.
	BackoffCap time.Duration `mapstructure:"backoff_cap"`
}

// RunConfig holds run-level settings.
type RunConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AutoApprove bool          `mapstructure:"auto_approve"`
}

// FleetConfig holds fleet-level settings.
type FleetConfig struct {
	MaxConcurrentProjects int           `mapstructure:"max_concurrent_projects"`
	MaxQueueSize          int           `mapstructure:"max_queue_size"`
	ProjectTimeout        time.Duration `mapstructure:"project_timeout"`
}

// BudgetConfig holds daily USD caps per tier. A cap is a decimal string
// or "unlimited".
type BudgetConfig struct {
	Free       string `mapstructure:"free"`
	Pro        string `mapstructure:"pro"`
	Enterprise string `mapstructure:"enterprise"`
	// DBPath is the SQLite spend store location. Empty uses the
	// default XDG data path; ":memory:" keeps spend in memory.
	DBPath string `mapstructure:"db_path"`
}

// RolesConfig holds role registry settings.
type RolesConfig struct {
	// Path points at a roles YAML file. Empty uses built-in roles.
	Path string `mapstructure:"path"`
	// Watch reloads the registry when the file changes.
	Watch bool `mapstructure:"watch"`
}

// HistoryConfig holds run-history persistence settings.
type HistoryConfig struct {
	// Enabled toggles recording of settled runs.
	Enabled bool `mapstructure:"enabled"`
	// DBPath is the history database location. Empty uses the default
	// XDG data path.
	DBPath string `mapstructure:"db_path"`
}

// Caps converts the configured cap strings into ledger caps.
func (b BudgetConfig) Caps() (budget.Caps, error) {
	caps := make(budget.Caps, 3)
	for tier, raw := range map[models.Tier]string{
		models.TierFree:       b.Free,
		models.TierPro:        b.Pro,
		models.TierEnterprise: b.Enterprise,
	} {
		if strings.EqualFold(raw, unlimited) {
			caps[tier] = nil
			continue
		}
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("invalid %s budget cap %q", tier, raw)
		}
		caps[tier] = &amount
	}
	return caps, nil
}

// Load loads configuration with the following precedence (highest to
// lowest):
// 1. Environment variables (LOOM_*, ANTHROPIC_API_KEY)
// 2. Project config (.loom.yaml in current directory or a parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if _, err := cfg.Budget.Caps(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if _, err := cfg.Budget.Caps(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	dir := userConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("dispatch.max_concurrent_tasks", cfg.Dispatch.MaxConcurrentTasks)
	v.Set("dispatch.max_retries", cfg.Dispatch.MaxRetries)
	v.Set("dispatch.backoff_base", cfg.Dispatch.BackoffBase.String())
	v.Set("dispatch.backoff_cap", cfg.Dispatch.BackoffCap.String())
	v.Set("run.max_retries", cfg.Run.MaxRetries)
	v.Set("run.backoff_base", cfg.Run.BackoffBase.String())
	v.Set("run.backoff_cap", cfg.Run.BackoffCap.String())
	v.Set("run.timeout", cfg.Run.Timeout.String())
	v.Set("run.auto_approve", cfg.Run.AutoApprove)
	v.Set("fleet.max_concurrent_projects", cfg.Fleet.MaxConcurrentProjects)
	v.Set("fleet.max_queue_size", cfg.Fleet.MaxQueueSize)
	v.Set("fleet.project_timeout", cfg.Fleet.ProjectTimeout.String())
	v.Set("budget.free", cfg.Budget.Free)
	v.Set("budget.pro", cfg.Budget.Pro)
	v.Set("budget.enterprise", cfg.Budget.Enterprise)
	v.Set("budget.db_path", cfg.Budget.DBPath)
	v.Set("roles.path", cfg.Roles.Path)
	v.Set("roles.watch", cfg.Roles.Watch)
	v.Set("history.enabled", cfg.History.Enabled)
	v.Set("history.db_path", cfg.History.DBPath)

	return v.WriteConfig()
}

// UserConfigPath returns the path to the user config file.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", 8192)

	v.SetDefault("dispatch.max_concurrent_tasks", 3)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.backoff_base", "1s")
	v.SetDefault("dispatch.backoff_cap", "60s")

	v.SetDefault("run.max_retries", 3)
	v.SetDefault("run.backoff_base", "1s")
	v.SetDefault("run.backoff_cap", "60s")
	v.SetDefault("run.timeout", "600s")
	v.SetDefault("run.auto_approve", true)

	v.SetDefault("fleet.max_concurrent_projects", 5)
	v.SetDefault("fleet.max_queue_size", 100)
	v.SetDefault("fleet.project_timeout", "600s")

	v.SetDefault("budget.free", "1.00")
	v.SetDefault("budget.pro", "25.00")
	v.SetDefault("budget.enterprise", unlimited)
	v.SetDefault("budget.db_path", "")

	v.SetDefault("roles.path", "")
	v.SetDefault("roles.watch", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "")
}

// userConfigDir returns the XDG config directory for loom.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// findProjectConfig searches for .loom.yaml in the current directory
// and its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(cwd, ".loom.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with built-in defaults.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{MaxTokens: 8192},
		Dispatch: DispatchConfig{
			MaxConcurrentTasks: 3,
			MaxRetries:         3,
			BackoffBase:        time.Second,
			BackoffCap:         60 * time.Second,
		},
		Run: RunConfig{
			MaxRetries:  3,
			BackoffBase: time.Second,
			BackoffCap:  60 * time.Second,
			Timeout:     600 * time.Second,
			AutoApprove: true,
		},
		Fleet: FleetConfig{
			MaxConcurrentProjects: 5,
			MaxQueueSize:          100,
			ProjectTimeout:        600 * time.Second,
		},
		Budget: BudgetConfig{
			Free:       "1.00",
			Pro:        "25.00",
			Enterprise: unlimited,
		},
		History: HistoryConfig{Enabled: true},
	}
}
