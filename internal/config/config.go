// Package config loads the sakora configuration via viper.
//
// Precedence: explicit flags > SAKORA_* environment variables > config file
// > built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full sakora configuration.
type Config struct {
	// DataDir holds the course management and ledger databases.
	DataDir string `mapstructure:"data_dir"`

	// DropDir is the directory CSV batches are delivered to.
	DropDir string `mapstructure:"drop_dir"`

	Handlers  Handlers  `mapstructure:"handlers"`
	Daemon    Daemon    `mapstructure:"daemon"`
	Dashboard Dashboard `mapstructure:"dashboard"`
	Log       Log       `mapstructure:"log"`
}

// Handlers configures the CSV reconciliation handlers.
type Handlers struct {
	// Mode selects which membership type is reconciled: "section" or
	// "course".
	Mode string `mapstructure:"mode"`

	TaRole         string `mapstructure:"ta_role"`
	StudentRole    string `mapstructure:"student_role"`
	InstructorRole string `mapstructure:"instructor_role"`

	DefaultCredits               string `mapstructure:"default_credits"`
	DefaultGradingScheme         string `mapstructure:"default_grading_scheme"`
	DefaultEnrollmentSetCategory string `mapstructure:"default_enrollment_set_category"`

	IgnoreMembershipRemovals bool `mapstructure:"ignore_membership_removals"`
	IgnoreMissingSessions    bool `mapstructure:"ignore_missing_sessions"`

	SearchPageSize int `mapstructure:"search_page_size"`
}

// Daemon configures the drop directory watcher.
type Daemon struct {
	// Debounce is how long the drop directory must be quiet before a
	// sync is triggered, batching multi-file deliveries into one run.
	Debounce time.Duration `mapstructure:"debounce"`
}

// Dashboard configures the WebSocket monitor server.
type Dashboard struct {
	Port int `mapstructure:"port"`
}

// Log configures logging output.
type Log struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `mapstructure:"development"`

	// File enables rotated file output when non-empty; otherwise logs go
	// to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from the given file (optional, "" means rely on
// defaults/env only) and the SAKORA_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", ".sakora")
	v.SetDefault("drop_dir", "drop")
	v.SetDefault("handlers.mode", "section")
	v.SetDefault("handlers.ta_role", "TA")
	v.SetDefault("handlers.student_role", "Student")
	v.SetDefault("handlers.instructor_role", "Instructor")
	v.SetDefault("handlers.default_credits", "0")
	v.SetDefault("handlers.default_grading_scheme", "Letter Grade")
	v.SetDefault("handlers.default_enrollment_set_category", "NONE")
	v.SetDefault("handlers.ignore_membership_removals", false)
	v.SetDefault("handlers.ignore_missing_sessions", false)
	v.SetDefault("handlers.search_page_size", 1000)
	v.SetDefault("daemon.debounce", 2*time.Second)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetEnvPrefix("SAKORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would otherwise fail mid-run.
// Role names are checked here so a bad deployment fails at startup, not
// deep inside row processing.
func (c *Config) Validate() error {
	if c.Handlers.Mode != "section" && c.Handlers.Mode != "course" {
		return fmt.Errorf("handlers.mode must be \"section\" or \"course\", got %q", c.Handlers.Mode)
	}
	if c.Handlers.StudentRole == "" {
		return errors.New("handlers.student_role must not be empty")
	}
	if c.Handlers.InstructorRole == "" {
		return errors.New("handlers.instructor_role must not be empty")
	}
	if c.Handlers.SearchPageSize <= 0 {
		return fmt.Errorf("handlers.search_page_size must be positive, got %d", c.Handlers.SearchPageSize)
	}
	if c.Daemon.Debounce <= 0 {
		return fmt.Errorf("daemon.debounce must be positive, got %s", c.Daemon.Debounce)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}
