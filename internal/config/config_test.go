package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != ".sakora" {
		t.Errorf("expected data dir .sakora, got %q", cfg.DataDir)
	}
	if cfg.DropDir != "drop" {
		t.Errorf("expected drop dir drop, got %q", cfg.DropDir)
	}
	if cfg.Handlers.Mode != "section" {
		t.Errorf("expected section mode, got %q", cfg.Handlers.Mode)
	}
	if cfg.Handlers.StudentRole != "Student" || cfg.Handlers.InstructorRole != "Instructor" {
		t.Errorf("unexpected roles: %+v", cfg.Handlers)
	}
	if cfg.Handlers.SearchPageSize != 1000 {
		t.Errorf("expected page size 1000, got %d", cfg.Handlers.SearchPageSize)
	}
	if cfg.Handlers.IgnoreMembershipRemovals || cfg.Handlers.IgnoreMissingSessions {
		t.Errorf("toggles should default off: %+v", cfg.Handlers)
	}
	if cfg.Daemon.Debounce != 2*time.Second {
		t.Errorf("expected 2s debounce, got %s", cfg.Daemon.Debounce)
	}
	if cfg.Dashboard.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Dashboard.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected info level, got %q", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sakora.yaml")
	content := `
data_dir: /var/lib/sakora
handlers:
  mode: course
  student_role: Learner
  search_page_size: 250
  ignore_missing_sessions: true
daemon:
  debounce: 5s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/sakora" {
		t.Errorf("expected data dir from file, got %q", cfg.DataDir)
	}
	if cfg.Handlers.Mode != "course" {
		t.Errorf("expected course mode, got %q", cfg.Handlers.Mode)
	}
	if cfg.Handlers.StudentRole != "Learner" {
		t.Errorf("expected Learner role, got %q", cfg.Handlers.StudentRole)
	}
	if cfg.Handlers.SearchPageSize != 250 {
		t.Errorf("expected page size 250, got %d", cfg.Handlers.SearchPageSize)
	}
	if !cfg.Handlers.IgnoreMissingSessions {
		t.Error("expected session filtering enabled")
	}
	if cfg.Daemon.Debounce != 5*time.Second {
		t.Errorf("expected 5s debounce, got %s", cfg.Daemon.Debounce)
	}
	// Untouched keys keep their defaults.
	if cfg.Handlers.InstructorRole != "Instructor" {
		t.Errorf("expected default instructor role, got %q", cfg.Handlers.InstructorRole)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SAKORA_HANDLERS_MODE", "course")
	t.Setenv("SAKORA_DROP_DIR", "/srv/drop")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Handlers.Mode != "course" {
		t.Errorf("expected mode from env, got %q", cfg.Handlers.Mode)
	}
	if cfg.DropDir != "/srv/drop" {
		t.Errorf("expected drop dir from env, got %q", cfg.DropDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Handlers.Mode = "both" }},
		{"empty student role", func(c *Config) { c.Handlers.StudentRole = "" }},
		{"empty instructor role", func(c *Config) { c.Handlers.InstructorRole = "" }},
		{"zero page size", func(c *Config) { c.Handlers.SearchPageSize = 0 }},
		{"negative debounce", func(c *Config) { c.Daemon.Debounce = -time.Second }},
		{"port out of range", func(c *Config) { c.Dashboard.Port = 70000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
