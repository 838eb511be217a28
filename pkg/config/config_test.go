package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/shotdiff/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Grid.IdleShare != 0.5 {
		t.Fatalf("unexpected idle share: %f", cfg.Grid.IdleShare)
	}
	if cfg.Grid.PollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.Grid.PollInterval)
	}
	if cfg.Shutdown.WatchdogInterval != time.Second {
		t.Fatalf("unexpected watchdog interval: %s", cfg.Shutdown.WatchdogInterval)
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()

	t.Setenv("HOME", home)

	userCfgDir := filepath.Join(home, ".shotdiff")
	if err := os.MkdirAll(userCfgDir, 0o755); err != nil {
		t.Fatalf("mkdir user config: %v", err)
	}
	userCfg := `
grid:
  username: user-name
  access_key: user-key
  poll_interval: 5s
flake:
  max_retries: 5
`
	if err := os.WriteFile(filepath.Join(userCfgDir, "config.yaml"), []byte(userCfg), 0o644); err != nil {
		t.Fatalf("write user config: %v", err)
	}

	projectCfgDir := filepath.Join(project, ".shotdiff")
	if err := os.MkdirAll(projectCfgDir, 0o755); err != nil {
		t.Fatalf("mkdir project config: %v", err)
	}
	projectCfg := `
grid:
  username: project-name
flake:
  max_retries: 0
  min_changed_pixel_count: 25
browsers:
  desktop_windows_ie@11:
    browser_name: internet explorer
    version: "11"
    platform: Windows 7
`
	if err := os.WriteFile(filepath.Join(projectCfgDir, "config.yaml"), []byte(projectCfg), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir project: %v", err)
	}

	t.Setenv("SHOTDIFF_GRID_ACCESS_KEY", "env-key")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.Grid.Username != "project-name" {
		t.Fatalf("expected project username override, got %s", cfg.Grid.Username)
	}
	if cfg.Grid.AccessKey != "env-key" {
		t.Fatalf("expected env access key override, got %s", cfg.Grid.AccessKey)
	}
	if cfg.Grid.PollInterval != 5*time.Second {
		t.Fatalf("expected user poll interval, got %s", cfg.Grid.PollInterval)
	}
	if cfg.Flake.MaxRetries != 0 {
		t.Fatalf("explicit zero max_retries should override user value, got %d", cfg.Flake.MaxRetries)
	}
	if cfg.Flake.MinChangedPixelCount != 25 {
		t.Fatalf("expected project min changed pixel count, got %d", cfg.Flake.MinChangedPixelCount)
	}
	if got := cfg.Browsers["desktop_windows_ie@11"].Platform; got != "Windows 7" {
		t.Fatalf("expected browser override platform, got %q", got)
	}
}

func TestInvalidIdleShareFailsValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Grid.IdleShare = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected idle_share > 1 to fail validation")
	}
	cfg.Grid.IdleShare = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected idle_share == 0 to fail validation")
	}
}

func TestInvalidFlakeConfigFailsValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Flake.MaxChangedPixelFractionToRetry = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected fraction outside [0,1] to fail validation")
	}

	cfg = config.DefaultConfig()
	cfg.Flake.MaxRetries = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative max_retries to fail validation")
	}
}

func TestSlackRequiresWebhook(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Status.Slack.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected slack without webhook to fail validation")
	}
}

func TestGitHubRepoMustBeSlug(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Status.GitHub.Repo = "not-a-slug"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected malformed repo to fail validation")
	}
	cfg.Status.GitHub.Repo = "material-components/material-components-web"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected slug to validate: %v", err)
	}
}

func TestLoadFromPathAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shotdiff.yaml")
	if err := os.WriteFile(path, []byte("grid:\n  parallelism: 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SHOTDIFF_MAX_WAIT", "90s")
	t.Setenv("SHOTDIFF_SLACK_WEBHOOK_URL", "https://hooks.slack.test/abc")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Grid.Parallelism != 4 {
		t.Fatalf("expected parallelism 4, got %d", cfg.Grid.Parallelism)
	}
	if cfg.Grid.MaxWait != 90*time.Second {
		t.Fatalf("expected max wait override, got %s", cfg.Grid.MaxWait)
	}
	if !cfg.Status.Slack.Enabled {
		t.Fatal("slack webhook env should enable slack")
	}
}

func TestLoadFromPathRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("grid: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.LoadFromPath(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidationWarnings(t *testing.T) {
	cfg := config.DefaultConfig()
	if len(cfg.ValidationWarnings()) == 0 {
		t.Fatal("expected warnings for missing credentials")
	}
}
