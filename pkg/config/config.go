package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/shotdiff/pkg/paths"
)

// Default configuration values exported for documentation and validation
const (
	DefaultAPIURL           = "https://crossbrowsertesting.com/api/v3"
	DefaultHubURL           = "https://hub.crossbrowsertesting.com/wd/hub"
	DefaultPollInterval     = 30 * time.Second
	DefaultMaxWait          = 10 * time.Minute
	DefaultIdleShare        = 0.5
	DefaultRequestRate      = 5.0
	DefaultRequestBurst     = 5
	DefaultRequestTimeout   = 2 * time.Minute
	DefaultGracePeriod      = 2 * time.Minute
	DefaultWatchdogInterval = time.Second
	DefaultStatusInterval   = 2 * time.Second
	DefaultStatusContext    = "screenshot-test"
	DefaultChannelTolerance = 16
	DefaultLogLevel         = "info"
)

// Config represents the complete shotdiff configuration
type Config struct {
	Grid     GridConfig                   `yaml:"grid"`
	Browsers map[string]BrowserCapability `yaml:"browsers"`
	Flake    FlakeConfig                  `yaml:"flake"`
	Capture  CaptureConfig                `yaml:"capture"`
	Diff     DiffConfig                   `yaml:"diff"`
	Crop     CropConfig                   `yaml:"crop"`
	Shutdown ShutdownConfig               `yaml:"shutdown"`
	Status   StatusConfig                 `yaml:"status"`
	Storage  StorageConfig                `yaml:"storage"`
	Logging  LoggingConfig                `yaml:"logging"`
	Server   ServerConfig                 `yaml:"server"`
	Tracing  TracingConfig                `yaml:"tracing"`
}

// GridConfig configures the remote Selenium grid and its concurrency quota.
type GridConfig struct {
	APIURL         string        `yaml:"api_url"`
	HubURL         string        `yaml:"hub_url"`
	Username       string        `yaml:"username"`
	AccessKey      string        `yaml:"access_key"`
	Parallelism    int           `yaml:"parallelism"`   // 0 = derive from grid quota
	PollInterval   time.Duration `yaml:"poll_interval"` // fixed wait between capacity polls
	MaxWait        time.Duration `yaml:"max_wait"`      // give up after this long without capacity
	IdleShare      float64       `yaml:"idle_share"`    // share of max claimed when the grid is idle
	RequestRate    float64       `yaml:"request_rate"`  // grid API requests per second
	RequestBurst   int           `yaml:"request_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BrowserCapability overrides the vendor/version/OS triple derived from an alias.
type BrowserCapability struct {
	BrowserName string `yaml:"browser_name"`
	Version     string `yaml:"version"`
	Platform    string `yaml:"platform"`
}

// FlakeConfig holds the default retry policy applied to every work item.
type FlakeConfig struct {
	MaxRetries                     int           `yaml:"max_retries"`
	MaxChangedPixelFractionToRetry float64       `yaml:"max_changed_pixel_fraction_to_retry"`
	RetryDelay                     time.Duration `yaml:"retry_delay"`
	MinChangedPixelCount           int           `yaml:"min_changed_pixel_count"`
}

// CaptureConfig tunes how pages are loaded before a screenshot.
type CaptureConfig struct {
	ViewportWidth   int           `yaml:"viewport_width"`
	ViewportHeight  int           `yaml:"viewport_height"`
	PageLoadTimeout time.Duration `yaml:"page_load_timeout"`
	WaitForFonts    bool          `yaml:"wait_for_fonts"`
}

// DiffConfig tunes the pixel comparison.
type DiffConfig struct {
	ChannelTolerance int `yaml:"channel_tolerance"`
}

// CropConfig toggles auto-cropping of raw screenshots.
type CropConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ShutdownConfig controls the graceful-then-forced shutdown protocol.
type ShutdownConfig struct {
	GracePeriod      time.Duration `yaml:"grace_period"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
}

// StatusConfig configures external status reporting.
type StatusConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	Context     string        `yaml:"context"`
	TargetURL   string        `yaml:"target_url"`
	GitHub      GitHubConfig  `yaml:"github"`
	Slack       SlackConfig   `yaml:"slack"`
	NATS        NATSConfig    `yaml:"nats"`
}

// GitHubConfig configures commit status reporting through the gh CLI.
type GitHubConfig struct {
	Enabled bool   `yaml:"enabled"`
	Repo    string `yaml:"repo"` // owner/name; resolved from the git remote when empty
	SHA     string `yaml:"sha"`  // resolved from HEAD when empty
}

// SlackConfig configures Slack notifications
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"` // Incoming webhook URL
	Channel    string `yaml:"channel"`     // Optional channel override
}

// NATSConfig configures status fan-out over NATS.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// StorageConfig locates images and run history.
type StorageConfig struct {
	Root      string `yaml:"root"`
	HistoryDB string `yaml:"history_db"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// ServerConfig configures the optional progress server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig toggles OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Grid: GridConfig{
			APIURL:         DefaultAPIURL,
			HubURL:         DefaultHubURL,
			PollInterval:   DefaultPollInterval,
			MaxWait:        DefaultMaxWait,
			IdleShare:      DefaultIdleShare,
			RequestRate:    DefaultRequestRate,
			RequestBurst:   DefaultRequestBurst,
			RequestTimeout: DefaultRequestTimeout,
		},
		Browsers: map[string]BrowserCapability{},
		Flake: FlakeConfig{
			MaxRetries:                     3,
			MaxChangedPixelFractionToRetry: 0.1,
			RetryDelay:                     time.Second,
			MinChangedPixelCount:           1,
		},
		Capture: CaptureConfig{
			ViewportWidth:   1280,
			ViewportHeight:  1024,
			PageLoadTimeout: time.Minute,
			WaitForFonts:    true,
		},
		Diff: DiffConfig{
			ChannelTolerance: DefaultChannelTolerance,
		},
		Crop: CropConfig{
			Enabled: true,
		},
		Shutdown: ShutdownConfig{
			GracePeriod:      DefaultGracePeriod,
			WatchdogInterval: DefaultWatchdogInterval,
		},
		Status: StatusConfig{
			MinInterval: DefaultStatusInterval,
			Context:     DefaultStatusContext,
			NATS: NATSConfig{
				Subject: "shotdiff.status",
			},
		},
		Storage: StorageConfig{
			Root:      paths.StorageBaseDir(),
			HistoryDB: paths.HistoryDBPath(),
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
			Dir:   paths.LogsBaseDir(),
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load user config (~/.shotdiff/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".shotdiff", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	// Load project config (./.shotdiff/config.yaml)
	projectConfigPath := filepath.Join(".", ".shotdiff", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHOTDIFF_GRID_API_URL"); v != "" {
		cfg.Grid.APIURL = v
	}
	if v := os.Getenv("SHOTDIFF_GRID_HUB_URL"); v != "" {
		cfg.Grid.HubURL = v
	}
	if v := os.Getenv("SHOTDIFF_GRID_USERNAME"); v != "" {
		cfg.Grid.Username = v
	}
	if v := os.Getenv("SHOTDIFF_GRID_ACCESS_KEY"); v != "" {
		cfg.Grid.AccessKey = v
	}
	if v, ok := envInt("SHOTDIFF_PARALLELISM"); ok {
		cfg.Grid.Parallelism = v
	}
	if v, ok := envDuration("SHOTDIFF_MAX_WAIT"); ok {
		cfg.Grid.MaxWait = v
	}
	if v, ok := envDuration("SHOTDIFF_GRACE_PERIOD"); ok {
		cfg.Shutdown.GracePeriod = v
	}
	if v := os.Getenv("SHOTDIFF_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(paths.EnvStorageDir); v != "" {
		cfg.Storage.Root = paths.ExpandHome(v)
	}
	if v := os.Getenv(paths.EnvLogDir); v != "" {
		cfg.Logging.Dir = paths.ExpandHome(v)
	}
	if v := os.Getenv("SHOTDIFF_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	if val, ok := envBool("SHOTDIFF_GITHUB_STATUS"); ok {
		cfg.Status.GitHub.Enabled = val
	}
	if v := os.Getenv("SHOTDIFF_GITHUB_SHA"); v != "" {
		cfg.Status.GitHub.SHA = v
	}
	if v := os.Getenv("SHOTDIFF_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Status.Slack.WebhookURL = v
		cfg.Status.Slack.Enabled = true
	}
	if v := os.Getenv("SHOTDIFF_NATS_URL"); v != "" {
		cfg.Status.NATS.URL = v
		cfg.Status.NATS.Enabled = true
	}
	if val, ok := envBool("SHOTDIFF_TRACING"); ok {
		cfg.Tracing.Enabled = val
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return 0, false
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if err := validateURL("grid.api_url", c.Grid.APIURL); err != nil {
		return err
	}
	if err := validateURL("grid.hub_url", c.Grid.HubURL); err != nil {
		return err
	}
	if c.Grid.Parallelism < 0 {
		return fmt.Errorf("grid.parallelism must be >= 0, got %d", c.Grid.Parallelism)
	}
	if c.Grid.PollInterval <= 0 {
		return fmt.Errorf("grid.poll_interval must be positive")
	}
	if c.Grid.MaxWait <= 0 {
		return fmt.Errorf("grid.max_wait must be positive")
	}
	if c.Grid.IdleShare <= 0 || c.Grid.IdleShare > 1 {
		return fmt.Errorf("grid.idle_share must be in (0, 1], got %g", c.Grid.IdleShare)
	}
	if c.Grid.RequestRate <= 0 {
		return fmt.Errorf("grid.request_rate must be positive")
	}

	if c.Flake.MaxRetries < 0 {
		return fmt.Errorf("flake.max_retries must be >= 0, got %d", c.Flake.MaxRetries)
	}
	if c.Flake.MaxChangedPixelFractionToRetry < 0 || c.Flake.MaxChangedPixelFractionToRetry > 1 {
		return fmt.Errorf("flake.max_changed_pixel_fraction_to_retry must be in [0, 1], got %g", c.Flake.MaxChangedPixelFractionToRetry)
	}
	if c.Flake.RetryDelay < 0 {
		return fmt.Errorf("flake.retry_delay must be >= 0")
	}
	if c.Flake.MinChangedPixelCount < 0 {
		return fmt.Errorf("flake.min_changed_pixel_count must be >= 0, got %d", c.Flake.MinChangedPixelCount)
	}

	if c.Capture.ViewportWidth <= 0 || c.Capture.ViewportHeight <= 0 {
		return fmt.Errorf("capture viewport must be positive, got %dx%d", c.Capture.ViewportWidth, c.Capture.ViewportHeight)
	}
	if c.Diff.ChannelTolerance < 0 || c.Diff.ChannelTolerance > 255 {
		return fmt.Errorf("diff.channel_tolerance must be in [0, 255], got %d", c.Diff.ChannelTolerance)
	}

	if c.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("shutdown.grace_period must be positive")
	}
	if c.Shutdown.WatchdogInterval <= 0 {
		return fmt.Errorf("shutdown.watchdog_interval must be positive")
	}

	if c.Status.Slack.Enabled && strings.TrimSpace(c.Status.Slack.WebhookURL) == "" {
		return fmt.Errorf("status.slack.webhook_url is required when slack is enabled")
	}
	if c.Status.NATS.Enabled && strings.TrimSpace(c.Status.NATS.Subject) == "" {
		return fmt.Errorf("status.nats.subject is required when nats is enabled")
	}
	if repo := strings.TrimSpace(c.Status.GitHub.Repo); repo != "" && strings.Count(repo, "/") != 1 {
		return fmt.Errorf("status.github.repo must be owner/name, got %q", repo)
	}

	if strings.TrimSpace(c.Storage.Root) == "" {
		return fmt.Errorf("storage.root is required")
	}
	return nil
}

// ValidationWarnings reports settings that are legal but probably unintended.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if strings.TrimSpace(c.Grid.Username) == "" || strings.TrimSpace(c.Grid.AccessKey) == "" {
		warnings = append(warnings, "grid credentials are empty; session requests will likely be rejected")
	}
	if c.Flake.MinChangedPixelCount == 0 {
		warnings = append(warnings, "flake.min_changed_pixel_count is 0; any rendering noise will be reported as a change")
	}
	if c.Grid.Parallelism == 0 && c.Grid.IdleShare == 1 {
		warnings = append(warnings, "grid.idle_share is 1; an idle grid will be fully claimed by this run")
	}
	return warnings
}

func validateURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
	}
	return nil
}
