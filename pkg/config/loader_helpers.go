package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values in override leave base
// untouched; booleans and explicit zeros are applied only when the raw YAML
// actually sets them.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	mergeString(&base.Grid.APIURL, override.Grid.APIURL)
	mergeString(&base.Grid.HubURL, override.Grid.HubURL)
	mergeString(&base.Grid.Username, override.Grid.Username)
	mergeString(&base.Grid.AccessKey, override.Grid.AccessKey)
	if fieldSet(raw, "grid", "parallelism") {
		base.Grid.Parallelism = override.Grid.Parallelism
	}
	if override.Grid.PollInterval != 0 {
		base.Grid.PollInterval = override.Grid.PollInterval
	}
	if override.Grid.MaxWait != 0 {
		base.Grid.MaxWait = override.Grid.MaxWait
	}
	if override.Grid.IdleShare != 0 {
		base.Grid.IdleShare = override.Grid.IdleShare
	}
	if override.Grid.RequestRate != 0 {
		base.Grid.RequestRate = override.Grid.RequestRate
	}
	if override.Grid.RequestBurst != 0 {
		base.Grid.RequestBurst = override.Grid.RequestBurst
	}
	if override.Grid.RequestTimeout != 0 {
		base.Grid.RequestTimeout = override.Grid.RequestTimeout
	}

	if len(override.Browsers) > 0 {
		if base.Browsers == nil {
			base.Browsers = make(map[string]BrowserCapability, len(override.Browsers))
		}
		for alias, capability := range override.Browsers {
			base.Browsers[alias] = capability
		}
	}

	if fieldSet(raw, "flake", "max_retries") {
		base.Flake.MaxRetries = override.Flake.MaxRetries
	}
	if fieldSet(raw, "flake", "max_changed_pixel_fraction_to_retry") {
		base.Flake.MaxChangedPixelFractionToRetry = override.Flake.MaxChangedPixelFractionToRetry
	}
	if fieldSet(raw, "flake", "retry_delay") {
		base.Flake.RetryDelay = override.Flake.RetryDelay
	}
	if fieldSet(raw, "flake", "min_changed_pixel_count") {
		base.Flake.MinChangedPixelCount = override.Flake.MinChangedPixelCount
	}

	if override.Capture.ViewportWidth != 0 {
		base.Capture.ViewportWidth = override.Capture.ViewportWidth
	}
	if override.Capture.ViewportHeight != 0 {
		base.Capture.ViewportHeight = override.Capture.ViewportHeight
	}
	if override.Capture.PageLoadTimeout != 0 {
		base.Capture.PageLoadTimeout = override.Capture.PageLoadTimeout
	}
	if fieldSet(raw, "capture", "wait_for_fonts") {
		base.Capture.WaitForFonts = override.Capture.WaitForFonts
	}

	if fieldSet(raw, "diff", "channel_tolerance") {
		base.Diff.ChannelTolerance = override.Diff.ChannelTolerance
	}
	if fieldSet(raw, "crop", "enabled") {
		base.Crop.Enabled = override.Crop.Enabled
	}

	if override.Shutdown.GracePeriod != 0 {
		base.Shutdown.GracePeriod = override.Shutdown.GracePeriod
	}
	if override.Shutdown.WatchdogInterval != 0 {
		base.Shutdown.WatchdogInterval = override.Shutdown.WatchdogInterval
	}

	if override.Status.MinInterval != 0 {
		base.Status.MinInterval = override.Status.MinInterval
	}
	mergeString(&base.Status.Context, override.Status.Context)
	mergeString(&base.Status.TargetURL, override.Status.TargetURL)
	if fieldSet(raw, "status", "github", "enabled") {
		base.Status.GitHub.Enabled = override.Status.GitHub.Enabled
	}
	mergeString(&base.Status.GitHub.Repo, override.Status.GitHub.Repo)
	mergeString(&base.Status.GitHub.SHA, override.Status.GitHub.SHA)
	if fieldSet(raw, "status", "slack", "enabled") {
		base.Status.Slack.Enabled = override.Status.Slack.Enabled
	}
	mergeString(&base.Status.Slack.WebhookURL, override.Status.Slack.WebhookURL)
	mergeString(&base.Status.Slack.Channel, override.Status.Slack.Channel)
	if fieldSet(raw, "status", "nats", "enabled") {
		base.Status.NATS.Enabled = override.Status.NATS.Enabled
	}
	mergeString(&base.Status.NATS.URL, override.Status.NATS.URL)
	mergeString(&base.Status.NATS.Subject, override.Status.NATS.Subject)

	mergeString(&base.Storage.Root, override.Storage.Root)
	mergeString(&base.Storage.HistoryDB, override.Storage.HistoryDB)
	mergeString(&base.Logging.Level, override.Logging.Level)
	mergeString(&base.Logging.Dir, override.Logging.Dir)
	mergeString(&base.Server.Addr, override.Server.Addr)
	if fieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
}

func mergeString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = value
	}
}

func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
