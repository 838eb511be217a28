// Package manifest turns a page manifest and a golden index into the work
// queue of a run.
package manifest

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
)

// Manifest lists the pages to screenshot and the browsers to use.
type Manifest struct {
	BaseURL  string         `yaml:"base_url"`
	Browsers []string       `yaml:"browsers"`
	Flake    *FlakeOverride `yaml:"flake,omitempty"`
	Pages    []Page         `yaml:"pages"`
}

// Page is one entry of the manifest. Browsers and Flake override the
// manifest-level values when set.
type Page struct {
	Path     string         `yaml:"path"`
	Browsers []string       `yaml:"browsers,omitempty"`
	Flake    *FlakeOverride `yaml:"flake,omitempty"`
}

// FlakeOverride replaces individual fields of the default retry policy.
type FlakeOverride struct {
	MaxRetries                     *int           `yaml:"max_retries,omitempty"`
	MaxChangedPixelFractionToRetry *float64       `yaml:"max_changed_pixel_fraction_to_retry,omitempty"`
	RetryDelay                     *time.Duration `yaml:"retry_delay,omitempty"`
	MinChangedPixelCount           *int           `yaml:"min_changed_pixel_count,omitempty"`
}

// Apply returns base with the set fields replaced.
func (o *FlakeOverride) Apply(base orchestrator.FlakeConfig) orchestrator.FlakeConfig {
	if o == nil {
		return base
	}
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	if o.MaxChangedPixelFractionToRetry != nil {
		base.MaxChangedPixelFractionToRetry = *o.MaxChangedPixelFractionToRetry
	}
	if o.RetryDelay != nil {
		base.RetryDelay = *o.RetryDelay
	}
	if o.MinChangedPixelCount != nil {
		base.MinChangedPixelCount = *o.MinChangedPixelCount
	}
	return base
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeConfigLoad, "reading manifest").
			WithContext("path", path)
	}
	m, err := Parse(data)
	if err != nil {
		if structured, ok := shoterrors.As(err); ok {
			structured.WithContext("path", path)
		}
		return nil, err
	}
	return m, nil
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeConfigParse, "parsing manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every page resolves to a URL and has browsers.
func (m *Manifest) Validate() error {
	base, err := url.Parse(m.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return invalid("base_url %q must be an absolute URL", m.BaseURL)
	}
	if len(m.Pages) == 0 {
		return invalid("manifest has no pages")
	}
	if err := validateBrowsers("browsers", m.Browsers); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(m.Pages))
	for i, p := range m.Pages {
		if p.Path == "" {
			return invalid("pages[%d].path is required", i)
		}
		if _, dup := seen[p.Path]; dup {
			return invalid("pages[%d].path %q is listed twice", i, p.Path)
		}
		seen[p.Path] = struct{}{}
		if _, err := url.Parse(p.Path); err != nil {
			return invalid("pages[%d].path %q is not a valid URL path", i, p.Path)
		}
		if err := validateBrowsers(fmt.Sprintf("pages[%d].browsers", i), p.Browsers); err != nil {
			return err
		}
		if len(p.Browsers) == 0 && len(m.Browsers) == 0 {
			return invalid("pages[%d] %q has no browsers", i, p.Path)
		}
		if p.Flake != nil {
			if err := p.Flake.Apply(orchestrator.FlakeConfig{}).Validate(); err != nil {
				return invalid("pages[%d].flake: %v", i, err)
			}
		}
	}
	if m.Flake != nil {
		if err := m.Flake.Apply(orchestrator.FlakeConfig{}).Validate(); err != nil {
			return invalid("flake: %v", err)
		}
	}
	return nil
}

// URL resolves a page path against the base URL.
func (m *Manifest) URL(pagePath string) (string, error) {
	base, err := url.Parse(m.BaseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(pagePath)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func validateBrowsers(field string, aliases []string) error {
	seen := make(map[string]struct{}, len(aliases))
	for _, alias := range aliases {
		if alias == "" {
			return invalid("%s contains an empty alias", field)
		}
		if _, dup := seen[alias]; dup {
			return invalid("%s lists %q twice", field, alias)
		}
		seen[alias] = struct{}{}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return shoterrors.Newf(shoterrors.ErrCodeConfigInvalid, format, args...)
}
