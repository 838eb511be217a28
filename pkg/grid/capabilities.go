package grid

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/shotdiff/pkg/config"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// Capabilities is a W3C desired-capabilities map.
type Capabilities map[string]any

// BrowserSpec is the decoded form of an alias such as
// desktop_windows_chrome@latest.
type BrowserSpec struct {
	Alias      string `json:"alias"`
	FormFactor string `json:"form_factor"`
	OS         string `json:"os"`
	Browser    string `json:"browser"`
	Version    string `json:"version"`
}

var platformNames = map[string]string{
	"windows": "Windows 10",
	"mac":     "Mac OSX 10.14",
	"linux":   "Linux",
}

var browserNames = map[string]string{
	"chrome":  "chrome",
	"firefox": "firefox",
	"safari":  "safari",
	"edge":    "MicrosoftEdge",
	"ie":      "internet explorer",
}

// ParseAlias decodes <form_factor>_<os>_<browser>@<version>.
func ParseAlias(alias string) (BrowserSpec, error) {
	alias = strings.TrimSpace(alias)
	name, version, ok := strings.Cut(alias, "@")
	if !ok || version == "" {
		return BrowserSpec{}, invalidAlias(alias, "missing @version")
	}
	parts := strings.Split(name, "_")
	if len(parts) != 3 {
		return BrowserSpec{}, invalidAlias(alias, "expected form_factor_os_browser")
	}
	for _, p := range parts {
		if p == "" {
			return BrowserSpec{}, invalidAlias(alias, "empty alias segment")
		}
	}
	return BrowserSpec{
		Alias:      alias,
		FormFactor: strings.ToLower(parts[0]),
		OS:         strings.ToLower(parts[1]),
		Browser:    strings.ToLower(parts[2]),
		Version:    version,
	}, nil
}

func invalidAlias(alias, reason string) error {
	return shoterrors.New(shoterrors.ErrCodeInvalidInput, fmt.Sprintf("invalid browser alias: %s", reason)).
		WithContext("alias", alias)
}

// CapabilitiesFor maps an alias to its vendor/version/OS triple. Entries in
// overrides win over the derived values field by field.
func CapabilitiesFor(alias string, overrides map[string]config.BrowserCapability) (Capabilities, error) {
	spec, err := ParseAlias(alias)
	if err != nil {
		return nil, err
	}

	browserName := browserNames[spec.Browser]
	if browserName == "" {
		browserName = spec.Browser
	}
	platform := platformNames[spec.OS]
	if platform == "" {
		platform = spec.OS
	}
	version := spec.Version

	if o, ok := overrides[alias]; ok {
		if o.BrowserName != "" {
			browserName = o.BrowserName
		}
		if o.Version != "" {
			version = o.Version
		}
		if o.Platform != "" {
			platform = o.Platform
		}
	}

	return Capabilities{
		"browserName":    browserName,
		"browserVersion": version,
		"platformName":   platform,
		"cbt:options": map[string]any{
			"name":         alias,
			"record_video": false,
		},
	}, nil
}

// String renders capabilities deterministically for logs.
func (c Capabilities) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s=%v", k, c[k])
	}
	return sb.String()
}
