package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/shotdiff/pkg/config"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

func TestParseAlias(t *testing.T) {
	spec, err := ParseAlias("desktop_windows_chrome@latest")
	require.NoError(t, err)
	assert.Equal(t, BrowserSpec{
		Alias:      "desktop_windows_chrome@latest",
		FormFactor: "desktop",
		OS:         "windows",
		Browser:    "chrome",
		Version:    "latest",
	}, spec)
}

func TestParseAlias_Invalid(t *testing.T) {
	for _, alias := range []string{
		"",
		"desktop_windows_chrome",
		"desktop_windows_chrome@",
		"windows_chrome@latest",
		"desktop__chrome@70",
		"a_b_c_d@1",
	} {
		_, err := ParseAlias(alias)
		require.Error(t, err, alias)
		assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeInvalidInput), alias)
	}
}

func TestCapabilitiesFor(t *testing.T) {
	tests := []struct {
		alias    string
		browser  string
		platform string
		version  string
	}{
		{"desktop_windows_ie@11", "internet explorer", "Windows 10", "11"},
		{"desktop_windows_edge@latest", "MicrosoftEdge", "Windows 10", "latest"},
		{"desktop_mac_safari@12", "safari", "Mac OSX 10.14", "12"},
		{"desktop_linux_firefox@latest", "firefox", "Linux", "latest"},
		{"mobile_android_chrome@9", "chrome", "android", "9"},
	}
	for _, tt := range tests {
		caps, err := CapabilitiesFor(tt.alias, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.browser, caps["browserName"], tt.alias)
		assert.Equal(t, tt.platform, caps["platformName"], tt.alias)
		assert.Equal(t, tt.version, caps["browserVersion"], tt.alias)
	}
}

func TestCapabilitiesFor_Overrides(t *testing.T) {
	overrides := map[string]config.BrowserCapability{
		"desktop_windows_ie@11": {Platform: "Windows 7"},
	}
	caps, err := CapabilitiesFor("desktop_windows_ie@11", overrides)
	require.NoError(t, err)
	assert.Equal(t, "Windows 7", caps["platformName"])
	assert.Equal(t, "internet explorer", caps["browserName"])
}

func TestCapabilitiesString(t *testing.T) {
	caps := Capabilities{"b": 2, "a": 1}
	assert.Equal(t, "a=1 b=2", caps.String())
}
