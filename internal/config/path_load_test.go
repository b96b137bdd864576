package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePathPrecedence(t *testing.T) {
	explicit := "/tmp/custom.jsonc"
	resolved, err := ResolvePath(explicit)
	require.NoError(t, err)
	require.Equal(t, explicit, resolved)

	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(xdg, "cocktail-robot", "config.jsonc"), resolved)

	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "cocktail-robot", "config.jsonc"), resolved)
}

func TestLoadMissingConfigUsesDefaultsWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.jsonc")

	loaded, err := load(path, map[string]string{})
	require.NoError(t, err)
	require.Equal(t, path, loaded.Path)
	require.False(t, loaded.Exists)
	require.Equal(t, Default(), loaded.Config)
	require.NotEmpty(t, loaded.Warnings)
	require.Contains(t, loaded.Warnings[0].Message, "not found")
}

func TestLoadExistingJSONCParsesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	contents := `
{
  "control": {"addr": "127.0.0.1:2345"},
  "scale": {
    "port": "/dev/ttyACM0",
    "baud": 9600,
  },
}
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	loaded, err := load(path, map[string]string{})
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.Equal(t, "127.0.0.1:2345", loaded.Config.Control.Addr)
	require.Equal(t, "/dev/ttyACM0", loaded.Config.Scale.Port)
	require.Equal(t, 9600, loaded.Config.Scale.Baud)
}

func TestLoadParseErrorIncludesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonc")
	require.NoError(t, os.WriteFile(path, []byte("{ not-json }"), 0o600))

	_, err := load(path, map[string]string{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
	require.Contains(t, err.Error(), path)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"scale": {"backend": "serial", "port": "/dev/ttyUSB1"}}`), 0o600))

	loaded, err := load(path, map[string]string{
		"COCKTAIL_SCALE_BACKEND":   "SIMULATED",
		"COCKTAIL_HEALTH_ADDR":     "127.0.0.1:9999",
		"COCKTAIL_CONTROL_ADDR":    "127.0.0.1:4000",
		"COCKTAIL_DISPLAY_BACKEND": "log",
	})
	require.NoError(t, err)
	require.Equal(t, ScaleBackendSimulated, loaded.Config.Scale.Backend)
	require.Equal(t, "/dev/ttyUSB1", loaded.Config.Scale.Port)
	require.Equal(t, "127.0.0.1:9999", loaded.Config.Health.Addr)
	require.Equal(t, "127.0.0.1:4000", loaded.Config.Control.Addr)
	require.Equal(t, DisplayBackendLog, loaded.Config.Display.Backend)
}

func TestLoadRejectsInvalidEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.jsonc")

	_, err := load(path, map[string]string{"COCKTAIL_AUDIO_ADDR": ":2345"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must differ")
}

func TestLoadReadsProcessEnvironment(t *testing.T) {
	t.Setenv("COCKTAIL_SCALE_PORT", "/dev/ttyS3")

	loaded, err := Load(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyS3", loaded.Config.Scale.Port)
}
