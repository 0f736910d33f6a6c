package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
[scheduler]
mode = "pull"
loop_ceiling = 250
fast_cycle_threshold = "8ms"
fast_cycle_passes = 10
diagnostics_buffer = 128

[debounce]
auto_min_samples = 3
auto_cost_threshold = "25ms"
cap = "500ms"

[store]
cache_path = "/var/lib/eddy/facts.db"
retention = "168h"
maintenance_interval = "1m"

[remote]
url = "https://authority.example.com"
spaces = ["main", "staging"]
timeout = "10s"
websocket = false

[logging]
log_level = "debug"
log_format = "json"
`

	path := writeTestConfig(t, tomlContent)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pull", cfg.Scheduler.Mode)
	assert.Equal(t, 250, cfg.Scheduler.LoopCeiling)
	assert.Equal(t, "8ms", cfg.Scheduler.FastCycleThreshold)
	assert.Equal(t, 10, cfg.Scheduler.FastCyclePasses)
	assert.Equal(t, 128, cfg.Scheduler.DiagnosticsBuffer)

	assert.Equal(t, 3, cfg.Debounce.AutoMinSamples)
	assert.Equal(t, "25ms", cfg.Debounce.AutoCostThreshold)
	assert.Equal(t, "500ms", cfg.Debounce.Cap)

	assert.Equal(t, "/var/lib/eddy/facts.db", cfg.Store.CachePath)
	assert.Equal(t, "168h", cfg.Store.Retention)
	assert.Equal(t, "1m", cfg.Store.MaintenanceInterval)

	assert.Equal(t, "https://authority.example.com", cfg.Remote.URL)
	assert.Equal(t, []string{"main", "staging"}, cfg.Remote.Spaces)
	assert.Equal(t, "10s", cfg.Remote.Timeout)
	assert.False(t, cfg.Remote.Websocket)

	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
}

func TestLoad_MinimalConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "push", cfg.Scheduler.Mode)
	assert.Equal(t, 100, cfg.Scheduler.LoopCeiling)
	assert.Equal(t, "16ms", cfg.Scheduler.FastCycleThreshold)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.True(t, cfg.Remote.Websocket)
}

func TestLoad_PartialConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[logging]
log_level = "warn"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)
	assert.Equal(t, 100, cfg.Scheduler.LoopCeiling)
	assert.Equal(t, "720h", cfg.Store.Retention)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `[scheduler
not valid toml`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	require.Error(t, err)
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, `
[scheduler]
loop_ceiling = 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoad_UnknownKey_Suggestion(t *testing.T) {
	path := writeTestConfig(t, `
[scheduler]
loop_cieling = 50
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.Contains(t, err.Error(), "scheduler.loop_ceiling")
}

func TestLoadOrDefault_FileExists(t *testing.T) {
	path := writeTestConfig(t, `
[logging]
log_level = "debug"
`)
	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoadOrDefault_FileNotFound(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.toml")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "push", cfg.Scheduler.Mode)
}

func TestResolvePath_Precedence(t *testing.T) {
	assert.Equal(t, "/cli/config.toml", ResolvePath(
		EnvOverrides{ConfigPath: "/env/config.toml"},
		CLIOverrides{ConfigPath: "/cli/config.toml"},
	))

	assert.Equal(t, "/env/config.toml", ResolvePath(
		EnvOverrides{ConfigPath: "/env/config.toml"},
		CLIOverrides{},
	))
}

func TestResolve_EnvOverrides(t *testing.T) {
	path := writeTestConfig(t, `
[remote]
url = "http://file.example.com"
`)
	cfg, err := Resolve(
		EnvOverrides{ConfigPath: path, RemoteURL: "http://env.example.com", CachePath: "/env/facts.db"},
		CLIOverrides{},
	)
	require.NoError(t, err)
	assert.Equal(t, "http://env.example.com", cfg.Remote.URL)
	assert.Equal(t, "/env/facts.db", cfg.Store.CachePath)
}

func TestResolve_CLIOverridesEnv(t *testing.T) {
	path := writeTestConfig(t, "")
	mode := "pull"
	cachePath := "/cli/facts.db"
	cfg, err := Resolve(
		EnvOverrides{ConfigPath: path, CachePath: "/env/facts.db"},
		CLIOverrides{Mode: &mode, CachePath: &cachePath},
	)
	require.NoError(t, err)
	assert.Equal(t, "pull", cfg.Scheduler.Mode)
	assert.Equal(t, "/cli/facts.db", cfg.Store.CachePath)
}

func TestResolve_OverrideValidated(t *testing.T) {
	path := writeTestConfig(t, "")
	mode := "sideways"
	_, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{Mode: &mode},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestResolve_NoConfigFile_Defaults(t *testing.T) {
	cfg, err := Resolve(
		EnvOverrides{ConfigPath: "/nonexistent/config.toml"},
		CLIOverrides{},
	)
	require.NoError(t, err)
	assert.Equal(t, "push", cfg.Scheduler.Mode)
	assert.Empty(t, cfg.Remote.URL)
}

func TestResolve_InvalidConfigFile(t *testing.T) {
	path := writeTestConfig(t, `[not valid`)
	_, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{},
	)
	require.Error(t, err)
}
