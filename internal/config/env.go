package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "EDDY_CONFIG"
	EnvRemoteURL = "EDDY_REMOTE_URL"
	EnvCachePath = "EDDY_CACHE_PATH"
)

// EnvOverrides holds values derived from environment variables.
// These sit between the config file and CLI flags in the override chain.
type EnvOverrides struct {
	ConfigPath string // EDDY_CONFIG: override config file path
	RemoteURL  string // EDDY_REMOTE_URL: override authority URL
	CachePath  string // EDDY_CACHE_PATH: override cache database path
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		RemoteURL:  os.Getenv(EnvRemoteURL),
		CachePath:  os.Getenv(EnvCachePath),
	}
}
