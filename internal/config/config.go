// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for eddy. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags)
// and live reload of the config file while the daemon runs.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Duration-valued fields are stored as strings ("16ms", "5m") and parsed at
// the point of use after Validate has confirmed they are well formed.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Debounce  DebounceConfig  `toml:"debounce"`
	Store     StoreConfig     `toml:"store"`
	Remote    RemoteConfig    `toml:"remote"`
	Logging   LoggingConfig   `toml:"logging"`
}

// SchedulerConfig controls the reactive scheduler: propagation mode, the
// per-action loop ceiling, and cycle convergence limits.
type SchedulerConfig struct {
	Mode               string `toml:"mode"`
	LoopCeiling        int    `toml:"loop_ceiling"`
	FastCycleThreshold string `toml:"fast_cycle_threshold"`
	FastCyclePasses    int    `toml:"fast_cycle_passes"`
	DiagnosticsBuffer  int    `toml:"diagnostics_buffer"`
}

// DebounceConfig controls automatic debouncing of expensive actions.
// An action qualifies once it has run auto_min_samples times with an
// average cost above auto_cost_threshold; its debounce interval is
// derived from the average and never exceeds cap.
type DebounceConfig struct {
	AutoMinSamples    int    `toml:"auto_min_samples"`
	AutoCostThreshold string `toml:"auto_cost_threshold"`
	Cap               string `toml:"cap"`
}

// StoreConfig controls the persistent fact cache: where the SQLite file
// lives, how long unused entries are retained, and how often the daemon
// runs eviction and checkpoint maintenance.
type StoreConfig struct {
	CachePath           string `toml:"cache_path"`
	Retention           string `toml:"retention"`
	MaintenanceInterval string `toml:"maintenance_interval"`
}

// RemoteConfig controls the connection to the fact authority. An empty URL
// runs the engine in local-only mode with no remote tier. Spaces lists the
// fact spaces whose entities the daemon subscribes to for live updates.
type RemoteConfig struct {
	URL       string   `toml:"url"`
	Spaces    []string `toml:"spaces"`
	Timeout   string   `toml:"timeout"`
	Websocket bool     `toml:"websocket"`
}

// LoggingConfig controls log output behavior: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value" — --mode push is different from not
// passing --mode at all.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Mode       *string // --mode flag
	CachePath  *string // --cache flag
}
