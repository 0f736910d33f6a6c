package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and are chosen so the engine runs with
// no config file at all.
const (
	defaultMode                = "push"
	defaultLoopCeiling         = 100
	defaultFastCycleThreshold  = "16ms"
	defaultFastCyclePasses     = 20
	defaultDiagnosticsBuffer   = 64
	defaultAutoMinSamples      = 5
	defaultAutoCostThreshold   = "50ms"
	defaultDebounceCap         = "200ms"
	defaultRetention           = "720h"
	defaultMaintenanceInterval = "5m"
	defaultRemoteTimeout       = "30s"
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: defaultSchedulerConfig(),
		Debounce:  defaultDebounceConfig(),
		Store:     defaultStoreConfig(),
		Remote:    defaultRemoteConfig(),
		Logging:   defaultLoggingConfig(),
	}
}

func defaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Mode:               defaultMode,
		LoopCeiling:        defaultLoopCeiling,
		FastCycleThreshold: defaultFastCycleThreshold,
		FastCyclePasses:    defaultFastCyclePasses,
		DiagnosticsBuffer:  defaultDiagnosticsBuffer,
	}
}

func defaultDebounceConfig() DebounceConfig {
	return DebounceConfig{
		AutoMinSamples:    defaultAutoMinSamples,
		AutoCostThreshold: defaultAutoCostThreshold,
		Cap:               defaultDebounceCap,
	}
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		Retention:           defaultRetention,
		MaintenanceInterval: defaultMaintenanceInterval,
	}
}

func defaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout:   defaultRemoteTimeout,
		Websocket: true,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
