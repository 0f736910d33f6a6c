package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minLoopCeiling     = 1
	minFastCyclePasses = 1
	minAutoSamples     = 1
	minMaintenance     = 10 * time.Second
	minRemoteTimeout   = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateDebounce(&cfg.Debounce)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

var validModes = map[string]bool{
	"push": true,
	"pull": true,
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error

	if !validModes[s.Mode] {
		errs = append(errs, fmt.Errorf("mode: must be one of push, pull; got %q", s.Mode))
	}

	if s.LoopCeiling < minLoopCeiling {
		errs = append(errs, fmt.Errorf("loop_ceiling: must be >= %d, got %d",
			minLoopCeiling, s.LoopCeiling))
	}

	if s.FastCyclePasses < minFastCyclePasses {
		errs = append(errs, fmt.Errorf("fast_cycle_passes: must be >= %d, got %d",
			minFastCyclePasses, s.FastCyclePasses))
	}

	if s.DiagnosticsBuffer < 0 {
		errs = append(errs, fmt.Errorf("diagnostics_buffer: must be >= 0, got %d",
			s.DiagnosticsBuffer))
	}

	errs = append(errs, validateDurationNonNeg("fast_cycle_threshold", s.FastCycleThreshold)...)

	return errs
}

func validateDebounce(d *DebounceConfig) []error {
	var errs []error

	if d.AutoMinSamples < minAutoSamples {
		errs = append(errs, fmt.Errorf("auto_min_samples: must be >= %d, got %d",
			minAutoSamples, d.AutoMinSamples))
	}

	errs = append(errs, validateDurationNonNeg("auto_cost_threshold", d.AutoCostThreshold)...)
	errs = append(errs, validateDurationNonNeg("cap", d.Cap)...)

	return errs
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	errs = append(errs, validateDurationNonNeg("retention", s.Retention)...)
	errs = append(errs, validateDurationMin("maintenance_interval", s.MaintenanceInterval, minMaintenance)...)

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.URL != "" {
		errs = append(errs, validateRemoteURL(r.URL)...)
	}

	errs = append(errs, validateDurationMin("timeout", r.Timeout, minRemoteTimeout)...)

	for i, space := range r.Spaces {
		if strings.TrimSpace(space) == "" {
			errs = append(errs, fmt.Errorf("spaces[%d]: must not be empty", i))
		}
	}

	return errs
}

func validateRemoteURL(raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("url: invalid URL %q: %w", raw, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("url: scheme must be http or https, got %q", raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("url: missing host in %q", raw)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
