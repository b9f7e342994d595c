package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks field formats that do not depend on any component.
// Component-specific mapping (storage driver, cron spec, listen address)
// happens where the component is built.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("scheduler.interval", cfg.Scheduler.Interval)
	check("scheduler.window", cfg.Scheduler.Window)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if cfg.Retention.DefaultDays < 0 {
		errs = append(errs, fmt.Errorf("retention.default_days must be >= 0"))
	}
	for vol, days := range cfg.Retention.VolumePolicies {
		if strings.TrimSpace(vol) == "" {
			errs = append(errs, fmt.Errorf("retention.volume_policies: empty volume id"))
			continue
		}
		if days < 1 {
			errs = append(errs, fmt.Errorf("retention.volume_policies[%s] must be >= 1", vol))
		}
	}

	check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.MaxRuns < 0 {
		errs = append(errs, fmt.Errorf("storage.max_runs must be >= 0"))
	}

	check("provider.timeout", cfg.Provider.Timeout)
	check("provider.retry_max_time", cfg.Provider.RetryMaxTime)

	check("http.read_timeout", cfg.HTTP.ReadTimeout)
	check("http.write_timeout", cfg.HTTP.WriteTimeout)
	check("http.idle_timeout", cfg.HTTP.IdleTimeout)

	return errors.Join(errs...)
}
