package app

import (
	"backupd/internal/api"
	"backupd/internal/backup"
	"backupd/internal/config"
	"backupd/internal/provider"
	"backupd/internal/storage"
	logx "backupd/pkg/logx"
	"fmt"
	"strings"
	"time"
)

const (
	defaultStoragePath = "./data/backupd.json"
	defaultSQLitePath  = "./data/backupd.db"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)

	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path, MaxRuns: sc.MaxRuns}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, MaxRuns: sc.MaxRuns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapProviderConfig(cfg *config.Config) (provider.Config, error) {
	pc := cfg.Provider
	timeout, err := config.ParseDurationOrDefault("provider.timeout", pc.Timeout, provider.DefaultTimeout)
	if err != nil {
		return provider.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("provider.retry_max_time", pc.RetryMaxTime, provider.DefaultRetryMaxTime)
	if err != nil {
		return provider.Config{}, err
	}
	return provider.Config{
		AuthURL:           pc.AuthURL,
		Username:          pc.Username,
		Password:          pc.Password,
		ProjectName:       pc.ProjectName,
		UserDomainName:    pc.UserDomainName,
		ProjectDomainName: pc.ProjectDomainName,
		Region:            pc.Region,
		ServiceType:       pc.ServiceType,
		Timeout:           timeout,
		RatePerSec:        pc.RatePerSec,
		RetryMaxTime:      retryMax,
		Insecure:          pc.Insecure,
	}, nil
}

// mapAPIConfig returns the server config and whether the API is enabled.
func mapAPIConfig(cfg *config.Config) (api.Config, bool, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, false, err
	}
	// Manual backups and cleanups answer only after the provider calls finish.
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 10*time.Minute)
	if err != nil {
		return api.Config{}, false, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return api.Config{}, false, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	return api.Config{
		Addr:          addr,
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, hc.Enabled, nil
}

// schedulerSettings is the resolved scheduler section.
type schedulerSettings struct {
	Enabled  bool
	Loop     backup.LoopConfig
	Window   time.Duration
	Location *time.Location
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	interval, err := config.ParseDurationOrDefault("scheduler.interval", sc.Interval, backup.DefaultInterval)
	if err != nil {
		return schedulerSettings{}, err
	}
	window, err := config.ParseDurationOrDefault("scheduler.window", sc.Window, backup.DefaultWindow)
	if err != nil {
		return schedulerSettings{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return schedulerSettings{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return schedulerSettings{
		Enabled: sc.Enabled,
		Loop: backup.LoopConfig{
			Interval:    interval,
			RefireGuard: sc.RefireGuardEnabled(),
		},
		Window:   window,
		Location: loc,
	}, nil
}

// mapRetentionPolicy builds the policy used by cleanups that bring none.
func mapRetentionPolicy(cfg *config.Config) backup.Policy {
	p := backup.Policy{RetentionDays: cfg.Retention.DefaultDays}
	if p.RetentionDays <= 0 {
		p.RetentionDays = backup.DefaultRetentionDays
	}
	if len(cfg.Retention.VolumePolicies) > 0 {
		p.VolumeDays = make(map[string]int, len(cfg.Retention.VolumePolicies))
		for vol, days := range cfg.Retention.VolumePolicies {
			p.VolumeDays[strings.TrimSpace(vol)] = days
		}
	}
	return p
}
