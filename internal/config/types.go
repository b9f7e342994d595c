package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retention RetentionConfig `json:"retention"`
	Storage   StorageConfig   `json:"storage"`
	Provider  ProviderConfig  `json:"provider"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the polling loop.
//
// All durations are Go duration strings (e.g. "30s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - window: "5m" (tolerance on each side of a schedule's HH:MM)
//   - timezone: local time of the host
//   - refire_guard: true
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	Window   string `json:"window,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// RefireGuard skips a schedule whose last_run already falls inside the
	// current firing window. Pointer so an explicit false is kept.
	RefireGuard *bool `json:"refire_guard,omitempty"`
}

// RetentionConfig holds the defaults used by cleanup requests that carry no
// policy of their own, and by the optional periodic cleanup.
//
// Example:
//
//	"retention": { "default_days": 30, "cron": "30 3 * * *", "volume_policies": { "vol-a": 7 } }
type RetentionConfig struct {
	DefaultDays int `json:"default_days,omitempty"`
	// Cron is a standard 5-field cron spec. Empty disables periodic cleanup.
	Cron           string         `json:"cron,omitempty"`
	VolumePolicies map[string]int `json:"volume_policies,omitempty"`
}

// StorageConfig controls where schedules and run history are kept.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/backupd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxRuns     int    `json:"max_runs,omitempty"`
}

// ProviderConfig holds the OpenStack credentials and client tuning.
//
// Credentials can be left out of the file and supplied through the usual
// OS_* environment variables (or a .env file next to the config).
type ProviderConfig struct {
	AuthURL           string `json:"auth_url"`
	Username          string `json:"username"`
	Password          string `json:"password"` // never logged
	ProjectName       string `json:"project_name"`
	UserDomainName    string `json:"user_domain_name,omitempty"`
	ProjectDomainName string `json:"project_domain_name,omitempty"`
	Region            string `json:"region,omitempty"`
	// ServiceType is the catalog type of the volume API, volumev3 by default.
	ServiceType  string  `json:"service_type,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	RetryMaxTime string  `json:"retry_max_time,omitempty"`
	Insecure     bool    `json:"insecure,omitempty"`
}

// HTTPConfig controls the JSON API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same auth.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// RefireGuardEnabled resolves the guard default.
func (s SchedulerConfig) RefireGuardEnabled() bool {
	return s.RefireGuard == nil || *s.RefireGuard
}
