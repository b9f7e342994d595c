package config

import (
	logx "backupd/pkg/logx"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like the
// provider password or the http token), and (3) the volumes whose retention
// policy changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler (loop)
	oSc, nSc := oldCfg.Scheduler, newCfg.Scheduler
	if oSc.Enabled != nSc.Enabled ||
		strings.TrimSpace(oSc.Interval) != strings.TrimSpace(nSc.Interval) ||
		strings.TrimSpace(oSc.Window) != strings.TrimSpace(nSc.Window) ||
		strings.TrimSpace(oSc.Timezone) != strings.TrimSpace(nSc.Timezone) ||
		oSc.RefireGuardEnabled() != nSc.RefireGuardEnabled() {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", nSc.Enabled),
			logx.String("scheduler.interval", strings.TrimSpace(nSc.Interval)),
			logx.String("scheduler.window", strings.TrimSpace(nSc.Window)),
			logx.String("scheduler.timezone", strings.TrimSpace(nSc.Timezone)),
			logx.Bool("scheduler.refire_guard", nSc.RefireGuardEnabled()),
		)
	}

	// Retention
	volChanged := diffPolicies(oldCfg.Retention.VolumePolicies, newCfg.Retention.VolumePolicies)
	if oldCfg.Retention.DefaultDays != newCfg.Retention.DefaultDays ||
		strings.TrimSpace(oldCfg.Retention.Cron) != strings.TrimSpace(newCfg.Retention.Cron) ||
		len(volChanged) > 0 {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Int("retention.default_days", newCfg.Retention.DefaultDays),
			logx.String("retention.cron", strings.TrimSpace(newCfg.Retention.Cron)),
			logx.Int("retention.volume_policies", len(newCfg.Retention.VolumePolicies)),
			logx.Int("retention.volume_policies_changed", len(volChanged)),
		)
	}

	// Storage (persistence; restart required)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxRuns != nS.MaxRuns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Provider (never log password)
	oP, nP := oldCfg.Provider, newCfg.Provider
	oPass, nPass := oP.Password, nP.Password
	oP.Password, nP.Password = "", ""
	if oP != nP || oPass != nPass {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.auth_url", strings.TrimSpace(nP.AuthURL)),
			logx.String("provider.project", strings.TrimSpace(nP.ProjectName)),
			logx.String("provider.region", strings.TrimSpace(nP.Region)),
			logx.Bool("provider.password_changed", oPass != nPass),
		)
	}

	// HTTP (never log token)
	oH, nH := oldCfg.HTTP, newCfg.HTTP
	if oH.Enabled != nH.Enabled ||
		strings.TrimSpace(oH.Addr) != strings.TrimSpace(nH.Addr) ||
		oH.AllowInsecure != nH.AllowInsecure ||
		oH.Pprof != nH.Pprof ||
		strings.TrimSpace(oH.ReadTimeout) != strings.TrimSpace(nH.ReadTimeout) ||
		strings.TrimSpace(oH.WriteTimeout) != strings.TrimSpace(nH.WriteTimeout) ||
		strings.TrimSpace(oH.IdleTimeout) != strings.TrimSpace(nH.IdleTimeout) ||
		strings.TrimSpace(oH.Token) != strings.TrimSpace(nH.Token) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nH.Token) != ""),
			logx.Bool("http.allow_insecure", nH.AllowInsecure),
			logx.Bool("http.pprof", nH.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, volChanged
}

func diffPolicies(oldM, newM map[string]int) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for vol := range set {
		o, oOK := oldM[vol]
		n, nOK := newM[vol]
		if oOK != nOK || o != n {
			out = append(out, vol)
		}
	}
	sort.Strings(out)
	return out
}
