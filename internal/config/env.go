package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/subosito/gotenv"
)

// envOverrides maps the standard OpenStack variables onto provider fields.
// A set, non-empty variable wins over the file value.
var envOverrides = []struct {
	key string
	set func(p *ProviderConfig, v string)
}{
	{"OS_AUTH_URL", func(p *ProviderConfig, v string) { p.AuthURL = v }},
	{"OS_USERNAME", func(p *ProviderConfig, v string) { p.Username = v }},
	{"OS_PASSWORD", func(p *ProviderConfig, v string) { p.Password = v }},
	{"OS_PROJECT_NAME", func(p *ProviderConfig, v string) { p.ProjectName = v }},
	{"OS_USER_DOMAIN_NAME", func(p *ProviderConfig, v string) { p.UserDomainName = v }},
	{"OS_PROJECT_DOMAIN_NAME", func(p *ProviderConfig, v string) { p.ProjectDomainName = v }},
	{"OS_REGION_NAME", func(p *ProviderConfig, v string) { p.Region = v }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	for _, o := range envOverrides {
		if v, ok := lookup(o.key); ok && strings.TrimSpace(v) != "" {
			o.set(&cfg.Provider, strings.TrimSpace(v))
		}
	}
}

// loadDotEnv reads a .env file next to the config file into the process
// environment. Variables already set are left alone.
func loadDotEnv(configPath string) {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(p); err != nil {
		return
	}
	_ = gotenv.Load(p)
}
