package provider

import (
	"errors"
	"strings"
	"time"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultRatePerSec   = 10
	DefaultRetryMaxTime = 2 * time.Minute
	DefaultDomainName   = "Default"
	DefaultRegion       = "RegionOne"
	DefaultServiceType  = "volumev3"
)

type Config struct {
	AuthURL           string
	Username          string
	Password          string
	ProjectName       string
	UserDomainName    string
	ProjectDomainName string

	// Region picks the catalog endpoints. It matches an endpoint region when
	// it equals or ends with it.
	Region string
	// ServiceType is the catalog type of the block storage v3 API.
	ServiceType string

	Timeout      time.Duration
	RatePerSec   float64
	RetryMaxTime time.Duration
	Insecure     bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.RetryMaxTime < 0 {
		c.RetryMaxTime = 0
	}
	if strings.TrimSpace(c.UserDomainName) == "" {
		c.UserDomainName = DefaultDomainName
	}
	if strings.TrimSpace(c.ProjectDomainName) == "" {
		c.ProjectDomainName = DefaultDomainName
	}
	if c.Region = strings.TrimSpace(c.Region); c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.ServiceType = strings.TrimSpace(c.ServiceType); c.ServiceType == "" {
		c.ServiceType = DefaultServiceType
	}
	c.AuthURL = strings.TrimRight(strings.TrimSpace(c.AuthURL), "/")
	return c
}

func (c Config) Validate() error {
	if c.AuthURL == "" {
		return errors.New("provider.auth_url is required")
	}
	if c.Username == "" || c.Password == "" {
		return errors.New("provider.username and provider.password are required")
	}
	if c.ProjectName == "" {
		return errors.New("provider.project_name is required")
	}
	return nil
}
