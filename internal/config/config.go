// Package config loads idmirror configuration from an optional YAML file and
// environment variables. Environment variables override YAML values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"idmirror/internal/domain"
)

// Config is the root configuration.
type Config struct {
	Addr    string        `yaml:"addr" env:"ADDR"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Paging  PagingConfig  `yaml:"paging" envPrefix:"PAGING_"`
	Jobs    JobsConfig    `yaml:"jobs" envPrefix:"JOBS_"`
	Legacy  LegacyConfig  `yaml:"legacy" envPrefix:"LEGACY_"`

	PingFederate PingFederateConfig `yaml:"pingfederate" envPrefix:"PINGFED_"`
	ServiceNow   ServiceNowConfig   `yaml:"servicenow" envPrefix:"SERVICENOW_"`
}

// HTTPConfig tunes the REST surface. A zero rate disables that limiter.
// The job limiter applies to POST aggregate and purge only.
type HTTPConfig struct {
	RateLimitRPS      float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	JobRateLimitRPS   float64       `yaml:"job_rate_limit_rps" env:"JOB_RATE_LIMIT_RPS"`
	JobRateLimitBurst int           `yaml:"job_rate_limit_burst" env:"JOB_RATE_LIMIT_BURST"`
	TrustedProxies    string        `yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// StorageConfig selects the mirror backend. Driver is one of memory, sqlite,
// postgres; the binary must be built with the matching tag.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// PagingConfig bounds list and search page sizes.
type PagingConfig struct {
	DefaultPageSize int `yaml:"default_page_size" env:"DEFAULT_PAGE_SIZE"`
	MaxPageSize     int `yaml:"max_page_size" env:"MAX_PAGE_SIZE"`
}

// JobsConfig sizes the worker pool and the scheduled aggregation intervals.
// A zero interval disables scheduling for that category.
type JobsConfig struct {
	Workers       int            `yaml:"workers" env:"WORKERS"`
	QueueCapacity int            `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	Schedule      ScheduleConfig `yaml:"schedule" envPrefix:"SCHEDULE_"`
}

// ScheduleConfig holds one aggregation interval per category.
type ScheduleConfig struct {
	SAML         time.Duration `yaml:"saml" env:"SAML"`
	OIDC         time.Duration `yaml:"oidc" env:"OIDC"`
	Legacy       time.Duration `yaml:"legacy" env:"LEGACY"`
	Applications time.Duration `yaml:"applications" env:"APPLICATIONS"`
	Users        time.Duration `yaml:"users" env:"USERS"`
}

// Intervals returns the non-zero intervals keyed by category.
func (s ScheduleConfig) Intervals() map[domain.Category]time.Duration {
	out := make(map[domain.Category]time.Duration)
	for cat, d := range map[domain.Category]time.Duration{
		domain.CategorySAML:         s.SAML,
		domain.CategoryOIDC:         s.OIDC,
		domain.CategoryLegacy:       s.Legacy,
		domain.CategoryApplications: s.Applications,
		domain.CategoryUsers:        s.Users,
	} {
		if d > 0 {
			out[cat] = d
		}
	}
	return out
}

// LegacyConfig tunes the merged legacy projection.
type LegacyConfig struct {
	DefaultIssuanceCriteria string `yaml:"default_issuance_criteria" env:"DEFAULT_ISSUANCE_CRITERIA"`
}

// UpstreamConfig is shared by both upstream connectors.
type UpstreamConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Username   string        `yaml:"username" env:"USERNAME"`
	Password   string        `yaml:"password" env:"PASSWORD"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RateLimit  float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst  int           `yaml:"rate_burst" env:"RATE_BURST"`
}

// PingFederateConfig points at the identity-provider administration API.
type PingFederateConfig struct {
	UpstreamConfig   `yaml:",inline"`
	SAMLPath         string `yaml:"saml_path" env:"SAML_PATH"`
	OIDCClientsPath  string `yaml:"oidc_clients_path" env:"OIDC_CLIENTS_PATH"`
	OIDCPoliciesPath string `yaml:"oidc_policies_path" env:"OIDC_POLICIES_PATH"`
	DefaultPolicyID  string `yaml:"default_policy_id" env:"DEFAULT_POLICY_ID"`
}

// ServiceNowConfig points at the IT service-management Table API. When
// ClientID is set, OAuth2 client credentials replace basic auth.
type ServiceNowConfig struct {
	UpstreamConfig   `yaml:",inline"`
	ClientID         string `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret     string `yaml:"client_secret" env:"CLIENT_SECRET"`
	TokenURL         string `yaml:"token_url" env:"TOKEN_URL"`
	ApplicationsPath string `yaml:"applications_path" env:"APPLICATIONS_PATH"`
	UsersPath        string `yaml:"users_path" env:"USERS_PATH"`
	PageSize         int    `yaml:"page_size" env:"PAGE_SIZE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr: ":8080",
		HTTP: HTTPConfig{
			RateLimitRPS:      100,
			RateLimitBurst:    200,
			JobRateLimitRPS:   0.2,
			JobRateLimitBurst: 5,
			ShutdownTimeout:   15 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Driver: "memory"},
		Paging: PagingConfig{
			DefaultPageSize: domain.DefaultPageSize,
			MaxPageSize:     domain.MaxPageSize,
		},
		Jobs:   JobsConfig{Workers: 2, QueueCapacity: 64},
		Legacy: LegacyConfig{DefaultIssuanceCriteria: "No issuance criteria"},
		PingFederate: PingFederateConfig{
			UpstreamConfig:   defaultUpstream(),
			SAMLPath:         "/pf-admin-api/v1/idp/spConnections",
			OIDCClientsPath:  "/pf-admin-api/v1/oauth/clients",
			OIDCPoliciesPath: "/pf-admin-api/v1/oauth/openIdConnect/policies",
		},
		ServiceNow: ServiceNowConfig{
			UpstreamConfig:   defaultUpstream(),
			ApplicationsPath: "/api/now/table/cmdb_ci_business_app",
			UsersPath:        "/api/now/table/sys_user",
			PageSize:         100,
		},
	}
}

func defaultUpstream() UpstreamConfig {
	return UpstreamConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RateLimit:  10,
		RateBurst:  5,
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty), then IDMIRROR_-prefixed environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "IDMIRROR_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Paging.MaxPageSize < 1 {
		return errors.New("paging.max_page_size must be at least 1")
	}
	if c.Paging.DefaultPageSize < 1 || c.Paging.DefaultPageSize > c.Paging.MaxPageSize {
		return fmt.Errorf("paging.default_page_size must be between 1 and %d", c.Paging.MaxPageSize)
	}
	if c.Jobs.Workers < 1 {
		return errors.New("jobs.workers must be at least 1")
	}
	if c.Jobs.QueueCapacity < 1 {
		return errors.New("jobs.queue_capacity must be at least 1")
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 ||
		c.HTTP.JobRateLimitRPS < 0 || c.HTTP.JobRateLimitBurst < 0 {
		return errors.New("http rate limit values must not be negative")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http.shutdown_timeout must be positive")
	}
	s := c.Jobs.Schedule
	for _, d := range []time.Duration{s.SAML, s.OIDC, s.Legacy, s.Applications, s.Users} {
		if d < 0 {
			return errors.New("jobs.schedule intervals must not be negative")
		}
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver)
	}
	return nil
}
