// Package iam provides a cache-aside facade over an external identity provider
// together with a composite role/permission engine.
//
// The root package holds the shared model: users, roles, permissions, token
// validations, the error taxonomy and the collaborator interfaces. Concrete
// components live in sub-packages and are wired together explicitly:
//
//	cfg, err := iam.LoadConfig()
//	idp, err := provider.NewFromConfig(cfg)
//	svc, err := auth.New(cfg, idp, repository.NewMemory())
//	err = svc.ReloadRoles(ctx)
//	user, err := svc.Login(ctx, "alice", secret)
package iam

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds connection and behavior configuration.
type Config struct {
	// CacheTTL controls how long users, token validations and user contexts
	// are cached locally. Default: 5 minutes.
	CacheTTL time.Duration `envconfig:"CACHE_TTL" yaml:"cache_ttl"`

	// CacheMaxEntries bounds the in-memory cache. Default: 10000.
	CacheMaxEntries int `envconfig:"CACHE_MAX_ENTRIES" yaml:"cache_max_entries"`

	// ProviderTimeout bounds every call into the identity provider. Default: 5 seconds.
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" yaml:"provider_timeout"`

	// ProviderEndpoint is the base URL of the identity provider realm.
	// Example: "https://auth.example.com/realms/grid"
	ProviderEndpoint string `envconfig:"PROVIDER_ENDPOINT" yaml:"provider_endpoint"`

	// ClientID and ClientSecret are the provider credentials used for
	// password grants and the admin role lookup.
	ClientID     string `envconfig:"CLIENT_ID" yaml:"client_id"`
	ClientSecret string `envconfig:"CLIENT_SECRET" yaml:"client_secret"`

	// JWKSUrl enables local token verification instead of introspection.
	JWKSUrl string `envconfig:"JWKS_URL" yaml:"jwks_url"`

	// RedisAddr selects the Redis cache backend when set.
	RedisAddr string `envconfig:"REDIS_ADDR" yaml:"redis_addr"`

	// DatabaseDSN selects the Postgres role repository when set.
	DatabaseDSN string `envconfig:"DATABASE_DSN" yaml:"database_dsn"`

	LogFormat      string `envconfig:"LOG_FORMAT" yaml:"log_format"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" yaml:"metrics_enabled"`
}

// Defaults.
const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultProviderTimeout = 5 * time.Second
	DefaultCacheMaxEntries = 10000
)

// EnvPrefix is the prefix of every environment variable read by LoadConfig.
const EnvPrefix = "IAM"

// LoadConfig reads configuration from IAM_* environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("iam: load config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile reads a YAML file and then lets IAM_* environment variables
// override individual fields.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("iam: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("iam: parse config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("iam: load config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = DefaultCacheMaxEntries
	}
}

// Validate rejects configurations that would make every provider call fail.
// These are startup errors, never request-time errors.
func (c *Config) Validate() error {
	if c.ProviderEndpoint == "" {
		return &ValidationError{Entity: "config", Field: "provider_endpoint", Reason: "required"}
	}
	u, err := url.Parse(c.ProviderEndpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{Entity: "config", Field: "provider_endpoint", Reason: "must be an absolute http(s) URL"}
	}
	if c.CacheTTL < 0 {
		return &ValidationError{Entity: "config", Field: "cache_ttl", Reason: "must not be negative"}
	}
	if c.ProviderTimeout < 0 {
		return &ValidationError{Entity: "config", Field: "provider_timeout", Reason: "must not be negative"}
	}
	return nil
}
