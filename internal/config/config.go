// Package config handles TOML configuration parsing for the delivery
// service. It loads configuration from ds.toml, applies environment
// variable overrides (mostly DS_-prefixed, plus the unprefixed federation
// and auth variables read in applyEnvOverrides), validates required fields, and
// provides sane defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a delivery-service instance.
type Config struct {
	Instance   InstanceConfig   `toml:"instance"`
	Database   DatabaseConfig   `toml:"database"`
	NATS       NATSConfig       `toml:"nats"`
	Cache      CacheConfig      `toml:"cache"`
	HTTP       HTTPConfig       `toml:"http"`
	Federation FederationConfig `toml:"federation"`
	Auth       AuthConfig       `toml:"auth"`
	Logging    LoggingConfig    `toml:"logging"`
}

// InstanceConfig defines the identity of this delivery-service instance.
type InstanceConfig struct {
	// ServiceDID is this DS's own DID, used as `iss`/`aud` in service tokens.
	// Required when federation is enabled.
	ServiceDID string `toml:"service_did"`
	Domain     string `toml:"domain"`
	// SigningKeyPath is a PEM-encoded P-256 private key used to sign
	// outbound service tokens and ack responses. Generated on first run
	// and persisted here if the file does not yet exist.
	SigningKeyPath string `toml:"signing_key_path"`
	KeyID          string `toml:"key_id"`
}

// DatabaseConfig defines PostgreSQL connection settings.
type DatabaseConfig struct {
	URL            string `toml:"url"`
	MaxConnections int    `toml:"max_connections"`
}

// NATSConfig defines NATS message broker connection settings, used to fan
// conversation events out across DS processes behind a load balancer.
type NATSConfig struct {
	URL string `toml:"url"`
}

// CacheConfig defines Redis/Dragonfly connection settings, used by the
// fixed-window rate limit counters (key-package upload and recovery limits,
// per-peer caps).
type CacheConfig struct {
	URL string `toml:"url"`
}

// HTTPConfig defines the XRPC HTTP server settings.
type HTTPConfig struct {
	Listen string `toml:"listen"`
}

// FederationConfig defines the service-to-service federation behavior
// enumerated in spec §6.
type FederationConfig struct {
	EnforceLXM                bool     `toml:"enforce_lxm"`
	EnforceJTI                bool     `toml:"enforce_jti"`
	JTITTLSeconds             int      `toml:"jti_ttl_seconds"`
	OutboundHostAllowlist     []string `toml:"outbound_host_allowlist"`
	AllowInsecureHTTP         bool     `toml:"allow_insecure_http"` // dev only
	DNSTimeoutMS              int      `toml:"dns_timeout_ms"`
	DIDResolutionAllowlist    []string `toml:"did_resolution_host_allowlist"`
	DIDResolutionTimeoutSecs  int      `toml:"did_resolution_timeout_seconds"`
	DefaultDS                string   `toml:"default_ds"` // fallback sequencer/resolver target
	ResolverCacheTTLSeconds   int      `toml:"resolver_cache_ttl_seconds"`
}

// JTITTL returns the configured JTI TTL as a time.Duration.
func (f FederationConfig) JTITTL() time.Duration {
	return time.Duration(f.JTITTLSeconds) * time.Second
}

// DNSTimeout returns the configured DNS resolution timeout.
func (f FederationConfig) DNSTimeout() time.Duration {
	return time.Duration(f.DNSTimeoutMS) * time.Millisecond
}

// DIDResolutionTimeout returns the configured DID resolution timeout.
func (f FederationConfig) DIDResolutionTimeout() time.Duration {
	return time.Duration(f.DIDResolutionTimeoutSecs) * time.Second
}

// ResolverCacheTTL returns the configured resolver cache TTL.
func (f FederationConfig) ResolverCacheTTL() time.Duration {
	return time.Duration(f.ResolverCacheTTLSeconds) * time.Second
}

// AuthConfig defines request-authentication settings.
type AuthConfig struct {
	RequireIdempotency  bool `toml:"require_idempotency"`
	RateLimitPerSecond  int  `toml:"rate_limit_per_second"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Database: DatabaseConfig{
			URL:            "postgres://ds:ds@localhost:5432/ds?sslmode=disable",
			MaxConnections: 25,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Cache: CacheConfig{
			URL: "redis://localhost:6379",
		},
		HTTP: HTTPConfig{
			Listen: "0.0.0.0:8080",
		},
		Instance: InstanceConfig{
			SigningKeyPath: "ds_signing_key.pem",
			KeyID:          "ds-key-1",
		},
		Federation: FederationConfig{
			EnforceLXM:               true,
			EnforceJTI:               true,
			JTITTLSeconds:            120,
			DNSTimeoutMS:             3000,
			DIDResolutionTimeoutSecs: 10,
			ResolverCacheTTLSeconds:  300,
		},
		Auth: AuthConfig{
			RequireIdempotency: true,
			RateLimitPerSecond: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever was loaded from the TOML file (or the defaults). Most names carry
// the DS_ prefix; SERVICE_DID and the federation/auth variables do not.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVICE_DID"); v != "" {
		cfg.Instance.ServiceDID = v
	}
	if v := os.Getenv("DS_INSTANCE_DOMAIN"); v != "" {
		cfg.Instance.Domain = v
	}
	if v := os.Getenv("DS_SIGNING_KEY_PATH"); v != "" {
		cfg.Instance.SigningKeyPath = v
	}
	if v := os.Getenv("DS_KEY_ID"); v != "" {
		cfg.Instance.KeyID = v
	}
	if v := os.Getenv("DS_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DS_DATABASE_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxConnections = n
		}
	}
	if v := os.Getenv("DS_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("DS_CACHE_URL"); v != "" {
		cfg.Cache.URL = v
	}
	if v := os.Getenv("DS_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := os.Getenv("ENFORCE_LXM"); v != "" {
		cfg.Federation.EnforceLXM = v == "true" || v == "1"
	}
	if v := os.Getenv("ENFORCE_JTI"); v != "" {
		cfg.Federation.EnforceJTI = v == "true" || v == "1"
	}
	if v := os.Getenv("JTI_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Federation.JTITTLSeconds = n
		}
	}
	if v := os.Getenv("FEDERATION_OUTBOUND_HOST_ALLOWLIST"); v != "" {
		cfg.Federation.OutboundHostAllowlist = splitCSV(v)
	}
	if v := os.Getenv("FEDERATION_ALLOW_INSECURE_HTTP"); v != "" {
		cfg.Federation.AllowInsecureHTTP = v == "true" || v == "1"
	}
	if v := os.Getenv("FEDERATION_DNS_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Federation.DNSTimeoutMS = n
		}
	}
	if v := os.Getenv("DID_RESOLUTION_HOST_ALLOWLIST"); v != "" {
		cfg.Federation.DIDResolutionAllowlist = splitCSV(v)
	}
	if v := os.Getenv("DID_RESOLUTION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Federation.DIDResolutionTimeoutSecs = n
		}
	}
	if v := os.Getenv("AUTH_RATE_LIMIT_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.RateLimitPerSecond = n
		}
	}
	if v := os.Getenv("REQUIRE_IDEMPOTENCY"); v != "" {
		cfg.Auth.RequireIdempotency = v == "true" || v == "1"
	}
	if v := os.Getenv("DS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks that required configuration fields are present and valid.
func validate(cfg *Config) error {
	if cfg.Instance.ServiceDID == "" {
		return fmt.Errorf("config: instance.service_did is required")
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	if cfg.Database.MaxConnections < 1 {
		return fmt.Errorf("config: database.max_connections must be at least 1")
	}
	if cfg.HTTP.Listen == "" {
		return fmt.Errorf("config: http.listen is required")
	}
	if cfg.Federation.JTITTLSeconds < 1 {
		return fmt.Errorf("config: federation.jti_ttl_seconds must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of: json, text (got %q)", cfg.Logging.Format)
	}

	return nil
}
