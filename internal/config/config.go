// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; required when StoreBackend is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// StoreBackend selects token, challenge and audit storage: memory or postgres.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	// EngineConfigFile is the YAML file with realms, resolvers, policies and the admission gate.
	EngineConfigFile string `mapstructure:"ENGINE_CONFIG_FILE"`

	// ResolverTimeout bounds each resolver call (e.g. "2s").
	ResolverTimeout string `mapstructure:"RESOLVER_TIMEOUT"`
	// ResolverCacheTTL is how long a positive user lookup is cached (e.g. "5m").
	ResolverCacheTTL string `mapstructure:"RESOLVER_CACHE_TTL"`
	// ResolverCacheSize is the maximum number of cached lookups.
	ResolverCacheSize int `mapstructure:"RESOLVER_CACHE_SIZE"`
	// ResolverRateLimit is the per-backend request rate (per second); 0 disables limiting.
	ResolverRateLimit float64 `mapstructure:"RESOLVER_RATE_LIMIT"`
	// ResolverBurst is the per-backend burst when ResolverRateLimit is set.
	ResolverBurst int `mapstructure:"RESOLVER_BURST"`

	// AuditSigningKey is the PEM private key (or path) used to sign audit records; optional.
	AuditSigningKey string `mapstructure:"AUDIT_SIGNING_KEY"`
	// AuditVerifyKey is the PEM public key (or path) used to check record signatures; optional.
	AuditVerifyKey string `mapstructure:"AUDIT_VERIFY_KEY"`
	// KafkaBrokers is a comma-separated list of Kafka broker addresses for audit export.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic committed audit records are published to.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty uses no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// DevChallengeStore keeps delivered challenges in memory and exposes DevService. Must not be
	// true when Env is production.
	DevChallengeStore bool `mapstructure:"DEV_CHALLENGE_STORE"`
	// BcryptCost is the bcrypt cost factor (4–31) for token PINs; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// AdminTokenPrivateKey is the PEM private key (or path) for issuing operator tokens; optional.
	AdminTokenPrivateKey string `mapstructure:"ADMIN_TOKEN_PRIVATE_KEY"`
	// AdminTokenPublicKey is the PEM public key (or path) operator tokens are checked against.
	// Without it the administrative RPCs are refused.
	AdminTokenPublicKey string `mapstructure:"ADMIN_TOKEN_PUBLIC_KEY"`
	// AdminTokenIssuer is the iss claim of operator tokens.
	AdminTokenIssuer string `mapstructure:"ADMIN_TOKEN_ISSUER"`
	// AdminTokenAudience is the aud claim of operator tokens.
	AdminTokenAudience string `mapstructure:"ADMIN_TOKEN_AUDIENCE"`
	// AdminTokenTTL is the lifetime of issued operator tokens (e.g. "1h").
	AdminTokenTTL string `mapstructure:"ADMIN_TOKEN_TTL"`

	// TrustForwardedFor honours x-forwarded-for / x-real-ip for the client address.
	TrustForwardedFor bool `mapstructure:"TRUST_FORWARDED_FOR"`
	// PolicyReloadInterval is how often policies are reloaded from Postgres (e.g. "30s"); 0 disables.
	PolicyReloadInterval string `mapstructure:"POLICY_RELOAD_INTERVAL"`
	// AuditVerifyInterval is how often the worker verifies the audit chain (e.g. "1m").
	AuditVerifyInterval string `mapstructure:"AUDIT_VERIFY_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("ENGINE_CONFIG_FILE", "")
	v.SetDefault("RESOLVER_TIMEOUT", "2s")
	v.SetDefault("RESOLVER_CACHE_TTL", "5m")
	v.SetDefault("RESOLVER_CACHE_SIZE", 10000)
	v.SetDefault("RESOLVER_RATE_LIMIT", 0)
	v.SetDefault("RESOLVER_BURST", 10)
	v.SetDefault("AUDIT_SIGNING_KEY", "")
	v.SetDefault("AUDIT_VERIFY_KEY", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "mfa-audit")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("DEV_CHALLENGE_STORE", false)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("ADMIN_TOKEN_PRIVATE_KEY", "")
	v.SetDefault("ADMIN_TOKEN_PUBLIC_KEY", "")
	v.SetDefault("ADMIN_TOKEN_ISSUER", "mfa-auth-engine")
	v.SetDefault("ADMIN_TOKEN_AUDIENCE", "mfa-admin")
	v.SetDefault("ADMIN_TOKEN_TTL", "1h")
	v.SetDefault("TRUST_FORWARDED_FOR", false)
	v.SetDefault("POLICY_RELOAD_INTERVAL", "0")
	v.SetDefault("AUDIT_VERIFY_INTERVAL", "1m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when STORE_BACKEND=postgres")
		}
	default:
		return nil, errors.New("config: STORE_BACKEND must be memory or postgres")
	}

	if cfg.DevChallengeStore && cfg.Env == "production" {
		return nil, errors.New("config: DEV_CHALLENGE_STORE must not be true when APP_ENV=production")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.ResolverCacheSize < 0 {
		return nil, errors.New("config: RESOLVER_CACHE_SIZE must not be negative")
	}
	if cfg.ResolverRateLimit < 0 {
		return nil, errors.New("config: RESOLVER_RATE_LIMIT must not be negative")
	}

	return &cfg, nil
}

// ResolverTimeoutDuration parses ResolverTimeout. Returns 2s if unset or invalid.
func (c *Config) ResolverTimeoutDuration() time.Duration {
	return parseDuration(c.ResolverTimeout, 2*time.Second)
}

// ResolverCacheTTLDuration parses ResolverCacheTTL. Returns 5m if unset or invalid.
func (c *Config) ResolverCacheTTLDuration() time.Duration {
	return parseDuration(c.ResolverCacheTTL, 5*time.Minute)
}

// AdminTTL parses AdminTokenTTL. Returns 1h if unset or invalid.
func (c *Config) AdminTTL() time.Duration {
	return parseDuration(c.AdminTokenTTL, time.Hour)
}

// PolicyReload parses PolicyReloadInterval. Returns 0 (disabled) if unset or invalid.
func (c *Config) PolicyReload() time.Duration {
	return parseDuration(c.PolicyReloadInterval, 0)
}

// AuditVerify parses AuditVerifyInterval. Returns 1m if unset or invalid.
func (c *Config) AuditVerify() time.Duration {
	return parseDuration(c.AuditVerifyInterval, time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka audit publisher.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
