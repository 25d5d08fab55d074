package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRPC_ADDR", ":8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.GRPCAddr != ":8080" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":8080")
	}
	if cfg.StoreBackend != StoreMemory {
		t.Errorf("StoreBackend = %q, want %q", cfg.StoreBackend, StoreMemory)
	}
	if cfg.AuditKafkaTopic != "mfa-audit" {
		t.Errorf("AuditKafkaTopic = %q, want mfa-audit", cfg.AuditKafkaTopic)
	}
	if cfg.ResolverCacheSize != 10000 {
		t.Errorf("ResolverCacheSize = %d, want 10000", cfg.ResolverCacheSize)
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.AdminTokenIssuer != "mfa-auth-engine" || cfg.AdminTokenAudience != "mfa-admin" {
		t.Errorf("admin token iss/aud = %q/%q", cfg.AdminTokenIssuer, cfg.AdminTokenAudience)
	}
	if cfg.DevChallengeStore {
		t.Error("DevChallengeStore should default to false")
	}
	if cfg.TrustForwardedFor {
		t.Error("TrustForwardedFor should default to false")
	}
	if got := cfg.ResolverTimeoutDuration(); got != 2*time.Second {
		t.Errorf("ResolverTimeoutDuration = %v, want 2s", got)
	}
	if got := cfg.ResolverCacheTTLDuration(); got != 5*time.Minute {
		t.Errorf("ResolverCacheTTLDuration = %v, want 5m", got)
	}
	if got := cfg.AdminTTL(); got != time.Hour {
		t.Errorf("AdminTTL = %v, want 1h", got)
	}
	if got := cfg.PolicyReload(); got != 0 {
		t.Errorf("PolicyReload = %v, want 0", got)
	}
	if got := cfg.AuditVerify(); got != time.Minute {
		t.Errorf("AuditVerify = %v, want 1m", got)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRPC_ADDR", ":9090")
	os.Setenv("BCRYPT_COST", "14")
	os.Setenv("RESOLVER_TIMEOUT", "500ms")
	os.Setenv("RESOLVER_RATE_LIMIT", "25.5")
	os.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	os.Setenv("TRUST_FORWARDED_FOR", "true")
	os.Setenv("POLICY_RELOAD_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.BcryptCost != 14 {
		t.Errorf("BcryptCost = %d, want 14", cfg.BcryptCost)
	}
	if got := cfg.ResolverTimeoutDuration(); got != 500*time.Millisecond {
		t.Errorf("ResolverTimeoutDuration = %v, want 500ms", got)
	}
	if cfg.ResolverRateLimit != 25.5 {
		t.Errorf("ResolverRateLimit = %v, want 25.5", cfg.ResolverRateLimit)
	}
	if !cfg.OTLPInsecure {
		t.Error("OTLPInsecure should be true")
	}
	if !cfg.TrustForwardedFor {
		t.Error("TrustForwardedFor should be true")
	}
	if got := cfg.PolicyReload(); got != 30*time.Second {
		t.Errorf("PolicyReload = %v, want 30s", got)
	}
}

func TestLoad_StoreBackend(t *testing.T) {
	testCases := []struct {
		name    string
		backend string
		dsn     string
		want    string
		err     string
	}{
		{"memory", "memory", "", StoreMemory, ""},
		{"postgres upper case", "POSTGRES", "postgres://localhost/mfa", StorePostgres, ""},
		{"postgres without dsn", "postgres", "", "", "DATABASE_URL"},
		{"unknown", "redis", "", "", "STORE_BACKEND"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("GRPC_ADDR", ":8080")
			os.Setenv("STORE_BACKEND", tc.backend)
			if tc.dsn != "" {
				os.Setenv("DATABASE_URL", tc.dsn)
			}

			cfg, err := Load()
			if tc.err != "" {
				if err == nil || !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("Load error = %v, want mention of %s", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.StoreBackend != tc.want {
				t.Errorf("StoreBackend = %q, want %q", cfg.StoreBackend, tc.want)
			}
		})
	}
}

func TestLoad_BCRYPT_COSTRange(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  int
		err   bool
	}{
		{"valid min", "4", 4, false},
		{"valid max", "31", 31, false},
		{"valid middle", "12", 12, false},
		{"too low", "3", 0, true},
		{"too high", "32", 0, true},
		{"zero", "0", 12, false}, // Should default to 12
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("GRPC_ADDR", ":8080")
			os.Setenv("BCRYPT_COST", tc.value)

			cfg, err := Load()
			if tc.err {
				if err == nil {
					t.Fatal("Load should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.BcryptCost != tc.want {
				t.Errorf("BcryptCost = %d, want %d", cfg.BcryptCost, tc.want)
			}
		})
	}
}

func TestLoad_DevChallengeStoreProduction(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRPC_ADDR", ":8080")
	os.Setenv("DEV_CHALLENGE_STORE", "true")
	os.Setenv("APP_ENV", "production")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load should return error when DEV_CHALLENGE_STORE=true and APP_ENV=production")
	}
	if cfg != nil {
		t.Error("Load should return nil config on error")
	}
	if err.Error() != "config: DEV_CHALLENGE_STORE must not be true when APP_ENV=production" {
		t.Errorf("error = %q, want production message", err.Error())
	}
}

func TestLoad_DevChallengeStoreDevelopment(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRPC_ADDR", ":8080")
	os.Setenv("DEV_CHALLENGE_STORE", "true")
	os.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DevChallengeStore {
		t.Error("DevChallengeStore should be true")
	}
}

func TestLoad_NegativeResolverSettings(t *testing.T) {
	for _, kv := range [][2]string{{"RESOLVER_CACHE_SIZE", "-1"}, {"RESOLVER_RATE_LIMIT", "-2"}} {
		t.Run(kv[0], func(t *testing.T) {
			os.Clearenv()
			os.Setenv("GRPC_ADDR", ":8080")
			os.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("Load should reject %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestDurations_InvalidFallBack(t *testing.T) {
	cfg := &Config{
		ResolverTimeout:      "invalid",
		ResolverCacheTTL:     "0",
		AdminTokenTTL:        "-5m",
		PolicyReloadInterval: "soon",
		AuditVerifyInterval:  "",
	}
	if got := cfg.ResolverTimeoutDuration(); got != 2*time.Second {
		t.Errorf("ResolverTimeoutDuration = %v, want 2s", got)
	}
	if got := cfg.ResolverCacheTTLDuration(); got != 5*time.Minute {
		t.Errorf("ResolverCacheTTLDuration = %v, want 5m", got)
	}
	if got := cfg.AdminTTL(); got != time.Hour {
		t.Errorf("AdminTTL = %v, want 1h", got)
	}
	if got := cfg.PolicyReload(); got != 0 {
		t.Errorf("PolicyReload = %v, want 0", got)
	}
	if got := cfg.AuditVerify(); got != time.Minute {
		t.Errorf("AuditVerify = %v, want 1m", got)
	}
}

func TestKafkaBrokersList(t *testing.T) {
	testCases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"localhost:9092", []string{"localhost:9092"}},
		{" a:9092, ,b:9092 ", []string{"a:9092", "b:9092"}},
	}
	for _, tc := range testCases {
		cfg := &Config{KafkaBrokers: tc.in}
		if got := cfg.KafkaBrokersList(); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("KafkaBrokersList(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	var nilCfg *Config
	if nilCfg.KafkaBrokersList() != nil {
		t.Error("nil config should return nil brokers")
	}
}
