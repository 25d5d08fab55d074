// Worker verifies the audit hash chain in the Postgres log on a fixed interval and reports
// broken links through logs and the mfa.audit.verifications counter.
// Set DATABASE_URL and AUDIT_VERIFY_INTERVAL; AUDIT_VERIFY_KEY additionally requires signatures.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/audit"
	auditrepo "mfa-auth-engine/internal/audit/repository"
	"mfa-auth-engine/internal/config"
	"mfa-auth-engine/internal/db"
	"mfa-auth-engine/internal/security"
	telemetryotel "mfa-auth-engine/internal/telemetry/otel"
)

// fullPassEvery re-verifies the whole chain every this many passes.
const fullPassEvery = 60

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "mfa-audit-worker").Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("worker exited")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("worker: DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "mfa-audit-worker", cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()
	metrics, err := telemetryotel.NewMetrics(providers.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer sqlDB.Close()

	var signer *security.RecordSigner
	if cfg.AuditVerifyKey != "" {
		pub, err := security.ParsePublicKey(cfg.AuditVerifyKey)
		if err != nil {
			return fmt.Errorf("AUDIT_VERIFY_KEY: %w", err)
		}
		signer = security.NewRecordSigner(nil, pub)
	}

	recorder := audit.NewRecorder(auditrepo.NewPostgresRepository(sqlDB), signer, metrics, logger)
	watcher := audit.NewWatcher(recorder, metrics, fullPassEvery, logger)

	interval := cfg.AuditVerify()
	logger.Info().Dur("interval", interval).Bool("signatures", signer != nil).Msg("worker: verifying audit chain")
	watcher.Run(ctx, interval)
	logger.Info().Int64("next_sequence", watcher.Next()).Msg("worker: stopped")
	return nil
}
