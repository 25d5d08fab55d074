package main

import (
	"context"
	"crypto"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/health"

	"mfa-auth-engine/internal/audit"
	auditrepo "mfa-auth-engine/internal/audit/repository"
	authhandler "mfa-auth-engine/internal/auth/handler"
	authservice "mfa-auth-engine/internal/auth/service"
	challengeservice "mfa-auth-engine/internal/challenge/service"
	"mfa-auth-engine/internal/config"
	"mfa-auth-engine/internal/db"
	"mfa-auth-engine/internal/devotp"
	devhandler "mfa-auth-engine/internal/devotp/handler"
	"mfa-auth-engine/internal/failcounter"
	healthhandler "mfa-auth-engine/internal/health/handler"
	"mfa-auth-engine/internal/policy/engine"
	policyrepo "mfa-auth-engine/internal/policy/repository"
	"mfa-auth-engine/internal/resolver"
	"mfa-auth-engine/internal/security"
	"mfa-auth-engine/internal/server"
	telemetryotel "mfa-auth-engine/internal/telemetry/otel"
	tokenrepo "mfa-auth-engine/internal/token/repository"
	"mfa-auth-engine/internal/validator"
)

const (
	serviceName    = "mfa-auth-engine"
	healthInterval = 15 * time.Second
	stopTimeout    = 10 * time.Second
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer shutdownWithTimeout(logger, "telemetry", providers.Shutdown)

	metrics, err := telemetryotel.NewMetrics(providers.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Storage.
	var (
		store     tokenrepo.Store
		auditLog  auditrepo.Repository
		sqlDB     *sql.DB
		policySrc policyrepo.Repository
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.OpenPool(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			return fmt.Errorf("token store: %w", err)
		}
		defer pool.Close()
		sqlDB, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer sqlDB.Close()
		store = tokenrepo.NewPostgresStore(pool)
		auditLog = auditrepo.NewPostgresRepository(sqlDB)
		policySrc = policyrepo.NewPostgresRepository(sqlDB)
	default:
		store = tokenrepo.NewMemoryStore()
		auditLog = auditrepo.NewMemoryRepository()
	}

	hasher := security.NewHasher(cfg.BcryptCost)

	// Realms, resolvers and policies.
	chain := resolver.NewChain(resolver.Options{
		Timeout:   cfg.ResolverTimeoutDuration(),
		CacheTTL:  cfg.ResolverCacheTTLDuration(),
		CacheSize: cfg.ResolverCacheSize,
		RateLimit: rate.Limit(cfg.ResolverRateLimit),
		Burst:     cfg.ResolverBurst,
	}, metrics, logger)
	policies := engine.NewEngine(logger)
	realms := &realmLoader{
		path:      cfg.EngineConfigFile,
		hasher:    hasher,
		chain:     chain,
		policies:  policies,
		policySrc: policySrc,
		logger:    logger.With().Str("component", "engine-file").Logger(),
	}
	if err := realms.Load(ctx); err != nil {
		return err
	}
	defer realms.Close()

	// Audit chain.
	signer, err := recordSigner(cfg)
	if err != nil {
		return err
	}
	publishers := []audit.Publisher{audit.NewOTelPublisher(providers.LoggerProvider)}
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kp := audit.NewKafkaPublisher(brokers, cfg.AuditKafkaTopic)
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.AuditKafkaTopic).Msg("audit kafka export enabled")
	}
	recorder := audit.NewRecorder(auditLog, signer, metrics, logger, publishers...)

	// Challenge delivery. Without a dev store the caller of CreateChallenge is the channel.
	var (
		transport  challengeservice.Transport
		devHandler devhandler.DevServiceServer
	)
	if cfg.DevChallengeStore {
		devStore := devotp.NewMemoryStore()
		transport = devStore
		devHandler = devhandler.NewServer(devStore)
		logger.Warn().Msg("DEV_CHALLENGE_STORE enabled: delivered challenges are readable over DevService")
	}

	v := validator.New(hasher, logger)
	coord := authservice.NewCoordinator(authservice.Deps{
		Store:      store,
		Resolvers:  chain,
		Policies:   policies,
		Validator:  v,
		Challenges: challengeservice.NewManager(store, v, transport, logger),
		Tracker:    failcounter.NewTracker(store, metrics, logger),
		Audit:      recorder,
		Hasher:     hasher,
		Metrics:    metrics,
		Logger:     logger,
	})

	adminTokens, err := adminTokens(cfg)
	if err != nil {
		return err
	}
	if adminTokens == nil {
		logger.Warn().Msg("ADMIN_TOKEN_PUBLIC_KEY not set: administrative RPCs are refused")
	}

	// Health.
	hs := health.NewServer()
	var pinger healthhandler.Pinger
	if sqlDB != nil {
		pinger = sqlDB
	}
	checker := healthhandler.NewChecker(pinger, healthhandler.PolicyCheckFunc(engine.HealthCheck), hs, []string{authhandler.ServiceName}, logger)

	srv := server.NewServer(server.Deps{
		Auth:           authhandler.NewServer(coord, authhandler.Options{ReturnChallengePayload: transport == nil}),
		Health:         hs,
		DevHandler:     devHandler,
		AdminTokens:    adminTokens,
		TrustForwarded: cfg.TrustForwardedFor,
		Logger:         logger,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		checker.Run(ctx, healthInterval)
	}()
	if interval := cfg.PolicyReload(); interval > 0 && policySrc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			realms.ReloadPoliciesEvery(ctx, interval)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		realms.ReloadOnHangup(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.GRPCAddr).Str("store", cfg.StoreBackend).Msg("gRPC server listening")
		serveErr <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		wg.Wait()
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info().Msg("shutting down gRPC server")
	checker.Shutdown()
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		logger.Warn().Msg("graceful stop timed out, forcing")
		srv.Stop()
	}
	wg.Wait()
	logger.Info().Msg("gRPC server stopped")
	return nil
}

func recordSigner(cfg *config.Config) (*security.RecordSigner, error) {
	if cfg.AuditSigningKey == "" && cfg.AuditVerifyKey == "" {
		return nil, nil
	}
	var (
		priv crypto.Signer
		pub  crypto.PublicKey
		err  error
	)
	if cfg.AuditSigningKey != "" {
		if priv, err = security.ParsePrivateKey(cfg.AuditSigningKey); err != nil {
			return nil, fmt.Errorf("AUDIT_SIGNING_KEY: %w", err)
		}
	}
	if cfg.AuditVerifyKey != "" {
		if pub, err = security.ParsePublicKey(cfg.AuditVerifyKey); err != nil {
			return nil, fmt.Errorf("AUDIT_VERIFY_KEY: %w", err)
		}
	}
	return security.NewRecordSigner(priv, pub), nil
}

func adminTokens(cfg *config.Config) (*security.AdminTokens, error) {
	if cfg.AdminTokenPublicKey == "" && cfg.AdminTokenPrivateKey == "" {
		return nil, nil
	}
	var (
		priv crypto.Signer
		pub  crypto.PublicKey
		err  error
	)
	if cfg.AdminTokenPrivateKey != "" {
		if priv, err = security.ParsePrivateKey(cfg.AdminTokenPrivateKey); err != nil {
			return nil, fmt.Errorf("ADMIN_TOKEN_PRIVATE_KEY: %w", err)
		}
	}
	if cfg.AdminTokenPublicKey != "" {
		if pub, err = security.ParsePublicKey(cfg.AdminTokenPublicKey); err != nil {
			return nil, fmt.Errorf("ADMIN_TOKEN_PUBLIC_KEY: %w", err)
		}
	}
	return security.NewAdminTokens(priv, pub, cfg.AdminTokenIssuer, cfg.AdminTokenAudience, cfg.AdminTTL()), nil
}

func shutdownWithTimeout(logger zerolog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Str("part", name).Msg("shutdown")
	}
}
