// seed enrolls a development token into the Postgres store and prints its provisioning URI.
// Idempotent: skips enrollment if the serial already exists. Run after cmd/migrate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	potp "github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/config"
	"mfa-auth-engine/internal/db"
	policydomain "mfa-auth-engine/internal/policy/domain"
	policyrepo "mfa-auth-engine/internal/policy/repository"
	"mfa-auth-engine/internal/security"
	tokendomain "mfa-auth-engine/internal/token/domain"
	tokenrepo "mfa-auth-engine/internal/token/repository"
)

const issuer = "mfa-auth-engine"

func main() {
	realm := flag.String("realm", "corp", "Realm of the token owner")
	login := flag.String("login", "alice", "Login shown in the authenticator app")
	userID := flag.String("user", "u-alice", "Owner user id as returned by the realm's resolver")
	resolverName := flag.String("resolver", "users", "Resolver that owns the user")
	serial := flag.String("serial", "TOTP-DEV-0001", "Token serial")
	kind := flag.String("kind", "totp", "Token kind: totp or hotp")
	pin := flag.String("pin", "", "Optional token PIN")
	adminSubject := flag.String("admin", "", "When set, also print an operator token for this subject")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := run(logger, seedOptions{
		realm: *realm, login: *login, userID: *userID, resolver: *resolverName,
		serial: *serial, kind: tokendomain.Kind(*kind), pin: *pin, adminSubject: *adminSubject,
	}); err != nil {
		logger.Fatal().Err(err).Msg("seed failed")
	}
}

type seedOptions struct {
	realm, login, userID, resolver string
	serial                         string
	kind                           tokendomain.Kind
	pin                            string
	adminSubject                   string
}

func run(logger zerolog.Logger, o seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	ctx := context.Background()

	pool, err := db.OpenPool(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	store := tokenrepo.NewPostgresStore(pool)

	existing, err := store.Get(ctx, o.serial)
	if err != nil {
		return fmt.Errorf("seed check: %w", err)
	}
	if existing != nil {
		logger.Info().Str("serial", o.serial).Msg("token already enrolled, skipping")
	} else {
		key, err := generateKey(o)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		t := &tokendomain.Token{
			Serial:        o.serial,
			Kind:          o.kind,
			Secret:        key.Secret(),
			Digits:        tokendomain.DefaultDigits,
			Algorithm:     tokendomain.AlgorithmSHA1,
			Period:        tokendomain.DefaultPeriod,
			Realm:         o.realm,
			OwnerUserID:   o.userID,
			OwnerResolver: o.resolver,
			State:         tokendomain.StateActive,
			Description:   "development token",
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if o.pin != "" {
			if t.PINHash, err = security.NewHasher(cfg.BcryptCost).Hash([]byte(o.pin)); err != nil {
				return fmt.Errorf("hash pin: %w", err)
			}
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if err := store.Create(ctx, t); err != nil {
			return fmt.Errorf("enroll: %w", err)
		}
		logger.Info().Str("serial", t.Serial).Str("kind", string(t.Kind)).Str("realm", t.Realm).Msg("token enrolled")
		fmt.Println("Provisioning URI:", key.URL())
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer sqlDB.Close()
	if err := policyrepo.NewPostgresRepository(sqlDB).Upsert(ctx, policydomain.Definition{
		Name:   "dev-" + o.realm + "-lockout",
		Realm:  o.realm,
		Action: string(policydomain.ActionMaxFailCount),
		Value:  "5",
	}); err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}

	if o.adminSubject != "" {
		if cfg.AdminTokenPrivateKey == "" {
			return fmt.Errorf("ADMIN_TOKEN_PRIVATE_KEY is required to issue an operator token")
		}
		priv, err := security.ParsePrivateKey(cfg.AdminTokenPrivateKey)
		if err != nil {
			return fmt.Errorf("ADMIN_TOKEN_PRIVATE_KEY: %w", err)
		}
		tokens := security.NewAdminTokens(priv, nil, cfg.AdminTokenIssuer, cfg.AdminTokenAudience, cfg.AdminTTL())
		tok, exp, err := tokens.Issue(o.adminSubject)
		if err != nil {
			return fmt.Errorf("issue operator token: %w", err)
		}
		fmt.Printf("Operator token (expires %s):\n%s\n", exp.Format(time.RFC3339), tok)
	}
	return nil
}

func generateKey(o seedOptions) (*potp.Key, error) {
	switch o.kind {
	case tokendomain.KindTOTP:
		return totp.Generate(totp.GenerateOpts{
			Issuer:      issuer,
			AccountName: o.login + "@" + o.realm,
			Period:      tokendomain.DefaultPeriod,
			Digits:      potp.DigitsSix,
			Algorithm:   potp.AlgorithmSHA1,
		})
	case tokendomain.KindHOTP:
		return hotp.Generate(hotp.GenerateOpts{
			Issuer:      issuer,
			AccountName: o.login + "@" + o.realm,
			Digits:      potp.DigitsSix,
			Algorithm:   potp.AlgorithmSHA1,
		})
	default:
		return nil, fmt.Errorf("seed supports totp and hotp, got %q", o.kind)
	}
}
