package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when an admin token is malformed, expired or signed by another key.
var ErrInvalidToken = errors.New("invalid token")

// AdminClaims are the claims of an operator token for the administrative RPCs.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// AdminTokens issues and validates operator JWTs (RS256 or ES256). A provider built without a
// private key only validates.
type AdminTokens struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	ttl        time.Duration
	nowF       func() time.Time
}

// NewAdminTokens returns an AdminTokens. publicKey defaults to privateKey.Public() when nil.
func NewAdminTokens(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, ttl time.Duration) *AdminTokens {
	if publicKey == nil && privateKey != nil {
		publicKey = privateKey.Public()
	}
	return &AdminTokens{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
		nowF:       func() time.Time { return time.Now().UTC() },
	}
}

// Issue returns a signed token for operator subject and its expiry.
func (p *AdminTokens) Issue(subject string) (string, time.Time, error) {
	if p == nil || p.privateKey == nil {
		return "", time.Time{}, ErrInvalidKey
	}
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", time.Time{}, ErrInvalidKey
	}
	now := p.nowF()
	expiresAt := now.Add(p.ttl)
	claims := AdminClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	token, err := jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
	return token, expiresAt, err
}

// Validate checks signature, expiry, issuer and audience and returns the operator subject.
func (p *AdminTokens) Validate(tokenString string) (string, error) {
	if p == nil || p.publicKey == nil {
		return "", ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(p.issuer),
		jwt.WithTimeFunc(p.nowF),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid || !slices.Contains(claims.Audience, p.audience) {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
