package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSignature is returned when an audit record signature does not verify.
var ErrInvalidSignature = errors.New("invalid audit signature")

const recordSubject = "audit-record"

// RecordClaims binds a signature to one audit record's position and hash.
type RecordClaims struct {
	jwt.RegisteredClaims
	Sequence   int64  `json:"seq"`
	RecordHash string `json:"hash"`
}

// RecordSigner signs audit records as compact JWS (RS256 or ES256) and verifies them.
// A signer built without a private key only verifies.
type RecordSigner struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
}

// NewRecordSigner returns a RecordSigner. privateKey may be nil for verify-only use; publicKey
// defaults to privateKey.Public() when nil.
func NewRecordSigner(privateKey crypto.Signer, publicKey crypto.PublicKey) *RecordSigner {
	if publicKey == nil && privateKey != nil {
		publicKey = privateKey.Public()
	}
	return &RecordSigner{privateKey: privateKey, publicKey: publicKey}
}

// CanSign reports whether a signing key is configured.
func (s *RecordSigner) CanSign() bool { return s != nil && s.privateKey != nil }

// CanVerify reports whether a verification key is configured.
func (s *RecordSigner) CanVerify() bool { return s != nil && s.publicKey != nil }

// Sign returns a JWS over the record's sequence number and hash.
func (s *RecordSigner) Sign(seq int64, recordHash string) (string, error) {
	if !s.CanSign() {
		return "", ErrInvalidKey
	}
	var method jwt.SigningMethod
	switch s.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidKey
	}
	claims := RecordClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: recordSubject},
		Sequence:         seq,
		RecordHash:       recordHash,
	}
	return jwt.NewWithClaims(method, claims).SignedString(s.privateKey)
}

// Verify checks that sig is a valid signature for seq and recordHash.
func (s *RecordSigner) Verify(sig string, seq int64, recordHash string) error {
	if !s.CanVerify() {
		return ErrInvalidKey
	}
	token, err := jwt.ParseWithClaims(sig, &RecordClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256", "ES256"}), jwt.WithSubject(recordSubject))
	if err != nil {
		return ErrInvalidSignature
	}
	claims, ok := token.Claims.(*RecordClaims)
	if !ok || !token.Valid {
		return ErrInvalidSignature
	}
	if claims.Sequence != seq || claims.RecordHash != recordHash {
		return ErrInvalidSignature
	}
	return nil
}
