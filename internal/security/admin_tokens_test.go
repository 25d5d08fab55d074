package security

import (
	"testing"
	"time"
)

func TestAdminTokens_IssueAndValidate(t *testing.T) {
	p, err := NewTestAdminTokens()
	if err != nil {
		t.Fatalf("NewTestAdminTokens: %v", err)
	}
	token, exp, err := p.Issue("ops@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}
	sub, err := p.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sub != "ops@example.com" {
		t.Errorf("subject = %q, want %q", sub, "ops@example.com")
	}
}

func TestAdminTokens_Expired(t *testing.T) {
	p, err := NewTestAdminTokens()
	if err != nil {
		t.Fatalf("NewTestAdminTokens: %v", err)
	}
	token, _, err := p.Issue("ops")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p.nowF = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := p.Validate(token); err != ErrInvalidToken {
		t.Errorf("Validate expired: want ErrInvalidToken, got %v", err)
	}
}

func TestAdminTokens_WrongAudience(t *testing.T) {
	p, err := NewTestAdminTokens()
	if err != nil {
		t.Fatalf("NewTestAdminTokens: %v", err)
	}
	other := NewAdminTokens(p.privateKey, nil, p.issuer, "someone-else", time.Hour)
	token, _, err := other.Issue("ops")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := p.Validate(token); err != ErrInvalidToken {
		t.Errorf("Validate: want ErrInvalidToken, got %v", err)
	}
}

func TestAdminTokens_VerifyOnly(t *testing.T) {
	p, err := NewTestAdminTokens()
	if err != nil {
		t.Fatalf("NewTestAdminTokens: %v", err)
	}
	token, _, err := p.Issue("ops")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	pub, err := ParsePublicKey(TestPublicKeyPEM())
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	verifier := NewAdminTokens(nil, pub, "mfa-auth-engine", "mfa-admin", time.Hour)
	if _, err := verifier.Validate(token); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if _, _, err := verifier.Issue("ops"); err != ErrInvalidKey {
		t.Errorf("Issue without key: want ErrInvalidKey, got %v", err)
	}
	if _, err := verifier.Validate("not-a-jwt"); err != ErrInvalidToken {
		t.Errorf("Validate garbage: want ErrInvalidToken, got %v", err)
	}
}
