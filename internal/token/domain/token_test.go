package domain

import (
	"testing"
	"time"
)

func TestToken_Validate(t *testing.T) {
	valid := Token{Serial: "OATH0001", Kind: KindHOTP, Secret: "JBSWY3DPEHPK3PXP", State: StateActive}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Token)
	}{
		{"missing serial", func(tk *Token) { tk.Serial = " " }},
		{"unknown kind", func(tk *Token) { tk.Kind = "sms" }},
		{"missing secret", func(tk *Token) { tk.Secret = "" }},
		{"unknown state", func(tk *Token) { tk.State = "revoked" }},
		{"negative counter", func(tk *Token) { tk.Counter = -1 }},
		{"motp without pin", func(tk *Token) { tk.Kind = KindMOTP }},
		{"bad algorithm", func(tk *Token) { tk.Algorithm = "MD4" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := valid
			tt.mut(&tk)
			if err := tk.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestToken_Clone_DeepCopiesFailureTime(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := &Token{Serial: "s", LastFailureAt: &at}
	c := orig.Clone()
	*c.LastFailureAt = at.Add(time.Hour)
	c.Counter = 9
	if !orig.LastFailureAt.Equal(at) {
		t.Error("Clone shares LastFailureAt with original")
	}
	if orig.Counter != 0 {
		t.Error("Clone shares Counter with original")
	}
}

func TestToken_Defaults(t *testing.T) {
	tk := &Token{Kind: KindTOTP}
	if tk.StepPeriod() != DefaultPeriod {
		t.Errorf("StepPeriod = %d, want %d", tk.StepPeriod(), DefaultPeriod)
	}
	if tk.OTPDigits() != 6 {
		t.Errorf("OTPDigits = %d, want 6", tk.OTPDigits())
	}
	m := &Token{Kind: KindMOTP, Period: 30, Digits: 8}
	if m.StepPeriod() != MOTPPeriod || m.OTPDigits() != 6 {
		t.Errorf("motp period/digits = %d/%d, want 10/6", m.StepPeriod(), m.OTPDigits())
	}
	if !m.IsTimeBased() || (&Token{Kind: KindHOTP}).IsTimeBased() {
		t.Error("IsTimeBased mismatch")
	}
}
