package failcounter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/token/domain"
	"mfa-auth-engine/internal/token/repository"
)

type countingLockouts struct {
	mu sync.Mutex
	n  int
}

func (c *countingLockouts) Lockout(ctx context.Context, realm string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func newTracker(t *testing.T) (*Tracker, *repository.MemoryStore, *countingLockouts) {
	t.Helper()
	store := repository.NewMemoryStore()
	err := store.Create(context.Background(), &domain.Token{
		Serial: "T1", Kind: domain.KindHOTP, Secret: "JBSWY3DPEHPK3PXP", Realm: "corp", State: domain.StateActive,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	lk := &countingLockouts{}
	return NewTracker(store, lk, zerolog.Nop()), store, lk
}

func TestRecordFailure_LocksAtThreshold(t *testing.T) {
	tr, store, lk := newTracker(t)
	ctx := context.Background()
	p := Policy{MaxFailCount: 3}
	for i := 1; i <= 3; i++ {
		count, locked, err := tr.RecordFailure(ctx, "T1", p)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if count != i {
			t.Errorf("count = %d, want %d", count, i)
		}
		if locked != (i == 3) {
			t.Errorf("after %d failures locked = %v", i, locked)
		}
	}
	tk, _ := store.Get(ctx, "T1")
	if tk.State != domain.StateLocked {
		t.Fatalf("State = %s, want locked", tk.State)
	}
	if lk.n != 1 {
		t.Errorf("lockouts = %d, want 1", lk.n)
	}

	// Further failures on a locked token do not re-increment.
	count, locked, _ := tr.RecordFailure(ctx, "T1", p)
	if count != 3 || !locked {
		t.Errorf("locked RecordFailure = %d, %v; want 3, true", count, locked)
	}
}

func TestRecordSuccess_DoesNotUnlock(t *testing.T) {
	tr, store, _ := newTracker(t)
	ctx := context.Background()
	p := Policy{MaxFailCount: 1}
	if _, _, err := tr.RecordFailure(ctx, "T1", p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := tr.RecordSuccess(ctx, "T1"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	tk, _ := store.Get(ctx, "T1")
	if tk.State != domain.StateLocked {
		t.Errorf("State = %s, success must not unlock", tk.State)
	}
	if tk.FailCount != 0 {
		t.Errorf("FailCount = %d, want 0", tk.FailCount)
	}
}

func TestUnlock(t *testing.T) {
	tr, store, _ := newTracker(t)
	ctx := context.Background()
	_, _, _ = tr.RecordFailure(ctx, "T1", Policy{MaxFailCount: 1})
	if err := tr.Unlock(ctx, "T1"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	tk, _ := store.Get(ctx, "T1")
	if tk.State != domain.StateActive || tk.FailCount != 0 {
		t.Errorf("after Unlock state/count = %s/%d", tk.State, tk.FailCount)
	}
}

func TestCheckLock_CoolDown(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := &domain.Token{State: domain.StateLocked, FailCount: 5, LastFailureAt: &last}

	if !CheckLock(tk, Policy{}, last.Add(24*time.Hour)) {
		t.Error("zero lockout duration must keep the token locked")
	}
	p := Policy{LockoutDuration: 10 * time.Minute}
	if !CheckLock(tk, p, last.Add(10*time.Minute)) {
		t.Error("token released before the cool-down elapsed")
	}
	if CheckLock(tk, p, last.Add(10*time.Minute+time.Second)) {
		t.Error("token still locked after the cool-down")
	}
	if tk.State != domain.StateActive || tk.FailCount != 0 {
		t.Errorf("released token state/count = %s/%d", tk.State, tk.FailCount)
	}
}

func TestApplyFailure_DisabledNeverLocks(t *testing.T) {
	tk := &domain.Token{State: domain.StateDisabled}
	_, locked := ApplyFailure(tk, Policy{MaxFailCount: 1}, time.Now())
	if locked || tk.State != domain.StateDisabled {
		t.Errorf("disabled token state = %s, locked = %v", tk.State, locked)
	}
}

func TestRecordFailure_Concurrent(t *testing.T) {
	tr, store, lk := newTracker(t)
	ctx := context.Background()
	p := Policy{MaxFailCount: 1000}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = tr.RecordFailure(ctx, "T1", p)
		}()
	}
	wg.Wait()
	tk, _ := store.Get(ctx, "T1")
	if tk.FailCount != 40 {
		t.Errorf("FailCount = %d, want 40 (lost update)", tk.FailCount)
	}
	if lk.n != 0 {
		t.Errorf("lockouts = %d, want 0", lk.n)
	}
}

func TestDefaultPolicy(t *testing.T) {
	if DefaultPolicy().MaxFailCount != 10 {
		t.Errorf("DefaultPolicy().MaxFailCount = %d, want 10", DefaultPolicy().MaxFailCount)
	}
	tk := &domain.Token{State: domain.StateActive}
	for i := 0; i < 9; i++ {
		ApplyFailure(tk, Policy{}, time.Now())
	}
	if tk.State == domain.StateLocked {
		t.Fatal("locked before the default threshold")
	}
	if _, locked := ApplyFailure(tk, Policy{}, time.Now()); !locked {
		t.Error("tenth failure should lock under the default policy")
	}
}
