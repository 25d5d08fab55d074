package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/audit/domain"
	"mfa-auth-engine/internal/audit/repository"
	"mfa-auth-engine/internal/autherr"
	"mfa-auth-engine/internal/security"
)

// tamperRepo rewrites records on the way out of List, simulating edits to stored rows.
type tamperRepo struct {
	*repository.MemoryRepository
	edit map[int64]func(r *domain.Record)
}

func (t *tamperRepo) List(ctx context.Context, from int64, limit int) ([]*domain.Record, error) {
	recs, err := t.MemoryRepository.List(ctx, from, limit)
	for _, r := range recs {
		if fn, ok := t.edit[r.Sequence]; ok {
			fn(r)
		}
	}
	return recs, err
}

type failingRepo struct {
	*repository.MemoryRepository
}

func (failingRepo) Append(context.Context, *domain.Record) error {
	return errors.New("disk full")
}

// capturePublisher records what was published.
type capturePublisher struct {
	mu   sync.Mutex
	recs []*domain.Record
	done chan struct{}
}

func (c *capturePublisher) Publish(ctx context.Context, r *domain.Record) error {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func newRecorder(repo repository.Repository, signer *security.RecordSigner, pubs ...Publisher) *Recorder {
	r := NewRecorder(repo, signer, nil, zerolog.Nop(), pubs...)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	r.nowF = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func appendN(t *testing.T, r *Recorder, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seq, err := r.Append(context.Background(), domain.Entry{
			Realm: "corp", Login: "alice", TokenSerial: "T1", Action: "validate", Outcome: domain.OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
	}
}

func TestAppend_LinksRecords(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := newRecorder(repo, nil)
	appendN(t, r, 3)

	recs, err := r.Export(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d", len(recs))
	}
	if recs[0].PreviousHash != domain.GenesisHash {
		t.Errorf("first previous hash = %q", recs[0].PreviousHash)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].PreviousHash != recs[i-1].RecordHash {
			t.Errorf("record %d not linked to %d", recs[i].Sequence, recs[i-1].Sequence)
		}
	}
	if recs[0].RecordedAt.Nanosecond()%1000 != 0 {
		t.Errorf("timestamp not truncated to microseconds: %v", recs[0].RecordedAt)
	}
	ok, err := r.VerifyChain(context.Background(), 1)
	if err != nil || !ok {
		t.Errorf("VerifyChain = %v, %v", ok, err)
	}
}

func TestVerify_TamperFlagsFromModifiedRecord(t *testing.T) {
	mem := repository.NewMemoryRepository()
	writer := newRecorder(mem, nil)
	appendN(t, writer, 5)

	repo := &tamperRepo{MemoryRepository: mem, edit: map[int64]func(*domain.Record){
		3: func(r *domain.Record) { r.Outcome = domain.OutcomeFailure },
	}}
	reader := newRecorder(repo, nil)
	rep, err := reader.Verify(context.Background(), 1)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.FirstUntrusted != 3 {
		t.Errorf("FirstUntrusted = %d, want 3 (%s)", rep.FirstUntrusted, rep.Reason)
	}
	ok, _ := reader.VerifyChain(context.Background(), 4)
	if !ok {
		t.Error("records after the edit still link to the stored hash of record 3")
	}
}

func TestVerify_RehashedRecordBreaksNextLink(t *testing.T) {
	mem := repository.NewMemoryRepository()
	writer := newRecorder(mem, nil)
	appendN(t, writer, 4)

	repo := &tamperRepo{MemoryRepository: mem, edit: map[int64]func(*domain.Record){
		2: func(r *domain.Record) {
			r.Login = "mallory"
			r.RecordHash, _ = Hash(r)
		},
	}}
	rep, err := newRecorder(repo, nil).Verify(context.Background(), 1)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.FirstUntrusted != 3 {
		t.Errorf("FirstUntrusted = %d, want 3", rep.FirstUntrusted)
	}
}

func TestVerify_Signatures(t *testing.T) {
	signer, err := security.NewTestRecordSigner()
	if err != nil {
		t.Fatalf("NewTestRecordSigner: %v", err)
	}
	mem := repository.NewMemoryRepository()
	appendN(t, newRecorder(mem, signer), 2)

	recs, _ := mem.List(context.Background(), 1, 0)
	if recs[0].Signature == "" {
		t.Fatal("record not signed")
	}
	if ok, err := newRecorder(mem, signer).VerifyChain(context.Background(), 1); err != nil || !ok {
		t.Fatalf("VerifyChain = %v, %v", ok, err)
	}

	repo := &tamperRepo{MemoryRepository: mem, edit: map[int64]func(*domain.Record){
		2: func(r *domain.Record) { r.Signature = recs[0].Signature },
	}}
	rep, _ := newRecorder(repo, signer).Verify(context.Background(), 1)
	if rep.FirstUntrusted != 2 || rep.Reason != "invalid signature" {
		t.Errorf("report = %+v", rep)
	}

	// Unsigned records are untrusted once a verify key is configured.
	plain := repository.NewMemoryRepository()
	appendN(t, newRecorder(plain, nil), 1)
	rep, _ = newRecorder(plain, signer).Verify(context.Background(), 1)
	if rep.FirstUntrusted != 1 {
		t.Errorf("unsigned report = %+v", rep)
	}
}

func TestAppend_FailureIsAuditFailure(t *testing.T) {
	r := newRecorder(failingRepo{repository.NewMemoryRepository()}, nil)
	_, err := r.Append(context.Background(), domain.Entry{Action: "validate"})
	if !errors.Is(err, autherr.ErrAuditFailure) {
		t.Errorf("err = %v", err)
	}
}

func TestAppend_ConcurrentWritersKeepTotalOrder(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := newRecorder(repo, nil)
	r.nowF = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Append(context.Background(), domain.Entry{Action: "validate"}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()
	rep, err := r.Verify(context.Background(), 1)
	if err != nil || !rep.Trusted() || rep.Checked != 40 {
		t.Errorf("report = %+v err = %v", rep, err)
	}
}

func TestAppend_PublishesCommittedRecord(t *testing.T) {
	pub := &capturePublisher{done: make(chan struct{}, 1)}
	r := newRecorder(repository.NewMemoryRepository(), nil, pub, nil)
	appendN(t, r, 1)
	select {
	case <-pub.done:
	case <-time.After(time.Second):
		t.Fatal("publisher not called")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.recs) != 1 || pub.recs[0].Sequence != 1 {
		t.Errorf("published = %+v", pub.recs)
	}
}

func TestVerify_FromMiddle(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := newRecorder(repo, nil)
	appendN(t, r, 3)
	rep, err := r.Verify(context.Background(), 2)
	if err != nil || !rep.Trusted() || rep.Checked != 2 {
		t.Errorf("report = %+v err = %v", rep, err)
	}
	if _, err := r.Verify(context.Background(), 10); err == nil {
		t.Error("expected error for a start past the tip")
	}
}
