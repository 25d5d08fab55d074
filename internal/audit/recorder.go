// Package audit keeps the tamper-evident audit trail: an append-only log in which every record
// carries the hash of its predecessor.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/audit/domain"
	"mfa-auth-engine/internal/audit/repository"
	"mfa-auth-engine/internal/autherr"
	"mfa-auth-engine/internal/security"
	"mfa-auth-engine/internal/telemetry/otel"
)

// verifyPage is how many records Verify reads per query.
const verifyPage = 1000

// Recorder appends records to the hash chain. Appends are serialized; verification and export
// read the durable log directly.
type Recorder struct {
	mu         sync.Mutex
	repo       repository.Repository
	signer     *security.RecordSigner
	publishers []Publisher
	metrics    *otel.Metrics
	nowF       func() time.Time
	logger     zerolog.Logger
}

// NewRecorder returns a Recorder over repo. signer, metrics and publishers are optional.
func NewRecorder(repo repository.Repository, signer *security.RecordSigner, metrics *otel.Metrics, logger zerolog.Logger, publishers ...Publisher) *Recorder {
	var pubs []Publisher
	for _, p := range publishers {
		if p != nil {
			pubs = append(pubs, p)
		}
	}
	return &Recorder{
		repo:       repo,
		signer:     signer,
		publishers: pubs,
		metrics:    metrics,
		nowF:       func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "audit").Logger(),
	}
}

// Append links e to the chain and persists it. The returned error wraps autherr.ErrAuditFailure.
func (r *Recorder) Append(ctx context.Context, e domain.Entry) (int64, error) {
	rec, err := r.append(ctx, e)
	if err != nil {
		r.logger.Error().Err(err).Str("action", e.Action).Str("realm", e.Realm).Msg("audit append failed")
		return 0, fmt.Errorf("%w: %w", autherr.ErrAuditFailure, err)
	}
	r.metrics.AuditAppend(ctx)
	r.publish(rec)
	return rec.Sequence, nil
}

func (r *Recorder) append(ctx context.Context, e domain.Entry) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, err := r.repo.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}
	rec := &domain.Record{
		Entry:        e,
		Sequence:     1,
		RecordedAt:   r.nowF().UTC().Truncate(time.Microsecond),
		PreviousHash: domain.GenesisHash,
	}
	if last != nil {
		rec.Sequence = last.Sequence + 1
		rec.PreviousHash = last.RecordHash
	}
	rec.RecordHash, err = Hash(rec)
	if err != nil {
		return nil, err
	}
	if r.signer.CanSign() {
		rec.Signature, err = r.signer.Sign(rec.Sequence, rec.RecordHash)
		if err != nil {
			return nil, fmt.Errorf("sign record: %w", err)
		}
	}
	if err := r.repo.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist record %d: %w", rec.Sequence, err)
	}
	return rec, nil
}

// publish hands rec to every publisher in the background with a bounded timeout.
func (r *Recorder) publish(rec *domain.Record) {
	for _, p := range r.publishers {
		go func(p Publisher) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := p.Publish(ctx, rec); err != nil {
				r.logger.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("audit publish failed")
			}
		}(p)
	}
}

// hashedFields fixes the field order of the hashed form. Signature is not hashed.
type hashedFields struct {
	Sequence      int64  `json:"seq"`
	RecordedAt    string `json:"ts"`
	Realm         string `json:"realm"`
	Login         string `json:"login"`
	UserID        string `json:"user_id"`
	Resolver      string `json:"resolver"`
	TokenSerial   string `json:"serial"`
	Action        string `json:"action"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason"`
	ClientIP      string `json:"client_ip"`
	TransactionID string `json:"transaction_id"`
}

// Hash returns hex(sha256(canonical fields || previousHash)).
func Hash(rec *domain.Record) (string, error) {
	b, err := json.Marshal(hashedFields{
		Sequence:      rec.Sequence,
		RecordedAt:    rec.RecordedAt.UTC().Format(time.RFC3339Nano),
		Realm:         rec.Realm,
		Login:         rec.Login,
		UserID:        rec.UserID,
		Resolver:      rec.Resolver,
		TokenSerial:   rec.TokenSerial,
		Action:        rec.Action,
		Outcome:       rec.Outcome,
		Reason:        rec.Reason,
		ClientIP:      rec.ClientIP,
		TransactionID: rec.TransactionID,
	})
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(b)
	h.Write([]byte(rec.PreviousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Report is the result of verifying the chain.
type Report struct {
	// Checked is the number of records examined.
	Checked int
	// FirstUntrusted is the first sequence that failed verification; 0 when all passed.
	// Every record from FirstUntrusted on is untrusted.
	FirstUntrusted int64
	Reason         string
}

// Trusted reports whether every examined record verified.
func (rep Report) Trusted() bool { return rep.FirstUntrusted == 0 }

// Verify recomputes hashes from fromSeq to the tip and checks each link. When the recorder
// has a verify key, every record must carry a valid signature.
func (r *Recorder) Verify(ctx context.Context, fromSeq int64) (Report, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	var rep Report
	expectedPrev := domain.GenesisHash
	expectedSeq := fromSeq
	if fromSeq > 1 {
		prev, err := r.repo.List(ctx, fromSeq-1, 1)
		if err != nil {
			return rep, err
		}
		if len(prev) == 0 || prev[0].Sequence != fromSeq-1 {
			return rep, fmt.Errorf("sequence %d not found", fromSeq-1)
		}
		expectedPrev = prev[0].RecordHash
	}
	for {
		page, err := r.repo.List(ctx, expectedSeq, verifyPage)
		if err != nil {
			return rep, err
		}
		for _, rec := range page {
			rep.Checked++
			if reason := r.check(rec, expectedSeq, expectedPrev); reason != "" {
				rep.FirstUntrusted, rep.Reason = rec.Sequence, reason
				r.logger.Warn().Int64("sequence", rec.Sequence).Str("reason", reason).Msg("audit chain broken")
				return rep, nil
			}
			expectedPrev = rec.RecordHash
			expectedSeq++
		}
		if len(page) < verifyPage {
			return rep, nil
		}
	}
}

func (r *Recorder) check(rec *domain.Record, wantSeq int64, wantPrev string) string {
	if rec.Sequence != wantSeq {
		return fmt.Sprintf("sequence gap: want %d", wantSeq)
	}
	if rec.PreviousHash != wantPrev {
		return "previous hash does not match predecessor"
	}
	h, err := Hash(rec)
	if err != nil || h != rec.RecordHash {
		return "record hash mismatch"
	}
	if r.signer.CanVerify() {
		if rec.Signature == "" {
			return "missing signature"
		}
		if err := r.signer.Verify(rec.Signature, rec.Sequence, rec.RecordHash); err != nil {
			return "invalid signature"
		}
	}
	return ""
}

// VerifyChain reports whether every record from fromSeq on verifies.
func (r *Recorder) VerifyChain(ctx context.Context, fromSeq int64) (bool, error) {
	rep, err := r.Verify(ctx, fromSeq)
	if err != nil {
		return false, err
	}
	return rep.Trusted(), nil
}

// Export returns up to limit records starting at fromSeq, oldest first.
func (r *Recorder) Export(ctx context.Context, fromSeq int64, limit int) ([]*domain.Record, error) {
	return r.repo.List(ctx, fromSeq, limit)
}
