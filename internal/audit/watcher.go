package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/telemetry/otel"
)

// Watcher verifies the chain periodically. Each pass starts at the first record not yet
// verified; every fullEvery-th pass starts again at sequence 1.
type Watcher struct {
	rec       *Recorder
	metrics   *otel.Metrics
	fullEvery int
	next      int64
	passes    int
	logger    zerolog.Logger
}

// NewWatcher returns a Watcher over rec. fullEvery <= 0 never re-verifies from the start.
func NewWatcher(rec *Recorder, metrics *otel.Metrics, fullEvery int, logger zerolog.Logger) *Watcher {
	return &Watcher{
		rec:       rec,
		metrics:   metrics,
		fullEvery: fullEvery,
		next:      1,
		logger:    logger.With().Str("component", "audit-watcher").Logger(),
	}
}

// Check runs one verification pass. A broken chain is reported in the Report, not as an
// error, and the next pass re-checks from the same position.
func (w *Watcher) Check(ctx context.Context) (Report, error) {
	w.passes++
	from := w.next
	if w.fullEvery > 0 && w.passes%w.fullEvery == 0 {
		from = 1
	}
	rep, err := w.rec.Verify(ctx, from)
	if err != nil {
		w.logger.Error().Err(err).Int64("from", from).Msg("audit verification failed")
		return rep, err
	}
	w.metrics.AuditVerification(ctx, rep.Trusted())
	if !rep.Trusted() {
		w.logger.Error().Int64("from", from).Int64("first_untrusted", rep.FirstUntrusted).Str("reason", rep.Reason).Msg("audit chain untrusted")
		return rep, nil
	}
	if next := from + int64(rep.Checked); next > w.next {
		w.next = next
	}
	w.logger.Debug().Int64("from", from).Int("checked", rep.Checked).Msg("audit chain verified")
	return rep, nil
}

// Next is the first sequence the next incremental pass will verify.
func (w *Watcher) Next() int64 { return w.next }

// Run checks immediately and then every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	_, _ = w.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Check(ctx)
		}
	}
}
