package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// ReconcileReport counts the outcome of one reconciliation pass.
type ReconcileReport struct {
	Scanned     int `json:"scanned"`
	Finalized   int `json:"finalized"`
	Resubmitted int `json:"resubmitted"`
	Failed      int `json:"failed"`
	Diverged    int `json:"diverged"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

// Reconciler drives records left in uploaded to a terminal state. A record
// whose hash is anchored by our issuer with our CID is finalized and a
// missing anchor is resubmitted. Any other ledger entry is reported as
// diverged once and the record is failed.
type Reconciler struct {
	p   *Pipeline
	log *slog.Logger
}

func NewReconciler(p *Pipeline, log *slog.Logger) *Reconciler {
	return &Reconciler{p: p, log: log}
}

// Run reconciles once immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := r.ReconcileOnce(ctx)
		if err != nil {
			r.log.Error("Reconciliation pass failed", "err", err)
		} else if report.Scanned > 0 {
			r.log.Info("Reconciliation pass",
				slog.Int("scanned", report.Scanned),
				slog.Int("finalized", report.Finalized),
				slog.Int("resubmitted", report.Resubmitted),
				slog.Int("failed", report.Failed),
				slog.Int("diverged", report.Diverged),
				slog.Int("skipped", report.Skipped),
				slog.Int("errors", report.Errors))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type reconcileOutcome string

const (
	outcomeFinalized   reconcileOutcome = "finalized"
	outcomeResubmitted reconcileOutcome = "resubmitted"
	outcomeFailed      reconcileOutcome = "failed"
	outcomeDiverged    reconcileOutcome = "diverged"
	outcomeSkipped     reconcileOutcome = "skipped"
	outcomeError       reconcileOutcome = "error"
)

// ReconcileOnce processes one batch of stale uploaded records.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	cutoff := r.p.now().Add(-r.p.cfg.ReconcileAfter)
	stale, err := r.p.docs.ListStale(ctx, interfaces.StatusUploaded, cutoff, r.p.cfg.ReconcileBatch)
	if err != nil {
		return report, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list stale records")
	}

	for _, doc := range stale {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		outcome, err := r.reconcile(ctx, doc.DocumentHash)
		if err != nil && outcome == outcomeError {
			r.log.Warn("Failed to reconcile record", "err", err, slog.String("documentHash", doc.DocumentHash.String()))
		}
		r.p.metrics.IncReconciler(string(outcome))

		switch outcome {
		case outcomeFinalized:
			report.Finalized++
		case outcomeResubmitted:
			report.Resubmitted++
		case outcomeFailed:
			report.Failed++
		case outcomeDiverged:
			report.Diverged++
		case outcomeSkipped:
			report.Skipped++
		default:
			report.Errors++
		}
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, hash interfaces.DocumentHash) (reconcileOutcome, error) {
	unlock, ok := r.p.locks.TryLock(hash)
	if !ok {
		return outcomeSkipped, nil
	}
	defer unlock()

	if r.p.cfg.LedgerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.p.cfg.LedgerTimeout)
		defer cancel()
	}

	doc, err := r.p.docs.Get(ctx, hash)
	if err != nil {
		return outcomeError, err
	}
	if doc.Status != interfaces.StatusUploaded {
		return outcomeSkipped, nil
	}

	entry, err := r.p.ledger.GetDocument(ctx, hash)
	switch {
	case errors.Is(err, interfaces.ErrNotAnchored):
		return r.resubmit(ctx, doc)
	case err != nil:
		return outcomeError, err
	case !matchesDraft(doc, entry):
		err := r.p.diverged(ctx, doc, entry)
		r.p.fail(ctx, doc, "ledger entry does not match draft")
		return outcomeDiverged, err
	}

	receipt, err := r.p.ledger.FindRegistration(ctx, hash)
	if err != nil {
		return outcomeError, err
	}
	if _, err := r.p.finalize(ctx, hash, receipt); err != nil {
		if interfaces.HasKind(err, interfaces.KindLedgerDiverged) {
			return outcomeDiverged, err
		}
		return outcomeError, err
	}
	r.log.Info("Reconciled anchored record",
		slog.String("documentHash", hash.String()), slog.String("tx", receipt.TxHash.String()))
	return outcomeFinalized, nil
}

// resubmit anchors a record the ledger has never seen, with the same failure
// policy as a live registration.
func (r *Reconciler) resubmit(ctx context.Context, doc *interfaces.Document) (reconcileOutcome, error) {
	receipt, err := RetryValue(ctx, r.p.retry, func(ctx context.Context) (*interfaces.Receipt, error) {
		return r.p.anchor(ctx, doc)
	})
	if err != nil {
		err = r.p.anchorFailed(ctx, doc, err)
		switch interfaces.KindOf(err) {
		case interfaces.KindLedgerRejected, interfaces.KindDuplicateDocument:
			return outcomeFailed, err
		}
		return outcomeError, err
	}
	if _, err := r.p.finalize(ctx, doc.DocumentHash, receipt); err != nil {
		return outcomeError, err
	}
	r.log.Info("Resubmitted unanchored record",
		slog.String("documentHash", doc.DocumentHash.String()), slog.String("tx", receipt.TxHash.String()))
	return outcomeResubmitted, nil
}
