// Package reconcile recomputes expected balances from the ledger and
// compares them to the projected aggregates. It is a read-mostly
// observer: mismatches are recorded for review, never auto-corrected,
// so a drift-causing bug is surfaced instead of masked.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tally/internal/metrics"
	"tally/internal/model"
	"tally/internal/telemetry"
)

// Store is the read (plus mismatch-record) slice of the ledger store.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*model.TokenAccount, error)
	GetEntries(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.LedgerEntry, error)
	SaveReconciliation(ctx context.Context, r *model.ReconciliationResult) error
	ListAccounts(ctx context.Context, afterID string, limit int) ([]string, error)
}

const sweepPageSize = 100

type Reconciler struct {
	store       Store
	sink        *telemetry.Sink
	parallelism int
}

func New(store Store, sink *telemetry.Sink, parallelism int) *Reconciler {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Reconciler{store: store, sink: sink, parallelism: parallelism}
}

// ReconcileAccount replays one account's ledger and compares the result
// against the live aggregate. A mismatch is persisted and reported; it
// is not an error.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID string) (*model.ReconciliationResult, error) {
	if accountID == "" {
		return nil, model.Errorf(model.CodeUnauthenticated, "missing account id")
	}

	entries, err := r.store.GetEntries(ctx, accountID, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	expected, err := model.Replay(entries)
	if err != nil {
		metrics.ReconciliationChecks.WithLabelValues("failed").Inc()
		return nil, model.WrapInternal(err, fmt.Sprintf("ledger replay failed for %s", accountID))
	}

	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	res := &model.ReconciliationResult{
		AccountID:    accountID,
		Expected:     expected.Total(),
		Actual:       acct.Balances.Total(),
		ReconciledAt: time.Now().UTC(),
	}
	res.Difference = res.Actual - res.Expected
	res.Balanced = res.Difference == 0

	if res.Balanced {
		metrics.ReconciliationChecks.WithLabelValues("balanced").Inc()
		r.sink.LogEvent("reconcile.balanced", map[string]any{
			"account_id": accountID,
			"balance":    res.Actual,
		})
		return res, nil
	}

	metrics.ReconciliationChecks.WithLabelValues("mismatched").Inc()
	slog.Error("reconciliation mismatch",
		"account_id", accountID,
		"expected", res.Expected,
		"actual", res.Actual,
		"difference", res.Difference)
	if err := r.store.SaveReconciliation(ctx, res); err != nil {
		return nil, err
	}
	r.sink.LogEvent("reconcile.mismatch", map[string]any{
		"account_id": accountID,
		"expected":   res.Expected,
		"actual":     res.Actual,
		"difference": res.Difference,
	})
	return res, nil
}

// Sweep reconciles every account with bounded parallelism. Individual
// account failures are counted, never abort the batch, and no lock held
// here blocks concurrent debit or credit traffic.
func (r *Reconciler) Sweep(ctx context.Context) (*model.SweepSummary, error) {
	summary := &model.SweepSummary{}
	var mu sync.Mutex

	afterID := ""
	for {
		ids, err := r.store.ListAccounts(ctx, afterID, sweepPageSize)
		if err != nil {
			return summary, err
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.parallelism)
		for _, id := range ids {
			g.Go(func() error {
				res, err := r.ReconcileAccount(gctx, id)

				mu.Lock()
				defer mu.Unlock()
				summary.Checked++
				switch {
				case err != nil:
					summary.Failed++
					slog.Warn("sweep: account reconciliation failed", "account_id", id, "error", err)
				case res.Balanced:
					summary.Balanced++
				default:
					summary.Mismatched++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return summary, err
		}
	}

	slog.Info("reconciliation sweep finished",
		"checked", summary.Checked,
		"balanced", summary.Balanced,
		"mismatched", summary.Mismatched,
		"failed", summary.Failed)
	r.sink.LogEvent("reconcile.sweep", map[string]any{
		"checked":    summary.Checked,
		"balanced":   summary.Balanced,
		"mismatched": summary.Mismatched,
		"failed":     summary.Failed,
	})
	return summary, nil
}
