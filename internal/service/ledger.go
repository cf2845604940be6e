// Package service composes the guard, ledger store, purchase verifier
// and reconciler behind one interface. All transport layers (HTTP,
// NATS) depend on LedgerService, not on the concrete components.
package service

import (
	"context"
	"strconv"
	"time"

	"tally/internal/config"
	"tally/internal/metrics"
	"tally/internal/model"
	"tally/internal/telemetry"
)

// LedgerService is the caller-facing operation surface.
type LedgerService interface {
	Debit(ctx context.Context, req model.DebitRequest) (*model.DebitResult, error)
	Credit(ctx context.Context, req model.CreditRequest) (*model.AppendResult, error)
	GetAccount(ctx context.Context, accountID string) (*model.TokenAccount, error)
	GetLedgerEntries(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.LedgerEntry, error)
	GetLedgerStats(ctx context.Context, from, to time.Time) (*model.LedgerStats, error)
	VerifyAndCredit(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResult, error)
	ReconcileAccount(ctx context.Context, accountID string) (*model.ReconciliationResult, error)
	ReconcileSweep(ctx context.Context) (*model.SweepSummary, error)
	MonthlyReset(ctx context.Context) (*model.ResetSummary, error)
	CleanupOldEntries(ctx context.Context, olderThanDays int) (*model.CleanupResult, error)
	RepairReceipt(ctx context.Context, ev model.PurchaseCreditedEvent) error
}

// Ledger is the store slice the service orchestrates.
type Ledger interface {
	AppendEntry(ctx context.Context, req model.AppendRequest) (*model.AppendResult, error)
	GetAccount(ctx context.Context, accountID string) (*model.TokenAccount, error)
	GetEntries(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.LedgerEntry, error)
	GetStats(ctx context.Context, from, to time.Time) (*model.LedgerStats, error)
	ListAccounts(ctx context.Context, afterID string, limit int) ([]string, error)
	ListAccountsWithEntriesBefore(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]string, error)
	PruneAccountEntries(ctx context.Context, accountID string, cutoff time.Time, batchSize int) (int64, int, error)
	SaveReceipt(ctx context.Context, r *model.PurchaseReceipt) error
}

// Guard gates metered debits.
type Guard interface {
	Check(ctx context.Context, req model.DebitRequest, available int64) (int64, error)
}

// Verifier runs the purchase state machine.
type Verifier interface {
	VerifyAndCredit(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResult, error)
}

// Reconciler compares replayed ledgers against live aggregates.
type Reconciler interface {
	ReconcileAccount(ctx context.Context, accountID string) (*model.ReconciliationResult, error)
	Sweep(ctx context.Context) (*model.SweepSummary, error)
}

type Service struct {
	ledger     Ledger
	guard      Guard
	verifier   Verifier
	reconciler Reconciler
	sink       *telemetry.Sink
	cfg        *config.Config
}

func New(ledger Ledger, guard Guard, verifier Verifier, reconciler Reconciler,
	sink *telemetry.Sink, cfg *config.Config) *Service {
	return &Service{
		ledger:     ledger,
		guard:      guard,
		verifier:   verifier,
		reconciler: reconciler,
		sink:       sink,
		cfg:        cfg,
	}
}

var _ LedgerService = (*Service)(nil)

// Debit runs the consumption guard and, if every gate passes, appends a
// consumption debit for the server-computed cost.
func (s *Service) Debit(ctx context.Context, req model.DebitRequest) (*model.DebitResult, error) {
	if req.AccountID == "" {
		return nil, reject(model.Errorf(model.CodeUnauthenticated, "missing account id"))
	}
	if req.IdempotencyKey == "" {
		return nil, reject(model.Errorf(model.CodeInvalidArgument, "idempotency_key is required"))
	}

	available, err := s.availableBalance(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	cost, err := s.guard.Check(ctx, req, available)
	if err != nil {
		return nil, reject(err)
	}

	res, err := s.ledger.AppendEntry(ctx, model.AppendRequest{
		AccountID:      req.AccountID,
		Action:         model.ActionDebit,
		Amount:         cost,
		IdempotencyKey: req.IdempotencyKey,
		Source:         model.SourceConsumption,
		Metadata: map[string]string{
			"action_type": req.ActionType,
			"resource_id": req.ResourceID,
		},
	})
	if err != nil {
		return nil, reject(err)
	}

	if !res.Deduplicated {
		metrics.EntriesAppended.WithLabelValues(string(model.ActionDebit), string(model.SourceConsumption)).Inc()
		s.sink.LogEvent("token.debit", map[string]any{
			"account_id":  req.AccountID,
			"action_type": req.ActionType,
			"cost":        cost,
			"remaining":   res.Account.Balances.Total(),
		})
	}
	return &model.DebitResult{
		Entry:        res.Entry,
		Account:      res.Account,
		Cost:         cost,
		Deduplicated: res.Deduplicated,
	}, nil
}

// Credit grants tokens outside the purchase flow.
func (s *Service) Credit(ctx context.Context, req model.CreditRequest) (*model.AppendResult, error) {
	if req.AccountID == "" {
		return nil, reject(model.Errorf(model.CodeUnauthenticated, "missing account id"))
	}
	if req.Amount <= 0 {
		return nil, reject(model.Errorf(model.CodeInvalidArgument, "credit amount must be positive"))
	}
	switch req.Source {
	case model.SourceRefund, model.SourceAdjustment, model.SourceFreeAction:
	default:
		return nil, reject(model.Errorf(model.CodeInvalidArgument,
			"source %q is not creditable through this operation", req.Source))
	}

	res, err := s.ledger.AppendEntry(ctx, model.AppendRequest{
		AccountID:      req.AccountID,
		Action:         model.ActionCredit,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Source:         req.Source,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, reject(err)
	}
	if !res.Deduplicated {
		metrics.EntriesAppended.WithLabelValues(string(model.ActionCredit), string(req.Source)).Inc()
		s.sink.LogEvent("token.credit", map[string]any{
			"account_id": req.AccountID,
			"source":     req.Source,
			"amount":     req.Amount,
		})
	}
	return res, nil
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (*model.TokenAccount, error) {
	if accountID == "" {
		return nil, model.Errorf(model.CodeUnauthenticated, "missing account id")
	}
	return s.ledger.GetAccount(ctx, accountID)
}

func (s *Service) GetLedgerEntries(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.LedgerEntry, error) {
	if accountID == "" {
		return nil, model.Errorf(model.CodeUnauthenticated, "missing account id")
	}
	return s.ledger.GetEntries(ctx, accountID, since, limit)
}

func (s *Service) GetLedgerStats(ctx context.Context, from, to time.Time) (*model.LedgerStats, error) {
	if !from.Before(to) {
		return nil, model.Errorf(model.CodeInvalidArgument, "stats period is empty")
	}
	return s.ledger.GetStats(ctx, from, to)
}

func (s *Service) VerifyAndCredit(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResult, error) {
	return s.verifier.VerifyAndCredit(ctx, req)
}

func (s *Service) ReconcileAccount(ctx context.Context, accountID string) (*model.ReconciliationResult, error) {
	return s.reconciler.ReconcileAccount(ctx, accountID)
}

func (s *Service) ReconcileSweep(ctx context.Context) (*model.SweepSummary, error) {
	return s.reconciler.Sweep(ctx)
}

// MonthlyReset applies each account's tier grant as a reset entry:
// monthly refilled to the plan value, free and welcome back to their
// defaults. The idempotency key scopes retries to the current cycle.
func (s *Service) MonthlyReset(ctx context.Context) (*model.ResetSummary, error) {
	cycle := time.Now().UTC().Format("2006-01")
	summary := &model.ResetSummary{}

	afterID := ""
	for {
		ids, err := s.ledger.ListAccounts(ctx, afterID, 100)
		if err != nil {
			return summary, err
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		for _, id := range ids {
			if err := s.resetAccount(ctx, id, cycle); err != nil {
				summary.Failed++
				continue
			}
			summary.Reset++
		}
	}

	s.sink.LogEvent("token.monthly_reset", map[string]any{
		"cycle":  cycle,
		"reset":  summary.Reset,
		"failed": summary.Failed,
	})
	return summary, nil
}

// resetIdemWindow outlives any cycle, so a replayed trigger weeks into
// the month still resolves to the original reset entry. The key is
// cycle-scoped, so next month's reset is unaffected.
const resetIdemWindow = 40 * 24 * time.Hour

func (s *Service) resetAccount(ctx context.Context, accountID, cycle string) error {
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	_, grant := s.cfg.GrantFor(acct.Tier)

	res, err := s.ledger.AppendEntry(ctx, model.AppendRequest{
		AccountID:         accountID,
		Action:            model.ActionReset,
		Amount:            grant.Monthly,
		IdempotencyKey:    "monthly-reset:" + cycle,
		IdempotencyWindow: resetIdemWindow,
		Source:            model.SourceMonthlyReset,
		Metadata: map[string]string{
			model.MetaGrantFree:    strconv.FormatInt(grant.Free, 10),
			model.MetaGrantWelcome: strconv.FormatInt(grant.Welcome, 10),
			"cycle":                cycle,
		},
	})
	if err != nil {
		return err
	}
	if res.Deduplicated {
		return nil
	}
	metrics.EntriesAppended.WithLabelValues(string(model.ActionReset), string(model.SourceMonthlyReset)).Inc()
	return nil
}

// CleanupOldEntries prunes reconciled ledger history older than the
// given window in bounded batches. Accounts that fail reconciliation,
// or reconcile unbalanced, keep their full history: pruning an account
// in drift would destroy the evidence.
func (s *Service) CleanupOldEntries(ctx context.Context, olderThanDays int) (*model.CleanupResult, error) {
	if olderThanDays <= 0 {
		olderThanDays = s.cfg.RetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	result := &model.CleanupResult{}

	afterID := ""
	for {
		ids, err := s.ledger.ListAccountsWithEntriesBefore(ctx, cutoff, afterID, 100)
		if err != nil {
			return result, err
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		for _, id := range ids {
			recon, err := s.reconciler.ReconcileAccount(ctx, id)
			if err != nil || !recon.Balanced {
				result.SkippedAccounts++
				continue
			}
			deleted, batches, err := s.ledger.PruneAccountEntries(ctx, id, cutoff, s.cfg.CleanupBatchSize)
			if err != nil {
				result.SkippedAccounts++
				continue
			}
			result.Deleted += deleted
			result.Batches += batches
		}
	}

	s.sink.LogEvent("ledger.cleanup", map[string]any{
		"cutoff":           cutoff,
		"deleted":          result.Deleted,
		"skipped_accounts": result.SkippedAccounts,
	})
	return result, nil
}

// RepairReceipt upserts the receipt row for a credited purchase; the
// write is idempotent, so replayed events are harmless.
func (s *Service) RepairReceipt(ctx context.Context, ev model.PurchaseCreditedEvent) error {
	if ev.AccountID == "" || ev.PlatformTransactionID == "" {
		return model.Errorf(model.CodeInvalidArgument, "event is missing account or transaction id")
	}
	return s.ledger.SaveReceipt(ctx, &model.PurchaseReceipt{
		AccountID:             ev.AccountID,
		PlatformTransactionID: ev.PlatformTransactionID,
		ProductID:             ev.ProductID,
		TokensGranted:         ev.TokensGranted,
		Platform:              ev.Platform,
		Status:                "verified",
	})
}

// availableBalance returns the account's spendable total, using the
// creation grant for accounts that do not exist yet: their first debit
// will create them with exactly that grant.
func (s *Service) availableBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		if model.IsCode(err, model.CodeNotFound) {
			_, grant := s.cfg.GrantFor("")
			return grant.Free + grant.Welcome, nil
		}
		return 0, err
	}
	return acct.Balances.Total(), nil
}

func reject(err error) error {
	metrics.RequestsRejected.WithLabelValues(string(model.CodeOf(err))).Inc()
	return err
}
