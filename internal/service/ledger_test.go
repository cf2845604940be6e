package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/config"
	"tally/internal/model"
	"tally/internal/telemetry"
)

type fakeLedger struct {
	accounts map[string]*model.TokenAccount
	appends  []model.AppendRequest
	byKey    map[string]*model.AppendResult
	receipts []*model.PurchaseReceipt
	pruned   map[string]int64
	oldIDs   []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[string]*model.TokenAccount),
		byKey:    make(map[string]*model.AppendResult),
		pruned:   make(map[string]int64),
	}
}

func (f *fakeLedger) AppendEntry(_ context.Context, req model.AppendRequest) (*model.AppendResult, error) {
	dedupKey := req.AccountID + "\x00" + req.IdempotencyKey
	if req.IdempotencyKey != "" {
		if prior, ok := f.byKey[dedupKey]; ok {
			return &model.AppendResult{Entry: prior.Entry, Account: prior.Account, Deduplicated: true}, nil
		}
	}
	f.appends = append(f.appends, req)
	entry := &model.LedgerEntry{
		ID: model.NewEntryID(), AccountID: req.AccountID, Action: req.Action,
		Amount: req.Amount, Source: req.Source, Metadata: req.Metadata,
	}
	acct := f.accounts[req.AccountID]
	if acct == nil {
		acct = &model.TokenAccount{AccountID: req.AccountID, Tier: "default"}
	}
	b, err := model.Apply(acct.Balances, entry)
	if err != nil {
		return nil, err
	}
	acct.Balances = b
	entry.Resulting = b
	f.accounts[req.AccountID] = acct
	res := &model.AppendResult{Entry: entry, Account: acct}
	if req.IdempotencyKey != "" {
		f.byKey[dedupKey] = res
	}
	return res, nil
}

func (f *fakeLedger) GetAccount(_ context.Context, id string) (*model.TokenAccount, error) {
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, model.Errorf(model.CodeNotFound, "account %s not found", id)
}

func (f *fakeLedger) GetEntries(context.Context, string, time.Time, int) ([]*model.LedgerEntry, error) {
	return nil, nil
}

func (f *fakeLedger) GetStats(_ context.Context, from, to time.Time) (*model.LedgerStats, error) {
	return &model.LedgerStats{From: from, To: to}, nil
}

func (f *fakeLedger) ListAccounts(_ context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	for id := range f.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sortStrings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeLedger) ListAccountsWithEntriesBefore(_ context.Context, _ time.Time, afterID string, _ int) ([]string, error) {
	if afterID != "" {
		return nil, nil
	}
	return f.oldIDs, nil
}

func (f *fakeLedger) PruneAccountEntries(_ context.Context, id string, _ time.Time, _ int) (int64, int, error) {
	f.pruned[id] = 7
	return 7, 1, nil
}

func (f *fakeLedger) SaveReceipt(_ context.Context, r *model.PurchaseReceipt) error {
	f.receipts = append(f.receipts, r)
	return nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

type fakeGuard struct {
	cost      int64
	err       error
	available int64
	calls     int
}

func (f *fakeGuard) Check(_ context.Context, _ model.DebitRequest, available int64) (int64, error) {
	f.calls++
	f.available = available
	return f.cost, f.err
}

type fakeReconciler struct {
	results map[string]*model.ReconciliationResult
	errFor  map[string]error
}

func (f *fakeReconciler) ReconcileAccount(_ context.Context, id string) (*model.ReconciliationResult, error) {
	if err := f.errFor[id]; err != nil {
		return nil, err
	}
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return &model.ReconciliationResult{AccountID: id, Balanced: true}, nil
}

func (f *fakeReconciler) Sweep(context.Context) (*model.SweepSummary, error) {
	return &model.SweepSummary{}, nil
}

type fakeVerifier struct{}

func (fakeVerifier) VerifyAndCredit(context.Context, model.PurchaseRequest) (*model.PurchaseResult, error) {
	return &model.PurchaseResult{Verified: true}, nil
}

func serviceConfig() *config.Config {
	return &config.Config{
		Tiers: map[string]model.Grant{
			"default": {Free: 20, Welcome: 20, Monthly: 100},
			"premium": {Free: 50, Welcome: 50, Monthly: 500},
		},
		DefaultTier:      "default",
		RetentionDays:    90,
		CleanupBatchSize: 500,
	}
}

func newTestService(ledger *fakeLedger, guard *fakeGuard, rec *fakeReconciler) *Service {
	if rec == nil {
		rec = &fakeReconciler{results: map[string]*model.ReconciliationResult{}, errFor: map[string]error{}}
	}
	return New(ledger, guard, fakeVerifier{}, rec, telemetry.New(nil), serviceConfig())
}

func TestDebit_AppendsComputedCost(t *testing.T) {
	ledger := newFakeLedger()
	ledger.accounts["acct-1"] = &model.TokenAccount{
		AccountID: "acct-1", Tier: "default",
		Balances: model.Balances{Free: 20, Welcome: 20, Monthly: 50},
	}
	guard := &fakeGuard{cost: 12}
	svc := newTestService(ledger, guard, nil)

	res, err := svc.Debit(context.Background(), model.DebitRequest{
		AccountID:      "acct-1",
		ActionType:     "flashcards",
		Units:          1200,
		IdempotencyKey: "req-1",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(90), guard.available, "guard sees the summed balance")
	assert.Equal(t, int64(12), res.Cost)
	assert.Equal(t, model.Balances{Free: 8, Welcome: 20, Monthly: 50}, res.Account.Balances)

	require.Len(t, ledger.appends, 1)
	got := ledger.appends[0]
	assert.Equal(t, model.ActionDebit, got.Action)
	assert.Equal(t, model.SourceConsumption, got.Source)
	assert.Equal(t, int64(12), got.Amount)
	assert.Equal(t, "req-1", got.IdempotencyKey)
}

func TestDebit_NewAccountUsesCreationGrant(t *testing.T) {
	guard := &fakeGuard{cost: 5}
	svc := newTestService(newFakeLedger(), guard, nil)

	_, err := svc.Debit(context.Background(), model.DebitRequest{
		AccountID:      "fresh",
		ActionType:     "explain",
		IdempotencyKey: "req-1",
	})
	require.Error(t, err) // fake ledger has no creation grant, debit overdraws
	assert.Equal(t, int64(40), guard.available,
		"a not-yet-created account is worth its creation grant")
}

func TestDebit_GuardRejectionStopsLedgerWrite(t *testing.T) {
	ledger := newFakeLedger()
	guard := &fakeGuard{err: model.RateLimited("limit reached", time.Minute)}
	svc := newTestService(ledger, guard, nil)

	_, err := svc.Debit(context.Background(), model.DebitRequest{
		AccountID:      "acct-1",
		ActionType:     "explain",
		IdempotencyKey: "req-1",
	})
	assert.Equal(t, model.CodeRateLimited, model.CodeOf(err))
	assert.Empty(t, ledger.appends)
}

func TestDebit_Validation(t *testing.T) {
	guard := &fakeGuard{cost: 1}
	svc := newTestService(newFakeLedger(), guard, nil)
	ctx := context.Background()

	_, err := svc.Debit(ctx, model.DebitRequest{ActionType: "explain", IdempotencyKey: "k"})
	assert.Equal(t, model.CodeUnauthenticated, model.CodeOf(err))

	_, err = svc.Debit(ctx, model.DebitRequest{AccountID: "a", ActionType: "explain"})
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))

	assert.Zero(t, guard.calls, "invalid requests never reach the guard")
}

func TestCredit_SourcePolicy(t *testing.T) {
	svc := newTestService(newFakeLedger(), &fakeGuard{}, nil)
	ctx := context.Background()

	_, err := svc.Credit(ctx, model.CreditRequest{AccountID: "a", Amount: 10, Source: model.SourceRefund})
	assert.NoError(t, err)

	// Purchases must go through VerifyAndCredit, not the raw credit op.
	_, err = svc.Credit(ctx, model.CreditRequest{AccountID: "a", Amount: 10, Source: model.SourcePurchase})
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))

	_, err = svc.Credit(ctx, model.CreditRequest{AccountID: "a", Amount: 0, Source: model.SourceRefund})
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
}

func TestMonthlyReset_UsesTierGrants(t *testing.T) {
	ledger := newFakeLedger()
	ledger.accounts["basic"] = &model.TokenAccount{AccountID: "basic", Tier: "default"}
	ledger.accounts["vip"] = &model.TokenAccount{AccountID: "vip", Tier: "premium"}
	svc := newTestService(ledger, &fakeGuard{}, nil)

	summary, err := svc.MonthlyReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Reset)
	assert.Zero(t, summary.Failed)

	byAccount := map[string]model.AppendRequest{}
	for _, a := range ledger.appends {
		byAccount[a.AccountID] = a
	}
	require.Len(t, byAccount, 2)

	basic := byAccount["basic"]
	assert.Equal(t, model.ActionReset, basic.Action)
	assert.Equal(t, int64(100), basic.Amount)
	assert.Equal(t, "20", basic.Metadata[model.MetaGrantFree])

	vip := byAccount["vip"]
	assert.Equal(t, int64(500), vip.Amount)
	assert.Equal(t, "50", vip.Metadata[model.MetaGrantWelcome])
	assert.Contains(t, vip.IdempotencyKey, "monthly-reset:")
}

func TestMonthlyReset_ReplayedTriggerKeepsMidCycleCredits(t *testing.T) {
	ledger := newFakeLedger()
	ledger.accounts["acct-1"] = &model.TokenAccount{AccountID: "acct-1", Tier: "default"}
	svc := newTestService(ledger, &fakeGuard{}, nil)
	ctx := context.Background()

	_, err := svc.MonthlyReset(ctx)
	require.NoError(t, err)
	afterReset := ledger.accounts["acct-1"].Balances
	require.Equal(t, int64(100), afterReset.Monthly)

	// A purchase lands mid-cycle.
	_, err = svc.Credit(ctx, model.CreditRequest{
		AccountID:      "acct-1",
		Amount:         50,
		Source:         model.SourceAdjustment,
		IdempotencyKey: "txn-50",
	})
	require.NoError(t, err)
	require.Equal(t, int64(150), ledger.accounts["acct-1"].Balances.Monthly)

	// The scheduler replays the trigger later in the same cycle: the
	// cycle-scoped reset must resolve to the original entry, not wipe
	// the credit back to the plan grant.
	appendsBefore := len(ledger.appends)
	summary, err := svc.MonthlyReset(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)
	assert.Len(t, ledger.appends, appendsBefore, "replayed reset must not append a second entry")
	assert.Equal(t, int64(150), ledger.accounts["acct-1"].Balances.Monthly)

	// And the reset's key is pinned for the whole cycle, not just the
	// short duplicate-suppression window.
	var reset model.AppendRequest
	for _, a := range ledger.appends {
		if a.Action == model.ActionReset {
			reset = a
		}
	}
	assert.Greater(t, reset.IdempotencyWindow, 31*24*time.Hour)
}

func TestCleanupOldEntries_SkipsUnreconciledAccounts(t *testing.T) {
	ledger := newFakeLedger()
	ledger.oldIDs = []string{"clean", "drifted", "broken"}
	rec := &fakeReconciler{
		results: map[string]*model.ReconciliationResult{
			"drifted": {AccountID: "drifted", Balanced: false, Difference: 5},
		},
		errFor: map[string]error{
			"broken": errors.New("pg: timeout"),
		},
	}
	svc := newTestService(ledger, &fakeGuard{}, rec)

	res, err := svc.CleanupOldEntries(context.Background(), 30)
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.Deleted)
	assert.Equal(t, 2, res.SkippedAccounts)
	assert.Contains(t, ledger.pruned, "clean")
	assert.NotContains(t, ledger.pruned, "drifted")
	assert.NotContains(t, ledger.pruned, "broken")
}

func TestGetLedgerStats_EmptyPeriodRejected(t *testing.T) {
	svc := newTestService(newFakeLedger(), &fakeGuard{}, nil)
	at := time.Now()
	_, err := svc.GetLedgerStats(context.Background(), at, at)
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
}

func TestRepairReceipt(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, &fakeGuard{}, nil)
	ctx := context.Background()

	err := svc.RepairReceipt(ctx, model.PurchaseCreditedEvent{
		AccountID:             "acct-1",
		PlatformTransactionID: "txn-9",
		ProductID:             "tokens_50",
		Platform:              "google",
		TokensGranted:         50,
	})
	require.NoError(t, err)
	require.Len(t, ledger.receipts, 1)
	assert.Equal(t, "txn-9", ledger.receipts[0].PlatformTransactionID)

	err = svc.RepairReceipt(ctx, model.PurchaseCreditedEvent{AccountID: "acct-1"})
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
}
