package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/model"
	"tally/internal/telemetry"
)

type mockStore struct {
	mu       sync.Mutex
	accounts map[string]*model.TokenAccount
	entries  map[string][]*model.LedgerEntry
	saved    []*model.ReconciliationResult
	failFor  map[string]error
}

func newMockStore() *mockStore {
	return &mockStore{
		accounts: make(map[string]*model.TokenAccount),
		entries:  make(map[string][]*model.LedgerEntry),
		failFor:  make(map[string]error),
	}
}

// seed appends entries for an account and projects the live balance.
func (m *mockStore) seed(accountID string, entries ...*model.LedgerEntry) {
	b, err := model.Replay(entries)
	if err != nil {
		panic(err)
	}
	m.entries[accountID] = entries
	m.accounts[accountID] = &model.TokenAccount{AccountID: accountID, Balances: b}
}

func (m *mockStore) GetAccount(_ context.Context, id string) (*model.TokenAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[id]; err != nil {
		return nil, err
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, model.Errorf(model.CodeNotFound, "account %s not found", id)
	}
	return a, nil
}

func (m *mockStore) GetEntries(_ context.Context, id string, _ time.Time, _ int) ([]*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[id]; err != nil {
		return nil, err
	}
	return m.entries[id], nil
}

func (m *mockStore) SaveReconciliation(_ context.Context, r *model.ReconciliationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, r)
	return nil
}

func (m *mockStore) ListAccounts(_ context.Context, afterID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func creditEntry(amount int64) *model.LedgerEntry {
	return &model.LedgerEntry{ID: model.NewEntryID(), Action: model.ActionCredit,
		Amount: amount, Source: model.SourcePurchase}
}

func debitEntry(amount int64) *model.LedgerEntry {
	return &model.LedgerEntry{ID: model.NewEntryID(), Action: model.ActionDebit,
		Amount: amount, Source: model.SourceConsumption}
}

func newTestReconciler(store Store) *Reconciler {
	return New(store, telemetry.New(nil), 4)
}

func TestReconcileAccount_Balanced(t *testing.T) {
	store := newMockStore()
	store.seed("acct-1", creditEntry(100), debitEntry(30))

	r := newTestReconciler(store)
	res, err := r.ReconcileAccount(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.True(t, res.Balanced)
	assert.Equal(t, int64(70), res.Expected)
	assert.Equal(t, int64(70), res.Actual)
	assert.Zero(t, res.Difference)
	assert.Empty(t, store.saved, "balanced results are not persisted")
}

func TestReconcileAccount_DetectsDrift(t *testing.T) {
	store := newMockStore()
	store.seed("acct-1", creditEntry(100), debitEntry(30))

	// Out-of-band mutation: the aggregate no longer matches the ledger.
	store.accounts["acct-1"].Balances.Monthly += 25

	r := newTestReconciler(store)
	res, err := r.ReconcileAccount(context.Background(), "acct-1")
	require.NoError(t, err, "a mismatch is a finding, not an error")

	assert.False(t, res.Balanced)
	assert.Equal(t, int64(70), res.Expected)
	assert.Equal(t, int64(95), res.Actual)
	assert.Equal(t, int64(25), res.Difference)

	require.Len(t, store.saved, 1)
	assert.Equal(t, res.Difference, store.saved[0].Difference)

	// The live balance was not silently repaired.
	assert.Equal(t, int64(95), store.accounts["acct-1"].Balances.Total())
}

func TestReconcileAccount_MissingAccountID(t *testing.T) {
	r := newTestReconciler(newMockStore())
	_, err := r.ReconcileAccount(context.Background(), "")
	assert.Equal(t, model.CodeUnauthenticated, model.CodeOf(err))
}

func TestSweep_AggregatesAndToleratesFailures(t *testing.T) {
	store := newMockStore()
	for _, id := range []string{"acct-a", "acct-b", "acct-c", "acct-d"} {
		store.seed(id, creditEntry(10))
	}
	store.accounts["acct-b"].Balances.Monthly = 99 // drift
	store.failFor["acct-c"] = errors.New("pg: timeout")

	r := newTestReconciler(store)
	summary, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Checked)
	assert.Equal(t, 2, summary.Balanced)
	assert.Equal(t, 1, summary.Mismatched)
	assert.Equal(t, 1, summary.Failed)
}

func TestSweep_PagesThroughManyAccounts(t *testing.T) {
	store := newMockStore()
	for i := 0; i < 250; i++ {
		store.seed(fmt.Sprintf("acct-%04d", i), creditEntry(int64(i+1)))
	}

	r := newTestReconciler(store)
	summary, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 250, summary.Checked)
	assert.Equal(t, 250, summary.Balanced)
}
