package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Action is the accounting effect of a ledger entry.
type Action string

const (
	ActionCredit Action = "credit"
	ActionDebit  Action = "debit"
	ActionReset  Action = "reset"
)

// Source is the business reason an entry was written.
type Source string

const (
	SourcePurchase     Source = "purchase"
	SourceConsumption  Source = "consumption"
	SourceFreeAction   Source = "free-action"
	SourceWelcomeBonus Source = "welcome-bonus"
	SourceMonthlyReset Source = "monthly-reset"
	SourceRefund       Source = "refund"
	SourceAdjustment   Source = "adjustment"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCredit, ActionDebit, ActionReset:
		return true
	}
	return false
}

func (s Source) Valid() bool {
	switch s {
	case SourcePurchase, SourceConsumption, SourceFreeAction,
		SourceWelcomeBonus, SourceMonthlyReset, SourceRefund, SourceAdjustment:
		return true
	}
	return false
}

// Metadata keys a reset entry uses to carry its grant, so a replay can
// reproduce the overwrite without consulting the policy table.
const (
	MetaGrantFree    = "grant_free"
	MetaGrantWelcome = "grant_welcome"
)

// Balances holds the three token pools of an account. Debits consume
// Free first, then Welcome, then Monthly; credits land in Monthly only.
type Balances struct {
	Free    int64 `json:"free"`
	Welcome int64 `json:"welcome"`
	Monthly int64 `json:"monthly"`
}

func (b Balances) Total() int64 {
	return b.Free + b.Welcome + b.Monthly
}

// Debit consumes amount across the pools in fixed order. It is all or
// nothing: if the pools jointly cannot cover amount, the receiver is
// returned unchanged along with an INSUFFICIENT_BALANCE error.
func (b Balances) Debit(amount int64) (Balances, error) {
	if amount < 0 {
		return b, Errorf(CodeInvalidArgument, "debit amount must be non-negative, got %d", amount)
	}
	if b.Total() < amount {
		return b, Errorf(CodeInsufficientBalance, "balance %d cannot cover debit of %d", b.Total(), amount)
	}
	remaining := amount
	take := func(pool *int64) {
		n := min(*pool, remaining)
		*pool -= n
		remaining -= n
	}
	take(&b.Free)
	take(&b.Welcome)
	take(&b.Monthly)
	return b, nil
}

// Credit adds amount to the monthly pool.
func (b Balances) Credit(amount int64) (Balances, error) {
	if amount < 0 {
		return b, Errorf(CodeInvalidArgument, "credit amount must be non-negative, got %d", amount)
	}
	b.Monthly += amount
	return b, nil
}

// Grant is the plan-defined pool allocation for an account tier.
type Grant struct {
	Free    int64
	Welcome int64
	Monthly int64
}

func (g Grant) Balances() Balances {
	return Balances{Free: g.Free, Welcome: g.Welcome, Monthly: g.Monthly}
}

// LedgerEntry is one immutable row of the append-only ledger. Resulting
// is the account's pool state immediately after this entry applied; it
// lets a retried idempotent call return the original outcome.
type LedgerEntry struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Action         Action            `json:"action"`
	Amount         int64             `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Source         Source            `json:"source"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Resulting      Balances          `json:"resulting"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewEntryID returns a fresh UUIDv7, unique and sortable by creation.
func NewEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// Apply returns the balances after applying one entry to b. Reset
// entries overwrite: Monthly from the entry amount, Free and Welcome
// from the grant carried in entry metadata.
func Apply(b Balances, e *LedgerEntry) (Balances, error) {
	switch e.Action {
	case ActionCredit:
		return b.Credit(e.Amount)
	case ActionDebit:
		return b.Debit(e.Amount)
	case ActionReset:
		return Balances{
			Free:    metaInt(e.Metadata, MetaGrantFree),
			Welcome: metaInt(e.Metadata, MetaGrantWelcome),
			Monthly: e.Amount,
		}, nil
	default:
		return b, Errorf(CodeInvalidArgument, "unknown ledger action %q", e.Action)
	}
}

// Replay folds entries in creation order from a zero balance. It is
// the reference computation for reconciliation: the result must equal
// the live account the projector maintains.
func Replay(entries []*LedgerEntry) (Balances, error) {
	var b Balances
	var err error
	for _, e := range entries {
		b, err = Apply(b, e)
		if err != nil {
			return b, fmt.Errorf("replay entry %s: %w", e.ID, err)
		}
	}
	return b, nil
}

func metaInt(m map[string]string, key string) int64 {
	v, err := strconv.ParseInt(m[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// TokenAccount is the mutable aggregate projected from the ledger. It
// is created lazily on an account's first entry and never deleted.
type TokenAccount struct {
	AccountID     string    `json:"account_id"`
	Tier          string    `json:"tier"`
	Balances      Balances  `json:"balances"`
	LastEntryID   string    `json:"last_entry_id"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// PurchaseReceipt is the audit record of a verified purchase and the
// replay-protection key for its platform transaction.
type PurchaseReceipt struct {
	AccountID             string    `json:"account_id"`
	PlatformTransactionID string    `json:"platform_transaction_id"`
	ProductID             string    `json:"product_id"`
	TokensGranted         int64     `json:"tokens_granted"`
	Platform              string    `json:"platform"`
	Status                string    `json:"status"`
	VerifiedAt            time.Time `json:"verified_at"`
}

// ReconciliationResult records one replay-vs-live comparison. Only
// mismatches are persisted.
type ReconciliationResult struct {
	AccountID    string    `json:"account_id"`
	Expected     int64     `json:"expected_balance"`
	Actual       int64     `json:"actual_balance"`
	Difference   int64     `json:"difference"`
	Balanced     bool      `json:"balanced"`
	ReconciledAt time.Time `json:"reconciled_at"`
}

// SweepSummary aggregates one reconciliation sweep over all accounts.
type SweepSummary struct {
	Checked    int `json:"checked"`
	Balanced   int `json:"balanced"`
	Mismatched int `json:"mismatched"`
	Failed     int `json:"failed"`
}

// LedgerStats summarises ledger activity over a period.
type LedgerStats struct {
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
	EntryCount    int64            `json:"entry_count"`
	TotalCredited int64            `json:"total_credited"`
	TotalDebited  int64            `json:"total_debited"`
	BySource      map[Source]int64 `json:"by_source"`
}
