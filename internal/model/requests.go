package model

import "time"

// DebitRequest is a metered-usage spend. Units is the declared size of
// the action (word count, seconds of media, item count) from which the
// server computes the token cost. Payload carries the semantically
// relevant request fields used for content-hash deduplication; nonces
// and retry tokens must not be included.
type DebitRequest struct {
	AccountID      string            `json:"account_id"`
	ActionType     string            `json:"action_type"`
	Units          int64             `json:"units"`
	ResourceID     string            `json:"resource_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// CreditRequest grants tokens outside the purchase flow (refunds,
// manual adjustments).
type CreditRequest struct {
	AccountID      string            `json:"account_id"`
	Amount         int64             `json:"amount"`
	Source         Source            `json:"source"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DebitResult is returned for both fresh and deduplicated debits.
type DebitResult struct {
	Entry        *LedgerEntry  `json:"entry"`
	Account      *TokenAccount `json:"account"`
	Cost         int64         `json:"cost"`
	Deduplicated bool          `json:"deduplicated"`
}

// PurchaseRequest asks the verifier to validate a platform receipt and
// credit the mapped token grant.
type PurchaseRequest struct {
	AccountID             string `json:"account_id"`
	ProductID             string `json:"product_id"`
	Platform              string `json:"platform"`
	PlatformTransactionID string `json:"platform_transaction_id"`
	ReceiptPayload        string `json:"receipt_payload"`
}

// PurchaseResult reports the outcome of VerifyAndCredit. Replay is true
// when the platform transaction had already been credited; the granted
// amount is then the original grant, not a second one.
type PurchaseResult struct {
	TokensGranted int64 `json:"tokens_granted"`
	Verified      bool  `json:"verified"`
	Replay        bool  `json:"replay"`
}

// PurchaseCreditedEvent is published after a successful credit so the
// receipt-repair worker can guarantee a receipt row exists even if the
// synchronous receipt write failed.
type PurchaseCreditedEvent struct {
	AccountID             string `json:"account_id"`
	PlatformTransactionID string `json:"platform_transaction_id"`
	ProductID             string `json:"product_id"`
	Platform              string `json:"platform"`
	TokensGranted         int64  `json:"tokens_granted"`
}

// Metadata keys written on purchase credit entries; the repair worker
// and the replay check both read them.
const (
	MetaProductID     = "product_id"
	MetaPlatform      = "platform"
	MetaPlatformTxnID = "platform_transaction_id"
)

// MetaCheckpoint marks a compaction baseline written by retention
// cleanup: a reset entry holding the account state at the pruning
// boundary, so replays of the remaining tail still reproduce the live
// balance.
const MetaCheckpoint = "checkpoint"

// AppendRequest is the ledger store's write contract. Tier is only a
// hint for lazy account creation; existing accounts keep their tier.
// IdempotencyWindow overrides the configured duplicate-suppression
// window when positive; long-lived one-shot operations (the monthly
// reset) set it to the span their key must stay unique over.
type AppendRequest struct {
	AccountID         string
	Action            Action
	Amount            int64
	IdempotencyKey    string
	Source            Source
	Metadata          map[string]string
	Tier              string
	IdempotencyWindow time.Duration
}

// AppendResult reports an appended (or deduplicated) ledger write.
type AppendResult struct {
	Entry        *LedgerEntry  `json:"entry"`
	Account      *TokenAccount `json:"account"`
	Deduplicated bool          `json:"deduplicated"`
}

// CleanupResult summarises one retention-cleanup run.
type CleanupResult struct {
	Deleted         int64 `json:"deleted"`
	SkippedAccounts int   `json:"skipped_accounts"`
	Batches         int   `json:"batches"`
}

// ResetSummary summarises one monthly-reset run.
type ResetSummary struct {
	Reset  int `json:"reset"`
	Failed int `json:"failed"`
}
