// Package purchase validates platform purchase receipts and credits
// token grants idempotently: a platform transaction is credited at most
// once no matter how often the client retries.
package purchase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tally/internal/config"
	"tally/internal/metrics"
	"tally/internal/model"
	"tally/internal/telemetry"
)

// Ledger is the slice of the store the verifier depends on.
type Ledger interface {
	AppendEntry(ctx context.Context, req model.AppendRequest) (*model.AppendResult, error)
	GetReceipt(ctx context.Context, platform, transactionID, accountID string) (*model.PurchaseReceipt, error)
	FindPurchaseCredit(ctx context.Context, accountID, transactionID string) (*model.LedgerEntry, error)
	SaveReceipt(ctx context.Context, r *model.PurchaseReceipt) error
}

// PlatformVerifier validates one storefront's receipt payloads.
type PlatformVerifier interface {
	Verify(ctx context.Context, req model.PurchaseRequest) error
}

// Cache is the redis slice backing the short-lived result cache;
// *redis.Client satisfies it. The cache is a latency optimization, not
// the source of truth: the replay check below it remains authoritative.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Publisher carries purchase-credited events to the repair worker.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// SubjectCredited is the event stream the receipt-repair worker consumes.
const SubjectCredited = "purchases.credited"

const receiptStatusVerified = "verified"

type Verifier struct {
	ledger    Ledger
	cache     Cache
	platforms map[string]PlatformVerifier
	events    Publisher
	sink      *telemetry.Sink
	cfg       *config.Config
}

func NewVerifier(ledger Ledger, cache Cache, platforms map[string]PlatformVerifier,
	events Publisher, sink *telemetry.Sink, cfg *config.Config) *Verifier {
	return &Verifier{
		ledger:    ledger,
		cache:     cache,
		platforms: platforms,
		events:    events,
		sink:      sink,
		cfg:       cfg,
	}
}

// VerifyAndCredit runs the purchase state machine: cache check, replay
// check, platform verification, then an idempotent ledger credit keyed
// by the platform transaction id.
func (v *Verifier) VerifyAndCredit(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResult, error) {
	if err := validate(req); err != nil {
		metrics.PurchasesCredited.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if res := v.cachedResult(ctx, req); res != nil {
		metrics.PurchasesCredited.WithLabelValues("replay").Inc()
		return res, nil
	}

	// Authoritative replay check. Read failures fail open: a retried
	// credit is still caught by the ledger's idempotency key.
	if res := v.replayCheck(ctx, req); res != nil {
		metrics.PurchasesCredited.WithLabelValues("replay").Inc()
		v.cacheResult(ctx, req, res)
		return res, nil
	}

	tokens, ok := v.cfg.Catalog[req.ProductID]
	if !ok {
		metrics.PurchasesCredited.WithLabelValues("rejected").Inc()
		return nil, model.Errorf(model.CodeInvalidProduct, "unknown product %q", req.ProductID)
	}
	platform, ok := v.platforms[req.Platform]
	if !ok {
		metrics.PurchasesCredited.WithLabelValues("rejected").Inc()
		return nil, model.Errorf(model.CodeInvalidArgument, "unknown platform %q", req.Platform)
	}
	if err := platform.Verify(ctx, req); err != nil {
		metrics.PurchasesCredited.WithLabelValues("rejected").Inc()
		if model.CodeOf(err) == model.CodeVerificationFailed {
			return nil, err
		}
		return nil, model.Errorf(model.CodeVerificationFailed, "%s receipt rejected: %v", req.Platform, err)
	}

	append_, err := v.ledger.AppendEntry(ctx, model.AppendRequest{
		AccountID:      req.AccountID,
		Action:         model.ActionCredit,
		Amount:         tokens,
		IdempotencyKey: req.PlatformTransactionID,
		Source:         model.SourcePurchase,
		Metadata: map[string]string{
			model.MetaProductID:     req.ProductID,
			model.MetaPlatform:      req.Platform,
			model.MetaPlatformTxnID: req.PlatformTransactionID,
		},
	})
	if err != nil {
		return nil, err
	}

	res := &model.PurchaseResult{
		TokensGranted: tokens,
		Verified:      true,
		Replay:        append_.Deduplicated,
	}

	// The ledger credit is authoritative from here on. A failed receipt
	// or event write is repaired later from ledger metadata, never
	// rolled back.
	if err := v.ledger.SaveReceipt(ctx, &model.PurchaseReceipt{
		AccountID:             req.AccountID,
		PlatformTransactionID: req.PlatformTransactionID,
		ProductID:             req.ProductID,
		TokensGranted:         tokens,
		Platform:              req.Platform,
		Status:                receiptStatusVerified,
	}); err != nil {
		slog.Error("purchase: receipt write failed after ledger credit, worker will repair",
			"account_id", req.AccountID, "transaction_id", req.PlatformTransactionID, "error", err)
	}
	v.publishCredited(req, tokens)

	v.cacheResult(ctx, req, res)
	if res.Replay {
		metrics.PurchasesCredited.WithLabelValues("replay").Inc()
	} else {
		metrics.PurchasesCredited.WithLabelValues("credited").Inc()
	}
	v.sink.LogEvent("purchase.credited", map[string]any{
		"account_id":     req.AccountID,
		"product_id":     req.ProductID,
		"platform":       req.Platform,
		"tokens_granted": tokens,
		"replay":         res.Replay,
	})
	return res, nil
}

// replayCheck returns the original result when this transaction was
// credited before, consulting the receipt table first and the ledger
// metadata second. The ledger wins when the receipt row is missing; the
// row is then reconstructed on the spot.
func (v *Verifier) replayCheck(ctx context.Context, req model.PurchaseRequest) *model.PurchaseResult {
	receipt, err := v.ledger.GetReceipt(ctx, req.Platform, req.PlatformTransactionID, req.AccountID)
	if err != nil {
		slog.Warn("purchase: receipt lookup failed, continuing",
			"transaction_id", req.PlatformTransactionID, "error", err)
	} else if receipt != nil {
		return &model.PurchaseResult{TokensGranted: receipt.TokensGranted, Verified: true, Replay: true}
	}

	entry, err := v.ledger.FindPurchaseCredit(ctx, req.AccountID, req.PlatformTransactionID)
	if err != nil {
		slog.Warn("purchase: ledger replay lookup failed, continuing",
			"transaction_id", req.PlatformTransactionID, "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}

	// Credited in the ledger but no receipt row: reconstruct it.
	if err := v.ledger.SaveReceipt(ctx, &model.PurchaseReceipt{
		AccountID:             req.AccountID,
		PlatformTransactionID: req.PlatformTransactionID,
		ProductID:             entry.Metadata[model.MetaProductID],
		TokensGranted:         entry.Amount,
		Platform:              entry.Metadata[model.MetaPlatform],
		Status:                receiptStatusVerified,
	}); err != nil {
		slog.Warn("purchase: receipt reconstruction failed",
			"transaction_id", req.PlatformTransactionID, "error", err)
	}
	return &model.PurchaseResult{TokensGranted: entry.Amount, Verified: true, Replay: true}
}

func (v *Verifier) cachedResult(ctx context.Context, req model.PurchaseRequest) *model.PurchaseResult {
	if v.cache == nil {
		return nil
	}
	raw, err := v.cache.Get(ctx, cacheKey(req)).Result()
	if err != nil {
		return nil
	}
	var res model.PurchaseResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil
	}
	res.Replay = true
	return &res
}

func (v *Verifier) cacheResult(ctx context.Context, req model.PurchaseRequest, res *model.PurchaseResult) {
	if v.cache == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, cacheKey(req), data, v.cfg.PurchaseCacheTTL).Err(); err != nil {
		slog.Warn("purchase: result cache write failed", "error", err)
	}
}

func (v *Verifier) publishCredited(req model.PurchaseRequest, tokens int64) {
	if v.events == nil {
		return
	}
	data, err := json.Marshal(model.PurchaseCreditedEvent{
		AccountID:             req.AccountID,
		PlatformTransactionID: req.PlatformTransactionID,
		ProductID:             req.ProductID,
		Platform:              req.Platform,
		TokensGranted:         tokens,
	})
	if err != nil {
		return
	}
	if err := v.events.Publish(SubjectCredited, data); err != nil {
		slog.Warn("purchase: credited event publish failed",
			"transaction_id", req.PlatformTransactionID, "error", err)
	}
}

func validate(req model.PurchaseRequest) error {
	if req.AccountID == "" {
		return model.Errorf(model.CodeUnauthenticated, "missing account id")
	}
	if req.ProductID == "" || req.Platform == "" || req.PlatformTransactionID == "" {
		return model.Errorf(model.CodeInvalidArgument,
			"product_id, platform and platform_transaction_id are required")
	}
	return nil
}

func cacheKey(req model.PurchaseRequest) string {
	return fmt.Sprintf("purchase:%s:%s", req.AccountID, req.PlatformTransactionID)
}
