// Package guard gates metered debits before they reach the ledger:
// rolling rate limits, content-hash deduplication, per-resource
// cooldowns, and server-side cost calculation.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tally/internal/config"
	"tally/internal/metrics"
	"tally/internal/model"
)

// Cache is the slice of redis used by the guard; *redis.Client
// satisfies it, tests substitute a fake.
type Cache interface {
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type Guard struct {
	cache Cache
	cfg   *config.Config
	now   func() time.Time
}

func New(cache Cache, cfg *config.Config) *Guard {
	return &Guard{cache: cache, cfg: cfg, now: time.Now}
}

// Cost computes the token cost of a declared action server-side:
// Base + PerUnit * ceil(units / UnitSize) per the configured table.
func (g *Guard) Cost(actionType string, units int64) (int64, error) {
	c, ok := g.cfg.Costs[actionType]
	if !ok {
		return 0, model.Errorf(model.CodeInvalidArgument, "unknown action type %q", actionType)
	}
	if units < 0 {
		return 0, model.Errorf(model.CodeInvalidArgument, "units must be non-negative, got %d", units)
	}
	blocks := (units + c.UnitSize - 1) / c.UnitSize
	return c.Base + c.PerUnit*blocks, nil
}

// Check runs all gates for a metered debit and returns its computed
// cost. available is the account's summed balance; a cost exceeding it
// is rejected here, before any ledger traffic. Gate reads that fail
// follow the fail-open policy: availability over strict deduplication.
func (g *Guard) Check(ctx context.Context, req model.DebitRequest, available int64) (int64, error) {
	cost, err := g.Cost(req.ActionType, req.Units)
	if err != nil {
		return 0, err
	}
	if cost > available {
		return cost, model.Errorf(model.CodeInsufficientBalance,
			"action %s costs %d, balance is %d", req.ActionType, cost, available)
	}

	if err := g.checkRates(ctx, req.AccountID); err != nil {
		return cost, err
	}
	if err := g.checkCooldown(ctx, req); err != nil {
		return cost, err
	}
	// The dedup gate claims its key as it checks, so it runs last: a
	// request rejected by an earlier gate must not burn the dedup slot
	// its retry will need.
	if err := g.checkDuplicate(ctx, req); err != nil {
		return cost, err
	}

	// Count the debit against the rolling windows only once every gate
	// has passed, so rejected requests do not consume quota.
	g.recordRate(ctx, req.AccountID)
	return cost, nil
}

type window struct {
	name  string
	span  time.Duration
	limit int
}

func (g *Guard) windows() []window {
	return []window{
		{"hour", time.Hour, g.cfg.RateLimitHour},
		{"day", 24 * time.Hour, g.cfg.RateLimitDay},
	}
}

// checkRates enforces the rolling-hour and rolling-day debit limits
// with a sorted-set sliding window per account.
func (g *Guard) checkRates(ctx context.Context, accountID string) error {
	now := g.now()
	for _, w := range g.windows() {
		key := rateKey(w.name, accountID)
		floor := strconv.FormatInt(now.Add(-w.span).UnixMilli(), 10)

		if err := g.cache.ZRemRangeByScore(ctx, key, "0", floor).Err(); err != nil {
			if ferr := g.failOpen("rate limit", err); ferr != nil {
				return ferr
			}
			continue
		}
		n, err := g.cache.ZCard(ctx, key).Result()
		if err != nil {
			if ferr := g.failOpen("rate limit", err); ferr != nil {
				return ferr
			}
			continue
		}
		if n < int64(w.limit) {
			continue
		}

		retryAfter := w.span
		if oldest, err := g.cache.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(oldest) > 0 {
			expiresAt := time.UnixMilli(int64(oldest[0].Score)).Add(w.span)
			if d := expiresAt.Sub(now); d > 0 {
				retryAfter = d
			}
		}
		return model.RateLimited(
			fmt.Sprintf("debit limit of %d per %s reached", w.limit, w.name), retryAfter)
	}
	return nil
}

func (g *Guard) recordRate(ctx context.Context, accountID string) {
	now := g.now()
	member := model.NewEntryID()
	for _, w := range g.windows() {
		key := rateKey(w.name, accountID)
		if err := g.cache.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member}).Err(); err != nil {
			slog.Warn("guard: failed to record rate sample", "key", key, "error", err)
			continue
		}
		_ = g.cache.Expire(ctx, key, w.span).Err()
	}
}

// checkDuplicate rejects a semantically identical request repeated
// within the dedup window. SET NX doubles as check and claim.
func (g *Guard) checkDuplicate(ctx context.Context, req model.DebitRequest) error {
	key := fmt.Sprintf("dedup:%s:%s", req.AccountID, ContentHash(req))
	set, err := g.cache.SetNX(ctx, key, 1, g.cfg.DedupWindow).Result()
	if err != nil {
		return g.failOpen("dedup", err)
	}
	if !set {
		return model.Errorf(model.CodeDuplicateRequest,
			"identical %s request within %s", req.ActionType, g.cfg.DedupWindow)
	}
	return nil
}

// checkCooldown blocks back-to-back operations on one named resource,
// regardless of content hash.
func (g *Guard) checkCooldown(ctx context.Context, req model.DebitRequest) error {
	if req.ResourceID == "" {
		return nil
	}
	key := fmt.Sprintf("cooldown:%s:%s", req.AccountID, req.ResourceID)
	set, err := g.cache.SetNX(ctx, key, 1, g.cfg.ResourceCooldown).Result()
	if err != nil {
		return g.failOpen("cooldown", err)
	}
	if !set {
		return model.RateLimited(
			fmt.Sprintf("resource %s is cooling down", req.ResourceID), g.cfg.ResourceCooldown)
	}
	return nil
}

func (g *Guard) failOpen(gate string, err error) error {
	if g.cfg.GuardFailOpen {
		metrics.GuardFailOpen.Inc()
		slog.Warn("guard: check unavailable, allowing request", "gate", gate, "error", err)
		return nil
	}
	return model.WrapInternal(err, gate+" check unavailable")
}

// ContentHash hashes the semantically relevant fields of a debit:
// action type, resource, declared units, and the payload pairs in
// sorted order. Idempotency keys and other nonces are excluded so a
// retried request hashes identically.
func ContentHash(req model.DebitRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", req.ActionType, req.ResourceID, req.Units)

	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, req.Payload[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func rateKey(windowName, accountID string) string {
	return fmt.Sprintf("rate:%s:%s", windowName, accountID)
}
