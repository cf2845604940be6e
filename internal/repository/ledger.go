package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"tally/internal/config"
	"tally/internal/model"
)

// Store is the ledger store and account projector. Every balance
// mutation runs as one transaction: the account row is locked FOR
// UPDATE, the new entry and the updated aggregate commit together or
// not at all. Conflicting transactions are retried with backoff.
type Store struct {
	pool database
	cfg  *config.Config
}

func NewStore(pool *pgxpool.Pool, cfg *config.Config) *Store {
	return &Store{pool: pool, cfg: cfg}
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx, so reads can
// run inside or outside a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// database is the pool surface the store depends on; *pgxpool.Pool
// satisfies it, tests substitute an in-memory fake.
type database interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

const entryColumns = `id, account_id, action, amount, COALESCE(idempotency_key, ''), source,
	metadata, result_free, result_welcome, result_monthly, created_at`

// AppendEntry appends one ledger entry and updates the projected
// account atomically. A repeated idempotency key within the configured
// window returns the prior result instead of writing a second entry.
func (s *Store) AppendEntry(ctx context.Context, req model.AppendRequest) (*model.AppendResult, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}

	// Duplicate pre-check runs outside the transaction so a transient
	// read failure does not have to block the write path. Whether it
	// does is the fail-open policy.
	if req.IdempotencyKey != "" {
		prior, err := s.findRecentByIdemKey(ctx, s.pool, req.AccountID, req.IdempotencyKey, s.idemWindow(req))
		if err != nil {
			if !s.cfg.GuardFailOpen {
				return nil, model.WrapInternal(err, "idempotency check unavailable")
			}
			slog.Warn("idempotency pre-check failed, proceeding",
				"account_id", req.AccountID, "error", err)
		} else if prior != nil {
			return s.dedupResult(ctx, prior)
		}
	}

	var res *model.AppendResult
	backoff := retry.WithMaxRetries(3, retry.NewExponential(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := s.appendTx(ctx, req)
		if err != nil {
			if isRetryableTxErr(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		var derr *model.Error
		if errors.As(err, &derr) {
			return nil, derr
		}
		return nil, model.WrapInternal(err, "ledger transaction failed")
	}
	return res, nil
}

func (s *Store) appendTx(ctx context.Context, req model.AppendRequest) (*model.AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acct, err := s.lockOrCreateAccount(ctx, tx, req.AccountID, req.Tier)
	if err != nil {
		return nil, err
	}

	// Recheck under the row lock: the pre-check races with concurrent
	// writers using the same key.
	if req.IdempotencyKey != "" {
		prior, err := s.findRecentByIdemKey(ctx, tx, req.AccountID, req.IdempotencyKey, s.idemWindow(req))
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return s.dedupResult(ctx, prior)
		}
	}

	entry := &model.LedgerEntry{
		ID:             model.NewEntryID(),
		AccountID:      req.AccountID,
		Action:         req.Action,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Source:         req.Source,
		Metadata:       req.Metadata,
	}
	next, err := model.Apply(acct.Balances, entry)
	if err != nil {
		return nil, err
	}
	entry.Resulting = next

	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := updateAccount(ctx, tx, acct, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	acct.Balances = next
	acct.LastEntryID = entry.ID
	acct.LastUpdatedAt = entry.CreatedAt
	return &model.AppendResult{Entry: entry, Account: acct}, nil
}

// lockOrCreateAccount locks the account row, creating it with the tier
// policy grant on first use. Creation also writes the welcome grant as
// a ledger entry so replays reproduce the starting balance.
func (s *Store) lockOrCreateAccount(ctx context.Context, tx pgx.Tx, accountID, tier string) (*model.TokenAccount, error) {
	acct, err := scanAccount(tx.QueryRow(ctx, `
		SELECT account_id, tier, free_balance, welcome_balance, monthly_balance,
		       last_entry_id, last_updated_at, created_at
		FROM token_accounts WHERE account_id = $1 FOR UPDATE`, accountID))
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	resolvedTier, grant := s.cfg.GrantFor(tier)
	welcome := &model.LedgerEntry{
		ID:        model.NewEntryID(),
		AccountID: accountID,
		Action:    model.ActionReset,
		Amount:    0,
		Source:    model.SourceWelcomeBonus,
		Metadata: map[string]string{
			model.MetaGrantFree:    fmt.Sprintf("%d", grant.Free),
			model.MetaGrantWelcome: fmt.Sprintf("%d", grant.Welcome),
		},
		Resulting: model.Balances{Free: grant.Free, Welcome: grant.Welcome},
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO token_accounts
			(account_id, tier, free_balance, welcome_balance, monthly_balance, last_entry_id)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING last_updated_at, created_at`,
		accountID, resolvedTier, grant.Free, grant.Welcome, welcome.ID)

	acct = &model.TokenAccount{
		AccountID:   accountID,
		Tier:        resolvedTier,
		Balances:    welcome.Resulting,
		LastEntryID: welcome.ID,
	}
	if err := row.Scan(&acct.LastUpdatedAt, &acct.CreatedAt); err != nil {
		return nil, err
	}
	if err := insertEntry(ctx, tx, welcome); err != nil {
		return nil, err
	}
	return acct, nil
}

func insertEntry(ctx context.Context, q querier, e *model.LedgerEntry) error {
	meta, err := metaJSON(e.Metadata)
	if err != nil {
		return err
	}
	var key any
	if e.IdempotencyKey != "" {
		key = e.IdempotencyKey
	}
	return q.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(id, account_id, action, amount, idempotency_key, source, metadata,
			 result_free, result_welcome, result_monthly)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		e.ID, e.AccountID, e.Action, e.Amount, key, e.Source, meta,
		e.Resulting.Free, e.Resulting.Welcome, e.Resulting.Monthly,
	).Scan(&e.CreatedAt)
}

func updateAccount(ctx context.Context, q querier, acct *model.TokenAccount, e *model.LedgerEntry) error {
	tag, err := q.Exec(ctx, `
		UPDATE token_accounts
		SET free_balance = $2, welcome_balance = $3, monthly_balance = $4,
		    last_entry_id = $5, last_updated_at = now()
		WHERE account_id = $1`,
		acct.AccountID, e.Resulting.Free, e.Resulting.Welcome, e.Resulting.Monthly, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("account %s vanished mid-transaction", acct.AccountID)
	}
	return nil
}

// dedupResult rebuilds the original call's outcome from the prior
// entry. The snapshot reflects the account as this entry left it, not
// the current state.
func (s *Store) dedupResult(ctx context.Context, prior *model.LedgerEntry) (*model.AppendResult, error) {
	snapshot := &model.TokenAccount{
		AccountID:     prior.AccountID,
		Balances:      prior.Resulting,
		LastEntryID:   prior.ID,
		LastUpdatedAt: prior.CreatedAt,
	}
	if live, err := s.GetAccount(ctx, prior.AccountID); err == nil {
		snapshot.Tier = live.Tier
		snapshot.CreatedAt = live.CreatedAt
	} else {
		slog.Warn("dedup snapshot missing account detail",
			"account_id", prior.AccountID, "error", err)
	}
	return &model.AppendResult{Entry: prior, Account: snapshot, Deduplicated: true}, nil
}

// idemWindow resolves the duplicate-suppression window for one write:
// the request's own window when set, the configured default otherwise.
func (s *Store) idemWindow(req model.AppendRequest) time.Duration {
	if req.IdempotencyWindow > 0 {
		return req.IdempotencyWindow
	}
	return s.cfg.IdempotencyWindow
}

func (s *Store) findRecentByIdemKey(ctx context.Context, q querier, accountID, key string, window time.Duration) (*model.LedgerEntry, error) {
	cutoff := time.Now().Add(-window)
	rows, err := q.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND idempotency_key = $2 AND created_at > $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, accountID, key, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntryRows(rows)
}

// GetAccount returns the projected aggregate for one account.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*model.TokenAccount, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx, `
		SELECT account_id, tier, free_balance, welcome_balance, monthly_balance,
		       last_entry_id, last_updated_at, created_at
		FROM token_accounts WHERE account_id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Errorf(model.CodeNotFound, "account %s not found", accountID)
	}
	if err != nil {
		return nil, model.WrapInternal(err, "get account")
	}
	return acct, nil
}

// GetEntries returns an account's entries in creation order. A zero
// since means from the beginning; limit <= 0 means no limit.
func (s *Store) GetEntries(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.LedgerEntry, error) {
	sql := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at, id`
	args := []any{accountID, since}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, model.WrapInternal(err, "query ledger entries")
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, model.WrapInternal(err, "scan ledger entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapInternal(err, "iterate ledger entries")
	}
	return entries, nil
}

// GetStats aggregates ledger activity between from and to.
func (s *Store) GetStats(ctx context.Context, from, to time.Time) (*model.LedgerStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, action, count(*), COALESCE(sum(amount), 0)
		FROM ledger_entries
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY source, action`, from, to)
	if err != nil {
		return nil, model.WrapInternal(err, "query ledger stats")
	}
	defer rows.Close()

	stats := &model.LedgerStats{From: from, To: to, BySource: make(map[model.Source]int64)}
	for rows.Next() {
		var source model.Source
		var action model.Action
		var count, sum int64
		if err := rows.Scan(&source, &action, &count, &sum); err != nil {
			return nil, model.WrapInternal(err, "scan ledger stats")
		}
		stats.EntryCount += count
		stats.BySource[source] += count
		switch action {
		case model.ActionCredit:
			stats.TotalCredited += sum
		case model.ActionDebit:
			stats.TotalDebited += sum
		}
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapInternal(err, "iterate ledger stats")
	}
	return stats, nil
}

// ListAccounts pages account ids for the reconciliation sweep.
func (s *Store) ListAccounts(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id FROM token_accounts
		WHERE account_id > $1
		ORDER BY account_id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, model.WrapInternal(err, "list accounts")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.WrapInternal(err, "scan account id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func validateAppend(req model.AppendRequest) error {
	if req.AccountID == "" {
		return model.Errorf(model.CodeUnauthenticated, "missing account id")
	}
	if !req.Action.Valid() {
		return model.Errorf(model.CodeInvalidArgument, "unknown action %q", req.Action)
	}
	if !req.Source.Valid() {
		return model.Errorf(model.CodeInvalidArgument, "unknown source %q", req.Source)
	}
	if req.Amount < 0 {
		return model.Errorf(model.CodeInvalidArgument, "amount must be non-negative, got %d", req.Amount)
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.TokenAccount, error) {
	var a model.TokenAccount
	err := row.Scan(&a.AccountID, &a.Tier,
		&a.Balances.Free, &a.Balances.Welcome, &a.Balances.Monthly,
		&a.LastEntryID, &a.LastUpdatedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEntryRows(rows pgx.Rows) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var meta []byte
	err := rows.Scan(&e.ID, &e.AccountID, &e.Action, &e.Amount, &e.IdempotencyKey,
		&e.Source, &meta, &e.Resulting.Free, &e.Resulting.Welcome, &e.Resulting.Monthly,
		&e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal entry metadata: %w", err)
		}
	}
	return &e, nil
}

func metaJSON(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal entry metadata: %w", err)
	}
	return b, nil
}

// isRetryableTxErr reports whether a transaction should be retried:
// serialization failures, deadlocks, and the unique-violation race of
// two transactions lazily creating the same account.
func isRetryableTxErr(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	case "23505":
		return pgErr.ConstraintName == "token_accounts_pkey"
	}
	return false
}
