package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/config"
	"tally/internal/model"
)

// fakeDB is an in-memory stand-in for the pgx pool, routing the
// store's statements by shape so AppendEntry runs end to end: account
// row lock with lazy creation, duplicate recheck under the lock, entry
// insert and aggregate update.
type fakeDB struct {
	accounts map[string]*model.TokenAccount
	entries  []*model.LedgerEntry

	// poolIdemErr fails the idempotency read on the pool only; the
	// same read inside a transaction keeps working.
	poolIdemErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{accounts: make(map[string]*model.TokenAccount)}
}

func (d *fakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	return &fakeTx{db: d}, nil
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return d.queryRow(sql, args, false)
}

func (d *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.query(sql, args, false)
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return d.exec(sql, args)
}

func (d *fakeDB) queryRow(sql string, args []any, _ bool) pgx.Row {
	switch {
	case strings.Contains(sql, "INSERT INTO token_accounts"):
		now := time.Now()
		d.accounts[args[0].(string)] = &model.TokenAccount{
			AccountID: args[0].(string),
			Tier:      args[1].(string),
			Balances: model.Balances{
				Free:    args[2].(int64),
				Welcome: args[3].(int64),
			},
			LastEntryID:   args[4].(string),
			LastUpdatedAt: now,
			CreatedAt:     now,
		}
		return fakeRow{vals: []any{now, now}}

	case strings.Contains(sql, "INSERT INTO ledger_entries"):
		e := &model.LedgerEntry{
			ID:        args[0].(string),
			AccountID: args[1].(string),
			Action:    args[2].(model.Action),
			Amount:    args[3].(int64),
			Source:    args[5].(model.Source),
			Resulting: model.Balances{
				Free:    args[7].(int64),
				Welcome: args[8].(int64),
				Monthly: args[9].(int64),
			},
			CreatedAt: time.Now(),
		}
		if key, ok := args[4].(string); ok {
			e.IdempotencyKey = key
		}
		var meta map[string]string
		if err := json.Unmarshal(args[6].([]byte), &meta); err != nil {
			return fakeRow{err: err}
		}
		if len(meta) > 0 {
			e.Metadata = meta
		}
		d.entries = append(d.entries, e)
		return fakeRow{vals: []any{e.CreatedAt}}

	case strings.Contains(sql, "FROM token_accounts"):
		// Covers both the FOR UPDATE lock and the plain lookup.
		a, ok := d.accounts[args[0].(string)]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{
			a.AccountID, a.Tier,
			a.Balances.Free, a.Balances.Welcome, a.Balances.Monthly,
			a.LastEntryID, a.LastUpdatedAt, a.CreatedAt,
		}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (d *fakeDB) query(sql string, args []any, inTx bool) (pgx.Rows, error) {
	switch {
	case strings.Contains(sql, "idempotency_key = $2"):
		if !inTx && d.poolIdemErr != nil {
			return nil, d.poolIdemErr
		}
		accountID, key := args[0].(string), args[1].(string)
		cutoff := args[2].(time.Time)
		var newest *model.LedgerEntry
		for _, e := range d.entries {
			if e.AccountID == accountID && e.IdempotencyKey == key && e.CreatedAt.After(cutoff) {
				newest = e
			}
		}
		if newest == nil {
			return &fakeRows{}, nil
		}
		return &fakeRows{rows: [][]any{entryVals(newest)}}, nil

	case strings.Contains(sql, "created_at >= $2"):
		accountID := args[0].(string)
		var rows [][]any
		for _, e := range d.entries {
			if e.AccountID == accountID {
				rows = append(rows, entryVals(e))
			}
		}
		return &fakeRows{rows: rows}, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (d *fakeDB) exec(sql string, args []any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "UPDATE token_accounts") {
		a, ok := d.accounts[args[0].(string)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		a.Balances = model.Balances{
			Free:    args[1].(int64),
			Welcome: args[2].(int64),
			Monthly: args[3].(int64),
		}
		a.LastEntryID = args[4].(string)
		a.LastUpdatedAt = time.Now()
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func entryVals(e *model.LedgerEntry) []any {
	meta, _ := json.Marshal(e.Metadata)
	return []any{
		e.ID, e.AccountID, e.Action, e.Amount, e.IdempotencyKey, e.Source,
		meta, e.Resulting.Free, e.Resulting.Welcome, e.Resulting.Monthly,
		e.CreatedAt,
	}
}

type fakeTx struct {
	db *fakeDB
}

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(_ context.Context) error          { return nil }
func (t *fakeTx) Rollback(_ context.Context) error        { return nil }

func (t *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return t.db.queryRow(sql, args, true)
}

func (t *fakeTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.query(sql, args, true)
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.exec(sql, args)
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(dest, r.vals)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(dest, r.rows[r.idx-1])
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func scanInto(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = vals[i].(string)
		case *int64:
			*p = vals[i].(int64)
		case *time.Time:
			*p = vals[i].(time.Time)
		case *model.Action:
			*p = vals[i].(model.Action)
		case *model.Source:
			*p = vals[i].(model.Source)
		case *[]byte:
			*p = vals[i].([]byte)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func newTestStore(db *fakeDB) *Store {
	return &Store{
		pool: db,
		cfg: &config.Config{
			IdempotencyWindow: 60 * time.Second,
			GuardFailOpen:     true,
			Tiers: map[string]model.Grant{
				"default": {Free: 20, Welcome: 20, Monthly: 100},
			},
			DefaultTier: "default",
		},
	}
}

func debitReq(key string) model.AppendRequest {
	return model.AppendRequest{
		AccountID:      "acct-1",
		Action:         model.ActionDebit,
		Amount:         5,
		IdempotencyKey: key,
		Source:         model.SourceConsumption,
	}
}

func TestAppendEntry_CreatesAccountWithGrantEntry(t *testing.T) {
	db := newFakeDB()
	store := newTestStore(db)

	res, err := store.AppendEntry(context.Background(), debitReq(""))
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, model.Balances{Free: 15, Welcome: 20, Monthly: 0}, res.Account.Balances)

	// First use writes the welcome grant as an entry, so a replay of
	// the log reproduces the projected aggregate.
	entries, err := store.GetEntries(context.Background(), "acct-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.SourceWelcomeBonus, entries[0].Source)

	replayed, err := model.Replay(entries)
	require.NoError(t, err)
	assert.Equal(t, res.Account.Balances, replayed)
}

func TestAppendEntry_DuplicateKeyReturnsPriorEntry(t *testing.T) {
	db := newFakeDB()
	store := newTestStore(db)

	first, err := store.AppendEntry(context.Background(), debitReq("k1"))
	require.NoError(t, err)
	require.False(t, first.Deduplicated)
	written := len(db.entries)

	second, err := store.AppendEntry(context.Background(), debitReq("k1"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, first.Account.Balances, second.Account.Balances)
	assert.Len(t, db.entries, written, "duplicate must not append")
}

func TestAppendEntry_KeyOutsideWindowAppendsAgain(t *testing.T) {
	db := newFakeDB()
	store := newTestStore(db)

	first, err := store.AppendEntry(context.Background(), debitReq("k1"))
	require.NoError(t, err)

	for _, e := range db.entries {
		e.CreatedAt = e.CreatedAt.Add(-2 * time.Minute)
	}

	second, err := store.AppendEntry(context.Background(), debitReq("k1"))
	require.NoError(t, err)
	assert.False(t, second.Deduplicated)
	assert.NotEqual(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, model.Balances{Free: 10, Welcome: 20, Monthly: 0}, second.Account.Balances)
}

func TestAppendEntry_RequestWindowOverridesDefault(t *testing.T) {
	db := newFakeDB()
	store := newTestStore(db)

	req := model.AppendRequest{
		AccountID:         "acct-1",
		Action:            model.ActionReset,
		Amount:            100,
		IdempotencyKey:    "monthly-reset:2026-08",
		IdempotencyWindow: 40 * 24 * time.Hour,
		Source:            model.SourceMonthlyReset,
		Metadata: map[string]string{
			model.MetaGrantFree:    "20",
			model.MetaGrantWelcome: "20",
		},
	}

	first, err := store.AppendEntry(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	// Two days later the key is long past the default 60s window but
	// still inside the request's own.
	for _, e := range db.entries {
		e.CreatedAt = e.CreatedAt.Add(-48 * time.Hour)
	}

	second, err := store.AppendEntry(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
}

func TestAppendEntry_PrecheckFailureOpenFallsToLockedRecheck(t *testing.T) {
	db := newFakeDB()
	store := newTestStore(db)

	first, err := store.AppendEntry(context.Background(), debitReq("k1"))
	require.NoError(t, err)
	written := len(db.entries)

	// The pool-side read fails, so the retry proceeds into the
	// transaction, where the recheck under the row lock must still
	// suppress the second write.
	db.poolIdemErr = errors.New("read timeout")

	second, err := store.AppendEntry(context.Background(), debitReq("k1"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Len(t, db.entries, written, "locked recheck must prevent a double entry")
}

func TestAppendEntry_PrecheckFailureClosedRejects(t *testing.T) {
	db := newFakeDB()
	store := newTestStore(db)
	store.cfg.GuardFailOpen = false
	db.poolIdemErr = errors.New("read timeout")

	_, err := store.AppendEntry(context.Background(), debitReq("k1"))
	assert.Equal(t, model.CodeInternal, model.CodeOf(err))
	assert.Empty(t, db.entries, "nothing may be written when the check is unavailable")
	assert.Empty(t, db.accounts)
}
