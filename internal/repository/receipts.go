package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"tally/internal/model"
)

// SaveReceipt persists a purchase audit record. Writes are idempotent
// on (platform, transaction, account): a replayed save is a no-op.
func (s *Store) SaveReceipt(ctx context.Context, r *model.PurchaseReceipt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO purchase_receipts
			(platform, platform_transaction_id, account_id, product_id, tokens_granted, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (platform, platform_transaction_id, account_id) DO NOTHING`,
		r.Platform, r.PlatformTransactionID, r.AccountID, r.ProductID, r.TokensGranted, r.Status)
	if err != nil {
		return model.WrapInternal(err, "save purchase receipt")
	}
	return nil
}

// GetReceipt returns the stored receipt for one platform transaction,
// or nil when none exists.
func (s *Store) GetReceipt(ctx context.Context, platform, transactionID, accountID string) (*model.PurchaseReceipt, error) {
	var r model.PurchaseReceipt
	err := s.pool.QueryRow(ctx, `
		SELECT platform, platform_transaction_id, account_id, product_id,
		       tokens_granted, status, verified_at
		FROM purchase_receipts
		WHERE platform = $1 AND platform_transaction_id = $2 AND account_id = $3`,
		platform, transactionID, accountID,
	).Scan(&r.Platform, &r.PlatformTransactionID, &r.AccountID, &r.ProductID,
		&r.TokensGranted, &r.Status, &r.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.WrapInternal(err, "get purchase receipt")
	}
	return &r, nil
}

// FindPurchaseCredit looks for an existing credit entry carrying the
// platform transaction id in its metadata. It backs the authoritative
// replay check: the ledger, not the receipt table, is the source of
// truth for whether a purchase was credited.
func (s *Store) FindPurchaseCredit(ctx context.Context, accountID, transactionID string) (*model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		  AND action = 'credit'
		  AND metadata ->> 'platform_transaction_id' = $2
		ORDER BY created_at, id
		LIMIT 1`, accountID, transactionID)
	if err != nil {
		return nil, model.WrapInternal(err, "find purchase credit")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, model.WrapInternal(err, "find purchase credit")
		}
		return nil, nil
	}
	e, err := scanEntryRows(rows)
	if err != nil {
		return nil, model.WrapInternal(err, "scan purchase credit")
	}
	return e, nil
}

// SaveReconciliation persists a mismatch record for operator review.
func (s *Store) SaveReconciliation(ctx context.Context, r *model.ReconciliationResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_results
			(account_id, expected_balance, actual_balance, difference, reconciled_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.AccountID, r.Expected, r.Actual, r.Difference, r.ReconciledAt)
	if err != nil {
		return model.WrapInternal(err, "save reconciliation result")
	}
	return nil
}
