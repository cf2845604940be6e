package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"tally/internal/model"
)

// ListAccountsWithEntriesBefore pages account ids that still have
// prunable entries older than cutoff.
func (s *Store) ListAccountsWithEntriesBefore(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT account_id FROM ledger_entries
		WHERE created_at < $1 AND account_id > $2
		ORDER BY account_id
		LIMIT $3`, cutoff, afterID, limit)
	if err != nil {
		return nil, model.WrapInternal(err, "list accounts for cleanup")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.WrapInternal(err, "scan cleanup account id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneAccountEntries removes one account's entries older than cutoff
// in bounded batches. Before deleting anything it writes a checkpoint
// entry: a reset at the pruning boundary carrying the balances the
// pruned prefix produced, so replaying the surviving tail still yields
// the live balance. The checkpoint is written first; a crash mid-prune
// leaves a ledger that over-describes history, never one that loses it.
func (s *Store) PruneAccountEntries(ctx context.Context, accountID string, cutoff time.Time, batchSize int) (int64, int, error) {
	boundary, prunable, err := s.pruneBoundary(ctx, accountID, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if boundary == nil {
		return 0, 0, nil
	}
	// Only a previous checkpoint left under the cutoff: nothing to gain.
	if prunable == 1 && boundary.Metadata[model.MetaCheckpoint] == "true" {
		return 0, 0, nil
	}

	checkpoint := &model.LedgerEntry{
		ID:        model.NewEntryID(),
		AccountID: accountID,
		Action:    model.ActionReset,
		Amount:    boundary.Resulting.Monthly,
		Source:    model.SourceAdjustment,
		Metadata: map[string]string{
			model.MetaGrantFree:    strconv.FormatInt(boundary.Resulting.Free, 10),
			model.MetaGrantWelcome: strconv.FormatInt(boundary.Resulting.Welcome, 10),
			model.MetaCheckpoint:   "true",
		},
		Resulting: boundary.Resulting,
	}
	if err := s.insertCheckpoint(ctx, checkpoint, boundary.CreatedAt); err != nil {
		return 0, 0, model.WrapInternal(err, "write cleanup checkpoint")
	}

	var deleted int64
	batches := 0
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM ledger_entries
			WHERE id IN (
				SELECT id FROM ledger_entries
				WHERE account_id = $1 AND created_at < $2 AND id <> $3
				ORDER BY created_at, id
				LIMIT $4
			)`, accountID, cutoff, checkpoint.ID, batchSize)
		if err != nil {
			return deleted, batches, model.WrapInternal(err, "delete old ledger entries")
		}
		batches++
		deleted += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return deleted, batches, nil
		}
	}
}

// pruneBoundary returns the newest entry older than cutoff and the
// count of entries under the cutoff. A nil entry means nothing to prune.
func (s *Store) pruneBoundary(ctx context.Context, accountID string, cutoff time.Time) (*model.LedgerEntry, int64, error) {
	var prunable int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM ledger_entries
		WHERE account_id = $1 AND created_at < $2`, accountID, cutoff,
	).Scan(&prunable)
	if err != nil {
		return nil, 0, model.WrapInternal(err, "count prunable entries")
	}
	if prunable == 0 {
		return nil, 0, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, accountID, cutoff)
	if err != nil {
		return nil, 0, model.WrapInternal(err, "find prune boundary")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, model.WrapInternal(err, "find prune boundary")
		}
		return nil, 0, nil
	}
	boundary, err := scanEntryRows(rows)
	if err != nil {
		return nil, 0, model.WrapInternal(err, "scan prune boundary")
	}
	return boundary, prunable, nil
}

// insertCheckpoint writes the compaction entry at the boundary's
// timestamp so it sorts before the surviving tail.
func (s *Store) insertCheckpoint(ctx context.Context, e *model.LedgerEntry, at time.Time) error {
	meta, err := metaJSON(e.Metadata)
	if err != nil {
		return err
	}
	e.CreatedAt = at
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_entries
			(id, account_id, action, amount, idempotency_key, source, metadata,
			 result_free, result_welcome, result_monthly, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AccountID, e.Action, e.Amount, e.Source, meta,
		e.Resulting.Free, e.Resulting.Welcome, e.Resulting.Monthly, at)
	return err
}
