// Package worker repairs purchase receipts. The verifier writes the
// receipt row best-effort after crediting; this worker consumes the
// credited events and upserts the row, so a receipt eventually exists
// for every credited purchase even when the synchronous write failed.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tally/internal/model"
	"tally/internal/purchase"
	"tally/internal/service"
)

type ReceiptWorker struct {
	svc      service.LedgerService
	natsConn *nats.Conn
}

func NewReceiptWorker(svc service.LedgerService, nc *nats.Conn) *ReceiptWorker {
	return &ReceiptWorker{
		svc:      svc,
		natsConn: nc,
	}
}

// Run subscribes to the purchases.credited topic and blocks until ctx
// is cancelled. The queue group spreads events across instances while
// delivering each event to exactly one of them.
func (w *ReceiptWorker) Run(ctx context.Context) error {
	sub, err := w.natsConn.QueueSubscribe(purchase.SubjectCredited, "worker_group", func(m *nats.Msg) {
		var event model.PurchaseCreditedEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			slog.Error("worker: failed to unmarshal credited event", "error", err)
			return
		}

		// The receipt insert is idempotent, so redeliveries are safe.
		if err := w.svc.RepairReceipt(ctx, event); err != nil {
			slog.Error("worker: failed to repair receipt",
				"account_id", event.AccountID,
				"transaction_id", event.PlatformTransactionID,
				"error", err,
			)
			return
		}

		slog.Info("worker: receipt repaired",
			"account_id", event.AccountID,
			"transaction_id", event.PlatformTransactionID,
		)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Receipt repair worker is running")

	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *ReceiptWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *ReceiptWorker) Stop(ctx context.Context) error {
	return nil
}
