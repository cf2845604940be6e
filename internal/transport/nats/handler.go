package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tally/internal/service"
)

// Job topics. The external scheduler publishes an empty (or parameter)
// message; the queue group guarantees one instance runs each job.
const (
	SubjectReconcileSweep = "jobs.reconcile_sweep"
	SubjectMonthlyReset   = "jobs.monthly_reset"
	SubjectCleanup        = "jobs.cleanup"

	jobGroup = "ledger_jobs"
)

// Handler subscribes to the scheduler job topics and delegates to the
// ledger service.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to the job topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	jobs := []struct {
		subject string
		run     func(*nats.Msg)
	}{
		{SubjectReconcileSweep, func(m *nats.Msg) { h.reconcileSweep(ctx, m) }},
		{SubjectMonthlyReset, func(m *nats.Msg) { h.monthlyReset(ctx, m) }},
		{SubjectCleanup, func(m *nats.Msg) { h.cleanup(ctx, m) }},
	}
	for _, j := range jobs {
		sub, err := h.nc.QueueSubscribe(j.subject, jobGroup, j.run)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}

	slog.Info("NATS job handler is running")

	<-ctx.Done()
	slog.Info("NATS job handler shutting down, draining subscriptions...")
	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) reconcileSweep(ctx context.Context, m *nats.Msg) {
	summary, err := h.svc.ReconcileSweep(ctx)
	if err != nil {
		slog.Error("nats: reconciliation sweep failed", "error", err)
		return
	}
	slog.Info("nats: reconciliation sweep finished",
		"checked", summary.Checked,
		"mismatched", summary.Mismatched,
		"failed", summary.Failed,
	)
	h.reply(m, summary)
}

func (h *Handler) monthlyReset(ctx context.Context, m *nats.Msg) {
	summary, err := h.svc.MonthlyReset(ctx)
	if err != nil {
		slog.Error("nats: monthly reset failed", "error", err)
		return
	}
	slog.Info("nats: monthly reset finished", "reset", summary.Reset, "failed", summary.Failed)
	h.reply(m, summary)
}

func (h *Handler) cleanup(ctx context.Context, m *nats.Msg) {
	var params struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &params); err != nil {
			slog.Error("nats: failed to unmarshal cleanup job", "error", err)
			return
		}
	}
	result, err := h.svc.CleanupOldEntries(ctx, params.OlderThanDays)
	if err != nil {
		slog.Error("nats: retention cleanup failed", "error", err)
		return
	}
	slog.Info("nats: retention cleanup finished",
		"deleted", result.Deleted,
		"skipped_accounts", result.SkippedAccounts,
	)
	h.reply(m, result)
}

// reply answers request-style job invocations; fire-and-forget
// publishes have no reply subject and skip this.
func (h *Handler) reply(m *nats.Msg, v any) {
	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("nats: failed to encode job reply", "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		slog.Error("nats: failed to send job reply", "error", err)
	}
}
