package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tally/internal/model"
	"tally/internal/service"
)

type Handler struct {
	svc service.LedgerService
}

func NewHandler(svc service.LedgerService) *Handler {
	return &Handler{svc: svc}
}

// Register wires the routes. Health and metrics stay outside the auth
// wrapper; everything touching an account requires a bearer token whose
// subject matches the account being operated on.
func (h *Handler) Register(mux *http.ServeMux, jwtSecret string) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	authed := func(fn http.HandlerFunc) http.Handler {
		return Auth(jwtSecret, fn)
	}
	mux.Handle("POST /debit", authed(h.Debit))
	mux.Handle("POST /credit", authed(h.Credit))
	mux.Handle("POST /purchases/verify", authed(h.VerifyPurchase))
	mux.Handle("GET /balance", authed(h.GetBalance))
	mux.Handle("GET /entries", authed(h.GetEntries))
	mux.Handle("GET /stats", authed(h.GetStats))
	mux.Handle("POST /reconcile", authed(h.Reconcile))

	admin := func(fn http.HandlerFunc) http.Handler {
		return Auth(jwtSecret, RequireAdmin(fn))
	}
	mux.Handle("POST /admin/monthly_reset", admin(h.MonthlyReset))
	mux.Handle("POST /admin/reconcile_sweep", admin(h.ReconcileSweep))
	mux.Handle("POST /admin/cleanup", admin(h.Cleanup))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	var req model.DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, model.Errorf(model.CodeInvalidArgument, "invalid_json"))
		return
	}
	req.AccountID = AccountID(r.Context())

	res, err := h.svc.Debit(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req model.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, model.Errorf(model.CodeInvalidArgument, "invalid_json"))
		return
	}
	req.AccountID = AccountID(r.Context())

	res, err := h.svc.Credit(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	var req model.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, model.Errorf(model.CodeInvalidArgument, "invalid_json"))
		return
	}
	req.AccountID = AccountID(r.Context())

	res, err := h.svc.VerifyAndCredit(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.GetAccount(r.Context(), AccountID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, model.Errorf(model.CodeInvalidArgument, "since must be RFC3339"))
			return
		}
		since = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, model.Errorf(model.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := h.svc.GetLedgerEntries(r.Context(), AccountID(r.Context()), since, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, -1, 0), now
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, model.Errorf(model.CodeInvalidArgument, "from must be RFC3339"))
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, model.Errorf(model.CodeInvalidArgument, "to must be RFC3339"))
			return
		}
		to = parsed
	}

	stats, err := h.svc.GetLedgerStats(r.Context(), from, to)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ReconcileAccount(r.Context(), AccountID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) MonthlyReset(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.MonthlyReset(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) ReconcileSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.ReconcileSweep(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var params struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			respondError(w, model.Errorf(model.CodeInvalidArgument, "invalid_json"))
			return
		}
	}
	result, err := h.svc.CleanupOldEntries(r.Context(), params.OlderThanDays)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, err error) {
	code := model.CodeOf(err)

	var me *model.Error
	if errors.As(err, &me) && me.RetryAfter > 0 {
		secs := int64(me.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	msg := err.Error()
	if code == model.CodeInternal {
		msg = "internal error"
	}
	respondJSON(w, statusFor(code), map[string]string{
		"code":  string(code),
		"error": msg,
	})
}

func statusFor(code model.Code) int {
	switch code {
	case model.CodeUnauthenticated:
		return http.StatusUnauthorized
	case model.CodeInvalidArgument, model.CodeInvalidProduct:
		return http.StatusBadRequest
	case model.CodeDuplicateRequest:
		return http.StatusConflict
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	case model.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case model.CodeVerificationFailed:
		return http.StatusUnprocessableEntity
	case model.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
