package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/reconcile"
	"github.com/example/ledgersync/internal/security"
	"github.com/example/ledgersync/internal/syncer"
	"github.com/example/ledgersync/internal/webhook"
)

type syncRequest struct {
	Mode       string   `json:"mode"`
	Days       int      `json:"days"`
	Currencies []string `json:"currencies"`
}

type balancesResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	Balances      []*model.CurrencyBalance `json:"balances"`
}

type reconciliationResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Gaps          []reconcile.Gap `json:"gaps"`
	Warning       bool            `json:"warning"`
}

type providerBalancesResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Balances      []model.ProviderBalance `json:"balances"`
}

type recentResponse struct {
	Deliveries []webhook.Delivery      `json:"deliveries"`
	Totals     map[webhook.Outcome]int `json:"totals"`
}

type replayResponse struct {
	CorrelationID string `json:"correlation_id"`
	EventID       string `json:"event_id"`
	Status        string `json:"status"`
}

func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Webhook == nil {
		h.unavailable(w, r, "webhook")
		return
	}
	h.deps.Webhook.ServeHTTP(w, r)
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sync == nil {
		h.unavailable(w, r, "sync")
		return
	}
	var req syncRequest
	if !readJSON(w, r, h.v.sync, &req) {
		return
	}
	mode, err := syncer.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	res, err := h.deps.Sync.Sync(r.Context(), syncer.Request{Mode: mode, Days: req.Days, Currencies: req.Currencies})
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (h *handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sync == nil {
		h.unavailable(w, r, "sync")
		return
	}
	st, err := h.deps.Sync.Status(r.Context())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (h *handlers) listBalances(w http.ResponseWriter, r *http.Request) {
	if h.deps.Balances == nil {
		h.unavailable(w, r, "balances")
		return
	}
	out, err := h.deps.Balances.Balances(r.Context())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balancesResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Balances:      out,
	})
}

func (h *handlers) recomputeBalances(w http.ResponseWriter, r *http.Request) {
	if h.deps.Balances == nil {
		h.unavailable(w, r, "balances")
		return
	}
	out, err := h.deps.Balances.RecomputeAll(r.Context())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balancesResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Balances:      out,
	})
}

func (h *handlers) verifyBalance(w http.ResponseWriter, r *http.Request) {
	if h.deps.Balances == nil {
		h.unavailable(w, r, "balances")
		return
	}
	d, err := h.deps.Balances.Verify(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *handlers) reconciliation(w http.ResponseWriter, r *http.Request) {
	if h.deps.Balances == nil {
		h.unavailable(w, r, "balances")
		return
	}
	gaps, err := h.deps.Balances.Gaps(r.Context())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	resp := reconciliationResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Gaps:          gaps,
	}
	for _, g := range gaps {
		resp.Warning = resp.Warning || g.Warning
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *handlers) refreshProviderBalances(w http.ResponseWriter, r *http.Request) {
	if h.deps.Balances == nil {
		h.unavailable(w, r, "balances")
		return
	}
	out, err := h.deps.Balances.RefreshProviderBalances(r.Context())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, providerBalancesResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Balances:      out,
	})
}

func (h *handlers) rate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rates == nil {
		h.unavailable(w, r, "rates")
		return
	}
	from, err := model.NormalizeCurrency(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	to, err := model.NormalizeCurrency(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	rate, err := h.deps.Rates.Rate(r.Context(), from, to)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"correlation_id": security.CorrelationIDFromContext(r.Context()),
		"from":           from,
		"to":             to,
		"rate":           rate.String(),
	})
}

func (h *handlers) recentWebhooks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		h.unavailable(w, r, "webhook")
		return
	}
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			writeError(w, r, h.deps.Logger, &model.ValidationError{Field: "limit", Value: v})
			return
		}
		limit = i
	}
	writeJSON(w, r, http.StatusOK, recentResponse{
		Deliveries: h.deps.Monitor.Recent(limit),
		Totals:     h.deps.Monitor.Totals(),
	})
}

func (h *handlers) replay(w http.ResponseWriter, r *http.Request) {
	if h.deps.Replayer == nil {
		h.unavailable(w, r, "replay")
		return
	}
	ev, err := h.deps.Replayer.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, replayResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		EventID:       ev.ID,
		Status:        "dispatched",
	})
}
