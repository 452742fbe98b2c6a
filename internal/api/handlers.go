package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/ledgersync/internal/confidence"
	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/review"
	"github.com/example/ledgersync/internal/security"
)

// ActorHeader names the operator behind a review decision. Authentication
// is handled in front of this service.
const ActorHeader = "X-Actor"

type handlers struct {
	deps Dependencies
	v    *validators
}

type overrideRequest struct {
	Category     string  `json:"category"`
	MatchedParty *string `json:"matched_party"`
}

type approveRequest struct {
	overrideRequest
	Pending bool `json:"pending"`
}

// categoryOverride treats an empty value as "keep the stored category".
func categoryOverride(v string) (*model.Category, error) {
	if v == "" {
		return nil, nil
	}
	c, err := model.ParseCategory(v)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type bulkApproveRequest struct {
	IDs          []string `json:"ids"`
	Category     string   `json:"category"`
	MatchedParty *string  `json:"matched_party"`
	Pending      bool     `json:"pending"`
}

type bulkRejectRequest struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason"`
}

type transactionResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Transaction   *model.Transaction `json:"transaction"`
}

type bulkResponse struct {
	CorrelationID string `json:"correlation_id"`
	review.BulkResult
}

func actorOf(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "operator"
}

func (h *handlers) unavailable(w http.ResponseWriter, r *http.Request, what string) {
	security.WriteJSONError(w, r, http.StatusServiceUnavailable, what+"_unavailable")
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.HealthPing != nil {
		if err := h.deps.HealthPing(r.Context()); err != nil {
			h.deps.Logger.Warn("health_check_failed", "error", err)
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	page, err := h.deps.Review.ListForReview(r.Context(), f)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// parseListFilter reads the review-queue query. Without a status filter
// only pending transactions are listed; status=all lists every state.
func parseListFilter(r *http.Request) (review.ListFilter, error) {
	q := r.URL.Query()
	var f review.ListFilter

	switch status := q.Get("status"); status {
	case "":
		f.States = []model.ReviewState{model.ReviewPending}
	case "all":
	default:
		for _, s := range strings.Split(status, ",") {
			st, err := model.ParseReviewState(s)
			if err != nil {
				return f, err
			}
			f.States = append(f.States, st)
		}
	}

	var err error
	if f.MinConfidence, err = intParam(q.Get("min_confidence"), "min_confidence", 0, 100); err != nil {
		return f, err
	}
	if f.MaxConfidence, err = intParam(q.Get("max_confidence"), "max_confidence", 0, 100); err != nil {
		return f, err
	}
	if v := q.Get("currency"); v != "" {
		if f.Currency, err = model.NormalizeCurrency(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("direction"); v != "" {
		if f.Direction, err = model.ParseDirection(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("category"); v != "" {
		if f.Category, err = model.ParseCategory(v); err != nil {
			return f, err
		}
	}
	if f.From, err = timeParam(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if v := q.Get("needs_review"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return f, &model.ValidationError{Field: "needs_review", Value: v}
		}
		f.NeedsReview = &b
	}
	if v := q.Get("band"); v != "" {
		f.Band = confidence.Band(strings.ToLower(v))
	}

	if v := q.Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			f.Limit = i
		}
	}
	if v := q.Get("offset"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			f.Offset = i
		}
	}
	return f, nil
}

func intParam(v, field string, lo, hi int) (*int, error) {
	if v == "" {
		return nil, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < lo || i > hi {
		return nil, &model.ValidationError{Field: field, Value: v}
	}
	return &i, nil
}

// timeParam accepts RFC 3339 timestamps or plain dates.
func timeParam(v, field string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, &model.ValidationError{Field: field, Value: v}
}

func (h *handlers) transactionDetail(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	d, err := h.deps.Review.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *handlers) updateClassification(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	category, err := categoryOverride(req.Category)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	tx, err := h.deps.Review.UpdateClassification(r.Context(), chi.URLParam(r, "id"), review.ClassificationUpdate{
		Category:     category,
		MatchedParty: req.MatchedParty,
		Actor:        actorOf(r),
	})
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Transaction:   tx,
	})
}

func (h *handlers) approve(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	var req approveRequest
	if !readJSON(w, r, h.v.approve, &req) {
		return
	}
	category, err := categoryOverride(req.Category)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	res, err := h.deps.Review.Approve(r.Context(), chi.URLParam(r, "id"), review.ApproveRequest{
		Category:     category,
		MatchedParty: req.MatchedParty,
		Pending:      req.Pending,
		Actor:        actorOf(r),
	})
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (h *handlers) reject(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	var req rejectRequest
	if !readJSON(w, r, h.v.reject, &req) {
		return
	}
	tx, err := h.deps.Review.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, actorOf(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Transaction:   tx,
	})
}

func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	tx, err := h.deps.Review.Retry(r.Context(), chi.URLParam(r, "id"), actorOf(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Transaction:   tx,
	})
}

func (h *handlers) bulkApprove(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	var req bulkApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	category, err := categoryOverride(req.Category)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	res := h.deps.Review.BulkApprove(r.Context(), req.IDs, review.ApproveRequest{
		Category:     category,
		MatchedParty: req.MatchedParty,
		Pending:      req.Pending,
		Actor:        actorOf(r),
	})
	writeJSON(w, r, http.StatusOK, bulkResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		BulkResult:    res,
	})
}

func (h *handlers) bulkReject(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	var req bulkRejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	res := h.deps.Review.BulkReject(r.Context(), req.IDs, req.Reason, actorOf(r))
	writeJSON(w, r, http.StatusOK, bulkResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		BulkResult:    res,
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Review == nil {
		h.unavailable(w, r, "review")
		return
	}
	st, err := h.deps.Review.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}
