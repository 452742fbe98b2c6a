package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/example/ledgersync/internal/ingest"
	"github.com/example/ledgersync/internal/ledger"
	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/provider"
	"github.com/example/ledgersync/internal/reconcile"
	"github.com/example/ledgersync/internal/review"
	"github.com/example/ledgersync/internal/security"
	"github.com/example/ledgersync/internal/store"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes. Anything unrecognised
// is logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		verr *model.ValidationError
		terr *review.InvalidStateTransitionError
		aerr *provider.APIError
	)
	switch {
	case errors.As(err, &verr):
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, store.ErrNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	case errors.As(err, &terr):
		security.WriteJSONErrorMessage(w, r, http.StatusConflict, "invalid_state_transition", terr.Error())
	case errors.Is(err, review.ErrNotPending), errors.Is(err, store.ErrStateConflict):
		security.WriteJSONErrorMessage(w, r, http.StatusConflict, "not_pending", err.Error())
	case errors.Is(err, ingest.ErrAlreadyProcessed):
		security.WriteJSONError(w, r, http.StatusConflict, "already_processed")
	case errors.Is(err, ledger.ErrMalformedTransaction):
		security.WriteJSONErrorMessage(w, r, http.StatusUnprocessableEntity, "materialization_failed", err.Error())
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrQueueClosed):
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "dispatch_unavailable")
	case errors.Is(err, reconcile.ErrRateUnavailable):
		security.WriteJSONError(w, r, http.StatusNotFound, "rate_unavailable")
	case errors.As(err, &aerr), provider.IsRetryable(err):
		logger.Warn("provider_unavailable", "cid", security.CorrelationIDFromContext(r.Context()), "error", err)
		security.WriteJSONError(w, r, http.StatusBadGateway, "provider_unavailable")
	default:
		logger.Error("request_failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

// readJSON decodes an optional body. An empty body leaves dst untouched.
// It writes the error response itself and reports whether to continue.
func readJSON(w http.ResponseWriter, r *http.Request, v *security.JSONSchemaValidator, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			security.WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
			return false
		}
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := v.Validate(body); err != nil {
		if errors.Is(err, security.ErrInvalidJSON) {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return false
		}
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}
