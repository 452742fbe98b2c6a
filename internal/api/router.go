package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/reconcile"
	"github.com/example/ledgersync/internal/review"
	"github.com/example/ledgersync/internal/security"
	"github.com/example/ledgersync/internal/store"
	"github.com/example/ledgersync/internal/syncer"
	"github.com/example/ledgersync/internal/webhook"
	"github.com/example/ledgersync/pkg/audit"
)

type Auditor interface {
	Append(kind, subject, actor, detail string) *audit.Record
}

type ReviewService interface {
	ListForReview(ctx context.Context, f review.ListFilter) (*review.Page, error)
	Detail(ctx context.Context, id string) (*review.Detail, error)
	UpdateClassification(ctx context.Context, id string, upd review.ClassificationUpdate) (*model.Transaction, error)
	Approve(ctx context.Context, id string, req review.ApproveRequest) (*review.ApproveResult, error)
	Reject(ctx context.Context, id, reason, actor string) (*model.Transaction, error)
	Retry(ctx context.Context, id, actor string) (*model.Transaction, error)
	BulkApprove(ctx context.Context, ids []string, defaults review.ApproveRequest) review.BulkResult
	BulkReject(ctx context.Context, ids []string, reason, actor string) review.BulkResult
	Stats(ctx context.Context) (store.ReviewStats, error)
}

type SyncService interface {
	Sync(ctx context.Context, req syncer.Request) (*syncer.Result, error)
	Status(ctx context.Context) (*syncer.Status, error)
}

type BalanceService interface {
	Balances(ctx context.Context) ([]*model.CurrencyBalance, error)
	RecomputeAll(ctx context.Context) ([]*model.CurrencyBalance, error)
	Verify(ctx context.Context, currency string) (reconcile.Drift, error)
	RefreshProviderBalances(ctx context.Context) ([]model.ProviderBalance, error)
	Gaps(ctx context.Context) ([]reconcile.Gap, error)
}

type EventReplayer interface {
	Replay(ctx context.Context, eventID string) (*model.RawEvent, error)
}

// Dependencies wires the HTTP surface. Nil services answer 503 so a
// partially configured process still serves what it has.
type Dependencies struct {
	Logger *slog.Logger

	Review     ReviewService
	Sync       SyncService
	Balances   BalanceService
	Rates      reconcile.RateSource
	Replayer   EventReplayer
	Webhook    http.Handler
	Monitor    *webhook.Monitor
	HealthPing func(ctx context.Context) error

	Auditor            Auditor
	RateLimiter        *security.RedisTokenBucket
	IPAllowlist        []*net.IPNet
	WebhookIPAllowlist []*net.IPNet
	MaxBodyBytes       int64
}

type validators struct {
	approve        *security.JSONSchemaValidator
	reject         *security.JSONSchemaValidator
	classification *security.JSONSchemaValidator
	bulkApprove    *security.JSONSchemaValidator
	bulkReject     *security.JSONSchemaValidator
	sync           *security.JSONSchemaValidator
}

func compileValidators() (*validators, error) {
	var v validators
	for _, c := range []struct {
		dst    **security.JSONSchemaValidator
		schema string
	}{
		{&v.approve, approveSchema},
		{&v.reject, rejectSchema},
		{&v.classification, classificationSchema},
		{&v.bulkApprove, bulkApproveSchema},
		{&v.bulkReject, bulkRejectSchema},
		{&v.sync, syncSchema},
	} {
		compiled, err := security.NewJSONSchemaValidator(c.schema)
		if err != nil {
			return nil, err
		}
		*c.dst = compiled
	}
	return &v, nil
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	v, err := compileValidators()
	if err != nil {
		return nil, err
	}
	h := &handlers{deps: deps, v: v}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))

	r.Get("/healthz", h.health)

	// The provider has its own allowlist and a fail-open limiter: a Redis
	// outage must not turn into redelivery storms.
	r.Group(func(r chi.Router) {
		r.Use(security.IPAllowlist(deps.WebhookIPAllowlist))
		if deps.RateLimiter != nil {
			wl := *deps.RateLimiter
			wl.Prefix += ":webhook"
			wl.FailOpen = true
			r.Use(security.RateLimitMiddleware(&wl, security.KeyByIP))
		}
		r.Post("/v1/webhooks/provider", h.webhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(security.IPAllowlist(deps.IPAllowlist))
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByIP))
		}
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor))
		}

		r.Route("/v1/review", func(r chi.Router) {
			r.Get("/transactions", h.listTransactions)
			r.Get("/transactions/{id}", h.transactionDetail)
			r.With(v.classification.Middleware).Patch("/transactions/{id}", h.updateClassification)
			r.Post("/transactions/{id}/approve", h.approve)
			r.Post("/transactions/{id}/reject", h.reject)
			r.Post("/transactions/{id}/retry", h.retry)
			r.With(v.bulkApprove.Middleware).Post("/bulk-approve", h.bulkApprove)
			r.With(v.bulkReject.Middleware).Post("/bulk-reject", h.bulkReject)
			r.Get("/stats", h.stats)
		})

		r.Post("/v1/sync", h.sync)
		r.Get("/v1/sync/status", h.syncStatus)

		r.Get("/v1/balances", h.listBalances)
		r.Post("/v1/balances/recompute", h.recomputeBalances)
		r.Get("/v1/balances/{currency}/verify", h.verifyBalance)
		r.Get("/v1/reconciliation", h.reconciliation)
		r.Post("/v1/reconciliation/refresh", h.refreshProviderBalances)
		r.Get("/v1/rates", h.rate)

		r.Get("/v1/webhooks/recent", h.recentWebhooks)
		r.Post("/v1/events/{id}/replay", h.replay)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
