package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/ledgersync/internal/confidence"
	"github.com/example/ledgersync/internal/crypto"
	"github.com/example/ledgersync/internal/ingest"
	"github.com/example/ledgersync/internal/ledger"
	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/reconcile"
	"github.com/example/ledgersync/internal/review"
	"github.com/example/ledgersync/internal/security"
	"github.com/example/ledgersync/internal/store/sqlite"
	"github.com/example/ledgersync/internal/syncer"
	"github.com/example/ledgersync/internal/webhook"
	"github.com/example/ledgersync/pkg/audit"
)

type mockSync struct{ mock.Mock }

func (m *mockSync) Sync(ctx context.Context, req syncer.Request) (*syncer.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*syncer.Result)
	return res, args.Error(1)
}

func (m *mockSync) Status(ctx context.Context) (*syncer.Status, error) {
	args := m.Called(ctx)
	st, _ := args.Get(0).(*syncer.Status)
	return st, args.Error(1)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

type testEnv struct {
	store      *sqlite.Store
	chain      *audit.ChainLogger
	sync       *mockSync
	dispatcher *recordingDispatcher
	deps       Dependencies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(s.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	env := &testEnv{
		store:      s,
		chain:      audit.NewChainLogger(nil, 200),
		sync:       &mockSync{},
		dispatcher: &recordingDispatcher{},
	}
	rec := reconcile.NewReconciler(s, reconcile.StaticRates{"EUR": decimal.RequireFromString("1.08")}, nil, nil)
	svc := review.NewService(s, ledger.NewMaterializer(s, nil), rec, confidence.Default(), env.chain, nil)
	monitor := webhook.NewMonitor(10)
	receiver, err := webhook.NewReceiver(s, crypto.NewRSAVerifier(&key.PublicKey), env.dispatcher, monitor, env.chain, webhook.Config{}, nil)
	require.NoError(t, err)

	env.deps = Dependencies{
		Review:     svc,
		Sync:       env.sync,
		Balances:   rec,
		Rates:      reconcile.StaticRates{"EUR": decimal.RequireFromString("1.08")},
		Replayer:   ingest.NewReplayer(s, env.dispatcher, time.Minute, nil),
		Webhook:    receiver,
		Monitor:    monitor,
		HealthPing: s.Ping,
		Auditor:    env.chain,
	}
	return env
}

func (e *testEnv) seed(t *testing.T, providerID, amount string, score int, category model.Category) *model.Transaction {
	t.Helper()
	ctx := context.Background()
	ev := &model.RawEvent{ID: "evt-" + providerID, Source: model.SourcePoll, EventType: "statement", Payload: json.RawMessage(`{}`)}
	_, err := e.store.AppendEvent(ctx, ev)
	require.NoError(t, err)

	amt := decimal.RequireFromString(amount)
	dir := model.DirectionCredit
	if amt.IsNegative() {
		dir = model.DirectionDebit
	}
	tx := &model.Transaction{
		ProviderTransactionID: providerID,
		EventID:               ev.ID,
		Currency:              "USD",
		Amount:                amt,
		Fee:                   decimal.Zero,
		Direction:             dir,
		OccurredAt:            time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC),
		Counterparty:          "Unknown Vendor",
		Classification: confidence.Default().Apply(model.Classification{
			Category:   category,
			Confidence: score,
			Source:     model.ClassifiedByRules,
		}),
	}
	_, err = e.store.InsertTransaction(ctx, tx)
	require.NoError(t, err)
	return tx
}

func (e *testEnv) router(t *testing.T) http.Handler {
	t.Helper()
	h, err := NewRouter(e.deps)
	require.NoError(t, err)
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(ActorHeader, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[security.ErrorResponse](t, rec).Error
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := do(t, env.router(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(security.CorrelationIDHeader))

	env.deps.HealthPing = func(context.Context) error { return errors.New("db down") }
	rec = do(t, env.router(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReviewUpdateThenApprove(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	tx := env.seed(t, "T-100", "-50.00", 25, model.CategoryOtherExpense)
	env.seed(t, "T-200", "900", 90, model.CategoryClientRevenue)

	rec := do(t, h, http.MethodGet, "/v1/review/transactions?needs_review=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[review.Page](t, rec)
	require.Len(t, page.Data, 1)
	assert.Equal(t, tx.ID, page.Data[0].ID)
	assert.Equal(t, 1, page.Pagination.Total)
	assert.False(t, page.Pagination.HasMore)

	rec = do(t, h, http.MethodPatch, "/v1/review/transactions/"+tx.ID, `{"category":"Travel"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[transactionResponse](t, rec)
	assert.Equal(t, confidence.ManualScore, updated.Transaction.Classification.Confidence)
	assert.Equal(t, model.CategoryTravel, updated.Transaction.Classification.Category)

	rec = do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[review.ApproveResult](t, rec)
	assert.False(t, res.AlreadyProcessed)
	assert.Equal(t, model.ReviewProcessed, res.Transaction.ReviewState)
	assert.True(t, res.Entry.TotalAmount.Equal(decimal.RequireFromString("50.00")))
	assert.Equal(t, "USD", res.Entry.Currency)

	// approving again reports the existing entry
	rec = do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[review.ApproveResult](t, rec)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, res.Entry.ID, again.Entry.ID)

	rec = do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/reject", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/v1/review/transactions/"+tx.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[review.Detail](t, rec)
	require.NotNil(t, detail.Entry)
	require.Len(t, detail.History, 1)
	assert.Equal(t, "alice", detail.History[0].Actor)
	assert.Empty(t, detail.AllowedTransitions)

	var apiRecords int
	for _, r := range env.chain.Records() {
		if r.Kind == audit.KindAPIRequest {
			apiRecords++
			assert.Equal(t, "alice", r.Actor)
		}
	}
	assert.Equal(t, 4, apiRecords)
	assert.NoError(t, audit.VerifyChain(env.chain.Records()))
}

func TestReviewRejectAndRetry(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	tx := env.seed(t, "T-1", "-12.00", 30, model.CategoryOtherExpense)

	rec := do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/reject", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ReviewSkipped, decodeBody[transactionResponse](t, rec).Transaction.ReviewState)

	// only failed transactions can be retried
	rec = do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/review/transactions?status=skipped", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[review.Page](t, rec).Data, 1)

	rec = do(t, h, http.MethodGet, "/v1/review/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[review.Page](t, rec).Data)
}

func TestReviewValidation(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	tx := env.seed(t, "T-1", "-12.00", 30, model.CategoryOtherExpense)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad status", http.MethodGet, "/v1/review/transactions?status=done", "", http.StatusBadRequest, "validation_error"},
		{"bad band", http.MethodGet, "/v1/review/transactions?band=extreme", "", http.StatusBadRequest, "validation_error"},
		{"bad confidence", http.MethodGet, "/v1/review/transactions?min_confidence=101", "", http.StatusBadRequest, "validation_error"},
		{"bad date", http.MethodGet, "/v1/review/transactions?from=yesterday", "", http.StatusBadRequest, "validation_error"},
		{"empty patch", http.MethodPatch, "/v1/review/transactions/" + tx.ID, `{}`, http.StatusBadRequest, "validation_error"},
		{"unknown field", http.MethodPatch, "/v1/review/transactions/" + tx.ID, `{"confidence":100}`, http.StatusBadRequest, "validation_error"},
		{"unknown category", http.MethodPost, "/v1/review/transactions/" + tx.ID + "/approve", `{"category":"yachts"}`, http.StatusBadRequest, "validation_error"},
		{"uncategorized override", http.MethodPost, "/v1/review/transactions/" + tx.ID + "/approve", `{"category":"uncategorized"}`, http.StatusBadRequest, "validation_error"},
		{"broken json", http.MethodPost, "/v1/review/transactions/" + tx.ID + "/approve", `{`, http.StatusBadRequest, "invalid_json"},
		{"missing transaction", http.MethodPost, "/v1/review/transactions/nope/approve", "", http.StatusNotFound, "not_found"},
		{"empty bulk", http.MethodPost, "/v1/review/bulk-approve", `{"ids":[]}`, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}

	got, err := env.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, got.ReviewState)
}

func TestBulkApproveIsPerItem(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	ids := make([]string, 0, 5)
	for _, p := range []string{"B-1", "B-2", "B-3", "B-4", "B-5"} {
		ids = append(ids, env.seed(t, p, "-10.00", 50, model.CategorySoftware).ID)
	}
	rec := do(t, h, http.MethodPost, "/v1/review/transactions/"+ids[0]+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := json.Marshal(map[string]any{"ids": ids})
	rec = do(t, h, http.MethodPost, "/v1/review/bulk-approve", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[bulkResponse](t, rec)
	assert.Equal(t, 4, res.Approved)
	assert.Equal(t, 1, res.AlreadyProcessed)
	assert.Zero(t, res.Failed)
	assert.NotEmpty(t, res.CorrelationID)

	_, _, count, err := env.store.SumCompleted(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	pending := env.seed(t, "B-6", "-3.00", 20, model.CategoryOtherExpense)
	body, _ = json.Marshal(map[string]any{"ids": []string{pending.ID, "missing"}, "reason": "noise"})
	rec = do(t, h, http.MethodPost, "/v1/review/bulk-reject", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	rej := decodeBody[bulkResponse](t, rec)
	assert.Equal(t, 1, rej.Rejected)
	assert.Equal(t, 1, rej.Failed)
	require.Len(t, rej.Failures, 1)
	assert.Equal(t, "missing", rej.Failures[0].ID)

	rec = do(t, h, http.MethodGet, "/v1/review/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[map[string]float64](t, rec)
	assert.Equal(t, float64(0), stats["pending_review"])
	assert.Equal(t, float64(5), stats["approved_today"])
}

func TestApprovePendingFlag(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	tx := env.seed(t, "PF-1", "-30.00", 90, model.CategorySoftware)
	rec := do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/approve", `{"pending":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/approve", `{"pending":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[review.ApproveResult](t, rec)
	assert.Equal(t, model.EntryPending, res.Entry.Status)

	other := env.seed(t, "PF-2", "-5.00", 90, model.CategorySoftware)
	body, _ := json.Marshal(map[string]any{"ids": []string{other.ID}, "pending": true})
	rec = do(t, h, http.MethodPost, "/v1/review/bulk-approve", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[bulkResponse](t, rec).Approved)

	entry, err := env.store.GetLedgerEntryByTransaction(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EntryPending, entry.Status)

	_, _, count, err := env.store.SumCompleted(context.Background(), "USD")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSyncEndpoints(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	result := &syncer.Result{Mode: syncer.ModeFull, Total: syncer.Counts{TransactionsFound: 10, NewTransactions: 7, Errors: 3}}
	env.sync.On("Sync", mock.Anything, syncer.Request{Mode: syncer.ModeFull, Currencies: []string{"eur"}}).Return(result, nil).Once()
	env.sync.On("Sync", mock.Anything, syncer.Request{Mode: syncer.ModeIncremental}).Return(&syncer.Result{Mode: syncer.ModeIncremental}, nil).Once()
	env.sync.On("Status", mock.Anything).Return(&syncer.Status{Running: false}, nil)

	rec := do(t, h, http.MethodPost, "/v1/sync", `{"mode":"full","currencies":["eur"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[map[string]any](t, rec)
	total := got["total"].(map[string]any)
	assert.Equal(t, float64(10), total["transactionsFound"])
	assert.Equal(t, float64(3), total["errors"])

	rec = do(t, h, http.MethodPost, "/v1/sync", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/sync", `{"mode":"weekly"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/sync", `{"days":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/sync/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	env.sync.AssertExpectations(t)
}

func TestBalancesAndReconciliation(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	ctx := context.Background()

	tx := env.seed(t, "T-1", "-50.00", 95, model.CategorySalary)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/review/transactions/"+tx.ID+"/approve", "").Code)

	rec := do(t, h, http.MethodGet, "/v1/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	balances := decodeBody[balancesResponse](t, rec)
	require.Len(t, balances.Balances, 1)
	assert.True(t, balances.Balances[0].Balance.Equal(decimal.NewFromInt(-50)))

	rec = do(t, h, http.MethodGet, "/v1/balances/usd/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[reconcile.Drift](t, rec).Consistent)

	rec = do(t, h, http.MethodGet, "/v1/balances/US1/verify", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, env.store.UpsertProviderBalance(ctx, model.ProviderBalance{
		Currency: "USD", Amount: decimal.NewFromInt(100), FetchedAt: time.Now().UTC(),
	}))
	rec = do(t, h, http.MethodGet, "/v1/reconciliation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	recon := decodeBody[reconciliationResponse](t, rec)
	assert.True(t, recon.Warning)
	require.Len(t, recon.Gaps, 1)
	assert.True(t, recon.Gaps[0].Difference.Equal(decimal.NewFromInt(-150)))

	rec = do(t, h, http.MethodPost, "/v1/balances/recompute", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[balancesResponse](t, rec).Balances, 1)
}

func TestRates(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	rec := do(t, h, http.MethodGet, "/v1/rates?from=eur&to=USD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.08", decodeBody[map[string]string](t, rec)["rate"])

	rec = do(t, h, http.MethodGet, "/v1/rates?from=GBP&to=USD", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/rates?from=GBP", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAndMonitor(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	body := `{"event_type":"balances#credit","data":{"transaction_id":"W-1","amount":10,"currency":"USD","occurred_at":"2024-04-02T10:00:00Z"}}`
	rec := do(t, h, http.MethodPost, "/v1/webhooks/provider", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.dispatcher.ids)

	rec = do(t, h, http.MethodGet, "/v1/webhooks/recent?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	recent := decodeBody[recentResponse](t, rec)
	require.Len(t, recent.Deliveries, 1)
	assert.Equal(t, webhook.OutcomeRejected, recent.Deliveries[0].Outcome)
	assert.Equal(t, 1, recent.Totals[webhook.OutcomeRejected])

	rec = do(t, h, http.MethodGet, "/v1/webhooks/recent?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	ctx := context.Background()

	_, err := env.store.AppendEvent(ctx, &model.RawEvent{ID: "evt-stuck", Source: model.SourceWebhook, EventType: "balances#credit", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = env.store.AppendEvent(ctx, &model.RawEvent{ID: "evt-done", Source: model.SourceWebhook, EventType: "balances#credit", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, env.store.MarkEvent(ctx, "evt-done", model.EventProcessed, ""))

	rec := do(t, h, http.MethodPost, "/v1/events/evt-stuck/replay", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "evt-stuck", decodeBody[replayResponse](t, rec).EventID)
	assert.Equal(t, []string{"evt-stuck"}, env.dispatcher.ids)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/v1/events/evt-done/replay", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/events/evt-none/replay", "").Code)
}

func TestRateLimitTrips(t *testing.T) {
	env := newTestEnv(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	env.deps.RateLimiter = &security.RedisTokenBucket{Redis: rdb, Prefix: "api", Capacity: 1, RefillRate: 0.0000001}
	h := env.router(t)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/review/stats", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/v1/review/stats", "").Code)

	// the webhook route keeps its own bucket
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/webhooks/provider", `{}`).Code)

	// and stays open when Redis is gone
	mr.Close()
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/webhooks/provider", `{}`).Code)
}

func TestIPAllowlists(t *testing.T) {
	env := newTestEnv(t)
	_, internal, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	env.deps.IPAllowlist = []*net.IPNet{internal}
	h := env.router(t)

	// httptest requests come from 192.0.2.1
	rec := do(t, h, http.MethodGet, "/v1/review/stats", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/webhooks/provider", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxBodyBytes = 32
	h := env.router(t)

	big := `{"ids":["` + strings.Repeat("a", 64) + `"]}`
	rec := do(t, h, http.MethodPost, "/v1/review/bulk-approve", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUnavailableServices(t *testing.T) {
	h, err := NewRouter(Dependencies{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/review/stats", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/v1/sync", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/nothing", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/v1/review/stats", "").Code)
}
