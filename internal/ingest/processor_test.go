package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledgersync/internal/classifier"
	"github.com/example/ledgersync/internal/confidence"
	"github.com/example/ledgersync/internal/ledger"
	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/provider"
	"github.com/example/ledgersync/internal/reconcile"
	"github.com/example/ledgersync/internal/review"
	"github.com/example/ledgersync/internal/store"
	"github.com/example/ledgersync/internal/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func newProcessor(t *testing.T, s *sqlite.Store, autoApprove bool) *Processor {
	t.Helper()
	policy := confidence.Default()
	policy.AutoApprove = autoApprove

	cls, err := classifier.New(classifier.Rules{
		Payroll: []classifier.Recipient{{ID: "emp-1", Name: "Jane Doe", Kind: classifier.KindEmployee}},
	}, policy)
	require.NoError(t, err)

	svc := review.NewService(s, ledger.NewMaterializer(s, nil), reconcile.NewReconciler(s, nil, nil, nil), policy, nil, nil)
	return NewProcessor(s, cls, svc, nil)
}

func webhookEvent(id, txID, amount, counterparty string) *model.RawEvent {
	payload := fmt.Sprintf(`{"event_type":"balances#update","subscription_id":"sub-1",
		"data":{"transaction_id":%q,"occurred_at":"2024-04-02T10:00:00Z","amount":%s,"currency":"USD","recipient_name":%q}}`,
		txID, amount, counterparty)
	return &model.RawEvent{
		ID:        id,
		Source:    model.SourceWebhook,
		EventType: "balances#update",
		Payload:   json.RawMessage(payload),
	}
}

func ingestWebhook(t *testing.T, p *Processor, ev *model.RawEvent) Outcome {
	t.Helper()
	c, err := provider.DecodeCandidate(ev)
	require.NoError(t, err)
	out, err := p.Ingest(context.Background(), ev, c)
	require.NoError(t, err)
	return out
}

func TestDuplicateDeliveryYieldsOneTransaction(t *testing.T) {
	s := newStore(t)
	p := newProcessor(t, s, false)

	first := ingestWebhook(t, p, webhookEvent("dlv-1", "T-100", "-50.00", "Unknown Vendor"))
	assert.True(t, first.NewTransaction)
	assert.False(t, first.Duplicate())

	second := ingestWebhook(t, p, webhookEvent("dlv-1", "T-100", "-50.00", "Unknown Vendor"))
	assert.True(t, second.DuplicateEvent)
	assert.True(t, second.Duplicate())

	_, total, err := s.ListTransactions(context.Background(), store.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	tx, err := s.GetTransactionByProviderID(context.Background(), "T-100")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, tx.ReviewState)
	assert.True(t, tx.Classification.NeedsReview)
	assert.Less(t, tx.Classification.Confidence, 40)
}

func TestWebhookAndPollRaceOnSameTransaction(t *testing.T) {
	s := newStore(t)
	p := newProcessor(t, s, false)

	ingestWebhook(t, p, webhookEvent("dlv-1", "T-5", "100", "Acme"))

	item := []byte(`{"type":"CREDIT","date":"2024-04-02T10:00:00Z","amount":{"value":100,"currency":"USD"},"referenceNumber":"T-5"}`)
	c, err := provider.CandidateFromStatement(item)
	require.NoError(t, err)
	out, err := p.Ingest(context.Background(), &model.RawEvent{
		ID: provider.StatementEventID("T-5"), Source: model.SourcePoll, EventType: "statement", Payload: item,
	}, c)
	require.NoError(t, err)
	assert.True(t, out.DuplicateTransaction)

	ev, err := s.GetEvent(context.Background(), provider.StatementEventID("T-5"))
	require.NoError(t, err)
	assert.Equal(t, model.EventProcessed, ev.Status)
}

func TestProcessStored(t *testing.T) {
	s := newStore(t)
	p := newProcessor(t, s, false)
	ctx := context.Background()

	ev := webhookEvent("dlv-2", "T-200", "75.10", "Acme")
	_, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)

	out, err := p.ProcessStored(ctx, "dlv-2")
	require.NoError(t, err)
	assert.True(t, out.NewTransaction)
	assert.Equal(t, "T-200", out.Transaction.ProviderTransactionID)

	again, err := p.ProcessStored(ctx, "dlv-2")
	require.NoError(t, err)
	assert.True(t, again.DuplicateEvent)

	_, err = p.ProcessStored(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidEventIsMarkedFailed(t *testing.T) {
	s := newStore(t)
	p := newProcessor(t, s, false)
	ctx := context.Background()

	ev := &model.RawEvent{ID: "dlv-bad", Source: model.SourceWebhook, EventType: "balances#update",
		Payload: json.RawMessage(`{"event_type":"balances#update","data":{"transaction_id":"T-9","amount":5,"currency":"usd dollars","occurred_at":"2024-04-02T10:00:00Z"}}`)}
	_, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)

	_, err = p.ProcessStored(ctx, ev.ID)
	require.ErrorIs(t, err, ErrInvalidEvent)
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	stored, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)

	_, total, err := s.ListTransactions(ctx, store.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestEventWithoutMoneyIsProcessed(t *testing.T) {
	s := newStore(t)
	p := newProcessor(t, s, false)
	ctx := context.Background()

	ev := &model.RawEvent{ID: "dlv-state", Source: model.SourceWebhook, EventType: "transfers#state-change",
		Payload: json.RawMessage(`{"event_type":"transfers#state-change","data":{"resource":{"id":1,"type":"transfer"},"current_state":"processing"}}`)}
	_, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)

	out, err := p.ProcessStored(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, out.NoTransaction)

	stored, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventProcessed, stored.Status)
}

func TestAutoApproveCreatesEntry(t *testing.T) {
	s := newStore(t)
	p := newProcessor(t, s, true)
	ctx := context.Background()

	out := ingestWebhook(t, p, webhookEvent("dlv-pay", "T-300", "-4000", "Jane Doe"))
	assert.True(t, out.NewTransaction)
	assert.True(t, out.EntryCreated)

	tx, err := s.GetTransactionByProviderID(ctx, "T-300")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewProcessed, tx.ReviewState)
	assert.Equal(t, model.CategorySalary, tx.Classification.Category)

	entry, err := s.GetLedgerEntryByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EntryTypeExpense, entry.Type)

	low := ingestWebhook(t, p, webhookEvent("dlv-low", "T-301", "-20", "Somebody"))
	assert.False(t, low.EntryCreated)
}

func TestAutoApproveDisabled(t *testing.T) {
	s := newStore(t)
	p := newProcessor(t, s, false)

	out := ingestWebhook(t, p, webhookEvent("dlv-pay", "T-300", "-4000", "Jane Doe"))
	assert.False(t, out.EntryCreated)

	tx, err := s.GetTransactionByProviderID(context.Background(), "T-300")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, tx.ReviewState)
	assert.GreaterOrEqual(t, tx.Classification.Confidence, 80)
}

type recordingDispatcher struct {
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

func TestReplayerDispatchesStuckEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := webhookEvent("old", "T-1", "1", "A")
	old.ReceivedAt = now.Add(-time.Hour)
	fresh := webhookEvent("fresh", "T-2", "1", "A")
	fresh.ReceivedAt = now
	done := webhookEvent("done", "T-3", "1", "A")
	done.ReceivedAt = now.Add(-time.Hour)
	done.Status = model.EventProcessed
	for _, ev := range []*model.RawEvent{old, fresh, done} {
		_, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
	}

	d := &recordingDispatcher{}
	r := NewReplayer(s, d, 10*time.Minute, nil)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, d.ids)

	_, err = r.Replay(ctx, "done")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	_, err = r.Replay(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "fresh"}, d.ids)

	_, err = r.Replay(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplayerContinuesAfterDispatchFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ev := webhookEvent("old", "T-1", "1", "A")
	ev.ReceivedAt = time.Now().UTC().Add(-time.Hour)
	_, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)

	r := NewReplayer(s, &recordingDispatcher{err: ErrQueueFull}, time.Minute, nil)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
