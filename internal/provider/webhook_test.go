package provider

import (
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledgersync/internal/model"
)

const creditDelivery = `{
	"event_type": "balances#credit",
	"subscription_id": "sub-1",
	"sent_at": "2024-03-01T10:00:05Z",
	"data": {
		"resource": {"id": 5501, "type": "balance-account", "profile_id": 22},
		"occurred_at": "2024-03-01T10:00:00Z",
		"amount": 1250.00,
		"currency": "usd",
		"transaction_type": "credit",
		"reference_number": "T-100",
		"sender_name": "Acme Corp",
		"reference": "Invoice 42"
	}
}`

func TestParseWebhookUsesDeliveryHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderDeliveryID, "dlv-9")
	wh, err := ParseWebhook(h, []byte(creditDelivery))
	require.NoError(t, err)
	assert.Equal(t, "dlv-9", wh.EventID)
	assert.False(t, wh.Test)
}

func TestParseWebhookDerivesStableID(t *testing.T) {
	a, err := ParseWebhook(http.Header{}, []byte(creditDelivery))
	require.NoError(t, err)
	b, err := ParseWebhook(http.Header{}, []byte(creditDelivery))
	require.NoError(t, err)
	assert.Equal(t, a.EventID, b.EventID)
	assert.Regexp(t, `^wh_[0-9a-f]{32}$`, a.EventID)

	h := http.Header{}
	h.Set(HeaderTestNotification, "true")
	c, err := ParseWebhook(h, []byte(creditDelivery))
	require.NoError(t, err)
	assert.True(t, c.Test)
}

func TestParseWebhookRejectsMalformed(t *testing.T) {
	_, err := ParseWebhook(http.Header{}, []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedWebhook)

	_, err = ParseWebhook(http.Header{}, []byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrMalformedWebhook)
}

func TestWebhookCandidate(t *testing.T) {
	wh, err := ParseWebhook(http.Header{}, []byte(creditDelivery))
	require.NoError(t, err)

	c, err := wh.Envelope.Candidate()
	require.NoError(t, err)
	assert.Equal(t, "T-100", c.ProviderTransactionID)
	assert.Equal(t, "USD", c.Currency)
	assert.Equal(t, model.DirectionCredit, c.Direction)
	assert.True(t, decimal.NewFromInt(1250).Equal(c.Amount))
	assert.Equal(t, "Acme Corp", c.Counterparty)
	assert.Equal(t, "Invoice 42", c.Description)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), c.OccurredAt)
}

func TestWebhookCandidateDebitIsNegative(t *testing.T) {
	body := `{"event_type":"balances#update","data":{"resource":{"id":1,"type":"transfer"},
		"occurred_at":"2024-03-02T00:00:00Z","amount":50.00,"currency":"USD","transaction_type":"debit"}}`
	wh, err := ParseWebhook(http.Header{}, []byte(body))
	require.NoError(t, err)

	c, err := wh.Envelope.Candidate()
	require.NoError(t, err)
	assert.Equal(t, "transfer:1", c.ProviderTransactionID)
	assert.Equal(t, model.DirectionDebit, c.Direction)
	assert.True(t, decimal.RequireFromString("-50").Equal(c.Amount))
}

func TestWebhookCandidateDirectionFromSign(t *testing.T) {
	body := `{"event_type":"balances#update","data":{"transaction_id":"T-7",
		"occurred_at":"2024-03-02T00:00:00Z","amount":-12.5,"currency":"GBP"}}`
	wh, err := ParseWebhook(http.Header{}, []byte(body))
	require.NoError(t, err)

	c, err := wh.Envelope.Candidate()
	require.NoError(t, err)
	assert.Equal(t, model.DirectionDebit, c.Direction)
	assert.Equal(t, "T-7", c.ProviderTransactionID)
}

func TestWebhookWithoutMoneyHasNoCandidate(t *testing.T) {
	body := `{"event_type":"transfers#state-change","data":{"resource":{"id":9,"type":"transfer"},"current_state":"outgoing_payment_sent"}}`
	wh, err := ParseWebhook(http.Header{}, []byte(body))
	require.NoError(t, err)

	c, err := wh.Envelope.Candidate()
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestWebhookCandidateValidation(t *testing.T) {
	cases := map[string]string{
		"missing amount": `{"event_type":"x","data":{"currency":"USD","transaction_id":"T"}}`,
		"bad currency":   `{"event_type":"x","data":{"transaction_id":"T","amount":5,"currency":"dollars","occurred_at":"2024-03-02T00:00:00Z"}}`,
		"bad date":       `{"event_type":"x","data":{"transaction_id":"T","amount":5,"currency":"USD","occurred_at":"yesterday"}}`,
		"bad type":       `{"event_type":"x","data":{"transaction_id":"T","amount":5,"currency":"USD","occurred_at":"2024-03-02T00:00:00Z","transaction_type":"sideways"}}`,
		"no id":          `{"event_type":"x","data":{"amount":5,"currency":"USD","occurred_at":"2024-03-02T00:00:00Z"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			wh, err := ParseWebhook(http.Header{}, []byte(body))
			require.NoError(t, err)
			_, err = wh.Envelope.Candidate()
			var verr *model.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestCandidateFromStatement(t *testing.T) {
	raw := []byte(`{
		"type": "DEBIT",
		"date": "2024-02-10T08:30:00.000Z",
		"amount": {"value": -29.99, "currency": "EUR"},
		"totalFees": {"value": 0.45, "currency": "EUR"},
		"referenceNumber": "CARD-123",
		"details": {"type": "CARD", "description": "Card transaction", "merchant": {"name": "Figma"}}
	}`)
	c, err := CandidateFromStatement(raw)
	require.NoError(t, err)
	assert.Equal(t, "CARD-123", c.ProviderTransactionID)
	assert.Equal(t, model.DirectionDebit, c.Direction)
	assert.True(t, decimal.RequireFromString("-29.99").Equal(c.Amount))
	assert.True(t, decimal.RequireFromString("0.45").Equal(c.Fee))
	assert.Equal(t, "Figma", c.Counterparty)
	assert.Equal(t, "Card transaction", c.Description)
	assert.Equal(t, StatementEventID("CARD-123"), "statement:CARD-123")
}

func TestCandidateFromStatementErrors(t *testing.T) {
	_, err := CandidateFromStatement([]byte(`{`))
	assert.Error(t, err)

	_, err = CandidateFromStatement([]byte(`{"type":"CREDIT","date":"2024-02-10T08:30:00Z","amount":{"value":10,"currency":"EUR"}}`))
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "provider_transaction_id", verr.Field)
}

func TestDecodeCandidate(t *testing.T) {
	c, err := DecodeCandidate(&model.RawEvent{Source: model.SourceWebhook, Payload: []byte(creditDelivery)})
	require.NoError(t, err)
	assert.Equal(t, "T-100", c.ProviderTransactionID)

	_, err = DecodeCandidate(&model.RawEvent{Source: "fax", Payload: []byte(`{}`)})
	assert.Error(t, err)
}
