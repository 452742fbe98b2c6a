package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
)

const (
	HeaderDeliveryID       = "X-Delivery-Id"
	HeaderSignature        = "X-Signature-SHA256"
	HeaderTestNotification = "X-Test-Notification"
)

var ErrMalformedWebhook = errors.New("malformed webhook payload")

// WebhookEnvelope is the provider's push notification body.
type WebhookEnvelope struct {
	EventType      string      `json:"event_type"`
	SubscriptionID string      `json:"subscription_id"`
	SentAt         string      `json:"sent_at"`
	SchemaVersion  string      `json:"schema_version,omitempty"`
	Data           WebhookData `json:"data"`
}

type WebhookData struct {
	Resource struct {
		ID        FlexibleID `json:"id"`
		Type      string     `json:"type"`
		ProfileID FlexibleID `json:"profile_id"`
		AccountID FlexibleID `json:"account_id"`
	} `json:"resource"`
	OccurredAt      string           `json:"occurred_at"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	Fee             *decimal.Decimal `json:"fee,omitempty"`
	TransactionType string           `json:"transaction_type,omitempty"`
	TransactionID   FlexibleID       `json:"transaction_id,omitempty"`
	ReferenceNumber string           `json:"reference_number,omitempty"`
	SenderName      string           `json:"sender_name,omitempty"`
	RecipientName   string           `json:"recipient_name,omitempty"`
	Merchant        string           `json:"merchant,omitempty"`
	Description     string           `json:"description,omitempty"`
	Reference       string           `json:"reference,omitempty"`
	CurrentState    string           `json:"current_state,omitempty"`
}

// Webhook is a parsed delivery ready to be stored as a raw event.
type Webhook struct {
	EventID  string
	Envelope WebhookEnvelope
	Test     bool
}

// ParseWebhook decodes a delivery and derives its event id: the delivery id
// header when present, else a digest of the fields that identify the event.
func ParseWebhook(header http.Header, body []byte) (*Webhook, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if strings.TrimSpace(env.EventType) == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformedWebhook)
	}

	id := strings.TrimSpace(header.Get(HeaderDeliveryID))
	if id == "" {
		id = WebhookEventID(env)
	}
	return &Webhook{
		EventID:  id,
		Envelope: env,
		Test:     IsTestNotification(header),
	}, nil
}

// IsTestNotification reports whether the delivery asks to bypass signature
// checks. Only honoured when the deployment allows test notifications.
func IsTestNotification(header http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(header.Get(HeaderTestNotification)), "true")
}

// WebhookEventID is the digest id used when no delivery id header is sent.
func WebhookEventID(env WebhookEnvelope) string {
	key := strings.Join([]string{env.SubscriptionID, env.EventType, env.Data.Resource.ID.String(), env.Data.OccurredAt}, "|")
	sum := sha256.Sum256([]byte(key))
	return "wh_" + hex.EncodeToString(sum[:16])
}

// Candidate normalizes the envelope into a transaction candidate. Events
// without money movement (state changes and the like) return nil, nil.
func (env WebhookEnvelope) Candidate() (*model.Candidate, error) {
	d := env.Data
	if d.Amount == nil && strings.TrimSpace(d.Currency) == "" {
		return nil, nil
	}
	if d.Amount == nil {
		return nil, &model.ValidationError{Field: "amount", Value: ""}
	}

	c := &model.Candidate{
		ProviderTransactionID: webhookTransactionID(d),
		Currency:              d.Currency,
		Amount:                *d.Amount,
		Counterparty:          firstNonEmpty(d.SenderName, d.RecipientName, d.Merchant),
		Description:           firstNonEmpty(d.Description, d.Reference),
	}
	if d.Fee != nil {
		c.Fee = d.Fee.Abs()
	}

	occurred := firstNonEmpty(d.OccurredAt, env.SentAt)
	if occurred != "" {
		t, err := time.Parse(time.RFC3339, occurred)
		if err != nil {
			return nil, &model.ValidationError{Field: "occurred_at", Value: occurred}
		}
		c.OccurredAt = t.UTC()
	}

	if d.TransactionType != "" {
		dir, err := model.ParseDirection(d.TransactionType)
		if err != nil {
			return nil, err
		}
		c.Direction = dir
	} else {
		c.Direction = directionFromSign(c)
	}
	signByDirection(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func webhookTransactionID(d WebhookData) string {
	if id := d.TransactionID.String(); id != "" {
		return id
	}
	if ref := strings.TrimSpace(d.ReferenceNumber); ref != "" {
		return ref
	}
	if d.Resource.ID != "" {
		return firstNonEmpty(d.Resource.Type, "resource") + ":" + d.Resource.ID.String()
	}
	return ""
}

// DecodeCandidate re-derives the candidate of a stored raw event from its
// payload, whichever intake path produced it.
func DecodeCandidate(ev *model.RawEvent) (*model.Candidate, error) {
	switch ev.Source {
	case model.SourcePoll:
		return CandidateFromStatement(ev.Payload)
	case model.SourceWebhook:
		var env WebhookEnvelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		return env.Candidate()
	}
	return nil, fmt.Errorf("unknown event source %q", ev.Source)
}
