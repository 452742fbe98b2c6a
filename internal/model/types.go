package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RawEvent is an inbound webhook delivery or poll-batch item, keyed by the
// provider event id. Only Status, Error and ProcessedAt change after insert.
type RawEvent struct {
	ID          string          `json:"id"`
	Source      EventSource     `json:"source"`
	EventType   string          `json:"event_type"`
	ReceivedAt  time.Time       `json:"received_at"`
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	Error       string          `json:"error,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Classification is embedded on a Transaction and frozen once it is processed.
type Classification struct {
	Category     Category             `json:"category"`
	MatchedParty *string              `json:"matched_party,omitempty"`
	Confidence   int                  `json:"confidence_score"`
	NeedsReview  bool                 `json:"needs_review"`
	Rule         string               `json:"rule,omitempty"`
	Source       ClassificationSource `json:"source"`
}

// Candidate is a normalized transaction before it has been persisted.
type Candidate struct {
	ProviderTransactionID string
	Currency              string
	Amount                decimal.Decimal
	Fee                   decimal.Decimal
	Direction             Direction
	OccurredAt            time.Time
	Counterparty          string
	Description           string
}

// Transaction is the classifiable unit, unique per provider transaction id.
type Transaction struct {
	ID                    string          `json:"id"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	EventID               string          `json:"event_id"`
	Currency              string          `json:"currency"`
	Amount                decimal.Decimal `json:"amount"`
	Fee                   decimal.Decimal `json:"fee"`
	Direction             Direction       `json:"direction"`
	OccurredAt            time.Time       `json:"occurred_at"`
	Counterparty          string          `json:"counterparty"`
	Description           string          `json:"description"`
	Classification        Classification  `json:"classification"`
	ReviewState           ReviewState     `json:"status"`
	ReviewReason          string          `json:"review_reason,omitempty"`
	LastError             string          `json:"last_error,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	ProcessedAt           *time.Time      `json:"processed_at,omitempty"`
}

// LedgerEntry is the accounting record materialized from one approved Transaction.
type LedgerEntry struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Type          EntryType       `json:"type"`
	Category      Category        `json:"category"`
	Description   string          `json:"description"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	TotalAmount   decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	EntryDate     time.Time       `json:"entry_date"`
	Status        EntryStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CurrencyBalance is derived from completed ledger entries; never hand-edited.
type CurrencyBalance struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	USDBalance   decimal.Decimal `json:"usd_balance"`
	USDRate      decimal.Decimal `json:"usd_rate"`
	EntryCount   int             `json:"entry_count"`
	RecomputedAt time.Time       `json:"last_recomputed_at"`
}

// ProviderBalance is the balance the provider last reported for a currency.
type ProviderBalance struct {
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// SyncCursor is the persisted high-water mark of one currency account.
type SyncCursor struct {
	AccountKey    string    `json:"account_key"`
	ProfileID     string    `json:"profile_id"`
	BalanceID     string    `json:"balance_id"`
	Currency      string    `json:"currency"`
	SyncedThrough time.Time `json:"synced_through"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StateTransition is one review-state change, stored for audit.
type StateTransition struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	From          ReviewState `json:"from_state"`
	To            ReviewState `json:"to_state"`
	Reason        string      `json:"reason,omitempty"`
	Actor         string      `json:"actor"`
	AuditHash     string      `json:"audit_hash,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
