package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/ledgersync/internal/model"
)

// Statement is the provider's balance statement for one interval.
type Statement struct {
	AccountHolder json.RawMessage   `json:"accountHolder,omitempty"`
	Transactions  []json.RawMessage `json:"transactions"`
	Query         struct {
		IntervalStart string `json:"intervalStart"`
		IntervalEnd   string `json:"intervalEnd"`
		Currency      string `json:"currency"`
	} `json:"query"`
}

// StatementItem is one statement transaction.
type StatementItem struct {
	Type            string    `json:"type"`
	Date            time.Time `json:"date"`
	Amount          Money     `json:"amount"`
	TotalFees       *Money    `json:"totalFees,omitempty"`
	ReferenceNumber string    `json:"referenceNumber"`
	Details         struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		SenderName  string `json:"senderName"`
		Recipient   struct {
			Name string `json:"name"`
		} `json:"recipient"`
		Merchant struct {
			Name string `json:"name"`
		} `json:"merchant"`
		PaymentReference string `json:"paymentReference"`
	} `json:"details"`
}

// StatementEventID is the raw-event key of a polled statement item.
func StatementEventID(referenceNumber string) string {
	return "statement:" + referenceNumber
}

// CandidateFromStatement normalizes one raw statement item.
func CandidateFromStatement(raw []byte) (*model.Candidate, error) {
	var item StatementItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode statement item: %w", err)
	}

	c := &model.Candidate{
		ProviderTransactionID: strings.TrimSpace(item.ReferenceNumber),
		Currency:              item.Amount.Currency,
		Amount:                item.Amount.Value,
		OccurredAt:            item.Date.UTC(),
		Counterparty:          firstNonEmpty(item.Details.Merchant.Name, item.Details.SenderName, item.Details.Recipient.Name),
		Description:           firstNonEmpty(item.Details.Description, item.Details.PaymentReference),
	}
	if item.TotalFees != nil {
		c.Fee = item.TotalFees.Value.Abs()
	}

	dir, err := model.ParseDirection(item.Type)
	if err != nil {
		dir = directionFromSign(c)
	}
	c.Direction = dir
	signByDirection(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func directionFromSign(c *model.Candidate) model.Direction {
	if c.Amount.IsNegative() {
		return model.DirectionDebit
	}
	if c.Amount.IsPositive() {
		return model.DirectionCredit
	}
	return ""
}

// signByDirection makes debits negative and credits positive; providers
// are not consistent about the sign when a type field is present.
func signByDirection(c *model.Candidate) {
	switch {
	case c.Direction == model.DirectionDebit && c.Amount.IsPositive():
		c.Amount = c.Amount.Neg()
	case c.Direction == model.DirectionCredit && c.Amount.IsNegative():
		c.Amount = c.Amount.Neg()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
