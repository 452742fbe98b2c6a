package model

import (
	"fmt"
	"regexp"
	"strings"
)

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidationError reports a field rejected at the ingestion boundary.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// NormalizeCurrency upper-cases and checks an ISO 4217 style code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !currencyRegex.MatchString(c) {
		return "", &ValidationError{Field: "currency", Value: code}
	}
	return c, nil
}

// Validate checks a candidate before it enters classification.
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.ProviderTransactionID) == "" {
		return &ValidationError{Field: "provider_transaction_id", Value: c.ProviderTransactionID}
	}
	cur, err := NormalizeCurrency(c.Currency)
	if err != nil {
		return err
	}
	c.Currency = cur
	if c.Amount.IsZero() {
		return &ValidationError{Field: "amount", Value: c.Amount.String()}
	}
	if !c.Direction.Valid() {
		return &ValidationError{Field: "direction", Value: string(c.Direction)}
	}
	if c.Fee.IsNegative() {
		return &ValidationError{Field: "fee", Value: c.Fee.String()}
	}
	if c.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Value: ""}
	}
	return nil
}
