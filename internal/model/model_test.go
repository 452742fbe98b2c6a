package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Salary ")
	require.NoError(t, err)
	assert.Equal(t, CategorySalary, c)

	_, err = ParseCategory("groceries")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "category", ve.Field)
}

func TestCategoryResolved(t *testing.T) {
	assert.True(t, CategoryOtherExpense.Resolved())
	assert.False(t, CategoryUncategorized.Resolved())
	assert.False(t, Category("").Resolved())
	assert.False(t, Category("bogus").Resolved())
}

func TestDirectionEntryType(t *testing.T) {
	assert.Equal(t, EntryTypeIncome, DirectionCredit.EntryType())
	assert.Equal(t, EntryTypeExpense, DirectionDebit.EntryType())
	assert.Equal(t, CategoryOtherIncome, OtherFor(DirectionCredit))
	assert.Equal(t, CategoryOtherExpense, OtherFor(DirectionDebit))
}

func TestReviewStateTerminal(t *testing.T) {
	assert.True(t, ReviewProcessed.Terminal())
	assert.True(t, ReviewSkipped.Terminal())
	assert.False(t, ReviewPending.Terminal())
	assert.False(t, ReviewFailed.Terminal())

	_, err := ParseReviewState("archived")
	assert.Error(t, err)
}

func TestCandidateValidate(t *testing.T) {
	valid := func() Candidate {
		return Candidate{
			ProviderTransactionID: "T-1",
			Currency:              "usd",
			Amount:                decimal.RequireFromString("-50.00"),
			Direction:             DirectionDebit,
			OccurredAt:            time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	c := valid()
	require.NoError(t, c.Validate())
	assert.Equal(t, "USD", c.Currency)

	tests := []struct {
		name  string
		field string
		mut   func(*Candidate)
	}{
		{"missing id", "provider_transaction_id", func(c *Candidate) { c.ProviderTransactionID = " " }},
		{"bad currency", "currency", func(c *Candidate) { c.Currency = "US" }},
		{"zero amount", "amount", func(c *Candidate) { c.Amount = decimal.Zero }},
		{"bad direction", "direction", func(c *Candidate) { c.Direction = "sideways" }},
		{"negative fee", "fee", func(c *Candidate) { c.Fee = decimal.NewFromInt(-1) }},
		{"no timestamp", "occurred_at", func(c *Candidate) { c.OccurredAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mut(&c)
			var ve *ValidationError
			require.ErrorAs(t, c.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
