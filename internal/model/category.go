package model

import (
	"sort"
	"strings"
)

// Category is the closed accounting taxonomy a Transaction is classified into.
type Category string

const (
	CategorySalary           Category = "salary"
	CategoryContractor       Category = "contractor"
	CategorySoftware         Category = "software_subscription"
	CategoryBankFees         Category = "bank_fees"
	CategoryTax              Category = "tax"
	CategoryOffice           Category = "office"
	CategoryTravel           Category = "travel"
	CategoryMarketing        Category = "marketing"
	CategoryClientRevenue    Category = "client_revenue"
	CategoryRefund           Category = "refund"
	CategoryInterest         Category = "interest"
	CategoryInternalTransfer Category = "internal_transfer"
	CategoryOtherIncome      Category = "other_income"
	CategoryOtherExpense     Category = "other_expense"

	// CategoryUncategorized is stored when no category could be resolved.
	CategoryUncategorized Category = "uncategorized"
)

var categories = map[Category]struct{}{
	CategorySalary:           {},
	CategoryContractor:       {},
	CategorySoftware:         {},
	CategoryBankFees:         {},
	CategoryTax:              {},
	CategoryOffice:           {},
	CategoryTravel:           {},
	CategoryMarketing:        {},
	CategoryClientRevenue:    {},
	CategoryRefund:           {},
	CategoryInterest:         {},
	CategoryInternalTransfer: {},
	CategoryOtherIncome:      {},
	CategoryOtherExpense:     {},
	CategoryUncategorized:    {},
}

func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

// Resolved is false for the empty and uncategorized values.
func (c Category) Resolved() bool {
	return c != "" && c != CategoryUncategorized && c.Valid()
}

// OtherFor returns the catch-all bucket for a direction.
func OtherFor(d Direction) Category {
	if d == DirectionCredit {
		return CategoryOtherIncome
	}
	return CategoryOtherExpense
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValidationError{Field: "category", Value: s}
	}
	return c, nil
}

// Categories lists the taxonomy in a stable order.
func Categories() []Category {
	out := make([]Category, 0, len(categories))
	for c := range categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
