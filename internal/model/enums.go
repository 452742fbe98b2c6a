package model

import "strings"

// Direction is the money-flow side of a provider transaction.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// EntryType maps a direction to the ledger side it materializes as.
func (d Direction) EntryType() EntryType {
	if d == DirectionCredit {
		return EntryTypeIncome
	}
	return EntryTypeExpense
}

func (d Direction) Valid() bool {
	return d == DirectionCredit || d == DirectionDebit
}

func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", &ValidationError{Field: "direction", Value: s}
	}
	return d, nil
}

// EventStatus is the processing status of a RawEvent.
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventReceived, EventProcessed, EventFailed:
		return true
	}
	return false
}

// EventSource records which intake path produced a RawEvent.
type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourcePoll    EventSource = "poll"
)

// ReviewState is the review-queue state attached to a Transaction.
type ReviewState string

const (
	ReviewPending   ReviewState = "pending"
	ReviewProcessed ReviewState = "processed"
	ReviewFailed    ReviewState = "failed"
	ReviewSkipped   ReviewState = "skipped"
)

func (s ReviewState) Valid() bool {
	switch s {
	case ReviewPending, ReviewProcessed, ReviewFailed, ReviewSkipped:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves the state.
func (s ReviewState) Terminal() bool {
	return s == ReviewProcessed || s == ReviewSkipped
}

func ParseReviewState(s string) (ReviewState, error) {
	st := ReviewState(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Value: s}
	}
	return st, nil
}

type EntryType string

const (
	EntryTypeIncome  EntryType = "income"
	EntryTypeExpense EntryType = "expense"
)

func (t EntryType) Valid() bool {
	return t == EntryTypeIncome || t == EntryTypeExpense
}

type EntryStatus string

const (
	EntryCompleted EntryStatus = "completed"
	EntryPending   EntryStatus = "pending"
)

func (s EntryStatus) Valid() bool {
	return s == EntryCompleted || s == EntryPending
}

// ClassificationSource tells whether the classification came from the
// rule engine or from an operator edit.
type ClassificationSource string

const (
	ClassifiedByRules  ClassificationSource = "rules"
	ClassifiedByManual ClassificationSource = "manual"
)
