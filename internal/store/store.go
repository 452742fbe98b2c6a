package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when a conditional review-state update
	// finds the row in a different state than expected.
	ErrStateConflict = errors.New("review state changed concurrently")
)

// EventStore is the append-only log of inbound events.
type EventStore interface {
	// AppendEvent inserts the event unless its id already exists. The
	// returned bool is false for a duplicate.
	AppendEvent(ctx context.Context, e *model.RawEvent) (bool, error)
	GetEvent(ctx context.Context, id string) (*model.RawEvent, error)
	MarkEvent(ctx context.Context, id string, status model.EventStatus, errMsg string) error
	ListEvents(ctx context.Context, status model.EventStatus, receivedBefore time.Time, limit int) ([]*model.RawEvent, error)
}

// StateChange is a conditional review-state transition and its audit row.
type StateChange struct {
	TransactionID string
	From          model.ReviewState
	To            model.ReviewState
	Reason        string
	Actor         string
	LastError     string
	AuditHash     string
	At            time.Time
	// Seal, when set, runs once the compare-and-set has matched and its
	// result replaces AuditHash. It is not called for a conflicting change.
	Seal func() string
}

// TransactionFilter narrows ListTransactions. Nil fields do not filter.
type TransactionFilter struct {
	States        []model.ReviewState
	MinConfidence *int
	MaxConfidence *int
	Currency      string
	Direction     model.Direction
	Category      model.Category
	From          *time.Time
	To            *time.Time
	NeedsReview   *bool
	Limit         int
	Offset        int
}

// ReviewStats are the aggregate counters of the review surface.
type ReviewStats struct {
	PendingReview      int     `json:"pending_review"`
	LowConfidence      int     `json:"low_confidence"`
	ApprovedToday      int     `json:"approved_today"`
	AvgConfidenceScore float64 `json:"avg_confidence_score"`
}

type TransactionStore interface {
	// InsertTransaction inserts unless the provider transaction id exists.
	// On a duplicate the returned bool is false and tx is left untouched.
	InsertTransaction(ctx context.Context, tx *model.Transaction) (bool, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByProviderID(ctx context.Context, providerID string) (*model.Transaction, error)
	// UpdateClassification only succeeds while the transaction is pending.
	UpdateClassification(ctx context.Context, id string, c model.Classification) error
	// TransitionState moves From -> To and records the transition in one
	// write; ErrStateConflict when the stored state is not From.
	TransitionState(ctx context.Context, ch StateChange) (*model.StateTransition, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*model.Transaction, int, error)
	ListTransitions(ctx context.Context, transactionID string) ([]*model.StateTransition, error)
	ReviewStats(ctx context.Context, dayStart time.Time, lowBelow int) (ReviewStats, error)
}

type LedgerStore interface {
	// InsertLedgerEntry creates the entry unless one already references the
	// same transaction, in which case the existing entry is returned with
	// created=false.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, bool, error)
	GetLedgerEntryByTransaction(ctx context.Context, transactionID string) (*model.LedgerEntry, error)
	// SumCompleted totals completed entries of one currency by type.
	SumCompleted(ctx context.Context, currency string) (income, expense decimal.Decimal, count int, err error)
	LedgerCurrencies(ctx context.Context) ([]string, error)
}

type CursorStore interface {
	GetCursor(ctx context.Context, accountKey string) (*model.SyncCursor, error)
	// AdvanceCursor upserts the cursor, never moving SyncedThrough backwards.
	AdvanceCursor(ctx context.Context, c model.SyncCursor) error
	ListCursors(ctx context.Context) ([]*model.SyncCursor, error)
}

type BalanceStore interface {
	// UpsertBalance stores b unless the stored row was recomputed after
	// b.RecomputedAt. It reports whether b was written.
	UpsertBalance(ctx context.Context, b model.CurrencyBalance) (bool, error)
	GetBalance(ctx context.Context, currency string) (*model.CurrencyBalance, error)
	ListBalances(ctx context.Context) ([]*model.CurrencyBalance, error)
	UpsertProviderBalance(ctx context.Context, b model.ProviderBalance) error
	ListProviderBalances(ctx context.Context) ([]*model.ProviderBalance, error)
}

// Store is everything the pipeline persists.
type Store interface {
	EventStore
	TransactionStore
	LedgerStore
	CursorStore
	BalanceStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// NormalizePage clamps limit and offset to the supported range.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
