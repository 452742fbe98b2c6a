package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

// ErrMalformedTransaction is returned when a transaction cannot be turned
// into a ledger entry. Nothing is written in that case.
var ErrMalformedTransaction = errors.New("malformed transaction")

// Materializer converts approved transactions into ledger entries, at most
// one per transaction.
type Materializer struct {
	entries store.LedgerStore
	logger  *slog.Logger
}

func NewMaterializer(entries store.LedgerStore, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{entries: entries, logger: logger}
}

type options struct {
	status model.EntryStatus
}

// Option adjusts a single materialization.
type Option func(*options)

// AsPending records the entry with status pending instead of completed, so
// it is excluded from balances until settled elsewhere.
func AsPending() Option {
	return func(o *options) { o.status = model.EntryPending }
}

// Materialize writes the ledger entry for tx using classification c. When an
// entry already references tx the existing entry is returned with
// created=false; the uniqueness constraint on the back-reference decides
// races between concurrent approvals.
func (m *Materializer) Materialize(ctx context.Context, tx *model.Transaction, c model.Classification, opts ...Option) (*model.LedgerEntry, bool, error) {
	o := options{status: model.EntryCompleted}
	for _, opt := range opts {
		opt(&o)
	}

	entry, err := BuildEntry(tx, c, o.status)
	if err != nil {
		return nil, false, err
	}

	stored, created, err := m.entries.InsertLedgerEntry(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("materialize transaction %s: %w", tx.ID, err)
	}

	if created {
		m.logger.Info("ledger_entry_created",
			"transaction_id", tx.ID,
			"entry_id", stored.ID,
			"type", stored.Type,
			"category", stored.Category,
			"total", stored.TotalAmount.String(),
			"currency", stored.Currency,
		)
	} else {
		m.logger.Info("ledger_entry_exists",
			"transaction_id", tx.ID,
			"entry_id", stored.ID,
		)
	}
	return stored, created, nil
}

// BuildEntry maps a transaction onto the entry it materializes as without
// touching storage. The fee always reduces the balance: it is added to an
// expense total and deducted from an income total.
func BuildEntry(tx *model.Transaction, c model.Classification, status model.EntryStatus) (*model.LedgerEntry, error) {
	if err := check(tx); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: entry status %q", ErrMalformedTransaction, status)
	}

	category := c.Category
	if !category.Resolved() {
		category = model.OtherFor(tx.Direction)
	}

	base := tx.Amount.Abs()
	total := base.Add(tx.Fee)
	if tx.Direction == model.DirectionCredit {
		total = base.Sub(tx.Fee)
	}
	return &model.LedgerEntry{
		TransactionID: tx.ID,
		Type:          tx.Direction.EntryType(),
		Category:      category,
		Description:   describe(tx),
		BaseAmount:    base,
		TotalAmount:   total,
		Currency:      tx.Currency,
		EntryDate:     tx.OccurredAt.UTC(),
		Status:        status,
	}, nil
}

func check(tx *model.Transaction) error {
	switch {
	case tx == nil:
		return fmt.Errorf("%w: nil transaction", ErrMalformedTransaction)
	case tx.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedTransaction)
	case tx.Amount.IsZero():
		return fmt.Errorf("%w: zero amount", ErrMalformedTransaction)
	case tx.Fee.IsNegative():
		return fmt.Errorf("%w: negative fee %s", ErrMalformedTransaction, tx.Fee)
	case tx.Direction == model.DirectionCredit && tx.Fee.GreaterThan(tx.Amount.Abs()):
		return fmt.Errorf("%w: fee %s exceeds credit %s", ErrMalformedTransaction, tx.Fee, tx.Amount.Abs())
	case !tx.Direction.Valid():
		return fmt.Errorf("%w: direction %q", ErrMalformedTransaction, tx.Direction)
	case tx.OccurredAt.IsZero():
		return fmt.Errorf("%w: missing occurred_at", ErrMalformedTransaction)
	}
	if _, err := model.NormalizeCurrency(tx.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return nil
}

func describe(tx *model.Transaction) string {
	desc := strings.TrimSpace(tx.Description)
	party := strings.TrimSpace(tx.Counterparty)
	switch {
	case desc != "" && party != "" && !strings.Contains(strings.ToLower(desc), strings.ToLower(party)):
		return party + ": " + desc
	case desc != "":
		return desc
	case party != "":
		return party
	}
	return tx.ProviderTransactionID
}
