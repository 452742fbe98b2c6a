package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

const ledgerSelect = `id, transaction_id, entry_type, category, description, base_amount::text, total_amount::text,
	currency, entry_date, status, created_at`

// InsertLedgerEntry relies on the unique transaction_id column so two racing
// approvals produce one entry.
func (s *Store) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var txID *string
	if e.TransactionID != "" {
		txID = &e.TransactionID
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id string
	err := s.Pool.QueryRow(queryCtx, `
		INSERT INTO ledger_entries (id, transaction_id, entry_type, category, description, base_amount,
			total_amount, currency, entry_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING id
	`, e.ID, txID, string(e.Type), string(e.Category), e.Description, e.BaseAmount.String(),
		e.TotalAmount.String(), e.Currency, e.EntryDate.UTC(), string(e.Status), e.CreatedAt).Scan(&id)
	switch {
	case err == nil:
		return e, true, nil
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
	default:
		return nil, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	existing, err := s.GetLedgerEntryByTransaction(ctx, e.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetLedgerEntryByTransaction(ctx context.Context, transactionID string) (*model.LedgerEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		e                           model.LedgerEntry
		txID                        *string
		entryType, category, status string
		base, total                 string
	)
	err := s.Pool.QueryRow(queryCtx, `SELECT `+ledgerSelect+` FROM ledger_entries WHERE transaction_id = $1`, transactionID).
		Scan(&e.ID, &txID, &entryType, &category, &e.Description, &base, &total, &e.Currency, &e.EntryDate, &status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger entry for %s: %w", transactionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	if e.BaseAmount, err = parseDecimal(base); err != nil {
		return nil, err
	}
	if e.TotalAmount, err = parseDecimal(total); err != nil {
		return nil, err
	}
	if txID != nil {
		e.TransactionID = *txID
	}
	e.Type = model.EntryType(entryType)
	e.Category = model.Category(category)
	e.Status = model.EntryStatus(status)
	return &e, nil
}

func (s *Store) SumCompleted(ctx context.Context, currency string) (decimal.Decimal, decimal.Decimal, int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()

	var (
		income, expense string
		count           int
	)
	err := s.Pool.QueryRow(queryCtx, `
		SELECT
			COALESCE(SUM(total_amount) FILTER (WHERE entry_type = 'income'), 0)::text,
			COALESCE(SUM(total_amount) FILTER (WHERE entry_type = 'expense'), 0)::text,
			COUNT(*)
		FROM ledger_entries
		WHERE currency = $1 AND status = 'completed'
	`, currency).Scan(&income, &expense, &count)
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	in, err := parseDecimal(income)
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, err
	}
	out, err := parseDecimal(expense)
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, err
	}
	return in, out, count, nil
}

func (s *Store) LedgerCurrencies(ctx context.Context) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT DISTINCT currency FROM ledger_entries ORDER BY currency`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger currencies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
