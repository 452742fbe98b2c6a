package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

const ledgerColumns = `id, transaction_id, entry_type, category, description, base_amount, total_amount,
	currency, entry_date, status, created_at`

func (s *Store) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var txID any
	if e.TransactionID != "" {
		txID = e.TransactionID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`, e.ID, txID, string(e.Type), string(e.Category), e.Description, e.BaseAmount.String(),
		e.TotalAmount.String(), e.Currency, ts(e.EntryDate), string(e.Status), ts(e.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}
	if n == 1 {
		return e, true, nil
	}

	existing, err := s.GetLedgerEntryByTransaction(ctx, e.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func scanLedgerEntry(row interface{ Scan(...any) error }) (*model.LedgerEntry, error) {
	var (
		e                                 model.LedgerEntry
		txID                              sql.NullString
		entryType, category, status       string
		base, total, entryDate, createdAt string
	)
	err := row.Scan(&e.ID, &txID, &entryType, &category, &e.Description, &base, &total,
		&e.Currency, &entryDate, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	if e.BaseAmount, err = parseDecimal(base); err != nil {
		return nil, err
	}
	if e.TotalAmount, err = parseDecimal(total); err != nil {
		return nil, err
	}
	if e.EntryDate, err = parseTS(entryDate); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	e.TransactionID = txID.String
	e.Type = model.EntryType(entryType)
	e.Category = model.Category(category)
	e.Status = model.EntryStatus(status)
	return &e, nil
}

func (s *Store) GetLedgerEntryByTransaction(ctx context.Context, transactionID string) (*model.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE transaction_id = ?`, transactionID)
	e, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger entry for %s: %w", transactionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// SumCompleted adds the decimal strings in Go; SQLite's SUM would go
// through floating point.
func (s *Store) SumCompleted(ctx context.Context, currency string) (decimal.Decimal, decimal.Decimal, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_type, total_amount FROM ledger_entries
		WHERE currency = ? AND status = 'completed'
	`, currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, fmt.Errorf("sum ledger entries: %w", err)
	}
	defer rows.Close()

	income, expense := decimal.Zero, decimal.Zero
	count := 0
	for rows.Next() {
		var entryType, total string
		if err := rows.Scan(&entryType, &total); err != nil {
			return decimal.Zero, decimal.Zero, 0, fmt.Errorf("scan ledger entry: %w", err)
		}
		amount, err := parseDecimal(total)
		if err != nil {
			return decimal.Zero, decimal.Zero, 0, err
		}
		switch model.EntryType(entryType) {
		case model.EntryTypeIncome:
			income = income.Add(amount)
		case model.EntryTypeExpense:
			expense = expense.Add(amount)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, decimal.Zero, 0, fmt.Errorf("sum ledger entries: %w", err)
	}
	return income, expense, count, nil
}

func (s *Store) LedgerCurrencies(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT currency FROM ledger_entries ORDER BY currency`)
	if err != nil {
		return nil, fmt.Errorf("list ledger currencies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan currency: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
