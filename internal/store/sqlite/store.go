package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

//go:embed schema.sql
var schema string

// Store is the database/sql + sqlite3 implementation of store.Store, used
// for local runs and tests. Timestamps are stored as fixed-width UTC text
// and money as decimal strings.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on&_busy_timeout=5000"
	} else {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(store.TimeLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(store.TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// --- raw events

func (s *Store) AppendEvent(ctx context.Context, e *model.RawEvent) (bool, error) {
	if e.Status == "" {
		e.Status = model.EventReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_events (id, source, event_type, received_at, payload, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Source), e.EventType, ts(e.ReceivedAt), []byte(e.Payload), string(e.Status), e.Error)
	if err != nil {
		return false, fmt.Errorf("insert raw event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert raw event: %w", err)
	}
	return n == 1, nil
}

const eventColumns = `id, source, event_type, received_at, payload, status, error, processed_at`

func scanEvent(row interface{ Scan(...any) error }) (*model.RawEvent, error) {
	var (
		e           model.RawEvent
		source      string
		status      string
		receivedAt  string
		payload     []byte
		processedAt sql.NullString
	)
	if err := row.Scan(&e.ID, &source, &e.EventType, &receivedAt, &payload, &status, &e.Error, &processedAt); err != nil {
		return nil, err
	}
	var err error
	if e.ReceivedAt, err = parseTS(receivedAt); err != nil {
		return nil, err
	}
	if e.ProcessedAt, err = parseNullTS(processedAt); err != nil {
		return nil, err
	}
	e.Source = model.EventSource(source)
	e.Status = model.EventStatus(status)
	e.Payload = payload
	return &e, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.RawEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM raw_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("raw event %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get raw event: %w", err)
	}
	return e, nil
}

func (s *Store) MarkEvent(ctx context.Context, id string, status model.EventStatus, errMsg string) error {
	var processedAt any
	if status == model.EventProcessed {
		processedAt = ts(time.Now())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_events SET status = ?, error = ?, processed_at = COALESCE(?, processed_at)
		WHERE id = ?
	`, string(status), errMsg, processedAt, id)
	if err != nil {
		return fmt.Errorf("mark raw event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("raw event %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, status model.EventStatus, receivedBefore time.Time, limit int) ([]*model.RawEvent, error) {
	limit, _ = store.NormalizePage(limit, 0)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM raw_events
		WHERE status = ? AND received_at < ?
		ORDER BY received_at ASC, id ASC
		LIMIT ?
	`, string(status), ts(receivedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list raw events: %w", err)
	}
	defer rows.Close()

	var out []*model.RawEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- cursors

func (s *Store) GetCursor(ctx context.Context, accountKey string) (*model.SyncCursor, error) {
	var (
		c                        model.SyncCursor
		syncedThrough, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account_key, profile_id, balance_id, currency, synced_through, updated_at
		FROM sync_cursors WHERE account_key = ?
	`, accountKey).Scan(&c.AccountKey, &c.ProfileID, &c.BalanceID, &c.Currency, &syncedThrough, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cursor %s: %w", accountKey, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	if c.SyncedThrough, err = parseTS(syncedThrough); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, c model.SyncCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_key, profile_id, balance_id, currency, synced_through, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_key) DO UPDATE SET
			synced_through = MAX(sync_cursors.synced_through, excluded.synced_through),
			profile_id     = excluded.profile_id,
			balance_id     = excluded.balance_id,
			currency       = excluded.currency,
			updated_at     = excluded.updated_at
	`, c.AccountKey, c.ProfileID, c.BalanceID, c.Currency, ts(c.SyncedThrough), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (s *Store) ListCursors(ctx context.Context) ([]*model.SyncCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_key, profile_id, balance_id, currency, synced_through, updated_at
		FROM sync_cursors ORDER BY currency, account_key
	`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncCursor
	for rows.Next() {
		var (
			c                        model.SyncCursor
			syncedThrough, updatedAt string
		)
		if err := rows.Scan(&c.AccountKey, &c.ProfileID, &c.BalanceID, &c.Currency, &syncedThrough, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		if c.SyncedThrough, err = parseTS(syncedThrough); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- balances

func (s *Store) UpsertBalance(ctx context.Context, b model.CurrencyBalance) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO currency_balances (currency, balance, usd_balance, usd_rate, entry_count, recomputed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (currency) DO UPDATE SET
			balance       = excluded.balance,
			usd_balance   = excluded.usd_balance,
			usd_rate      = excluded.usd_rate,
			entry_count   = excluded.entry_count,
			recomputed_at = excluded.recomputed_at
		WHERE currency_balances.recomputed_at <= excluded.recomputed_at
	`, b.Currency, b.Balance.String(), b.USDBalance.String(), b.USDRate.String(), b.EntryCount, ts(b.RecomputedAt))
	if err != nil {
		return false, fmt.Errorf("upsert currency balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert currency balance: %w", err)
	}
	return n > 0, nil
}

func scanBalance(row interface{ Scan(...any) error }) (*model.CurrencyBalance, error) {
	var (
		b                            model.CurrencyBalance
		balance, usd, rate, computed string
	)
	if err := row.Scan(&b.Currency, &balance, &usd, &rate, &b.EntryCount, &computed); err != nil {
		return nil, err
	}
	var err error
	if b.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	if b.USDBalance, err = parseDecimal(usd); err != nil {
		return nil, err
	}
	if b.USDRate, err = parseDecimal(rate); err != nil {
		return nil, err
	}
	if b.RecomputedAt, err = parseTS(computed); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetBalance(ctx context.Context, currency string) (*model.CurrencyBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT currency, balance, usd_balance, usd_rate, entry_count, recomputed_at
		FROM currency_balances WHERE currency = ?
	`, currency)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("balance %s: %w", currency, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get currency balance: %w", err)
	}
	return b, nil
}

func (s *Store) ListBalances(ctx context.Context) ([]*model.CurrencyBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, balance, usd_balance, usd_rate, entry_count, recomputed_at
		FROM currency_balances ORDER BY currency
	`)
	if err != nil {
		return nil, fmt.Errorf("list currency balances: %w", err)
	}
	defer rows.Close()

	var out []*model.CurrencyBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan currency balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpsertProviderBalance(ctx context.Context, b model.ProviderBalance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_balances (currency, amount, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT (currency) DO UPDATE SET amount = excluded.amount, fetched_at = excluded.fetched_at
	`, b.Currency, b.Amount.String(), ts(b.FetchedAt))
	if err != nil {
		return fmt.Errorf("upsert provider balance: %w", err)
	}
	return nil
}

func (s *Store) ListProviderBalances(ctx context.Context) ([]*model.ProviderBalance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT currency, amount, fetched_at FROM provider_balances ORDER BY currency`)
	if err != nil {
		return nil, fmt.Errorf("list provider balances: %w", err)
	}
	defer rows.Close()

	var out []*model.ProviderBalance
	for rows.Next() {
		var (
			b                 model.ProviderBalance
			amount, fetchedAt string
		)
		if err := rows.Scan(&b.Currency, &amount, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan provider balance: %w", err)
		}
		if b.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if b.FetchedAt, err = parseTS(fetchedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
