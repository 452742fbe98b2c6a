package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

//go:embed schema.sql
var schema string

const (
	queryTimeout     = 5 * time.Second
	aggregateTimeout = 30 * time.Second
	maxRetries       = 3
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Open creates a pool for the given connection string.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return New(pool), nil
}

func (s *Store) Migrate(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()

	if _, err := s.Pool.Exec(queryCtx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return s.Pool.Ping(queryCtx)
}

func (s *Store) Close() {
	s.Pool.Close()
}

// withRetry re-runs fn on serialization failures.
func withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			if attempt == maxRetries-1 {
				return fmt.Errorf("failed to %s after %d retries due to serialization failure: %w", op, maxRetries, err)
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

// --- raw events

func (s *Store) AppendEvent(ctx context.Context, e *model.RawEvent) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if e.Status == "" {
		e.Status = model.EventReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	tag, err := s.Pool.Exec(queryCtx, `
		INSERT INTO raw_events (id, source, event_type, received_at, payload, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Source), e.EventType, e.ReceivedAt, []byte(e.Payload), string(e.Status), e.Error)
	if err != nil {
		return false, fmt.Errorf("failed to insert raw event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const eventColumns = `id, source, event_type, received_at, payload, status, error, processed_at`

func scanEvent(row pgx.Row) (*model.RawEvent, error) {
	var (
		e              model.RawEvent
		source, status string
		payload        []byte
	)
	if err := row.Scan(&e.ID, &source, &e.EventType, &e.ReceivedAt, &payload, &status, &e.Error, &e.ProcessedAt); err != nil {
		return nil, err
	}
	e.Source = model.EventSource(source)
	e.Status = model.EventStatus(status)
	e.Payload = payload
	return &e, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.RawEvent, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	e, err := scanEvent(s.Pool.QueryRow(queryCtx, `SELECT `+eventColumns+` FROM raw_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("raw event %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get raw event: %w", err)
	}
	return e, nil
}

func (s *Store) MarkEvent(ctx context.Context, id string, status model.EventStatus, errMsg string) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.Pool.Exec(queryCtx, `
		UPDATE raw_events
		SET status = $2, error = $3,
		    processed_at = CASE WHEN $2 = 'processed' THEN NOW() ELSE processed_at END
		WHERE id = $1
	`, id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark raw event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("raw event %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, status model.EventStatus, receivedBefore time.Time, limit int) ([]*model.RawEvent, error) {
	queryCtx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()

	limit, _ = store.NormalizePage(limit, 0)
	rows, err := s.Pool.Query(queryCtx, `
		SELECT `+eventColumns+` FROM raw_events
		WHERE status = $1 AND received_at < $2
		ORDER BY received_at ASC, id ASC
		LIMIT $3
	`, string(status), receivedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw events: %w", err)
	}
	defer rows.Close()

	var out []*model.RawEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- cursors

const cursorColumns = `account_key, profile_id, balance_id, currency, synced_through, updated_at`

func scanCursor(row pgx.Row) (*model.SyncCursor, error) {
	var c model.SyncCursor
	if err := row.Scan(&c.AccountKey, &c.ProfileID, &c.BalanceID, &c.Currency, &c.SyncedThrough, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCursor(ctx context.Context, accountKey string) (*model.SyncCursor, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	c, err := scanCursor(s.Pool.QueryRow(queryCtx, `SELECT `+cursorColumns+` FROM sync_cursors WHERE account_key = $1`, accountKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cursor %s: %w", accountKey, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c, nil
}

// AdvanceCursor is a single-row upsert; GREATEST keeps concurrent runs from
// moving the high-water mark backwards.
func (s *Store) AdvanceCursor(ctx context.Context, c model.SyncCursor) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.Pool.Exec(queryCtx, `
		INSERT INTO sync_cursors (account_key, profile_id, balance_id, currency, synced_through, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_key) DO UPDATE SET
			synced_through = GREATEST(sync_cursors.synced_through, EXCLUDED.synced_through),
			profile_id     = EXCLUDED.profile_id,
			balance_id     = EXCLUDED.balance_id,
			currency       = EXCLUDED.currency,
			updated_at     = NOW()
	`, c.AccountKey, c.ProfileID, c.BalanceID, c.Currency, c.SyncedThrough.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

func (s *Store) ListCursors(ctx context.Context) ([]*model.SyncCursor, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT `+cursorColumns+` FROM sync_cursors ORDER BY currency, account_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncCursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- balances

func (s *Store) UpsertBalance(ctx context.Context, b model.CurrencyBalance) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.Pool.Exec(queryCtx, `
		INSERT INTO currency_balances (currency, balance, usd_balance, usd_rate, entry_count, recomputed_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5, $6)
		ON CONFLICT (currency) DO UPDATE SET
			balance       = EXCLUDED.balance,
			usd_balance   = EXCLUDED.usd_balance,
			usd_rate      = EXCLUDED.usd_rate,
			entry_count   = EXCLUDED.entry_count,
			recomputed_at = EXCLUDED.recomputed_at
		WHERE currency_balances.recomputed_at <= EXCLUDED.recomputed_at
	`, b.Currency, b.Balance.String(), b.USDBalance.String(), b.USDRate.String(), b.EntryCount, b.RecomputedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to upsert currency balance: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const balanceColumns = `currency, balance::text, usd_balance::text, usd_rate::text, entry_count, recomputed_at`

func scanBalance(row pgx.Row) (*model.CurrencyBalance, error) {
	var (
		b                  model.CurrencyBalance
		balance, usd, rate string
	)
	if err := row.Scan(&b.Currency, &balance, &usd, &rate, &b.EntryCount, &b.RecomputedAt); err != nil {
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
	return &b, nil
}

func (s *Store) GetBalance(ctx context.Context, currency string) (*model.CurrencyBalance, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b, err := scanBalance(s.Pool.QueryRow(queryCtx, `SELECT `+balanceColumns+` FROM currency_balances WHERE currency = $1`, currency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("balance %s: %w", currency, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get currency balance: %w", err)
	}
	return b, nil
}

func (s *Store) ListBalances(ctx context.Context) ([]*model.CurrencyBalance, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT `+balanceColumns+` FROM currency_balances ORDER BY currency`)
	if err != nil {
		return nil, fmt.Errorf("failed to list currency balances: %w", err)
	}
	defer rows.Close()

	var out []*model.CurrencyBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan currency balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpsertProviderBalance(ctx context.Context, b model.ProviderBalance) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.Pool.Exec(queryCtx, `
		INSERT INTO provider_balances (currency, amount, fetched_at) VALUES ($1, $2::numeric, $3)
		ON CONFLICT (currency) DO UPDATE SET amount = EXCLUDED.amount, fetched_at = EXCLUDED.fetched_at
	`, b.Currency, b.Amount.String(), b.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert provider balance: %w", err)
	}
	return nil
}

func (s *Store) ListProviderBalances(ctx context.Context) ([]*model.ProviderBalance, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT currency, amount::text, fetched_at FROM provider_balances ORDER BY currency`)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider balances: %w", err)
	}
	defer rows.Close()

	var out []*model.ProviderBalance
	for rows.Next() {
		var (
			b      model.ProviderBalance
			amount string
		)
		if err := rows.Scan(&b.Currency, &amount, &b.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider balance: %w", err)
		}
		if b.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
