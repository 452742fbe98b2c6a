package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

const transactionColumns = `id, provider_transaction_id, event_id, currency, amount, fee, direction, occurred_at,
	counterparty, description, category, matched_party, confidence, needs_review, classification_rule,
	classification_source, review_state, review_reason, last_error, created_at, updated_at, processed_at`

const transactionSelect = `id, provider_transaction_id, event_id, currency, amount::text, fee::text, direction,
	occurred_at, counterparty, description, category, matched_party, confidence, needs_review, classification_rule,
	classification_source, review_state, review_reason, last_error, created_at, updated_at, processed_at`

func (s *Store) InsertTransaction(ctx context.Context, tx *model.Transaction) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.ReviewState == "" {
		tx.ReviewState = model.ReviewPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = tx.CreatedAt

	c := tx.Classification
	var id string
	err := s.Pool.QueryRow(queryCtx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22)
		ON CONFLICT (provider_transaction_id) DO NOTHING
		RETURNING id
	`, tx.ID, tx.ProviderTransactionID, tx.EventID, tx.Currency, tx.Amount.String(), tx.Fee.String(),
		string(tx.Direction), tx.OccurredAt.UTC(), tx.Counterparty, tx.Description, string(c.Category),
		c.MatchedParty, c.Confidence, c.NeedsReview, c.Rule, string(c.Source), string(tx.ReviewState),
		tx.ReviewReason, tx.LastError, tx.CreatedAt, tx.UpdatedAt, tx.ProcessedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return true, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		tx                      model.Transaction
		amount, fee, direction  string
		category, source, state string
	)
	err := row.Scan(&tx.ID, &tx.ProviderTransactionID, &tx.EventID, &tx.Currency, &amount, &fee, &direction,
		&tx.OccurredAt, &tx.Counterparty, &tx.Description, &category, &tx.Classification.MatchedParty,
		&tx.Classification.Confidence, &tx.Classification.NeedsReview, &tx.Classification.Rule, &source, &state,
		&tx.ReviewReason, &tx.LastError, &tx.CreatedAt, &tx.UpdatedAt, &tx.ProcessedAt)
	if err != nil {
		return nil, err
	}
	if tx.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if tx.Fee, err = parseDecimal(fee); err != nil {
		return nil, err
	}
	tx.Direction = model.Direction(direction)
	tx.Classification.Category = model.Category(category)
	tx.Classification.Source = model.ClassificationSource(source)
	tx.ReviewState = model.ReviewState(state)
	return &tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.getTransaction(ctx, `id = $1`, id)
}

func (s *Store) GetTransactionByProviderID(ctx context.Context, providerID string) (*model.Transaction, error) {
	return s.getTransaction(ctx, `provider_transaction_id = $1`, providerID)
}

func (s *Store) getTransaction(ctx context.Context, where string, arg any) (*model.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := scanTransaction(s.Pool.QueryRow(queryCtx, `SELECT `+transactionSelect+` FROM transactions WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction %v: %w", arg, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) UpdateClassification(ctx context.Context, id string, c model.Classification) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.Pool.Exec(queryCtx, `
		UPDATE transactions SET
			category = $2, matched_party = $3, confidence = $4, needs_review = $5,
			classification_rule = $6, classification_source = $7, updated_at = NOW()
		WHERE id = $1 AND review_state = 'pending'
	`, id, string(c.Category), c.MatchedParty, c.Confidence, c.NeedsReview, c.Rule, string(c.Source))
	if err != nil {
		return fmt.Errorf("failed to update classification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(queryCtx, s.Pool, id)
	}
	return nil
}

type rowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func missingOrConflict(ctx context.Context, q rowQueryer, id string) error {
	var exists int
	err := q.QueryRow(ctx, `SELECT 1 FROM transactions WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check transaction: %w", err)
	}
	return fmt.Errorf("transaction %s: %w", id, store.ErrStateConflict)
}

// TransitionState runs the compare-and-set and the history insert in one
// database transaction, retrying serialization failures.
func (s *Store) TransitionState(ctx context.Context, ch store.StateChange) (*model.StateTransition, error) {
	if ch.At.IsZero() {
		ch.At = time.Now().UTC()
	}
	var processedAt *time.Time
	if ch.To == model.ReviewProcessed {
		at := ch.At.UTC()
		processedAt = &at
	}

	st := &model.StateTransition{
		ID:            uuid.NewString(),
		TransactionID: ch.TransactionID,
		From:          ch.From,
		To:            ch.To,
		Reason:        ch.Reason,
		Actor:         ch.Actor,
		AuditHash:     ch.AuditHash,
		CreatedAt:     ch.At,
	}

	sealed := false
	err := withRetry(ctx, "transition review state", func(ctx context.Context) error {
		queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		tx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(queryCtx)

		tag, err := tx.Exec(queryCtx, `
			UPDATE transactions SET
				review_state = $2, review_reason = $3, last_error = $4, updated_at = $5,
				processed_at = COALESCE($6, processed_at)
			WHERE id = $1 AND review_state = $7
		`, ch.TransactionID, string(ch.To), ch.Reason, ch.LastError, ch.At.UTC(), processedAt, string(ch.From))
		if err != nil {
			return fmt.Errorf("failed to update review state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrConflict(queryCtx, tx, ch.TransactionID)
		}
		if ch.Seal != nil && !sealed {
			st.AuditHash = ch.Seal()
			sealed = true
		}

		_, err = tx.Exec(queryCtx, `
			INSERT INTO review_transitions (id, transaction_id, from_state, to_state, reason, actor, audit_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, st.ID, st.TransactionID, string(st.From), string(st.To), st.Reason, st.Actor, st.AuditHash, st.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert review transition: %w", err)
		}

		if err := tx.Commit(queryCtx); err != nil {
			return fmt.Errorf("failed to commit transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*model.Transaction, int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()

	where, args := f.Where(store.Postgres)

	var total int
	if err := s.Pool.QueryRow(queryCtx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	limit, offset := store.NormalizePage(f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM transactions%s ORDER BY occurred_at DESC, id LIMIT $%d OFFSET $%d`,
		transactionSelect, where, len(args)+1, len(args)+2)
	rows, err := s.Pool.Query(queryCtx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*model.Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, total, rows.Err()
}

func (s *Store) ListTransitions(ctx context.Context, transactionID string) ([]*model.StateTransition, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
		SELECT id, transaction_id, from_state, to_state, reason, actor, audit_hash, created_at
		FROM review_transitions WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review transitions: %w", err)
	}
	defer rows.Close()

	var out []*model.StateTransition
	for rows.Next() {
		var (
			st       model.StateTransition
			from, to string
		)
		if err := rows.Scan(&st.ID, &st.TransactionID, &from, &to, &st.Reason, &st.Actor, &st.AuditHash, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review transition: %w", err)
		}
		st.From = model.ReviewState(from)
		st.To = model.ReviewState(to)
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *Store) ReviewStats(ctx context.Context, dayStart time.Time, lowBelow int) (store.ReviewStats, error) {
	queryCtx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()

	var (
		st  store.ReviewStats
		avg *float64
	)
	err := s.Pool.QueryRow(queryCtx, `
		SELECT
			COUNT(*) FILTER (WHERE review_state = 'pending'),
			COUNT(*) FILTER (WHERE review_state = 'pending' AND confidence < $1),
			COUNT(*) FILTER (WHERE review_state = 'processed' AND processed_at >= $2),
			(AVG(confidence) FILTER (WHERE review_state = 'pending'))::float8
		FROM transactions
	`, lowBelow, dayStart.UTC()).Scan(&st.PendingReview, &st.LowConfidence, &st.ApprovedToday, &avg)
	if err != nil {
		return store.ReviewStats{}, fmt.Errorf("failed to compute review stats: %w", err)
	}
	if avg != nil {
		st.AvgConfidenceScore = *avg
	}
	return st, nil
}
