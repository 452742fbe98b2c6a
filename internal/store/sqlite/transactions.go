package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

const transactionColumns = `id, provider_transaction_id, event_id, currency, amount, fee, direction, occurred_at,
	counterparty, description, category, matched_party, confidence, needs_review, classification_rule,
	classification_source, review_state, review_reason, last_error, created_at, updated_at, processed_at`

func (s *Store) InsertTransaction(ctx context.Context, tx *model.Transaction) (bool, error) {
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_transaction_id) DO NOTHING
	`, tx.ID, tx.ProviderTransactionID, tx.EventID, tx.Currency, tx.Amount.String(), tx.Fee.String(),
		string(tx.Direction), ts(tx.OccurredAt), tx.Counterparty, tx.Description, string(c.Category),
		c.MatchedParty, c.Confidence, c.NeedsReview, c.Rule, string(c.Source), string(tx.ReviewState),
		tx.ReviewReason, tx.LastError, ts(tx.CreatedAt), ts(tx.UpdatedAt), nullTS(tx.ProcessedAt))
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	return n == 1, nil
}

func scanTransaction(row interface{ Scan(...any) error }) (*model.Transaction, error) {
	var (
		tx                                 model.Transaction
		amount, fee, direction, occurredAt string
		category, source, state            string
		createdAt, updatedAt               string
		matchedParty, processedAt          sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.ProviderTransactionID, &tx.EventID, &tx.Currency, &amount, &fee, &direction,
		&occurredAt, &tx.Counterparty, &tx.Description, &category, &matchedParty, &tx.Classification.Confidence,
		&tx.Classification.NeedsReview, &tx.Classification.Rule, &source, &state, &tx.ReviewReason,
		&tx.LastError, &createdAt, &updatedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	if tx.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if tx.Fee, err = parseDecimal(fee); err != nil {
		return nil, err
	}
	if tx.OccurredAt, err = parseTS(occurredAt); err != nil {
		return nil, err
	}
	if tx.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	if tx.ProcessedAt, err = parseNullTS(processedAt); err != nil {
		return nil, err
	}
	if matchedParty.Valid {
		p := matchedParty.String
		tx.Classification.MatchedParty = &p
	}
	tx.Direction = model.Direction(direction)
	tx.Classification.Category = model.Category(category)
	tx.Classification.Source = model.ClassificationSource(source)
	tx.ReviewState = model.ReviewState(state)
	return &tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.getTransaction(ctx, `id = ?`, id)
}

func (s *Store) GetTransactionByProviderID(ctx context.Context, providerID string) (*model.Transaction, error) {
	return s.getTransaction(ctx, `provider_transaction_id = ?`, providerID)
}

func (s *Store) getTransaction(ctx context.Context, where string, arg any) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where, arg)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %v: %w", arg, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) UpdateClassification(ctx context.Context, id string, c model.Classification) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			category = ?, matched_party = ?, confidence = ?, needs_review = ?,
			classification_rule = ?, classification_source = ?, updated_at = ?
		WHERE id = ? AND review_state = 'pending'
	`, string(c.Category), c.MatchedParty, c.Confidence, c.NeedsReview, c.Rule, string(c.Source), ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update classification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update classification: %w", err)
	}
	if n == 0 {
		return s.missingOrConflict(ctx, s.db, id)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) missingOrConflict(ctx context.Context, q queryer, id string) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check transaction: %w", err)
	}
	return fmt.Errorf("transaction %s: %w", id, store.ErrStateConflict)
}

func (s *Store) TransitionState(ctx context.Context, ch store.StateChange) (*model.StateTransition, error) {
	if ch.At.IsZero() {
		ch.At = time.Now().UTC()
	}
	var processedAt any
	if ch.To == model.ReviewProcessed {
		processedAt = ts(ch.At)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			review_state = ?, review_reason = ?, last_error = ?, updated_at = ?,
			processed_at = COALESCE(?, processed_at)
		WHERE id = ? AND review_state = ?
	`, string(ch.To), ch.Reason, ch.LastError, ts(ch.At), processedAt, ch.TransactionID, string(ch.From))
	if err != nil {
		return nil, fmt.Errorf("update review state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update review state: %w", err)
	}
	if n == 0 {
		return nil, s.missingOrConflict(ctx, tx, ch.TransactionID)
	}
	if ch.Seal != nil {
		ch.AuditHash = ch.Seal()
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_transitions (id, transaction_id, from_state, to_state, reason, actor, audit_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.TransactionID, string(st.From), string(st.To), st.Reason, st.Actor, st.AuditHash, ts(st.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert review transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return st, nil
}

func (s *Store) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*model.Transaction, int, error) {
	where, args := f.Where(store.SQLite)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	limit, offset := store.NormalizePage(f.Limit, f.Offset)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		` ORDER BY occurred_at DESC, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*model.Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, total, rows.Err()
}

func (s *Store) ListTransitions(ctx context.Context, transactionID string) ([]*model.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, from_state, to_state, reason, actor, audit_hash, created_at
		FROM review_transitions WHERE transaction_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list review transitions: %w", err)
	}
	defer rows.Close()

	var out []*model.StateTransition
	for rows.Next() {
		var (
			st             model.StateTransition
			from, to, when string
		)
		if err := rows.Scan(&st.ID, &st.TransactionID, &from, &to, &st.Reason, &st.Actor, &st.AuditHash, &when); err != nil {
			return nil, fmt.Errorf("scan review transition: %w", err)
		}
		if st.CreatedAt, err = parseTS(when); err != nil {
			return nil, err
		}
		st.From = model.ReviewState(from)
		st.To = model.ReviewState(to)
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *Store) ReviewStats(ctx context.Context, dayStart time.Time, lowBelow int) (store.ReviewStats, error) {
	var (
		st  store.ReviewStats
		avg sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN review_state = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN review_state = 'pending' AND confidence < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN review_state = 'processed' AND processed_at >= ? THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN review_state = 'pending' THEN confidence END)
		FROM transactions
	`, lowBelow, ts(dayStart)).Scan(&st.PendingReview, &st.LowConfidence, &st.ApprovedToday, &avg)
	if err != nil {
		return store.ReviewStats{}, fmt.Errorf("review stats: %w", err)
	}
	if avg.Valid {
		st.AvgConfidenceScore = avg.Float64
	}
	return st, nil
}
