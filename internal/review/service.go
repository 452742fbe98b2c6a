package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ledgersync/internal/confidence"
	"github.com/example/ledgersync/internal/ledger"
	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
	"github.com/example/ledgersync/pkg/audit"
)

// Store is the persistence the review queue needs.
type Store interface {
	store.TransactionStore
	GetLedgerEntryByTransaction(ctx context.Context, transactionID string) (*model.LedgerEntry, error)
}

// Materializer turns an approved transaction into its ledger entry.
type Materializer interface {
	Materialize(ctx context.Context, tx *model.Transaction, c model.Classification, opts ...ledger.Option) (*model.LedgerEntry, bool, error)
}

// BalanceRecomputer refreshes the derived balance of a currency.
type BalanceRecomputer interface {
	Recompute(ctx context.Context, currency string) (*model.CurrencyBalance, error)
}

// Service is the review queue: decisions on classified transactions and the
// query surface over them.
type Service struct {
	store        Store
	materializer Materializer
	balances     BalanceRecomputer
	policy       confidence.Policy
	audit        *audit.ChainLogger
	logger       *slog.Logger
	now          func() time.Time
}

// NewService wires the review queue. balances and chain may be nil.
func NewService(s Store, m Materializer, balances BalanceRecomputer, policy confidence.Policy, chain *audit.ChainLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        s,
		materializer: m,
		balances:     balances,
		policy:       policy,
		audit:        chain,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *Service) Policy() confidence.Policy {
	return s.policy
}

// ApproveRequest carries optional overrides applied before materializing.
// Pending books the entry as pending, outside the completed balance.
type ApproveRequest struct {
	Category     *model.Category `json:"category,omitempty"`
	MatchedParty *string         `json:"matched_party,omitempty"`
	Pending      bool            `json:"pending,omitempty"`
	Actor        string          `json:"-"`
}

type ApproveResult struct {
	Transaction      *model.Transaction `json:"transaction"`
	Entry            *model.LedgerEntry `json:"entry"`
	AlreadyProcessed bool               `json:"already_processed"`
}

// Approve materializes a pending transaction and marks it processed. A
// transaction that is already processed with an entry is reported as such
// instead of failing, so approvals can be retried safely. A materializer
// failure moves the transaction to failed and is returned.
func (s *Service) Approve(ctx context.Context, id string, req ApproveRequest) (*ApproveResult, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.ReviewState != model.ReviewPending {
		return s.alreadyProcessed(ctx, tx)
	}

	c, changed, err := s.override(tx.Classification, req.Category, req.MatchedParty)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.store.UpdateClassification(ctx, id, c); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				return s.reread(ctx, id)
			}
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
		tx.Classification = c
	}

	var opts []ledger.Option
	if req.Pending {
		opts = append(opts, ledger.AsPending())
	}
	entry, created, err := s.materializer.Materialize(ctx, tx, c, opts...)
	if err != nil {
		return nil, s.fail(ctx, tx, req.Actor, err)
	}

	_, err = s.transition(ctx, tx, model.ReviewProcessed, "approved", req.Actor, "")
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return s.reread(ctx, id)
		}
		return nil, err
	}

	s.recompute(ctx, tx.Currency)

	updated, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ApproveResult{Transaction: updated, Entry: entry, AlreadyProcessed: !created}, nil
}

// reread resolves a lost compare-and-set: if another approval won, the
// outcome is the same as ours.
func (s *Service) reread(ctx context.Context, id string) (*ApproveResult, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.alreadyProcessed(ctx, tx)
}

func (s *Service) alreadyProcessed(ctx context.Context, tx *model.Transaction) (*ApproveResult, error) {
	if tx.ReviewState == model.ReviewProcessed {
		entry, err := s.store.GetLedgerEntryByTransaction(ctx, tx.ID)
		if err == nil {
			return &ApproveResult{Transaction: tx, Entry: entry, AlreadyProcessed: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, &InvalidStateTransitionError{From: tx.ReviewState, To: model.ReviewProcessed, TransactionID: tx.ID}
}

func (s *Service) fail(ctx context.Context, tx *model.Transaction, actor string, cause error) error {
	s.logger.Error("approval_failed", "transaction_id", tx.ID, "error", cause)
	_, terr := s.transition(ctx, tx, model.ReviewFailed, "materialization failed", actor, cause.Error())
	if terr != nil {
		return errors.Join(fmt.Errorf("approve %s: %w", tx.ID, cause), terr)
	}
	return fmt.Errorf("approve %s: %w", tx.ID, cause)
}

// override applies operator edits to a classification. Setting a category
// makes it a manual classification at full confidence.
func (s *Service) override(c model.Classification, category *model.Category, party *string) (model.Classification, bool, error) {
	changed := false
	if category != nil {
		if !category.Resolved() {
			return c, false, &model.ValidationError{Field: "category", Value: string(*category)}
		}
		c.Category = *category
		c.Confidence = confidence.ManualScore
		c.Rule = "manual"
		c.Source = model.ClassifiedByManual
		changed = true
	}
	if party != nil {
		p := *party
		if p == "" {
			c.MatchedParty = nil
		} else {
			c.MatchedParty = &p
		}
		c.Source = model.ClassifiedByManual
		changed = true
	}
	return s.policy.Apply(c), changed, nil
}

func (s *Service) transition(ctx context.Context, tx *model.Transaction, to model.ReviewState, reason, actor, lastError string) (*model.StateTransition, error) {
	if err := checkTransition(tx.ID, tx.ReviewState, to); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = "system"
	}

	ch := store.StateChange{
		TransactionID: tx.ID,
		From:          tx.ReviewState,
		To:            to,
		Reason:        reason,
		Actor:         actor,
		LastError:     lastError,
		At:            s.now().UTC(),
	}
	if s.audit != nil {
		detail := fmt.Sprintf("%s->%s", tx.ReviewState, to)
		if reason != "" {
			detail += " " + reason
		}
		ch.Seal = func() string {
			return s.audit.Append(audit.KindReviewTransition, tx.ID, actor, detail).Hash
		}
	}

	st, err := s.store.TransitionState(ctx, ch)
	if err != nil {
		return nil, err
	}
	s.logger.Info("review_transition",
		"transaction_id", tx.ID,
		"from", tx.ReviewState,
		"to", to,
		"actor", actor,
	)
	return st, nil
}

func (s *Service) recompute(ctx context.Context, currency string) {
	if s.balances == nil {
		return
	}
	if _, err := s.balances.Recompute(ctx, currency); err != nil {
		s.logger.Warn("balance_recompute_failed", "currency", currency, "error", err)
	}
}

// Reject marks a pending transaction skipped with no ledger effect.
func (s *Service) Reject(ctx context.Context, id, reason, actor string) (*model.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected"
	}
	if _, err := s.transition(ctx, tx, model.ReviewSkipped, reason, actor, ""); err != nil {
		return nil, err
	}
	return s.store.GetTransaction(ctx, id)
}

// Retry moves a failed transaction back to pending.
func (s *Service) Retry(ctx context.Context, id, actor string) (*model.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.transition(ctx, tx, model.ReviewPending, "retry", actor, ""); err != nil {
		return nil, err
	}
	return s.store.GetTransaction(ctx, id)
}

// ClassificationUpdate is a partial edit; nil fields are left unchanged.
type ClassificationUpdate struct {
	Category     *model.Category `json:"category,omitempty"`
	MatchedParty *string         `json:"matched_party,omitempty"`
	Actor        string          `json:"-"`
}

// UpdateClassification edits the classification of a pending transaction
// without changing its review state.
func (s *Service) UpdateClassification(ctx context.Context, id string, upd ClassificationUpdate) (*model.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.ReviewState != model.ReviewPending {
		return nil, fmt.Errorf("update classification of %s (%s): %w", id, tx.ReviewState, ErrNotPending)
	}

	c, changed, err := s.override(tx.Classification, upd.Category, upd.MatchedParty)
	if err != nil {
		return nil, err
	}
	if !changed {
		return tx, nil
	}
	if err := s.store.UpdateClassification(ctx, id, c); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, fmt.Errorf("update classification of %s: %w", id, ErrNotPending)
		}
		return nil, err
	}

	if s.audit != nil {
		actor := upd.Actor
		if actor == "" {
			actor = "system"
		}
		s.audit.Append(audit.KindClassification, id, actor,
			fmt.Sprintf("category=%s confidence=%d", c.Category, c.Confidence))
	}
	return s.store.GetTransaction(ctx, id)
}

// AutoApprove approves tx without an operator when the policy allows it.
// The bool reports whether an approval was attempted.
func (s *Service) AutoApprove(ctx context.Context, tx *model.Transaction) (*ApproveResult, bool, error) {
	if tx.ReviewState != model.ReviewPending ||
		!s.policy.AutoApprovable(tx.Classification.Confidence, tx.Classification.Category) {
		return nil, false, nil
	}
	res, err := s.Approve(ctx, tx.ID, ApproveRequest{Actor: "auto-approve"})
	return res, true, err
}

// BulkFailure is the per-id outcome of a failed bulk item.
type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult reports every id of a bulk operation independently.
type BulkResult struct {
	Approved         int           `json:"approved"`
	AlreadyProcessed int           `json:"already_processed"`
	Rejected         int           `json:"rejected"`
	Failed           int           `json:"failed"`
	Failures         []BulkFailure `json:"failures"`
}

func (r *BulkResult) fail(id string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, BulkFailure{ID: id, Error: err.Error()})
}

// BulkApprove approves each id on its own; one failure never affects the
// others.
func (s *Service) BulkApprove(ctx context.Context, ids []string, defaults ApproveRequest) BulkResult {
	res := BulkResult{Failures: []BulkFailure{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.fail(id, err)
			continue
		}
		out, err := s.Approve(ctx, id, defaults)
		switch {
		case err != nil:
			res.fail(id, err)
		case out.AlreadyProcessed:
			res.AlreadyProcessed++
		default:
			res.Approved++
		}
	}
	s.logger.Info("bulk_approve",
		"requested", len(ids),
		"approved", res.Approved,
		"already_processed", res.AlreadyProcessed,
		"failed", res.Failed,
	)
	return res
}

// BulkReject rejects each id on its own.
func (s *Service) BulkReject(ctx context.Context, ids []string, reason, actor string) BulkResult {
	res := BulkResult{Failures: []BulkFailure{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.fail(id, err)
			continue
		}
		if _, err := s.Reject(ctx, id, reason, actor); err != nil {
			res.fail(id, err)
			continue
		}
		res.Rejected++
	}
	s.logger.Info("bulk_reject", "requested", len(ids), "rejected", res.Rejected, "failed", res.Failed)
	return res
}

// ListFilter is the review-queue query. Band, when set, narrows the
// confidence range to the policy's band bounds.
type ListFilter struct {
	store.TransactionFilter
	Band confidence.Band
}

type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type Page struct {
	Data       []*model.Transaction `json:"data"`
	Pagination Pagination           `json:"pagination"`
}

func (s *Service) ListForReview(ctx context.Context, f ListFilter) (*Page, error) {
	tf := f.TransactionFilter
	if f.Band != "" {
		lo, hi, ok := s.policy.BandRange(f.Band)
		if !ok {
			return nil, &model.ValidationError{Field: "band", Value: string(f.Band)}
		}
		if tf.MinConfidence == nil || *tf.MinConfidence < lo {
			tf.MinConfidence = &lo
		}
		if tf.MaxConfidence == nil || *tf.MaxConfidence > hi {
			tf.MaxConfidence = &hi
		}
	}
	tf.Limit, tf.Offset = store.NormalizePage(tf.Limit, tf.Offset)

	data, total, err := s.store.ListTransactions(ctx, tf)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []*model.Transaction{}
	}
	return &Page{
		Data: data,
		Pagination: Pagination{
			Total:   total,
			Limit:   tf.Limit,
			Offset:  tf.Offset,
			HasMore: tf.Offset+len(data) < total,
		},
	}, nil
}

// Stats returns the aggregate counters shown on the review surface.
func (s *Service) Stats(ctx context.Context) (store.ReviewStats, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.store.ReviewStats(ctx, dayStart, s.policy.ReviewThreshold)
}

// Detail is a transaction with its ledger entry and review history.
type Detail struct {
	Transaction        *model.Transaction       `json:"transaction"`
	Band               confidence.Band          `json:"confidence_band"`
	Entry              *model.LedgerEntry       `json:"entry,omitempty"`
	History            []*model.StateTransition `json:"history"`
	AllowedTransitions []model.ReviewState      `json:"allowed_transitions"`
}

func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{
		Transaction:        tx,
		Band:               s.policy.Band(tx.Classification.Confidence),
		AllowedTransitions: AllowedFrom(tx.ReviewState),
	}
	entry, err := s.store.GetLedgerEntryByTransaction(ctx, id)
	switch {
	case err == nil:
		d.Entry = entry
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if d.History, err = s.store.ListTransitions(ctx, id); err != nil {
		return nil, err
	}
	if d.History == nil {
		d.History = []*model.StateTransition{}
	}
	return d, nil
}
