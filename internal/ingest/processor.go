package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/provider"
	"github.com/example/ledgersync/internal/review"
	"github.com/example/ledgersync/internal/store"
)

// ErrInvalidEvent marks a stored event whose payload can never produce a
// transaction. Such events are marked failed and are not retried.
var ErrInvalidEvent = errors.New("invalid event payload")

type Store interface {
	store.EventStore
	store.TransactionStore
}

type Classifier interface {
	Classify(in model.Candidate) model.Classification
}

// Approver straight-through approves transactions the policy allows.
type Approver interface {
	AutoApprove(ctx context.Context, tx *model.Transaction) (*review.ApproveResult, bool, error)
}

// Outcome describes what one event contributed.
type Outcome struct {
	DuplicateEvent       bool
	NewTransaction       bool
	DuplicateTransaction bool
	NoTransaction        bool
	EntryCreated         bool
	Transaction          *model.Transaction
}

// Duplicate reports whether the event was already known in any form.
func (o Outcome) Duplicate() bool {
	return o.DuplicateEvent || o.DuplicateTransaction
}

// Processor is the single dedup, classify and store path shared by webhook
// deliveries and polled statement items.
type Processor struct {
	store      Store
	classifier Classifier
	approver   Approver
	logger     *slog.Logger
}

// NewProcessor wires the path. approver may be nil when auto-approval is off.
func NewProcessor(s Store, c Classifier, approver Approver, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: s, classifier: c, approver: approver, logger: logger}
}

// Ingest stores ev and processes it synchronously with its already decoded
// candidate. An event id seen before and fully processed is a duplicate.
func (p *Processor) Ingest(ctx context.Context, ev *model.RawEvent, candidate *model.Candidate) (Outcome, error) {
	appended, err := p.store.AppendEvent(ctx, ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("store raw event %s: %w", ev.ID, err)
	}
	if !appended {
		stored, err := p.store.GetEvent(ctx, ev.ID)
		if err != nil {
			return Outcome{}, err
		}
		if stored.Status == model.EventProcessed {
			return Outcome{DuplicateEvent: true}, nil
		}
	}
	return p.process(ctx, ev.ID, candidate)
}

// ProcessStored processes a previously persisted event by id. This is what
// async workers run after the receiver has acknowledged a delivery.
func (p *Processor) ProcessStored(ctx context.Context, eventID string) (Outcome, error) {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return Outcome{}, err
	}
	if ev.Status == model.EventProcessed {
		return Outcome{DuplicateEvent: true}, nil
	}

	candidate, err := provider.DecodeCandidate(ev)
	if err != nil {
		return Outcome{}, p.reject(ctx, eventID, err)
	}
	return p.process(ctx, eventID, candidate)
}

func (p *Processor) process(ctx context.Context, eventID string, candidate *model.Candidate) (Outcome, error) {
	if candidate == nil {
		if err := p.store.MarkEvent(ctx, eventID, model.EventProcessed, ""); err != nil {
			return Outcome{}, err
		}
		return Outcome{NoTransaction: true}, nil
	}
	if err := candidate.Validate(); err != nil {
		return Outcome{}, p.reject(ctx, eventID, err)
	}

	tx := &model.Transaction{
		ProviderTransactionID: candidate.ProviderTransactionID,
		EventID:               eventID,
		Currency:              candidate.Currency,
		Amount:                candidate.Amount,
		Fee:                   candidate.Fee,
		Direction:             candidate.Direction,
		OccurredAt:            candidate.OccurredAt,
		Counterparty:          candidate.Counterparty,
		Description:           candidate.Description,
		Classification:        p.classifier.Classify(*candidate),
		ReviewState:           model.ReviewPending,
	}

	inserted, err := p.store.InsertTransaction(ctx, tx)
	if err != nil {
		// left in received so the replay loop picks it up again
		return Outcome{}, fmt.Errorf("store transaction %s: %w", tx.ProviderTransactionID, err)
	}

	out := Outcome{Transaction: tx}
	if !inserted {
		out.DuplicateTransaction = true
		p.logger.Info("transaction_duplicate_skipped",
			"event_id", eventID, "provider_transaction_id", tx.ProviderTransactionID)
	} else {
		out.NewTransaction = true
		p.logger.Info("transaction_ingested",
			"event_id", eventID,
			"transaction_id", tx.ID,
			"provider_transaction_id", tx.ProviderTransactionID,
			"category", tx.Classification.Category,
			"confidence", tx.Classification.Confidence,
			"needs_review", tx.Classification.NeedsReview,
		)
		out.EntryCreated = p.autoApprove(ctx, tx)
	}

	if err := p.store.MarkEvent(ctx, eventID, model.EventProcessed, ""); err != nil {
		return out, err
	}
	return out, nil
}

// autoApprove never fails the event: a failed approval leaves the
// transaction in the review queue as failed, where an operator retries it.
func (p *Processor) autoApprove(ctx context.Context, tx *model.Transaction) bool {
	if p.approver == nil {
		return false
	}
	res, attempted, err := p.approver.AutoApprove(ctx, tx)
	if !attempted {
		return false
	}
	if err != nil {
		p.logger.Warn("auto_approve_failed", "transaction_id", tx.ID, "error", err)
		return false
	}
	return res != nil && !res.AlreadyProcessed
}

func (p *Processor) reject(ctx context.Context, eventID string, cause error) error {
	p.logger.Warn("event_rejected", "event_id", eventID, "error", cause)
	if err := p.store.MarkEvent(ctx, eventID, model.EventFailed, cause.Error()); err != nil {
		return errors.Join(fmt.Errorf("%w: %w", ErrInvalidEvent, cause), err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidEvent, cause)
}
