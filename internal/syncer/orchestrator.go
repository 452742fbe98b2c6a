package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ledgersync/internal/ingest"
	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/provider"
	"github.com/example/ledgersync/internal/store"
)

type Mode string

const (
	// ModeFull walks every window since the configured start date.
	ModeFull Mode = "full"
	// ModeIncremental re-reads the last N days; safe to run often.
	ModeIncremental Mode = "incremental"
	// ModeSinceCursor continues from each account's persisted cursor.
	ModeSinceCursor Mode = "since_cursor"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFull, ModeIncremental, ModeSinceCursor:
		return m, nil
	case "":
		return ModeIncremental, nil
	}
	return "", &model.ValidationError{Field: "mode", Value: s}
}

// Client is the part of the provider API the orchestrator reads.
type Client interface {
	ProfileID(ctx context.Context) (string, error)
	Balances(ctx context.Context, profileID string) ([]provider.Balance, error)
	Statement(ctx context.Context, profileID, balanceID, currency string, start, end time.Time) (*provider.Statement, error)
}

type Ingester interface {
	Ingest(ctx context.Context, ev *model.RawEvent, candidate *model.Candidate) (ingest.Outcome, error)
}

type Config struct {
	FullSince       time.Time
	WindowDays      int
	IncrementalDays int
	Concurrency     int
}

type Request struct {
	Mode       Mode     `json:"mode"`
	Days       int      `json:"days,omitempty"`
	Currencies []string `json:"currencies,omitempty"`
}

// Counts is the aggregate shape reported per currency and in total.
type Counts struct {
	TransactionsFound int `json:"transactionsFound"`
	NewTransactions   int `json:"newTransactions"`
	DuplicatesSkipped int `json:"duplicatesSkipped"`
	EntriesCreated    int `json:"entriesCreated"`
	Errors            int `json:"errors"`
}

func (c *Counts) add(o Counts) {
	c.TransactionsFound += o.TransactionsFound
	c.NewTransactions += o.NewTransactions
	c.DuplicatesSkipped += o.DuplicatesSkipped
	c.EntriesCreated += o.EntriesCreated
	c.Errors += o.Errors
}

type ErrorDetail struct {
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error"`
	Retryable     bool   `json:"retryable"`
}

type CurrencyResult struct {
	Currency   string `json:"currency"`
	AccountKey string `json:"accountKey"`
	Counts
	ErrorDetails  []ErrorDetail `json:"errorDetails"`
	SyncedThrough *time.Time    `json:"syncedThrough,omitempty"`
	// Complete is false when a window could not be fetched or persisted;
	// the cursor then stops before that window.
	Complete bool `json:"complete"`
}

func (r *CurrencyResult) fail(txID string, err error, retryable bool) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, ErrorDetail{TransactionID: txID, Error: err.Error(), Retryable: retryable})
}

type Result struct {
	Mode       Mode             `json:"mode"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Currencies []CurrencyResult `json:"currencies"`
	Total      Counts           `json:"total"`
}

type Status struct {
	Cursors []*model.SyncCursor `json:"cursors"`
	Running bool                `json:"running"`
	Last    *Result             `json:"last,omitempty"`
}

type account struct {
	key       string
	profileID string
	balanceID string
	currency  string
}

// Orchestrator pulls statement windows per currency account and feeds
// every item through the shared ingestion path.
type Orchestrator struct {
	client  Client
	ingest  Ingester
	cursors store.CursorStore
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	locks   sync.Map
	mu      sync.Mutex
	last    *Result
	running int
}

func New(client Client, ing Ingester, cursors store.CursorStore, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 90
	}
	if cfg.IncrementalDays <= 0 {
		cfg.IncrementalDays = 7
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.FullSince.IsZero() {
		cfg.FullSince = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{client: client, ingest: ing, cursors: cursors, cfg: cfg, logger: logger, now: time.Now}
}

// Sync runs one request across every matching currency account. Per-item
// and per-account failures land in the result; only failing to enumerate
// the accounts is returned as an error.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (*Result, error) {
	if req.Mode == "" {
		req.Mode = ModeIncremental
	}
	if req.Days < 0 {
		return nil, &model.ValidationError{Field: "days", Value: fmt.Sprint(req.Days)}
	}

	o.mu.Lock()
	o.running++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running--
		o.mu.Unlock()
	}()

	res := &Result{Mode: req.Mode, StartedAt: o.now().UTC()}
	accounts, err := o.accounts(ctx, req.Currencies)
	if err != nil {
		return nil, err
	}

	results := make([]CurrencyResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, acct := range accounts {
		i, acct := i, acct
		g.Go(func() error {
			results[i] = o.syncAccount(ctx, acct, req)
			return nil
		})
	}
	_ = g.Wait()

	res.Currencies = results
	for _, r := range results {
		res.Total.add(r.Counts)
	}
	res.FinishedAt = o.now().UTC()

	o.mu.Lock()
	o.last = res
	o.mu.Unlock()

	o.logger.Info("sync_completed",
		"mode", req.Mode,
		"accounts", len(accounts),
		"transactions_found", res.Total.TransactionsFound,
		"new_transactions", res.Total.NewTransactions,
		"duplicates_skipped", res.Total.DuplicatesSkipped,
		"entries_created", res.Total.EntriesCreated,
		"errors", res.Total.Errors,
	)
	return res, nil
}

func (o *Orchestrator) accounts(ctx context.Context, currencies []string) ([]account, error) {
	want := map[string]bool{}
	for _, c := range currencies {
		cur, err := model.NormalizeCurrency(c)
		if err != nil {
			return nil, err
		}
		want[cur] = true
	}

	profileID, err := o.client.ProfileID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve provider profile: %w", err)
	}
	balances, err := o.client.Balances(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("list provider balances: %w", err)
	}

	var out []account
	for _, b := range balances {
		cur, err := model.NormalizeCurrency(b.Currency)
		if err != nil {
			continue
		}
		if len(want) > 0 && !want[cur] {
			continue
		}
		out = append(out, account{
			key:       profileID + ":" + b.ID.String(),
			profileID: profileID,
			balanceID: b.ID.String(),
			currency:  cur,
		})
	}
	return out, nil
}

func (o *Orchestrator) lock(key string) func() {
	v, _ := o.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) start(ctx context.Context, acct account, req Request, now time.Time) (time.Time, error) {
	switch req.Mode {
	case ModeFull:
		return o.cfg.FullSince, nil
	case ModeSinceCursor:
		c, err := o.cursors.GetCursor(ctx, acct.key)
		if errors.Is(err, store.ErrNotFound) {
			return o.cfg.FullSince, nil
		}
		if err != nil {
			return time.Time{}, err
		}
		return c.SyncedThrough, nil
	default:
		days := req.Days
		if days == 0 {
			days = o.cfg.IncrementalDays
		}
		return now.AddDate(0, 0, -days), nil
	}
}

// syncAccount walks the account's windows oldest first. A window that could
// not be fetched, or whose items could not all be persisted, ends the walk
// without advancing the cursor past it.
func (o *Orchestrator) syncAccount(ctx context.Context, acct account, req Request) CurrencyResult {
	defer o.lock(acct.key)()

	res := CurrencyResult{Currency: acct.currency, AccountKey: acct.key, ErrorDetails: []ErrorDetail{}, Complete: true}
	now := o.now().UTC()
	from, err := o.start(ctx, acct, req, now)
	if err != nil {
		res.fail("", fmt.Errorf("read cursor: %w", err), true)
		res.Complete = false
		return res
	}

	window := time.Duration(o.cfg.WindowDays) * 24 * time.Hour
	for start := from; start.Before(now); start = start.Add(window) {
		end := start.Add(window)
		if end.After(now) {
			end = now
		}
		if err := ctx.Err(); err != nil {
			res.fail("", err, true)
			res.Complete = false
			return res
		}

		st, err := o.client.Statement(ctx, acct.profileID, acct.balanceID, acct.currency, start, end)
		if err != nil {
			retryable := provider.IsRetryable(err)
			o.logger.Warn("sync_batch_failed",
				"account", acct.key, "currency", acct.currency,
				"window_start", start, "window_end", end,
				"retryable", retryable, "error", err)
			res.fail("", fmt.Errorf("fetch statement %s..%s: %w", start.Format(time.DateOnly), end.Format(time.DateOnly), err), retryable)
			res.Complete = false
			return res
		}

		if !o.ingestWindow(ctx, acct, st, &res) {
			res.Complete = false
			return res
		}

		if err := o.cursors.AdvanceCursor(ctx, model.SyncCursor{
			AccountKey:    acct.key,
			ProfileID:     acct.profileID,
			BalanceID:     acct.balanceID,
			Currency:      acct.currency,
			SyncedThrough: end,
		}); err != nil {
			res.fail("", fmt.Errorf("advance cursor: %w", err), true)
			res.Complete = false
			return res
		}
		through := end
		res.SyncedThrough = &through
	}
	return res
}

// ingestWindow reports whether every item was durably handled. Items that
// fail normalization are recorded and do not hold the cursor back, since
// re-fetching cannot fix them.
func (o *Orchestrator) ingestWindow(ctx context.Context, acct account, st *provider.Statement, res *CurrencyResult) bool {
	durable := true
	for _, raw := range st.Transactions {
		res.TransactionsFound++

		ref := referenceOf(raw)
		candidate, err := provider.CandidateFromStatement(raw)
		if err == nil && candidate.Currency != acct.currency {
			err = &model.ValidationError{Field: "currency", Value: candidate.Currency}
		}
		if err != nil {
			o.logger.Warn("sync_item_rejected", "account", acct.key, "reference", ref, "error", err)
			res.fail(ref, err, false)
			continue
		}

		out, err := o.ingest.Ingest(ctx, &model.RawEvent{
			ID:        provider.StatementEventID(candidate.ProviderTransactionID),
			Source:    model.SourcePoll,
			EventType: "statement_item",
			Payload:   raw,
		}, candidate)
		if err != nil {
			o.logger.Error("sync_item_failed", "account", acct.key, "reference", ref, "error", err)
			res.fail(ref, err, !errors.Is(err, ingest.ErrInvalidEvent))
			if !errors.Is(err, ingest.ErrInvalidEvent) {
				durable = false
			}
			continue
		}

		switch {
		case out.Duplicate():
			res.DuplicatesSkipped++
		case out.NewTransaction:
			res.NewTransactions++
		}
		if out.EntryCreated {
			res.EntriesCreated++
		}
	}
	return durable
}

func referenceOf(raw json.RawMessage) string {
	var probe struct {
		ReferenceNumber string `json:"referenceNumber"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ReferenceNumber
}

// Status is the pull-based view of sync progress.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	cursors, err := o.cursors.ListCursors(ctx)
	if err != nil {
		return nil, err
	}
	if cursors == nil {
		cursors = []*model.SyncCursor{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return &Status{Cursors: cursors, Running: o.running > 0, Last: o.last}, nil
}

// Run syncs from each cursor on every tick until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sync(ctx, Request{Mode: ModeSinceCursor}); err != nil {
				o.logger.Error("scheduled_sync_failed", "error", err)
			}
		}
	}
}
