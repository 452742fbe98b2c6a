package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

// Store is the persistence the reconciler needs.
type Store interface {
	store.LedgerStore
	store.BalanceStore
}

// BalanceSource reports the provider's current balances.
type BalanceSource interface {
	CurrentBalances(ctx context.Context) ([]model.ProviderBalance, error)
}

// Gap is the signed difference between the computed and provider balance of
// one currency. A non-zero gap is a warning for operators, never corrected.
type Gap struct {
	Currency          string          `json:"currency"`
	Computed          decimal.Decimal `json:"computed_balance"`
	Provider          decimal.Decimal `json:"provider_balance"`
	Difference        decimal.Decimal `json:"difference"`
	Warning           bool            `json:"warning"`
	HasProvider       bool            `json:"has_provider_balance"`
	ProviderFetchedAt *time.Time      `json:"provider_fetched_at,omitempty"`
}

// Drift compares a stored balance row against a fresh aggregation.
type Drift struct {
	Currency   string          `json:"currency"`
	Stored     decimal.Decimal `json:"stored_balance"`
	Fresh      decimal.Decimal `json:"fresh_balance"`
	Difference decimal.Decimal `json:"difference"`
	Consistent bool            `json:"consistent"`
}

type Reconciler struct {
	store    Store
	rates    RateSource
	balances BalanceSource
	logger   *slog.Logger
	now      func() time.Time

	locks sync.Map
}

// NewReconciler wires the balance reconciler. balances may be nil when no
// provider is configured; gaps are then reported without provider figures.
func NewReconciler(s Store, rates RateSource, balances BalanceSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if rates == nil {
		rates = StaticRates{}
	}
	return &Reconciler{
		store:    s,
		rates:    rates,
		balances: balances,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Reconciler) lock(currency string) func() {
	v, _ := r.locks.LoadOrStore(currency, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Recompute derives the balance of currency from its completed ledger
// entries and stores it. The row is stamped with the time the aggregation
// started and the store keeps the most recent stamp, so a slower aggregate
// from another instance cannot overwrite a newer one. In this process
// recomputes of one currency are also serialized.
func (r *Reconciler) Recompute(ctx context.Context, currency string) (*model.CurrencyBalance, error) {
	cur, err := model.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	defer r.lock(cur)()

	at := r.now().UTC()
	income, expense, count, err := r.store.SumCompleted(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", cur, err)
	}

	b := model.CurrencyBalance{
		Currency:     cur,
		Balance:      income.Sub(expense),
		EntryCount:   count,
		RecomputedAt: at,
	}

	rate, err := r.rates.Rate(ctx, cur, BaseCurrency)
	if err != nil {
		r.logger.Warn("exchange_rate_unavailable", "currency", cur, "error", err)
		if prev, perr := r.store.GetBalance(ctx, cur); perr == nil && prev.USDRate.IsPositive() {
			rate = prev.USDRate
		} else {
			rate = decimal.Zero
		}
	}
	b.USDRate = rate
	b.USDBalance = b.Balance.Mul(rate).Round(2)

	written, err := r.store.UpsertBalance(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", cur, err)
	}
	if !written {
		r.logger.Info("balance_recompute_superseded", "currency", cur, "started_at", at)
		return r.store.GetBalance(ctx, cur)
	}

	r.logger.Info("balance_recomputed",
		"currency", cur,
		"balance", b.Balance.String(),
		"usd_balance", b.USDBalance.String(),
		"entries", count,
	)
	return &b, nil
}

// Balances returns the stored computed balance rows.
func (r *Reconciler) Balances(ctx context.Context) ([]*model.CurrencyBalance, error) {
	out, err := r.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	if out == nil {
		out = []*model.CurrencyBalance{}
	}
	return out, nil
}

// RecomputeAll recomputes every currency that has ledger entries or a stored
// balance row.
func (r *Reconciler) RecomputeAll(ctx context.Context) ([]*model.CurrencyBalance, error) {
	currencies, err := r.currencies(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*model.CurrencyBalance, 0, len(currencies))
	var errs []error
	for _, cur := range currencies {
		b, err := r.Recompute(ctx, cur)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, b)
	}
	return out, errors.Join(errs...)
}

func (r *Reconciler) currencies(ctx context.Context) ([]string, error) {
	set := map[string]struct{}{}
	fromLedger, err := r.store.LedgerCurrencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger currencies: %w", err)
	}
	for _, c := range fromLedger {
		set[c] = struct{}{}
	}
	stored, err := r.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	for _, b := range stored {
		set[b.Currency] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// RefreshProviderBalances fetches and stores the provider's balances.
func (r *Reconciler) RefreshProviderBalances(ctx context.Context) ([]model.ProviderBalance, error) {
	if r.balances == nil {
		return nil, errors.New("no provider balance source configured")
	}
	fetched, err := r.balances.CurrentBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch provider balances: %w", err)
	}
	now := r.now().UTC()
	for i := range fetched {
		if fetched[i].FetchedAt.IsZero() {
			fetched[i].FetchedAt = now
		}
		if err := r.store.UpsertProviderBalance(ctx, fetched[i]); err != nil {
			return nil, fmt.Errorf("store provider balance %s: %w", fetched[i].Currency, err)
		}
	}
	r.logger.Info("provider_balances_refreshed", "currencies", len(fetched))
	return fetched, nil
}

// Gaps compares stored computed balances with the last provider balances.
func (r *Reconciler) Gaps(ctx context.Context) ([]Gap, error) {
	computed, err := r.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	provider, err := r.store.ListProviderBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list provider balances: %w", err)
	}

	byCurrency := map[string]*Gap{}
	for _, b := range computed {
		byCurrency[b.Currency] = &Gap{Currency: b.Currency, Computed: b.Balance}
	}
	for _, p := range provider {
		g, ok := byCurrency[p.Currency]
		if !ok {
			g = &Gap{Currency: p.Currency, Computed: decimal.Zero}
			byCurrency[p.Currency] = g
		}
		fetched := p.FetchedAt
		g.Provider = p.Amount
		g.HasProvider = true
		g.ProviderFetchedAt = &fetched
	}

	out := make([]Gap, 0, len(byCurrency))
	for _, g := range byCurrency {
		if g.HasProvider {
			g.Difference = g.Computed.Sub(g.Provider)
			g.Warning = !g.Difference.IsZero()
		}
		if g.Warning {
			r.logger.Warn("reconciliation_gap",
				"currency", g.Currency,
				"computed", g.Computed.String(),
				"provider", g.Provider.String(),
				"difference", g.Difference.String(),
			)
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// Verify re-aggregates currency without storing and compares it with the
// stored row. A missing row counts as a zero balance.
func (r *Reconciler) Verify(ctx context.Context, currency string) (Drift, error) {
	cur, err := model.NormalizeCurrency(currency)
	if err != nil {
		return Drift{}, err
	}
	income, expense, _, err := r.store.SumCompleted(ctx, cur)
	if err != nil {
		return Drift{}, fmt.Errorf("verify %s: %w", cur, err)
	}

	d := Drift{Currency: cur, Fresh: income.Sub(expense), Stored: decimal.Zero}
	stored, err := r.store.GetBalance(ctx, cur)
	switch {
	case err == nil:
		d.Stored = stored.Balance
	case errors.Is(err, store.ErrNotFound):
	default:
		return Drift{}, fmt.Errorf("verify %s: %w", cur, err)
	}
	d.Difference = d.Stored.Sub(d.Fresh)
	d.Consistent = d.Difference.IsZero()
	if !d.Consistent {
		r.logger.Warn("balance_drift", "currency", cur, "stored", d.Stored.String(), "fresh", d.Fresh.String())
	}
	return d, nil
}
