package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
)

const BaseCurrency = "USD"

var ErrRateUnavailable = errors.New("exchange rate unavailable")

// RateSource returns how many units of `to` one unit of `from` buys.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// StaticRates is a fixed table of USD rates keyed by currency.
type StaticRates map[string]decimal.Decimal

// ParseStaticRates reads "EUR=1.08,GBP=1.27".
func ParseStaticRates(raw string) (StaticRates, error) {
	out := StaticRates{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate %q: want CODE=rate", pair)
		}
		cur, err := model.NormalizeCurrency(code)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("invalid rate for %s: %q", cur, value)
		}
		out[cur] = rate
	}
	return out, nil
}

func (s StaticRates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if to != BaseCurrency {
		return decimal.Zero, fmt.Errorf("%w: static table only converts to %s", ErrRateUnavailable, BaseCurrency)
	}
	rate, ok := s[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s->%s", ErrRateUnavailable, from, to)
	}
	return rate, nil
}

// RateFetcher is the provider's rate endpoint.
type RateFetcher interface {
	Rate(ctx context.Context, source, target string) (decimal.Decimal, error)
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// ProviderRates caches provider quotes for ttl.
type ProviderRates struct {
	fetcher RateFetcher
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedRate
	now   func() time.Time
}

func NewProviderRates(fetcher RateFetcher, ttl time.Duration) *ProviderRates {
	return &ProviderRates{
		fetcher: fetcher,
		ttl:     ttl,
		cache:   make(map[string]cachedRate),
		now:     time.Now,
	}
}

func (p *ProviderRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	key := from + "/" + to

	p.mu.Lock()
	c, ok := p.cache[key]
	p.mu.Unlock()
	if ok && p.now().Sub(c.fetchedAt) < p.ttl {
		return c.rate, nil
	}

	rate, err := p.fetcher.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s->%s: %v", ErrRateUnavailable, from, to, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: provider quoted %s for %s->%s", ErrRateUnavailable, rate, from, to)
	}

	p.mu.Lock()
	p.cache[key] = cachedRate{rate: rate, fetchedAt: p.now()}
	p.mu.Unlock()
	return rate, nil
}

// Chain asks each source in order and returns the first rate found.
type Chain []RateSource

func (c Chain) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	var errs []error
	for _, src := range c {
		rate, err := src.Rate(ctx, from, to)
		if err == nil {
			return rate, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no rate sources configured", ErrRateUnavailable)
	}
	return decimal.Zero, errors.Join(errs...)
}
