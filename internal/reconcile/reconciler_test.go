package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store/sqlite"
)

type mockBalances struct {
	mock.Mock
}

func (m *mockBalances) CurrentBalances(ctx context.Context) ([]model.ProviderBalance, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]model.ProviderBalance), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Rate(ctx context.Context, source, target string) (decimal.Decimal, error) {
	args := m.Called(ctx, source, target)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func addEntry(t *testing.T, s *sqlite.Store, currency string, typ model.EntryType, total string, status model.EntryStatus) {
	t.Helper()
	amount := decimal.RequireFromString(total)
	_, _, err := s.InsertLedgerEntry(context.Background(), &model.LedgerEntry{
		Type:        typ,
		Category:    model.OtherFor(model.DirectionCredit),
		BaseAmount:  amount,
		TotalAmount: amount,
		Currency:    currency,
		EntryDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:      status,
	})
	require.NoError(t, err)
}

func TestRecomputeSumsCompletedEntries(t *testing.T) {
	s := newStore(t)
	addEntry(t, s, "EUR", model.EntryTypeIncome, "1000.10", model.EntryCompleted)
	addEntry(t, s, "EUR", model.EntryTypeIncome, "0.20", model.EntryCompleted)
	addEntry(t, s, "EUR", model.EntryTypeExpense, "300.15", model.EntryCompleted)
	addEntry(t, s, "EUR", model.EntryTypeExpense, "999", model.EntryPending)

	rates, err := ParseStaticRates("EUR=1.10")
	require.NoError(t, err)
	r := NewReconciler(s, rates, nil, nil)

	b, err := r.Recompute(context.Background(), "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", b.Currency)
	assert.True(t, b.Balance.Equal(decimal.RequireFromString("700.15")), b.Balance.String())
	assert.True(t, b.USDBalance.Equal(decimal.RequireFromString("770.17")), b.USDBalance.String())
	assert.Equal(t, 3, b.EntryCount)

	stored, err := s.GetBalance(context.Background(), "EUR")
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(b.Balance))
}

func TestFullAndIncrementalRecomputeAgree(t *testing.T) {
	s := newStore(t)
	r := NewReconciler(s, StaticRates{}, nil, nil)
	ctx := context.Background()

	addEntry(t, s, "USD", model.EntryTypeIncome, "100", model.EntryCompleted)
	_, err := r.Recompute(ctx, "USD")
	require.NoError(t, err)
	addEntry(t, s, "USD", model.EntryTypeExpense, "40", model.EntryCompleted)
	incremental, err := r.Recompute(ctx, "USD")
	require.NoError(t, err)

	all, err := r.RecomputeAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Balance.Equal(incremental.Balance))
	assert.True(t, all[0].USDBalance.Equal(decimal.NewFromInt(60)))

	drift, err := r.Verify(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, drift.Consistent)
}

func TestVerifyDetectsDrift(t *testing.T) {
	s := newStore(t)
	r := NewReconciler(s, StaticRates{}, nil, nil)
	ctx := context.Background()

	addEntry(t, s, "USD", model.EntryTypeIncome, "100", model.EntryCompleted)
	_, err := r.Recompute(ctx, "USD")
	require.NoError(t, err)
	addEntry(t, s, "USD", model.EntryTypeIncome, "5", model.EntryCompleted)

	drift, err := r.Verify(ctx, "USD")
	require.NoError(t, err)
	assert.False(t, drift.Consistent)
	assert.True(t, drift.Difference.Equal(decimal.NewFromInt(-5)))
}

func TestOlderAggregateDoesNotOverwriteNewer(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	slow := NewReconciler(s, StaticRates{}, nil, nil)
	slow.now = func() time.Time { return started }
	fast := NewReconciler(s, StaticRates{}, nil, nil)
	fast.now = func() time.Time { return started.Add(time.Second) }

	addEntry(t, s, "USD", model.EntryTypeIncome, "100", model.EntryCompleted)
	addEntry(t, s, "USD", model.EntryTypeExpense, "30", model.EntryCompleted)
	newer, err := fast.Recompute(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, newer.Balance.Equal(decimal.NewFromInt(70)))

	addEntry(t, s, "USD", model.EntryTypeIncome, "1", model.EntryCompleted)
	got, err := slow.Recompute(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(70)), got.Balance.String())
	assert.True(t, got.RecomputedAt.Equal(started.Add(time.Second)))

	stored, err := s.GetBalance(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.EntryCount)
}

func TestRecomputeWithoutRateKeepsBalance(t *testing.T) {
	s := newStore(t)
	r := NewReconciler(s, StaticRates{}, nil, nil)
	addEntry(t, s, "JPY", model.EntryTypeIncome, "5000", model.EntryCompleted)

	b, err := r.Recompute(context.Background(), "JPY")
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(decimal.NewFromInt(5000)))
	assert.True(t, b.USDRate.IsZero())
	assert.True(t, b.USDBalance.IsZero())
}

func TestGapsAreWarnings(t *testing.T) {
	s := newStore(t)
	src := &mockBalances{}
	src.On("CurrentBalances", mock.Anything).Return([]model.ProviderBalance{
		{Currency: "USD", Amount: decimal.NewFromInt(100)},
		{Currency: "EUR", Amount: decimal.NewFromInt(20)},
	}, nil).Once()

	r := NewReconciler(s, StaticRates{}, src, nil)
	ctx := context.Background()
	addEntry(t, s, "USD", model.EntryTypeIncome, "100", model.EntryCompleted)
	addEntry(t, s, "GBP", model.EntryTypeIncome, "7", model.EntryCompleted)
	_, err := r.RecomputeAll(ctx)
	require.NoError(t, err)

	_, err = r.RefreshProviderBalances(ctx)
	require.NoError(t, err)
	src.AssertExpectations(t)

	gaps, err := r.Gaps(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 3)

	assert.Equal(t, "EUR", gaps[0].Currency)
	assert.True(t, gaps[0].Warning)
	assert.True(t, gaps[0].Difference.Equal(decimal.NewFromInt(-20)))

	assert.Equal(t, "GBP", gaps[1].Currency)
	assert.False(t, gaps[1].HasProvider)
	assert.False(t, gaps[1].Warning)

	assert.Equal(t, "USD", gaps[2].Currency)
	assert.False(t, gaps[2].Warning)
	assert.True(t, gaps[2].Difference.IsZero())
}

func TestRefreshWithoutSource(t *testing.T) {
	r := NewReconciler(newStore(t), nil, nil, nil)
	_, err := r.RefreshProviderBalances(context.Background())
	assert.Error(t, err)
}

func TestRateChainFallsBack(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("Rate", mock.Anything, "EUR", "USD").Return(decimal.Zero, errors.New("provider down"))
	fetcher.On("Rate", mock.Anything, "GBP", "USD").Return(decimal.RequireFromString("1.27"), nil).Once()
	fetcher.On("Rate", mock.Anything, "CHF", "USD").Return(decimal.Zero, errors.New("unsupported pair"))

	chain := Chain{NewProviderRates(fetcher, time.Minute), StaticRates{"EUR": decimal.RequireFromString("1.08")}}

	rate, err := chain.Rate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.08")))

	for i := 0; i < 3; i++ {
		rate, err = chain.Rate(context.Background(), "GBP", "USD")
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.RequireFromString("1.27")))
	}

	_, err = chain.Rate(context.Background(), "CHF", "USD")
	assert.ErrorIs(t, err, ErrRateUnavailable)
	fetcher.AssertExpectations(t)
}

func TestParseStaticRates(t *testing.T) {
	rates, err := ParseStaticRates(" eur=1.08, GBP=1.27 ,")
	require.NoError(t, err)
	assert.Len(t, rates, 2)

	_, err = ParseStaticRates("EUR")
	assert.Error(t, err)
	_, err = ParseStaticRates("EUR=-1")
	assert.Error(t, err)
	_, err = ParseStaticRates("EURO=1")
	assert.Error(t, err)

	one, err := rates.Rate(context.Background(), "USD", "USD")
	require.NoError(t, err)
	assert.True(t, one.Equal(decimal.NewFromInt(1)))
}
