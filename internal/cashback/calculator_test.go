package cashback

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

type fakeStore struct {
	rates    []domain.CashbackRate
	backfill int64
	rateErr  error

	gotBank    string
	gotAccount string
	gotPercent decimal.Decimal
}

func (f *fakeStore) CashbackRates(_ context.Context, bank, account string) ([]domain.CashbackRate, error) {
	f.gotBank, f.gotAccount = bank, account
	return f.rates, f.rateErr
}

func (f *fakeStore) BackfillCashback(_ context.Context, bank, account string, percent decimal.Decimal) (int64, error) {
	f.gotBank, f.gotAccount, f.gotPercent = bank, account, percent
	return f.backfill, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCompute(t *testing.T) {
	tests := []struct {
		amount  string
		percent string
		want    string
	}{
		{"100", "2", "2"},
		{"150", "1.5", "2.25"},
		{"100.005", "2", "2"},      // 2.0001 rounds down
		{"149.995", "1.5", "2.25"}, // 2.249925 rounds to 2.25
		{"33.33", "1.5", "0.5"},    // 0.49995 rounds half-up to 0.50
		{"0.01", "1", "0"},
	}

	for _, tt := range tests {
		got := Compute(dec(tt.amount), dec(tt.percent))
		assert.True(t, got.Equal(dec(tt.want)),
			"Compute(%s, %s%%) = %s, want %s", tt.amount, tt.percent, got, tt.want)
	}
}

func TestEstimateExpenseOnly(t *testing.T) {
	st := &fakeStore{rates: []domain.CashbackRate{{Percent: dec("2")}}}
	c := NewCalculator(st)

	for _, direction := range []domain.Direction{domain.DirectionIncome, domain.DirectionTransfer} {
		est, err := c.Estimate(context.Background(), &domain.Transaction{
			Amount: dec("100"), Direction: direction,
		})
		require.NoError(t, err)
		assert.Nil(t, est, "direction %s earns no cashback", direction)
	}

	est, err := c.Estimate(context.Background(), &domain.Transaction{
		Amount: dec("100"), Direction: domain.DirectionExpense,
		BankName: "HDFC Bank", AccountLast4: "1234",
	})
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.True(t, est.Percent.Equal(dec("2")))
	assert.True(t, est.Amount.Equal(dec("2")))
	assert.Equal(t, "HDFC Bank", st.gotBank)
	assert.Equal(t, "1234", st.gotAccount)
}

func TestEstimateFirstPositiveRateWins(t *testing.T) {
	// The store returns card rates first; the calculator takes the first
	// positive one.
	st := &fakeStore{rates: []domain.CashbackRate{
		{IsCard: true, Percent: dec("0")},
		{IsCard: true, Percent: dec("5")},
		{Percent: dec("1")},
	}}
	c := NewCalculator(st)

	est, err := c.Estimate(context.Background(), &domain.Transaction{
		Amount: dec("200"), Direction: domain.DirectionExpense,
	})
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.True(t, est.Percent.Equal(dec("5")))
	assert.True(t, est.Amount.Equal(dec("10")))
}

func TestEstimateNoRates(t *testing.T) {
	c := NewCalculator(&fakeStore{})
	est, err := c.Estimate(context.Background(), &domain.Transaction{
		Amount: dec("100"), Direction: domain.DirectionExpense,
	})
	require.NoError(t, err)
	assert.Nil(t, est)
}

func TestEstimateStoreError(t *testing.T) {
	c := NewCalculator(&fakeStore{rateErr: errors.New("db closed")})
	_, err := c.Estimate(context.Background(), &domain.Transaction{
		Amount: dec("100"), Direction: domain.DirectionExpense,
	})
	assert.Error(t, err)
}

func TestRetroactiveApply(t *testing.T) {
	st := &fakeStore{backfill: 7}
	c := NewCalculator(st)

	updated, err := c.RetroactiveApply(context.Background(), "HDFC Bank", "1234", dec("1.5"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated)
	assert.True(t, st.gotPercent.Equal(dec("1.5")))

	_, err = c.RetroactiveApply(context.Background(), "HDFC Bank", "1234", dec("0"))
	assert.Error(t, err, "zero percent rejected")

	_, err = c.RetroactiveApply(context.Background(), "HDFC Bank", "1234", dec("-1"))
	assert.Error(t, err, "negative percent rejected")
}
