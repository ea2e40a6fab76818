// Package cashback computes reward amounts from account and card-level
// default cashback percentages, and backfills them retroactively.
package cashback

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// Store is the persistence surface the calculator needs.
type Store interface {
	// CashbackRates returns the configured rates for a (bank, account) pair,
	// card-specific rates first.
	CashbackRates(ctx context.Context, bankName, accountLast4 string) ([]domain.CashbackRate, error)

	// BackfillCashback updates all non-deleted, cashback-unset expense
	// transactions for the pair, returning the number of rows touched.
	// Bank name is matched case-insensitively; rows with no stored account
	// number match any requested account.
	BackfillCashback(ctx context.Context, bankName, accountLast4 string, percent decimal.Decimal) (int64, error)
}

// Estimate is a computed cashback for a single transaction.
type Estimate struct {
	Percent decimal.Decimal
	Amount  decimal.Decimal
}

// Calculator answers cashback questions.
type Calculator struct {
	store Store
}

// NewCalculator creates a calculator backed by the given store.
func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

// Compute derives the cashback amount for a transaction amount at the given
// percent: amount * percent / 100, rounded to 2 decimals half-up.
func Compute(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}

// Estimate returns the default cashback for an expense transaction, or nil
// when no positive rate is configured for its (bank, account) pair.
// Card-specific rates take priority over account-level rates.
func (c *Calculator) Estimate(ctx context.Context, tx *domain.Transaction) (*Estimate, error) {
	if tx.Direction != domain.DirectionExpense {
		return nil, nil
	}

	rates, err := c.store.CashbackRates(ctx, tx.BankName, tx.AccountLast4)
	if err != nil {
		return nil, fmt.Errorf("cashback rate lookup failed: %w", err)
	}

	for _, rate := range rates {
		if rate.Percent.IsPositive() {
			return &Estimate{
				Percent: rate.Percent,
				Amount:  Compute(tx.Amount, rate.Percent),
			}, nil
		}
	}
	return nil, nil
}

// RetroactiveApply backfills cashback onto previously saved expense
// transactions for the (bank, account) pair that have none recorded.
// Safe to rerun: rows that already carry cashback are never touched.
func (c *Calculator) RetroactiveApply(ctx context.Context, bankName, accountLast4 string, percent decimal.Decimal) (int64, error) {
	if !percent.IsPositive() {
		return 0, fmt.Errorf("cashback percent must be positive, got %s", percent)
	}
	updated, err := c.store.BackfillCashback(ctx, bankName, accountLast4, percent)
	if err != nil {
		return 0, fmt.Errorf("retroactive cashback failed: %w", err)
	}
	return updated, nil
}
