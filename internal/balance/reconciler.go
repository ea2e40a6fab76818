// Package balance maintains the per-account running balance ledger. Every
// reconciliation appends a new snapshot; prior snapshots are never mutated.
package balance

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// Store is the persistence surface the reconciler needs.
type Store interface {
	// LatestBalance returns the most recent snapshot by RecordedAt for the
	// (bank, account) pair, or (nil, nil) when none exists.
	LatestBalance(ctx context.Context, bankName, accountLast4 string) (*domain.AccountBalance, error)

	// InsertBalance appends a snapshot.
	InsertBalance(ctx context.Context, snapshot *domain.AccountBalance) error

	// CardByLast4 returns the card for the (bank, last4) pair, or (nil, nil).
	CardByLast4(ctx context.Context, bankName, last4 string) (*domain.Card, error)

	// InsertCard creates a card record.
	InsertCard(ctx context.Context, card *domain.Card) error
}

// Context carries the account information captured at parse time (or from a
// pending record) that the reconciler needs beyond the transaction itself.
type Context struct {
	BankName      string
	AccountLast4  string
	StatedBalance *decimal.Decimal // post-transaction balance from the SMS
	CreditLimit   *decimal.Decimal
	FromCard      bool
	Currency      string
}

// Reconciler computes and records balance snapshots.
type Reconciler struct {
	store Store
}

// NewReconciler creates a reconciler backed by the given store.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile records the account's balance after the given transaction.
//
// Resolution order: an explicit balance stated in the SMS wins; otherwise a
// credit-bearing instrument grows its balance on outflows (debt increases)
// and shrinks it on income (a payment, floored at zero); otherwise plain
// direction arithmetic applies, with expense floored at zero and transfers
// leaving the balance unchanged. When a transfer names a destination account
// already known to this bank, a second credit-leg snapshot is appended so
// both sides of the transfer stay consistent.
func (r *Reconciler) Reconcile(ctx context.Context, rc Context, tx *domain.Transaction) (*domain.AccountBalance, error) {
	if rc.BankName == "" || rc.AccountLast4 == "" {
		return nil, fmt.Errorf("cannot reconcile without bank and account")
	}

	account, isCredit, err := r.resolveAccount(ctx, rc, tx)
	if err != nil {
		return nil, err
	}

	prev, err := r.store.LatestBalance(ctx, rc.BankName, account)
	if err != nil {
		return nil, fmt.Errorf("latest balance lookup failed: %w", err)
	}

	current := decimal.Zero
	if prev != nil {
		current = prev.Balance
		if !isCredit {
			isCredit = prev.IsCreditCard
		}
	}

	newBalance := nextBalance(current, isCredit, rc.StatedBalance, tx)

	snapshot := &domain.AccountBalance{
		BankName:      rc.BankName,
		AccountLast4:  account,
		Balance:       newBalance,
		CreditLimit:   rc.CreditLimit,
		RecordedAt:    tx.OccurredAt,
		TransactionID: &tx.ID,
		IsCreditCard:  isCredit,
		SourceExcerpt: excerpt(tx.RawSMS),
		Source:        domain.BalanceSourceTransaction,
		Currency:      tx.Currency,
	}
	if err := r.store.InsertBalance(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to record balance snapshot: %w", err)
	}

	if tx.Direction == domain.DirectionTransfer && tx.ToAccount != "" && tx.ToAccount != account {
		if err := r.recordTransferLeg(ctx, rc, tx); err != nil {
			return nil, err
		}
	}

	return snapshot, nil
}

// RecordManual appends a user-entered snapshot for a manual account.
func (r *Reconciler) RecordManual(ctx context.Context, snapshot *domain.AccountBalance) error {
	if snapshot.BankName == "" || snapshot.AccountLast4 == "" {
		return fmt.Errorf("manual snapshot requires bank and account")
	}
	snapshot.Source = domain.BalanceSourceManual
	return r.store.InsertBalance(ctx, snapshot)
}

// resolveAccount maps a card-origin transaction to the account whose balance
// it moves: debit cards resolve to their linked account, credit cards track
// debt on the card identifier itself. Unknown cards are created on the fly,
// defaulting to credit for expenses and debit otherwise.
func (r *Reconciler) resolveAccount(ctx context.Context, rc Context, tx *domain.Transaction) (account string, isCredit bool, err error) {
	if !rc.FromCard {
		return rc.AccountLast4, false, nil
	}

	card, err := r.store.CardByLast4(ctx, rc.BankName, rc.AccountLast4)
	if err != nil {
		return "", false, fmt.Errorf("card lookup failed: %w", err)
	}
	if card == nil {
		cardType := domain.CardTypeDebit
		if tx.Direction == domain.DirectionExpense {
			cardType = domain.CardTypeCredit
		}
		card = &domain.Card{
			BankName: rc.BankName,
			Last4:    rc.AccountLast4,
			Type:     cardType,
		}
		if err := r.store.InsertCard(ctx, card); err != nil {
			return "", false, fmt.Errorf("failed to create card record: %w", err)
		}
	}

	if card.Type == domain.CardTypeDebit && card.LinkedAccountLast4 != "" {
		return card.LinkedAccountLast4, false, nil
	}
	return card.Last4, card.Type == domain.CardTypeCredit, nil
}

func nextBalance(current decimal.Decimal, isCredit bool, stated *decimal.Decimal, tx *domain.Transaction) decimal.Decimal {
	if stated != nil {
		return *stated
	}

	if isCredit {
		switch tx.Direction {
		case domain.DirectionIncome:
			// A payment reduces debt, never below zero.
			return floorZero(current.Sub(tx.Amount))
		default:
			// Outflow on a credit instrument grows the debt.
			return current.Add(tx.Amount)
		}
	}

	switch tx.Direction {
	case domain.DirectionIncome:
		return current.Add(tx.Amount)
	case domain.DirectionExpense:
		return floorZero(current.Sub(tx.Amount))
	default:
		// Transfer: the source snapshot is unchanged; the destination leg is
		// handled separately when the account is known.
		return current
	}
}

func (r *Reconciler) recordTransferLeg(ctx context.Context, rc Context, tx *domain.Transaction) error {
	prev, err := r.store.LatestBalance(ctx, rc.BankName, tx.ToAccount)
	if err != nil {
		return fmt.Errorf("transfer destination lookup failed: %w", err)
	}
	if prev == nil {
		// Destination is not an account we track; nothing to credit.
		return nil
	}

	leg := &domain.AccountBalance{
		BankName:      rc.BankName,
		AccountLast4:  tx.ToAccount,
		Balance:       prev.Balance.Add(tx.Amount),
		RecordedAt:    tx.OccurredAt,
		TransactionID: &tx.ID,
		IsCreditCard:  prev.IsCreditCard,
		SourceExcerpt: excerpt(tx.RawSMS),
		Source:        domain.BalanceSourceTransaction,
		Currency:      tx.Currency,
	}
	if err := r.store.InsertBalance(ctx, leg); err != nil {
		return fmt.Errorf("failed to record transfer leg: %w", err)
	}
	return nil
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

const excerptLen = 120

// excerpt truncates on a rune boundary: bodies carry multi-byte currency
// symbols that a byte slice could split.
func excerpt(sms string) string {
	if len(sms) <= excerptLen {
		return sms
	}
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(sms[cut]) {
		cut--
	}
	return sms[:cut]
}
