package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

const balanceColumns = `id, bank_name, account_last4, balance, credit_limit,
	recorded_at, transaction_id, is_credit_card, cashback_percent,
	source_excerpt, source, currency`

// InsertBalance appends a balance snapshot. Snapshots are never updated or
// deleted; the table is the account's history.
func (s *Store) InsertBalance(ctx context.Context, b *domain.AccountBalance) error {
	var txID sql.NullInt64
	if b.TransactionID != nil {
		txID = sql.NullInt64{Int64: *b.TransactionID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO account_balances (bank_name, account_last4, balance, credit_limit,
			recorded_at, transaction_id, is_credit_card, cashback_percent,
			source_excerpt, source, currency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BankName, b.AccountLast4, decStr(b.Balance), decPtrStr(b.CreditLimit),
		millis(b.RecordedAt), txID, boolInt(b.IsCreditCard), decPtrStr(b.CashbackPercent),
		b.SourceExcerpt, string(b.Source), b.Currency)
	if err != nil {
		return fmt.Errorf("failed to insert balance snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted snapshot id: %w", err)
	}
	b.ID = id
	return nil
}

// LatestBalance returns the snapshot with the latest RecordedAt for the
// (bank, account) pair, or (nil, nil). Latest-by-timestamp, not latest
// insertion: backfilled imports may write snapshots out of order.
func (s *Store) LatestBalance(ctx context.Context, bankName, accountLast4 string) (*domain.AccountBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM account_balances
		WHERE bank_name = ? AND account_last4 = ?
		ORDER BY recorded_at DESC, id DESC LIMIT 1`,
		bankName, accountLast4)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// LatestBalances returns the current snapshot of every known account.
func (s *Store) LatestBalances(ctx context.Context) ([]domain.AccountBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM account_balances ab
		WHERE id = (
			SELECT id FROM account_balances
			WHERE bank_name = ab.bank_name AND account_last4 = ab.account_last4
			ORDER BY recorded_at DESC, id DESC LIMIT 1
		)
		ORDER BY bank_name, account_last4`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// BalanceHistory returns all snapshots for an account, newest first.
func (s *Store) BalanceHistory(ctx context.Context, bankName, accountLast4 string) ([]domain.AccountBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM account_balances
		WHERE bank_name = ? AND account_last4 = ?
		ORDER BY recorded_at DESC, id DESC`,
		bankName, accountLast4)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance history: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// CardByLast4 returns the card for the (bank, last4) pair, or (nil, nil).
func (s *Store) CardByLast4(ctx context.Context, bankName, last4 string) (*domain.Card, error) {
	var (
		card   domain.Card
		typ    string
		cbPct  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bank_name, last4, type, linked_account_last4, cashback_percent
		FROM cards WHERE bank_name = ? AND last4 = ?`, bankName, last4).
		Scan(&card.ID, &card.BankName, &card.Last4, &typ, &card.LinkedAccountLast4, &cbPct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("card lookup failed: %w", err)
	}
	card.Type = domain.CardType(typ)
	if card.CashbackPercent, err = scanDecPtr(cbPct); err != nil {
		return nil, fmt.Errorf("corrupt cashback percent on card %d: %w", card.ID, err)
	}
	return &card, nil
}

// InsertCard creates a card record.
func (s *Store) InsertCard(ctx context.Context, card *domain.Card) error {
	if !domain.ValidateCardType(card.Type) {
		return fmt.Errorf("invalid card type %q", card.Type)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (bank_name, last4, type, linked_account_last4, cashback_percent)
		VALUES (?, ?, ?, ?, ?)`,
		card.BankName, card.Last4, string(card.Type), card.LinkedAccountLast4,
		decPtrStr(card.CashbackPercent))
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	card.ID = id
	return nil
}

func scanBalance(row rowScanner) (*domain.AccountBalance, error) {
	var (
		b                  domain.AccountBalance
		balanceStr, source string
		creditLim, cbPct   sql.NullString
		recordedAt         int64
		txID               sql.NullInt64
		isCredit           int
	)
	err := row.Scan(&b.ID, &b.BankName, &b.AccountLast4, &balanceStr, &creditLim,
		&recordedAt, &txID, &isCredit, &cbPct, &b.SourceExcerpt, &source, &b.Currency)
	if err != nil {
		return nil, err
	}

	if b.Balance, err = scanDec(balanceStr); err != nil {
		return nil, fmt.Errorf("corrupt balance on snapshot %d: %w", b.ID, err)
	}
	if b.CreditLimit, err = scanDecPtr(creditLim); err != nil {
		return nil, fmt.Errorf("corrupt credit limit on snapshot %d: %w", b.ID, err)
	}
	if b.CashbackPercent, err = scanDecPtr(cbPct); err != nil {
		return nil, fmt.Errorf("corrupt cashback percent on snapshot %d: %w", b.ID, err)
	}
	if txID.Valid {
		b.TransactionID = &txID.Int64
	}
	b.RecordedAt = fromMillis(recordedAt)
	b.IsCreditCard = isCredit == 1
	b.Source = domain.BalanceSource(source)
	return &b, nil
}
