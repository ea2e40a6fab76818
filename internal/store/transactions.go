package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/smsledger/internal/cashback"
	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

const transactionColumns = `id, amount, merchant, category, direction, occurred_at,
	description, raw_sms, bank_name, sender, account_last4, balance_after,
	content_hash, recurring, deleted, currency, from_account, to_account,
	cashback_percent, cashback_amount, created_at`

// InsertTransaction persists a ledger transaction and returns its id.
// Returns ErrDuplicateHash when the content hash already exists, whether the
// existing row is deleted or not.
func (s *Store) InsertTransaction(ctx context.Context, tx *domain.Transaction) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (amount, merchant, category, direction, occurred_at,
			description, raw_sms, bank_name, sender, account_last4, balance_after,
			content_hash, recurring, deleted, currency, from_account, to_account,
			cashback_percent, cashback_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		decStr(tx.Amount), tx.Merchant, tx.Category, string(tx.Direction), millis(tx.OccurredAt),
		tx.Description, tx.RawSMS, tx.BankName, tx.Sender, tx.AccountLast4, decPtrStr(tx.BalanceAfter),
		tx.ContentHash, boolInt(tx.Recurring), boolInt(tx.Deleted), tx.Currency, tx.FromAccount, tx.ToAccount,
		decPtrStr(tx.CashbackPercent), decPtrStr(tx.CashbackAmount), millis(time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateHash
		}
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted transaction id: %w", err)
	}
	tx.ID = id
	return id, nil
}

// TransactionByHash returns the ledger transaction with the given content
// hash, including soft-deleted rows, or (nil, nil) when none exists. The
// caller uses the Deleted flag to distinguish a plain duplicate from a
// previously-deleted transaction.
func (s *Store) TransactionByHash(ctx context.Context, hash string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE content_hash = ?`, hash)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

// TransactionByID returns a transaction by id, or ErrNotFound.
func (s *Store) TransactionByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// ListTransactions returns non-deleted transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE deleted = 0 ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// UpdateTransactionCategory corrects the category of a stored transaction.
func (s *Store) UpdateTransactionCategory(ctx context.Context, id int64, category string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET category = ? WHERE id = ? AND deleted = 0`, category, id)
	if err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteTransaction marks a transaction deleted. The row keeps its
// content hash, so a replay of the source SMS reports "previously deleted"
// instead of resurrecting it.
func (s *Store) SoftDeleteTransaction(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeTransaction hard-deletes a row. The only path that ever removes a
// transaction from the table; normal deletion is the soft variant above.
func (s *Store) PurgeTransaction(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rule_applications WHERE transaction_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to purge rule applications: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge transaction: %w", err)
	}
	return nil
}

// BackfillCashback sets cashback on all non-deleted expense transactions for
// the (bank, account) pair that have none recorded (NULL or zero). Amounts
// are computed per row at 2-decimal half-up. Bank names match
// case-insensitively; rows with no stored account number match any account.
func (s *Store) BackfillCashback(ctx context.Context, bankName, accountLast4 string, percent decimal.Decimal) (int64, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin backfill: %w", err)
	}
	defer dbTx.Rollback()

	rows, err := dbTx.QueryContext(ctx, `
		SELECT id, amount FROM transactions
		WHERE deleted = 0
		  AND direction = ?
		  AND lower(bank_name) = lower(?)
		  AND (account_last4 = ? OR account_last4 = '')
		  AND (cashback_amount IS NULL OR cashback_amount = '0' OR cashback_amount = '0.00')`,
		string(domain.DirectionExpense), bankName, accountLast4)
	if err != nil {
		return 0, fmt.Errorf("failed to select backfill candidates: %w", err)
	}

	type candidate struct {
		id     int64
		amount decimal.Decimal
	}
	var candidates []candidate
	for rows.Next() {
		var id int64
		var amountStr string
		if err := rows.Scan(&id, &amountStr); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan backfill candidate: %w", err)
		}
		amount, err := scanDec(amountStr)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("corrupt amount on transaction %d: %w", id, err)
		}
		candidates = append(candidates, candidate{id: id, amount: amount})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var updated int64
	for _, c := range candidates {
		amount := cashback.Compute(c.amount, percent)
		if _, err := dbTx.ExecContext(ctx,
			`UPDATE transactions SET cashback_percent = ?, cashback_amount = ? WHERE id = ?`,
			decStr(percent), decStr(amount), c.id); err != nil {
			return 0, fmt.Errorf("failed to backfill transaction %d: %w", c.id, err)
		}
		updated++
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit backfill: %w", err)
	}
	return updated, nil
}

// InsertRuleApplications records the audit rows for rules applied to a saved
// transaction. Called only after the transaction exists, so a blocked or
// failed save leaves no orphaned audit rows.
func (s *Store) InsertRuleApplications(ctx context.Context, transactionID int64, apps []domain.RuleApplication) error {
	for _, app := range apps {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO rule_applications (rule_id, rule_name, transaction_id, applied_at)
			VALUES (?, ?, ?, ?)`,
			app.RuleID, app.RuleName, transactionID, millis(app.AppliedAt)); err != nil {
			return fmt.Errorf("failed to record rule application %q: %w", app.RuleName, err)
		}
	}
	return nil
}

// RuleApplicationsFor returns the audit rows for a transaction.
func (s *Store) RuleApplicationsFor(ctx context.Context, transactionID int64) ([]domain.RuleApplication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, rule_name, transaction_id, applied_at
		FROM rule_applications WHERE transaction_id = ? ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule applications: %w", err)
	}
	defer rows.Close()

	var out []domain.RuleApplication
	for rows.Next() {
		var app domain.RuleApplication
		var appliedAt int64
		if err := rows.Scan(&app.ID, &app.RuleID, &app.RuleName, &app.TransactionID, &appliedAt); err != nil {
			return nil, err
		}
		app.AppliedAt = fromMillis(appliedAt)
		out = append(out, app)
	}
	return out, rows.Err()
}

// CountRuleApplications returns the total number of audit rows. Used by
// tests asserting that blocked saves leave none behind.
func (s *Store) CountRuleApplications(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_applications`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx                           domain.Transaction
		amountStr, direction         string
		occurredAt, createdAt        int64
		balanceAfter, cbPct, cbAmt   sql.NullString
		recurring, deleted           int
	)
	err := row.Scan(&tx.ID, &amountStr, &tx.Merchant, &tx.Category, &direction, &occurredAt,
		&tx.Description, &tx.RawSMS, &tx.BankName, &tx.Sender, &tx.AccountLast4, &balanceAfter,
		&tx.ContentHash, &recurring, &deleted, &tx.Currency, &tx.FromAccount, &tx.ToAccount,
		&cbPct, &cbAmt, &createdAt)
	if err != nil {
		return nil, err
	}

	if tx.Amount, err = scanDec(amountStr); err != nil {
		return nil, fmt.Errorf("corrupt amount on transaction %d: %w", tx.ID, err)
	}
	if tx.BalanceAfter, err = scanDecPtr(balanceAfter); err != nil {
		return nil, fmt.Errorf("corrupt balance on transaction %d: %w", tx.ID, err)
	}
	if tx.CashbackPercent, err = scanDecPtr(cbPct); err != nil {
		return nil, fmt.Errorf("corrupt cashback percent on transaction %d: %w", tx.ID, err)
	}
	if tx.CashbackAmount, err = scanDecPtr(cbAmt); err != nil {
		return nil, fmt.Errorf("corrupt cashback amount on transaction %d: %w", tx.ID, err)
	}
	tx.Direction = domain.Direction(direction)
	tx.OccurredAt = fromMillis(occurredAt)
	tx.CreatedAt = fromMillis(createdAt)
	tx.Recurring = recurring == 1
	tx.Deleted = deleted == 1
	return &tx, nil
}
