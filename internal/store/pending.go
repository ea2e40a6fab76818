package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

const pendingColumns = `id, amount, direction, merchant, reference, account_last4,
	balance_after, credit_limit, body, sender, timestamp, bank_name, content_hash,
	from_card, currency, from_account, to_account, confidence, category, status,
	created_at, expires_at`

// InsertPending persists a pending transaction in the Pending state.
// Returns ErrDuplicatePending when an active pending row already holds the
// same content hash; the partial unique index makes this check atomic with
// the insert.
func (s *Store) InsertPending(ctx context.Context, p *domain.PendingTransaction) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_transactions (amount, direction, merchant, reference,
			account_last4, balance_after, credit_limit, body, sender, timestamp,
			bank_name, content_hash, from_card, currency, from_account, to_account,
			confidence, category, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		decStr(p.Parsed.Amount), string(p.Parsed.Direction), p.Parsed.Merchant, p.Parsed.Reference,
		p.Parsed.AccountLast4, decPtrStr(p.Parsed.BalanceAfter), decPtrStr(p.Parsed.CreditLimit),
		p.Parsed.Body, p.Parsed.Sender, p.Parsed.Timestamp,
		p.Parsed.BankName, p.Parsed.ContentHash, boolInt(p.Parsed.FromCard), p.Parsed.Currency,
		p.Parsed.FromAccount, p.Parsed.ToAccount,
		p.Parsed.Confidence, p.Category, string(domain.PendingStatusPending),
		millis(p.CreatedAt), millis(p.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicatePending
		}
		return 0, fmt.Errorf("failed to insert pending transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted pending id: %w", err)
	}
	p.ID = id
	p.Status = domain.PendingStatusPending
	return id, nil
}

// PendingByID returns a pending transaction by id, or ErrNotFound.
func (s *Store) PendingByID(ctx context.Context, id int64) (*domain.PendingTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_transactions WHERE id = ?`, id)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ActivePendingByHash returns the active (Pending) row with the given hash,
// or (nil, nil).
func (s *Store) ActivePendingByHash(ctx context.Context, hash string) (*domain.PendingTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_transactions WHERE content_hash = ? AND status = ?`,
		hash, string(domain.PendingStatusPending))
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// MarkPendingStatus transitions a row out of the Pending state. Terminal
// rows are never reopened: the guard is the WHERE clause, and a transition
// attempt on a finalized row returns ErrTerminalPending.
func (s *Store) MarkPendingStatus(ctx context.Context, id int64, status domain.PendingStatus) error {
	if !domain.ValidatePendingStatus(status) || status == domain.PendingStatusPending {
		return fmt.Errorf("invalid pending transition to %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_transactions SET status = ?
		WHERE id = ? AND status = ?`,
		string(status), id, string(domain.PendingStatusPending))
	if err != nil {
		return fmt.Errorf("failed to update pending status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.PendingByID(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminalPending
	}
	return nil
}

// ListActivePending returns all rows still awaiting a decision, oldest first.
func (s *Store) ListActivePending(ctx context.Context) ([]domain.PendingTransaction, error) {
	return s.queryPending(ctx,
		`SELECT `+pendingColumns+` FROM pending_transactions WHERE status = ? ORDER BY created_at, id`,
		string(domain.PendingStatusPending))
}

// CountActivePending returns the number of rows awaiting a decision.
func (s *Store) CountActivePending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_transactions WHERE status = ?`,
		string(domain.PendingStatusPending)).Scan(&n)
	return n, err
}

// ExpiredPending returns active rows whose expiry passed before now.
func (s *Store) ExpiredPending(ctx context.Context, now time.Time) ([]domain.PendingTransaction, error) {
	return s.queryPending(ctx,
		`SELECT `+pendingColumns+` FROM pending_transactions
		 WHERE status = ? AND expires_at < ? ORDER BY created_at, id`,
		string(domain.PendingStatusPending), millis(now))
}

// PurgeTerminalPendingBefore removes rows that reached a terminal state
// before the cutoff. Pending rows are never purged by this path.
func (s *Store) PurgeTerminalPendingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_transactions
		WHERE status != ? AND created_at < ?`,
		string(domain.PendingStatusPending), millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal pending rows: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryPending(ctx context.Context, query string, args ...any) ([]domain.PendingTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingTransaction
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPending(row rowScanner) (*domain.PendingTransaction, error) {
	var (
		p                        domain.PendingTransaction
		amountStr, direction     string
		balanceAfter, creditLim  sql.NullString
		fromCard                 int
		status                   string
		createdAt, expiresAt     int64
	)
	err := row.Scan(&p.ID, &amountStr, &direction, &p.Parsed.Merchant, &p.Parsed.Reference,
		&p.Parsed.AccountLast4, &balanceAfter, &creditLim, &p.Parsed.Body, &p.Parsed.Sender,
		&p.Parsed.Timestamp, &p.Parsed.BankName, &p.Parsed.ContentHash, &fromCard,
		&p.Parsed.Currency, &p.Parsed.FromAccount, &p.Parsed.ToAccount, &p.Parsed.Confidence,
		&p.Category, &status, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	if p.Parsed.Amount, err = scanDec(amountStr); err != nil {
		return nil, fmt.Errorf("corrupt amount on pending %d: %w", p.ID, err)
	}
	if p.Parsed.BalanceAfter, err = scanDecPtr(balanceAfter); err != nil {
		return nil, fmt.Errorf("corrupt balance on pending %d: %w", p.ID, err)
	}
	if p.Parsed.CreditLimit, err = scanDecPtr(creditLim); err != nil {
		return nil, fmt.Errorf("corrupt credit limit on pending %d: %w", p.ID, err)
	}
	p.Parsed.Direction = domain.Direction(direction)
	p.Parsed.FromCard = fromCard == 1
	p.Status = domain.PendingStatus(status)
	p.CreatedAt = fromMillis(createdAt)
	p.ExpiresAt = fromMillis(expiresAt)
	return &p, nil
}
