package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// ActiveRules returns the active rules applicable to a transaction
// direction (rules with no direction apply to all), priority descending.
func (s *Store) ActiveRules(ctx context.Context, direction domain.Direction) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, active, direction, merchant_pattern, merchant_match,
			body_pattern, amount_condition, amount_value, amount_max, action, action_value
		FROM rules
		WHERE active = 1 AND (direction = '' OR direction = ?)
		ORDER BY priority DESC, id`,
		string(direction))
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		var (
			r                     domain.Rule
			active                int
			dir, match, cond, act string
			amtVal, amtMax        sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &active, &dir, &r.MerchantPattern,
			&match, &r.BodyPattern, &cond, &amtVal, &amtMax, &act, &r.ActionValue); err != nil {
			return nil, err
		}
		r.Active = active == 1
		r.Direction = domain.Direction(dir)
		r.MerchantMatch = domain.MatchType(match)
		r.AmountCondition = domain.AmountCondition(cond)
		r.Action = domain.RuleAction(act)
		if r.AmountValue, err = scanDecPtr(amtVal); err != nil {
			return nil, fmt.Errorf("corrupt amount value on rule %d: %w", r.ID, err)
		}
		if r.AmountMax, err = scanDecPtr(amtMax); err != nil {
			return nil, fmt.Errorf("corrupt amount max on rule %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRule persists a rule after validating it.
func (s *Store) InsertRule(ctx context.Context, r *domain.Rule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (name, priority, active, direction, merchant_pattern,
			merchant_match, body_pattern, amount_condition, amount_value, amount_max,
			action, action_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Priority, boolInt(r.Active), string(r.Direction), r.MerchantPattern,
		string(r.MerchantMatch), r.BodyPattern, string(r.AmountCondition),
		decPtrStr(r.AmountValue), decPtrStr(r.AmountMax), string(r.Action), r.ActionValue)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// SeedRules inserts rules that do not already exist by name. Used to load
// the embedded defaults without clobbering user edits.
func (s *Store) SeedRules(ctx context.Context, rules []domain.Rule) (int, error) {
	inserted := 0
	for i := range rules {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rules WHERE name = ?`, rules[i].Name).Scan(&exists)
		if err != nil {
			return inserted, fmt.Errorf("failed to check rule %q: %w", rules[i].Name, err)
		}
		if exists > 0 {
			continue
		}
		if _, err := s.InsertRule(ctx, &rules[i]); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// ActiveSubscriptions returns all active subscriptions.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, merchant_pattern, amount, tolerance_percent, cadence, next_due_at, active
		FROM subscriptions WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		var (
			sub            domain.Subscription
			amountStr, tol string
			cadence        string
			nextDue        int64
			active         int
		)
		if err := rows.Scan(&sub.ID, &sub.MerchantPattern, &amountStr, &tol, &cadence, &nextDue, &active); err != nil {
			return nil, err
		}
		if sub.Amount, err = scanDec(amountStr); err != nil {
			return nil, fmt.Errorf("corrupt amount on subscription %d: %w", sub.ID, err)
		}
		if sub.TolerancePercent, err = scanDec(tol); err != nil {
			return nil, fmt.Errorf("corrupt tolerance on subscription %d: %w", sub.ID, err)
		}
		sub.Cadence = domain.Cadence(cadence)
		sub.NextDueAt = fromMillis(nextDue)
		sub.Active = active == 1
		out = append(out, sub)
	}
	return out, rows.Err()
}

// InsertSubscription persists a subscription.
func (s *Store) InsertSubscription(ctx context.Context, sub *domain.Subscription) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (merchant_pattern, amount, tolerance_percent, cadence, next_due_at, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sub.MerchantPattern, decStr(sub.Amount), decStr(sub.TolerancePercent),
		string(sub.Cadence), millis(sub.NextDueAt), boolInt(sub.Active))
	if err != nil {
		return 0, fmt.Errorf("failed to insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	sub.ID = id
	return id, nil
}

// UpdateSubscriptionNextDue advances a subscription's next expected payment.
func (s *Store) UpdateSubscriptionNextDue(ctx context.Context, id int64, nextDue time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET next_due_at = ? WHERE id = ?`, millis(nextDue), id)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
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

// MerchantCategory returns the exact, case-sensitive category override.
func (s *Store) MerchantCategory(ctx context.Context, merchant string) (string, bool, error) {
	var category string
	err := s.db.QueryRowContext(ctx,
		`SELECT category FROM merchant_mappings WHERE merchant = ?`, merchant).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("merchant category lookup failed: %w", err)
	}
	return category, true, nil
}

// MerchantAlias returns the case-insensitive display-name alias.
func (s *Store) MerchantAlias(ctx context.Context, merchant string) (string, bool, error) {
	var display string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM merchant_aliases WHERE merchant_lower = ?`,
		strings.ToLower(merchant)).Scan(&display)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("merchant alias lookup failed: %w", err)
	}
	return display, true, nil
}

// UpsertMerchantMapping sets the category override for a merchant.
func (s *Store) UpsertMerchantMapping(ctx context.Context, merchant, category string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_mappings (merchant, category) VALUES (?, ?)
		ON CONFLICT(merchant) DO UPDATE SET category = excluded.category`,
		merchant, category)
	if err != nil {
		return fmt.Errorf("failed to upsert merchant mapping: %w", err)
	}
	return nil
}

// UpsertMerchantAlias sets the display-name alias for a merchant.
func (s *Store) UpsertMerchantAlias(ctx context.Context, merchant, display string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_aliases (merchant_lower, display_name) VALUES (?, ?)
		ON CONFLICT(merchant_lower) DO UPDATE SET display_name = excluded.display_name`,
		strings.ToLower(merchant), display)
	if err != nil {
		return fmt.Errorf("failed to upsert merchant alias: %w", err)
	}
	return nil
}

// CashbackRates returns the rates configured for a (bank, account) pair,
// card-specific rates first so callers can take the first positive one.
func (s *Store) CashbackRates(ctx context.Context, bankName, accountLast4 string) ([]domain.CashbackRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bank_name, account_last4, is_card, percent FROM cashback_rates
		WHERE lower(bank_name) = lower(?) AND (account_last4 = ? OR account_last4 = '')
		ORDER BY is_card DESC, account_last4 DESC`,
		bankName, accountLast4)
	if err != nil {
		return nil, fmt.Errorf("failed to load cashback rates: %w", err)
	}
	defer rows.Close()

	var out []domain.CashbackRate
	for rows.Next() {
		var (
			r          domain.CashbackRate
			isCard     int
			percentStr string
		)
		if err := rows.Scan(&r.ID, &r.BankName, &r.AccountLast4, &isCard, &percentStr); err != nil {
			return nil, err
		}
		if r.Percent, err = scanDec(percentStr); err != nil {
			return nil, fmt.Errorf("corrupt percent on cashback rate %d: %w", r.ID, err)
		}
		r.IsCard = isCard == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertCashbackRate sets the default cashback percent for an account or card.
func (s *Store) UpsertCashbackRate(ctx context.Context, r *domain.CashbackRate) error {
	if !r.Percent.IsPositive() {
		return fmt.Errorf("cashback percent must be positive, got %s", r.Percent)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cashback_rates (bank_name, account_last4, is_card, percent)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bank_name, account_last4, is_card) DO UPDATE SET percent = excluded.percent`,
		r.BankName, r.AccountLast4, boolInt(r.IsCard), decStr(r.Percent))
	if err != nil {
		return fmt.Errorf("failed to upsert cashback rate: %w", err)
	}
	return nil
}
