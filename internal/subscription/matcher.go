// Package subscription detects whether a transaction corresponds to a known
// recurring subscription. Matching is best-effort: it flags the transaction
// recurring and advances the subscription's next-payment date, but never
// blocks or fails the save.
package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// DefaultTolerancePercent is the amount-match window applied when a
// subscription does not configure its own.
var DefaultTolerancePercent = decimal.NewFromInt(5)

// Store is the persistence surface the matcher needs.
type Store interface {
	ActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	UpdateSubscriptionNextDue(ctx context.Context, id int64, nextDue time.Time) error
}

// Matcher matches transactions against known subscriptions.
type Matcher struct {
	store Store
	log   zerolog.Logger
}

// NewMatcher creates a subscription matcher.
func NewMatcher(store Store, log zerolog.Logger) *Matcher {
	return &Matcher{store: store, log: log}
}

// Match returns the subscription the transaction corresponds to, or nil.
// Any storage error is logged and reported as no match.
func (m *Matcher) Match(ctx context.Context, merchantName string, amount decimal.Decimal) *domain.Subscription {
	subs, err := m.store.ActiveSubscriptions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("subscription lookup failed, skipping match")
		return nil
	}

	for i := range subs {
		if matches(&subs[i], merchantName, amount) {
			return &subs[i]
		}
	}
	return nil
}

// Advance moves the subscription's next-payment date forward from the
// observed payment date. Errors are logged, not returned: a stale next-due
// date only affects future match quality, never the current save.
func (m *Matcher) Advance(ctx context.Context, sub *domain.Subscription, paidAt time.Time) {
	next := sub.NextAfter(paidAt)
	if err := m.store.UpdateSubscriptionNextDue(ctx, sub.ID, next); err != nil {
		m.log.Warn().Err(err).Int64("subscription", sub.ID).
			Msg("failed to advance subscription next-due date")
		return
	}
	sub.NextDueAt = next
}

func matches(sub *domain.Subscription, merchantName string, amount decimal.Decimal) bool {
	merchant := normalize(merchantName)
	pattern := normalize(sub.MerchantPattern)
	if merchant == "" || pattern == "" {
		return false
	}
	if merchant != pattern && !strings.Contains(merchant, pattern) && !strings.Contains(pattern, merchant) {
		return false
	}

	tolerance := sub.TolerancePercent
	if tolerance.IsZero() {
		tolerance = DefaultTolerancePercent
	}
	window := sub.Amount.Mul(tolerance).Div(decimal.NewFromInt(100))
	diff := amount.Sub(sub.Amount).Abs()
	return diff.LessThanOrEqual(window)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
