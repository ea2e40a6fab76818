package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testTransaction(hash string) *domain.Transaction {
	return &domain.Transaction{
		Amount:       dec("1299"),
		Merchant:     "Amazon",
		Category:     "Shopping",
		Direction:    domain.DirectionExpense,
		OccurredAt:   time.Date(2025, 1, 5, 10, 30, 0, 0, time.UTC),
		RawSMS:       "Rs.1299 spent",
		BankName:     "HDFC Bank",
		Sender:       "HDFCBK",
		AccountLast4: "1234",
		ContentHash:  hash,
		Currency:     "INR",
	}
}

func testPending(hash string) *domain.PendingTransaction {
	now := time.Date(2025, 1, 5, 10, 30, 0, 0, time.UTC)
	return &domain.PendingTransaction{
		Parsed: domain.ParsedTransaction{
			Amount:      dec("500"),
			Direction:   domain.DirectionExpense,
			Merchant:    "Swiggy",
			Body:        "Rs.500 spent",
			Sender:      "HDFCBK",
			Timestamp:   now.UnixMilli(),
			ContentHash: hash,
			Confidence:  1.0,
		},
		Category:  "Food",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestInsertTransactionUniqueHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertTransaction(ctx, testTransaction("hash-1"))
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = s.InsertTransaction(ctx, testTransaction("hash-1"))
	assert.ErrorIs(t, err, ErrDuplicateHash)

	_, err = s.InsertTransaction(ctx, testTransaction("hash-2"))
	assert.NoError(t, err)
}

func TestSoftDeleteRetainsHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertTransaction(ctx, testTransaction("hash-1"))
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteTransaction(ctx, id))

	// The hash still blocks re-insertion.
	_, err = s.InsertTransaction(ctx, testTransaction("hash-1"))
	assert.ErrorIs(t, err, ErrDuplicateHash)

	// Lookup by hash finds the deleted row with the flag set.
	found, err := s.TransactionByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Deleted)

	// But the list hides it.
	list, err := s.ListTransactions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Double delete reports not found.
	assert.ErrorIs(t, s.SoftDeleteTransaction(ctx, id), ErrNotFound)
}

func TestPurgeTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertTransaction(ctx, testTransaction("hash-1"))
	require.NoError(t, err)
	require.NoError(t, s.PurgeTransaction(ctx, id))

	found, err := s.TransactionByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Nil(t, found, "purge is the hard delete; the hash is gone")

	_, err = s.InsertTransaction(ctx, testTransaction("hash-1"))
	assert.NoError(t, err, "hash reusable after purge")
}

func TestTransactionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testTransaction("hash-rt")
	balance := dec("45678.90")
	in.BalanceAfter = &balance
	pct := dec("1.5")
	amt := dec("19.49")
	in.CashbackPercent, in.CashbackAmount = &pct, &amt
	in.Recurring = true

	id, err := s.InsertTransaction(ctx, in)
	require.NoError(t, err)

	out, err := s.TransactionByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Amount.Equal(in.Amount))
	assert.Equal(t, in.Merchant, out.Merchant)
	assert.Equal(t, in.OccurredAt, out.OccurredAt)
	require.NotNil(t, out.BalanceAfter)
	assert.True(t, out.BalanceAfter.Equal(balance))
	assert.True(t, out.CashbackPercent.Equal(pct))
	assert.True(t, out.Recurring)
	assert.Equal(t, time.UTC, out.OccurredAt.Location())

	_, err = s.TransactionByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingActiveUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertPending(ctx, testPending("phash-1"))
	require.NoError(t, err)

	// A second active row with the same hash is rejected by the partial index.
	_, err = s.InsertPending(ctx, testPending("phash-1"))
	assert.ErrorIs(t, err, ErrDuplicatePending)

	// Once the first row is terminal, the hash may be admitted again.
	require.NoError(t, s.MarkPendingStatus(ctx, id, domain.PendingStatusRejected))
	_, err = s.InsertPending(ctx, testPending("phash-1"))
	assert.NoError(t, err)
}

func TestMarkPendingStatusTerminalGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertPending(ctx, testPending("phash-1"))
	require.NoError(t, err)

	require.NoError(t, s.MarkPendingStatus(ctx, id, domain.PendingStatusConfirmed))

	// Terminal rows never transition again.
	err = s.MarkPendingStatus(ctx, id, domain.PendingStatusRejected)
	assert.ErrorIs(t, err, ErrTerminalPending)

	row, err := s.PendingByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusConfirmed, row.Status)

	// Unknown ids are distinguishable from terminal ones.
	err = s.MarkPendingStatus(ctx, 9999, domain.PendingStatusRejected)
	assert.ErrorIs(t, err, ErrNotFound)

	// Pending is not a valid transition target.
	assert.Error(t, s.MarkPendingStatus(ctx, id, domain.PendingStatusPending))
}

func TestExpiredPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := testPending("phash-fresh")
	_, err := s.InsertPending(ctx, fresh)
	require.NoError(t, err)

	stale := testPending("phash-stale")
	stale.ExpiresAt = stale.CreatedAt.Add(-time.Hour)
	_, err = s.InsertPending(ctx, stale)
	require.NoError(t, err)

	expired, err := s.ExpiredPending(ctx, fresh.CreatedAt)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "phash-stale", expired[0].Parsed.ContentHash)
}

func TestPurgeTerminalPendingBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldTerminal := testPending("phash-old")
	oldTerminal.CreatedAt = time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	id, err := s.InsertPending(ctx, oldTerminal)
	require.NoError(t, err)
	require.NoError(t, s.MarkPendingStatus(ctx, id, domain.PendingStatusAutoSaved))

	oldActive := testPending("phash-active")
	oldActive.CreatedAt = time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.InsertPending(ctx, oldActive)
	require.NoError(t, err)

	purged, err := s.PurgeTerminalPendingBefore(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	n, err := s.CountActivePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "active rows survive cleanup regardless of age")
}

func TestLatestBalanceByRecordedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Inserted out of order: the later RecordedAt must win, not the later
	// insertion.
	older := &domain.AccountBalance{
		BankName: "HDFC Bank", AccountLast4: "1234", Balance: dec("100"),
		RecordedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:     domain.BalanceSourceTransaction,
	}
	newer := &domain.AccountBalance{
		BankName: "HDFC Bank", AccountLast4: "1234", Balance: dec("900"),
		RecordedAt: time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
		Source:     domain.BalanceSourceTransaction,
	}
	require.NoError(t, s.InsertBalance(ctx, newer))
	require.NoError(t, s.InsertBalance(ctx, older))

	latest, err := s.LatestBalance(ctx, "HDFC Bank", "1234")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Balance.Equal(dec("900")))

	missing, err := s.LatestBalance(ctx, "HDFC Bank", "0000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLatestBalancesOnePerAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, b := range []*domain.AccountBalance{
		{BankName: "HDFC Bank", AccountLast4: "1234", Balance: dec("100"),
			RecordedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Source: domain.BalanceSourceTransaction},
		{BankName: "HDFC Bank", AccountLast4: "1234", Balance: dec("200"),
			RecordedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), Source: domain.BalanceSourceTransaction},
		{BankName: "SBI", AccountLast4: "9999", Balance: dec("50"),
			RecordedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Source: domain.BalanceSourceManual},
	} {
		require.NoError(t, s.InsertBalance(ctx, b))
	}

	latest, err := s.LatestBalances(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	byAccount := make(map[string]decimal.Decimal)
	for _, b := range latest {
		byAccount[b.BankName+"|"+b.AccountLast4] = b.Balance
	}
	assert.True(t, byAccount["HDFC Bank|1234"].Equal(dec("200")))
	assert.True(t, byAccount["SBI|9999"].Equal(dec("50")))
}

func TestBackfillCashbackTouchesOnlyUnsetRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Eligible: expense, no cashback.
	plain := testTransaction("bf-1")
	_, err := s.InsertTransaction(ctx, plain)
	require.NoError(t, err)

	// Not eligible: cashback already recorded.
	pct := dec("5")
	amt := dec("64.95")
	withCb := testTransaction("bf-2")
	withCb.CashbackPercent, withCb.CashbackAmount = &pct, &amt
	_, err = s.InsertTransaction(ctx, withCb)
	require.NoError(t, err)

	// Not eligible: income.
	income := testTransaction("bf-3")
	income.Direction = domain.DirectionIncome
	_, err = s.InsertTransaction(ctx, income)
	require.NoError(t, err)

	// Not eligible: soft-deleted.
	deleted := testTransaction("bf-4")
	delID, err := s.InsertTransaction(ctx, deleted)
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteTransaction(ctx, delID))

	// Not eligible: different bank.
	other := testTransaction("bf-5")
	other.BankName = "SBI"
	_, err = s.InsertTransaction(ctx, other)
	require.NoError(t, err)

	updated, err := s.BackfillCashback(ctx, "hdfc bank", "1234", dec("1.5"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated, "exactly the one unset eligible row")

	got, err := s.TransactionByID(ctx, plain.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CashbackAmount)
	assert.True(t, got.CashbackAmount.Equal(dec("19.49")), "1299 * 1.5% = 19.485 -> 19.49")

	unchanged, err := s.TransactionByID(ctx, withCb.ID)
	require.NoError(t, err)
	assert.True(t, unchanged.CashbackAmount.Equal(amt))

	// Rerun is a no-op.
	updated, err = s.BackfillCashback(ctx, "HDFC Bank", "1234", dec("1.5"))
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestRuleApplications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertTransaction(ctx, testTransaction("ra-1"))
	require.NoError(t, err)

	apps := []domain.RuleApplication{
		{RuleID: 1, RuleName: "rename", AppliedAt: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)},
		{RuleID: 2, RuleName: "categorize", AppliedAt: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, s.InsertRuleApplications(ctx, id, apps))

	got, err := s.RuleApplicationsFor(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "rename", got[0].RuleName)
	assert.Equal(t, id, got[0].TransactionID)
}

func TestSeedRulesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []domain.Rule{
		{Name: "block atm", Priority: 50, Active: true, Action: domain.RuleActionBlock,
			MerchantMatch: domain.MatchTypeContains, AmountCondition: domain.AmountAny},
		{Name: "netflix recurring", Priority: 10, Active: true, Action: domain.RuleActionMarkRecurring,
			MerchantPattern: "netflix", MerchantMatch: domain.MatchTypeContains,
			AmountCondition: domain.AmountAny},
	}

	added, err := s.SeedRules(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = s.SeedRules(ctx, seed)
	require.NoError(t, err)
	assert.Zero(t, added, "existing names are skipped")

	rules, err := s.ActiveRules(ctx, domain.DirectionExpense)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestActiveRulesDirectionFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []domain.Rule{
		{Name: "any", Active: true, Action: domain.RuleActionBlock,
			MerchantMatch: domain.MatchTypeContains, AmountCondition: domain.AmountAny},
		{Name: "income only", Active: true, Direction: domain.DirectionIncome,
			Action: domain.RuleActionBlock, MerchantMatch: domain.MatchTypeContains,
			AmountCondition: domain.AmountAny},
	} {
		rule := r
		_, err := s.InsertRule(ctx, &rule)
		require.NoError(t, err)
	}

	expense, err := s.ActiveRules(ctx, domain.DirectionExpense)
	require.NoError(t, err)
	assert.Len(t, expense, 1, "direction-less rules plus matching direction")

	income, err := s.ActiveRules(ctx, domain.DirectionIncome)
	require.NoError(t, err)
	assert.Len(t, income, 2)
}

func TestMerchantMappingAndAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMerchantMapping(ctx, "AMZN MKTP", "Shopping"))
	require.NoError(t, s.UpsertMerchantMapping(ctx, "AMZN MKTP", "Gifts"))

	category, ok, err := s.MerchantCategory(ctx, "AMZN MKTP")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Gifts", category, "upsert replaced the category")

	_, ok, err = s.MerchantCategory(ctx, "amzn mktp")
	require.NoError(t, err)
	assert.False(t, ok, "mapping lookup is case-sensitive")

	require.NoError(t, s.UpsertMerchantAlias(ctx, "AMZN MKTP IN", "Amazon"))
	display, ok, err := s.MerchantAlias(ctx, "amzn mktp in")
	require.NoError(t, err)
	assert.True(t, ok, "alias lookup is case-insensitive")
	assert.Equal(t, "Amazon", display)
}

func TestCashbackRatesPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []domain.CashbackRate{
		{BankName: "HDFC Bank", AccountLast4: "", Percent: dec("1")},
		{BankName: "HDFC Bank", AccountLast4: "1234", IsCard: true, Percent: dec("5")},
		{BankName: "HDFC Bank", AccountLast4: "1234", Percent: dec("2")},
	} {
		rate := r
		require.NoError(t, s.UpsertCashbackRate(ctx, &rate))
	}

	rates, err := s.CashbackRates(ctx, "hdfc bank", "1234")
	require.NoError(t, err)
	require.Len(t, rates, 3)
	assert.True(t, rates[0].IsCard, "card rates come first")
	assert.True(t, rates[0].Percent.Equal(dec("5")))

	// Unknown account still sees the bank-wide wildcard rate.
	rates, err = s.CashbackRates(ctx, "HDFC Bank", "9999")
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.True(t, rates[0].Percent.Equal(dec("1")))
}

func TestSubscriptionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	id, err := s.InsertSubscription(ctx, &domain.Subscription{
		MerchantPattern: "Netflix", Amount: dec("649"),
		TolerancePercent: dec("5"), Cadence: domain.CadenceMonthly,
		NextDueAt: due, Active: true,
	})
	require.NoError(t, err)

	subs, err := s.ActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, due, subs[0].NextDueAt)

	next := due.AddDate(0, 1, 0)
	require.NoError(t, s.UpdateSubscriptionNextDue(ctx, id, next))

	subs, err = s.ActiveSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, subs[0].NextDueAt)
}
