// Package processor is the single save pipeline every entry point funnels
// through: live SMS receipt, bulk import, pending confirmation and the
// auto-save sweep all call Process with the same semantics.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/smsledger/internal/balance"
	"github.com/rumor-ml/commons.systems/smsledger/internal/cashback"
	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
	"github.com/rumor-ml/commons.systems/smsledger/internal/identity"
	"github.com/rumor-ml/commons.systems/smsledger/internal/merchant"
	"github.com/rumor-ml/commons.systems/smsledger/internal/metrics"
	"github.com/rumor-ml/commons.systems/smsledger/internal/rules"
	"github.com/rumor-ml/commons.systems/smsledger/internal/store"
	"github.com/rumor-ml/commons.systems/smsledger/internal/subscription"
)

// Options tunes a single Process call.
type Options struct {
	// SkipDuplicateCheck bypasses the explicit hash lookup. The storage
	// unique constraint still applies; a collision surfaces as Duplicate.
	SkipDuplicateCheck bool

	// PreserveUserCategory keeps the category the user already chose
	// (carried in Category) instead of re-running merchant mapping.
	PreserveUserCategory bool

	// Category is the user-chosen category honored by PreserveUserCategory.
	Category string

	// CashbackOverride, when set, wins over any configured default rate.
	CashbackOverride *decimal.Decimal
}

// Result is the outcome of one pipeline run. Exactly one of the four
// variants is returned; callers must handle all of them.
type Result interface {
	isResult()
}

// Success reports a persisted ledger transaction.
type Success struct {
	TransactionID       int64
	CashbackPercent     *decimal.Decimal
	CashbackAmount      *decimal.Decimal
	SubscriptionMatched bool
	AppliedRules        []string
}

// Blocked reports that a user rule vetoed the save. No writes occurred.
type Blocked struct {
	RuleName string
	Reason   string
}

// Duplicate reports a content-hash collision against the ledger.
type Duplicate struct {
	ExistingID        int64
	PreviouslyDeleted bool
	Reason            string
}

// Failure reports an unexpected error. The pipeline never panics and never
// propagates raw errors: background workers have no UI to crash into.
type Failure struct {
	Message string
}

func (Success) isResult()   {}
func (Blocked) isResult()   {}
func (Duplicate) isResult() {}
func (Failure) isResult()   {}

// Processor orchestrates the ordered save pipeline.
type Processor struct {
	store     *store.Store
	merchants *merchant.Resolver
	cashback  *cashback.Calculator
	balances  *balance.Reconciler
	subs      *subscription.Matcher
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New creates a processor. All collaborators are injected; the processor
// holds no global state.
func New(st *store.Store, merchants *merchant.Resolver, cb *cashback.Calculator,
	balances *balance.Reconciler, subs *subscription.Matcher, m *metrics.Metrics, log zerolog.Logger) *Processor {
	return &Processor{
		store:     st,
		merchants: merchants,
		cashback:  cb,
		balances:  balances,
		subs:      subs,
		metrics:   m,
		log:       log,
	}
}

// Process runs the full save pipeline for a parsed transaction:
// duplicate check, merchant mapping, rule block/transform, subscription
// match, cashback, persist, balance reconciliation, rule audit.
//
// Any panic or storage error is converted into Failure; the call never
// crashes its caller.
func (p *Processor) Process(ctx context.Context, parsed *domain.ParsedTransaction, opts Options) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("sender", parsed.Sender).
				Msg("pipeline panicked")
			result = Failure{Message: fmt.Sprintf("internal error: %v", r)}
		}
		p.count(result)
	}()

	hash := parsed.ContentHash
	if hash == "" {
		hash = identity.ComputeHash(parsed.Sender, parsed.Amount, parsed.Timestamp, parsed.Body)
	}

	// Step 1: duplicate check.
	if !opts.SkipDuplicateCheck {
		existing, err := p.store.TransactionByHash(ctx, hash)
		if err != nil {
			return Failure{Message: fmt.Sprintf("duplicate check failed: %v", err)}
		}
		if existing != nil {
			return duplicateOf(existing)
		}
	}

	tx := p.buildTransaction(parsed, hash)

	// Step 2: merchant mapping, unless the user already chose a category.
	if opts.PreserveUserCategory && opts.Category != "" {
		tx.Category = opts.Category
	} else {
		category, _, err := p.merchants.CategoryFor(ctx, parsed.Merchant, parsed.Direction)
		if err != nil {
			return Failure{Message: fmt.Sprintf("merchant mapping failed: %v", err)}
		}
		tx.Category = category
	}

	display, err := p.merchants.DisplayName(ctx, parsed.Merchant)
	if err != nil {
		return Failure{Message: fmt.Sprintf("merchant alias lookup failed: %v", err)}
	}
	if display != "" {
		tx.Merchant = display
	}

	// Steps 3-5: rules. A block aborts before any write.
	activeRules, err := p.store.ActiveRules(ctx, tx.Direction)
	if err != nil {
		return Failure{Message: fmt.Sprintf("rule lookup failed: %v", err)}
	}
	if blocker := rules.ShouldBlock(tx, parsed.Body, activeRules); blocker != nil {
		return Blocked{
			RuleName: blocker.Name,
			Reason:   fmt.Sprintf("blocked by rule %q", blocker.Name),
		}
	}
	applied := rules.Evaluate(tx, parsed.Body, activeRules)

	// Subscription match: best-effort, never fails the save.
	var subMatched bool
	if sub := p.subs.Match(ctx, tx.Merchant, tx.Amount); sub != nil {
		tx.Recurring = true
		subMatched = true
		p.subs.Advance(ctx, sub, tx.OccurredAt)
	}

	// Step 6: cashback; an explicit override wins over the computed default.
	if opts.CashbackOverride != nil && opts.CashbackOverride.IsPositive() {
		pct := *opts.CashbackOverride
		amt := cashback.Compute(tx.Amount, pct)
		tx.CashbackPercent, tx.CashbackAmount = &pct, &amt
	} else {
		est, err := p.cashback.Estimate(ctx, tx)
		if err != nil {
			return Failure{Message: fmt.Sprintf("cashback estimate failed: %v", err)}
		}
		if est != nil {
			tx.CashbackPercent, tx.CashbackAmount = &est.Percent, &est.Amount
		}
	}

	// Step 7: persist. The unique constraint is the last line of defense
	// against a concurrent save of the same SMS.
	id, err := p.store.InsertTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			existing, lookupErr := p.store.TransactionByHash(ctx, hash)
			if lookupErr != nil || existing == nil {
				return Failure{Message: "duplicate detected but original not found"}
			}
			return duplicateOf(existing)
		}
		return Failure{Message: fmt.Sprintf("failed to persist transaction: %v", err)}
	}

	// Step 8: balance reconciliation from the captured account context.
	if parsed.BankName != "" && parsed.AccountLast4 != "" {
		rc := balance.Context{
			BankName:      parsed.BankName,
			AccountLast4:  parsed.AccountLast4,
			StatedBalance: parsed.BalanceAfter,
			CreditLimit:   parsed.CreditLimit,
			FromCard:      parsed.FromCard,
			Currency:      parsed.Currency,
		}
		if _, err := p.balances.Reconcile(ctx, rc, tx); err != nil {
			// The transaction is saved; a failed snapshot must not undo it.
			p.log.Warn().Err(err).Int64("transaction", id).
				Msg("balance reconciliation failed")
		}
	}

	// Step 9: rule audit rows, now that a transaction id exists.
	if len(applied) > 0 {
		if err := p.store.InsertRuleApplications(ctx, id, applied); err != nil {
			p.log.Warn().Err(err).Int64("transaction", id).
				Msg("failed to record rule applications")
		}
	}

	names := make([]string, len(applied))
	for i, app := range applied {
		names[i] = app.RuleName
	}

	p.log.Info().Int64("transaction", id).Str("merchant", tx.Merchant).
		Str("category", tx.Category).Str("direction", string(tx.Direction)).
		Msg("transaction saved")

	return Success{
		TransactionID:       id,
		CashbackPercent:     tx.CashbackPercent,
		CashbackAmount:      tx.CashbackAmount,
		SubscriptionMatched: subMatched,
		AppliedRules:        names,
	}
}

// CategoryCorrection updates a stored transaction's category and records the
// merchant override so future transactions inherit it.
func (p *Processor) CategoryCorrection(ctx context.Context, transactionID int64, category string, remember bool) error {
	tx, err := p.store.TransactionByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if err := p.store.UpdateTransactionCategory(ctx, transactionID, category); err != nil {
		return err
	}
	if remember && tx.Merchant != "" {
		if err := p.store.UpsertMerchantMapping(ctx, tx.Merchant, category); err != nil {
			return fmt.Errorf("category updated but mapping not remembered: %w", err)
		}
	}
	return nil
}

func (p *Processor) buildTransaction(parsed *domain.ParsedTransaction, hash string) *domain.Transaction {
	return &domain.Transaction{
		Amount:       parsed.Amount,
		Merchant:     parsed.Merchant,
		Direction:    parsed.Direction,
		OccurredAt:   parsed.Time(),
		Description:  parsed.Reference,
		RawSMS:       parsed.Body,
		BankName:     parsed.BankName,
		Sender:       parsed.Sender,
		AccountLast4: parsed.AccountLast4,
		BalanceAfter: parsed.BalanceAfter,
		ContentHash:  hash,
		Currency:     parsed.Currency,
		FromAccount:  parsed.FromAccount,
		ToAccount:    parsed.ToAccount,
	}
}

func (p *Processor) count(result Result) {
	if p.metrics == nil {
		return
	}
	switch result.(type) {
	case Success:
		p.metrics.Processed.WithLabelValues(metrics.OutcomeSaved).Inc()
	case Duplicate:
		p.metrics.Processed.WithLabelValues(metrics.OutcomeDuplicate).Inc()
	case Blocked:
		p.metrics.Processed.WithLabelValues(metrics.OutcomeBlocked).Inc()
	case Failure:
		p.metrics.Processed.WithLabelValues(metrics.OutcomeError).Inc()
	}
}

func duplicateOf(existing *domain.Transaction) Duplicate {
	reason := "transaction already recorded"
	if existing.Deleted {
		reason = "previously deleted by user"
	}
	return Duplicate{
		ExistingID:        existing.ID,
		PreviouslyDeleted: existing.Deleted,
		Reason:            reason,
	}
}
