// Package domain defines the core entities of the SMS ledger: parsed and
// durable transactions, pending rows, balance snapshots, cards, rules and
// subscriptions. Entities carry validation in their constructors; direct
// struct construction is reserved for the store layer and tests.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction classifies a transaction's cash flow.
type Direction string

const (
	DirectionIncome   Direction = "income"
	DirectionExpense  Direction = "expense"
	DirectionTransfer Direction = "transfer"
)

// PendingStatus is the lifecycle state of a pending transaction.
// Pending is the only non-terminal state; terminal states are never reopened.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusConfirmed PendingStatus = "confirmed"
	PendingStatusRejected  PendingStatus = "rejected"
	PendingStatusAutoSaved PendingStatus = "autosaved"
)

// CardType distinguishes credit-bearing cards from debit cards.
type CardType string

const (
	CardTypeCredit CardType = "credit"
	CardTypeDebit  CardType = "debit"
)

// BalanceSource records how a balance snapshot came to exist.
type BalanceSource string

const (
	BalanceSourceTransaction BalanceSource = "transaction"
	BalanceSourceManual      BalanceSource = "manual"
)

// CategoryOthers is the fallback category when no override or keyword matches.
const CategoryOthers = "Others"

var validDirections = map[Direction]struct{}{
	DirectionIncome: {}, DirectionExpense: {}, DirectionTransfer: {},
}

var validPendingStatuses = map[PendingStatus]struct{}{
	PendingStatusPending: {}, PendingStatusConfirmed: {},
	PendingStatusRejected: {}, PendingStatusAutoSaved: {},
}

var validCardTypes = map[CardType]struct{}{
	CardTypeCredit: {}, CardTypeDebit: {},
}

// ValidateDirection checks if the direction is one of the three known values.
func ValidateDirection(d Direction) bool {
	_, ok := validDirections[d]
	return ok
}

// ValidatePendingStatus checks if the status is a known lifecycle state.
func ValidatePendingStatus(s PendingStatus) bool {
	_, ok := validPendingStatuses[s]
	return ok
}

// ValidateCardType checks if the card type is known.
func ValidateCardType(t CardType) bool {
	_, ok := validCardTypes[t]
	return ok
}

// IsTerminal reports whether a pending status can no longer change.
func (s PendingStatus) IsTerminal() bool {
	return s != PendingStatusPending
}

// ParsedTransaction is the ephemeral output of a bank parser. It is consumed
// immediately by the processing pipeline and never persisted as-is.
type ParsedTransaction struct {
	Amount       decimal.Decimal  // always positive
	Direction    Direction
	Merchant     string           // raw merchant name as extracted, may be empty
	Reference    string           // bank reference number, may be empty
	AccountLast4 string
	BalanceAfter *decimal.Decimal // post-transaction balance stated in the SMS
	CreditLimit  *decimal.Decimal
	Body         string           // full raw SMS body
	Sender       string
	Timestamp    int64            // epoch milliseconds
	BankName     string
	ContentHash  string           // optional precomputed hash
	FromCard     bool
	Currency     string           // ISO 4217 code
	FromAccount  string
	ToAccount    string
	Confidence   float64          // 1.0 = bank-specific parser, lower = generic fallback
}

// NewParsedTransaction creates a validated parsed transaction.
func NewParsedTransaction(amount decimal.Decimal, direction Direction, body, sender string, timestampMillis int64) (*ParsedTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	if !ValidateDirection(direction) {
		return nil, fmt.Errorf("invalid direction %q", direction)
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("SMS body cannot be empty")
	}
	if strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("sender cannot be empty")
	}
	if timestampMillis <= 0 {
		return nil, fmt.Errorf("timestamp must be positive, got %d", timestampMillis)
	}

	return &ParsedTransaction{
		Amount:     amount,
		Direction:  direction,
		Body:       body,
		Sender:     sender,
		Timestamp:  timestampMillis,
		Confidence: 1.0,
	}, nil
}

// Time returns the transaction timestamp as a time.Time in UTC.
func (p *ParsedTransaction) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// Transaction is a durable ledger entry. ContentHash is unique across the
// ledger; soft-deleted rows retain their hash so a replayed SMS cannot
// silently resurrect a transaction the user removed.
type Transaction struct {
	ID              int64
	Amount          decimal.Decimal
	Merchant        string // normalized display form
	Category        string
	Direction       Direction
	OccurredAt      time.Time
	Description     string
	RawSMS          string
	BankName        string
	Sender          string
	AccountLast4    string
	BalanceAfter    *decimal.Decimal
	ContentHash     string
	Recurring       bool
	Deleted         bool
	Currency        string
	FromAccount     string
	ToAccount       string
	CashbackPercent *decimal.Decimal
	CashbackAmount  *decimal.Decimal
	CreatedAt       time.Time
}

// HasCashback reports whether a nonzero cashback amount is already recorded.
// Retroactive backfill must skip rows where this is true.
func (t *Transaction) HasCashback() bool {
	return t.CashbackAmount != nil && !t.CashbackAmount.IsZero()
}

// PendingTransaction holds a parsed transaction awaiting user confirmation.
// The content hash is unique among rows still in PendingStatusPending.
type PendingTransaction struct {
	ID        int64
	Parsed    ParsedTransaction
	Category  string // suggested category, filled at admission
	Status    PendingStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the auto-save deadline has passed at the given time.
func (p *PendingTransaction) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AccountBalance is an append-only balance snapshot. The current balance for
// an account is the snapshot with the latest RecordedAt, not the latest
// insertion; imports may backfill snapshots out of insertion order.
type AccountBalance struct {
	ID              int64
	BankName        string
	AccountLast4    string
	Balance         decimal.Decimal
	CreditLimit     *decimal.Decimal
	RecordedAt      time.Time
	TransactionID   *int64
	IsCreditCard    bool
	CashbackPercent *decimal.Decimal
	SourceExcerpt   string
	Source          BalanceSource
	Currency        string
}

// Card links a card identifier to its owning account.
type Card struct {
	ID                 int64
	BankName           string
	Last4              string
	Type               CardType
	LinkedAccountLast4 string // debit cards resolve balances to this account
	CashbackPercent    *decimal.Decimal
}

// MatchType defines how a rule pattern is compared against text.
type MatchType string

const (
	MatchTypeExact    MatchType = "exact"
	MatchTypeContains MatchType = "contains"
)

// AmountCondition is the comparison applied to a rule's amount operands.
type AmountCondition string

const (
	AmountAny          AmountCondition = "any"
	AmountLessThan     AmountCondition = "lt"
	AmountLessEqual    AmountCondition = "le"
	AmountEqual        AmountCondition = "eq"
	AmountGreaterEqual AmountCondition = "ge"
	AmountGreaterThan  AmountCondition = "gt"
	AmountBetween      AmountCondition = "between"
)

// RuleAction is what a matching rule does to the candidate transaction.
type RuleAction string

const (
	RuleActionBlock          RuleAction = "block"
	RuleActionSetCategory    RuleAction = "set_category"
	RuleActionRenameMerchant RuleAction = "rename_merchant"
	RuleActionMarkRecurring  RuleAction = "mark_recurring"
)

var validRuleActions = map[RuleAction]struct{}{
	RuleActionBlock: {}, RuleActionSetCategory: {},
	RuleActionRenameMerchant: {}, RuleActionMarkRecurring: {},
}

var validAmountConditions = map[AmountCondition]struct{}{
	AmountAny: {}, AmountLessThan: {}, AmountLessEqual: {}, AmountEqual: {},
	AmountGreaterEqual: {}, AmountGreaterThan: {}, AmountBetween: {},
}

// Rule is a user-defined condition-action pair evaluated against a candidate
// transaction and its source SMS. Conditions compose (all must hold); the
// action either blocks the save or transforms one field.
type Rule struct {
	ID              int64
	Name            string
	Priority        int // higher evaluates first
	Active          bool
	Direction       Direction // empty = applies to any direction
	MerchantPattern string
	MerchantMatch   MatchType
	BodyPattern     string // substring match against the raw SMS, empty = any
	AmountCondition AmountCondition
	AmountValue     *decimal.Decimal
	AmountMax       *decimal.Decimal // upper bound for AmountBetween
	Action          RuleAction
	ActionValue     string // category name or merchant rename target
}

// NewRule creates a validated rule.
func NewRule(name string, priority int, action RuleAction) (*Rule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("rule name cannot be empty")
	}
	if priority < 0 || priority > 999 {
		return nil, fmt.Errorf("priority must be in [0,999], got %d", priority)
	}
	if _, ok := validRuleActions[action]; !ok {
		return nil, fmt.Errorf("invalid rule action %q", action)
	}

	return &Rule{
		Name:            name,
		Priority:        priority,
		Active:          true,
		MerchantMatch:   MatchTypeContains,
		AmountCondition: AmountAny,
		Action:          action,
	}, nil
}

// Validate checks a rule's field invariants. Used for rules built from YAML
// or API input where the constructor was bypassed.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	if r.Priority < 0 || r.Priority > 999 {
		return fmt.Errorf("rule %s: priority must be in [0,999], got %d", r.Name, r.Priority)
	}
	if r.Direction != "" && !ValidateDirection(r.Direction) {
		return fmt.Errorf("rule %s: invalid direction %q", r.Name, r.Direction)
	}
	if r.MerchantPattern != "" && r.MerchantMatch != MatchTypeExact && r.MerchantMatch != MatchTypeContains {
		return fmt.Errorf("rule %s: invalid match_type %q (must be 'exact' or 'contains')", r.Name, r.MerchantMatch)
	}
	if _, ok := validAmountConditions[r.AmountCondition]; !ok && r.AmountCondition != "" {
		return fmt.Errorf("rule %s: invalid amount condition %q", r.Name, r.AmountCondition)
	}
	if r.AmountCondition != "" && r.AmountCondition != AmountAny && r.AmountValue == nil {
		return fmt.Errorf("rule %s: amount condition %q requires an amount value", r.Name, r.AmountCondition)
	}
	if r.AmountCondition == AmountBetween && r.AmountMax == nil {
		return fmt.Errorf("rule %s: between condition requires an upper bound", r.Name)
	}
	if _, ok := validRuleActions[r.Action]; !ok {
		return fmt.Errorf("rule %s: invalid action %q", r.Name, r.Action)
	}
	if (r.Action == RuleActionSetCategory || r.Action == RuleActionRenameMerchant) && strings.TrimSpace(r.ActionValue) == "" {
		return fmt.Errorf("rule %s: action %q requires a value", r.Name, r.Action)
	}
	return nil
}

// Blocks reports whether a matching rule vetoes the save entirely.
func (r *Rule) Blocks() bool {
	return r.Action == RuleActionBlock
}

// RuleApplication is the audit record of a transform rule applied to a saved
// transaction. Rows are persisted only after the owning transaction exists.
type RuleApplication struct {
	ID            int64
	RuleID        int64
	RuleName      string
	TransactionID int64
	AppliedAt     time.Time
}

// Cadence is the recurrence interval of a subscription.
type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
)

// Subscription describes a known recurring payment.
type Subscription struct {
	ID               int64
	MerchantPattern  string
	Amount           decimal.Decimal
	TolerancePercent decimal.Decimal // amount match window, percent of Amount
	Cadence          Cadence
	NextDueAt        time.Time
	Active           bool
}

// NextAfter returns the next expected payment date following a payment
// observed at t.
func (s *Subscription) NextAfter(t time.Time) time.Time {
	switch s.Cadence {
	case CadenceWeekly:
		return t.AddDate(0, 0, 7)
	case CadenceQuarterly:
		return t.AddDate(0, 3, 0)
	case CadenceYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// MerchantMapping is a user-defined category override for a merchant.
type MerchantMapping struct {
	Merchant string // exact, case-sensitive
	Category string
}

// MerchantAlias substitutes a display name for a merchant system-wide
// without mutating the historical original.
type MerchantAlias struct {
	Merchant    string // matched case-insensitively
	DisplayName string
}

// CashbackRate is a default cashback percentage for an account or card.
type CashbackRate struct {
	ID           int64
	BankName     string
	AccountLast4 string
	IsCard       bool // card-specific rates take priority over account rates
	Percent      decimal.Decimal
}
