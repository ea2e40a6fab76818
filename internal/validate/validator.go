// Package validate checks user-edited pending submissions before they enter
// the save pipeline. Parsing already guarantees these invariants for
// machine-parsed transactions; edits reopen them.
package validate

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// Error is one field-level validation failure.
type Error struct {
	Field   string
	Value   string
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result collects every failure found in one submission. A submission with
// any error is rejected whole; there are no warnings.
type Result struct {
	Errors []Error
}

// Valid reports whether the submission passed.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

func (r *Result) add(field, value, message string) {
	r.Errors = append(r.Errors, Error{Field: field, Value: value, Message: message})
}

// EditedPending is the user-editable subset of a pending transaction.
// Identity fields (body, sender, timestamp, hash) are not here on purpose.
type EditedPending struct {
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Merchant  string `json:"merchant"`
	Category  string `json:"category"`
	Currency  string `json:"currency"`
}

// Edited validates a user-edited submission and, when valid, applies it over
// the original parsed transaction, returning the merged result.
func Edited(original *domain.ParsedTransaction, edit *EditedPending) (*domain.ParsedTransaction, *Result) {
	result := &Result{}

	amount, err := decimal.NewFromString(strings.TrimSpace(edit.Amount))
	if err != nil {
		result.add("amount", edit.Amount, "not a valid decimal number")
	} else if !amount.IsPositive() {
		result.add("amount", edit.Amount, "must be positive")
	}

	direction := domain.Direction(strings.ToLower(strings.TrimSpace(edit.Direction)))
	if !domain.ValidateDirection(direction) {
		result.add("direction", edit.Direction, "must be income, expense or transfer")
	}

	merchant := strings.TrimSpace(edit.Merchant)
	if merchant == "" {
		result.add("merchant", edit.Merchant, "cannot be empty")
	}

	currency := strings.ToUpper(strings.TrimSpace(edit.Currency))
	if currency != "" && len(currency) != 3 {
		result.add("currency", edit.Currency, "must be a 3-letter ISO code")
	}

	if !result.Valid() {
		return nil, result
	}

	merged := *original
	merged.Amount = amount
	merged.Direction = direction
	merged.Merchant = merchant
	if currency != "" {
		merged.Currency = currency
	}
	return &merged, result
}
