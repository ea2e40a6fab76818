// Package merchant resolves user-defined category overrides and display-name
// aliases, and infers a category from keywords when no override exists.
package merchant

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// Store is the persistence surface the resolver needs.
type Store interface {
	// MerchantCategory returns the user's category override for an exact,
	// case-sensitive merchant name. ok is false when no override exists.
	MerchantCategory(ctx context.Context, merchant string) (category string, ok bool, err error)

	// MerchantAlias returns the display-name alias for a merchant, matched
	// case-insensitively. ok is false when no alias exists.
	MerchantAlias(ctx context.Context, merchant string) (display string, ok bool, err error)
}

// Resolver answers category and display-name questions about merchants.
type Resolver struct {
	store  Store
	titler cases.Caser
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:  store,
		titler: cases.Title(language.English),
	}
}

// CategoryFor returns the user override for the merchant if one exists,
// otherwise the keyword-inferred category. The bool reports whether the
// result came from a user override.
func (r *Resolver) CategoryFor(ctx context.Context, merchantName string, direction domain.Direction) (string, bool, error) {
	if merchantName != "" {
		category, ok, err := r.store.MerchantCategory(ctx, merchantName)
		if err != nil {
			return "", false, err
		}
		if ok {
			return category, true, nil
		}
	}
	return InferCategory(merchantName, direction), false, nil
}

// DisplayName returns the aliased display name for a merchant, or a
// title-cased form of the original when no alias is configured. The
// historical original is never mutated; aliasing is display-time only.
func (r *Resolver) DisplayName(ctx context.Context, merchantName string) (string, error) {
	if merchantName == "" {
		return "", nil
	}
	display, ok, err := r.store.MerchantAlias(ctx, merchantName)
	if err != nil {
		return "", err
	}
	if ok {
		return display, nil
	}
	return r.titler.String(strings.ToLower(merchantName)), nil
}

var incomeKeywords = map[string]string{
	"salary":   "Salary",
	"refund":   "Refund",
	"cashback": "Cashback",
	"interest": "Interest",
	"dividend": "Investment",
}

var expenseKeywords = []struct {
	keywords []string
	category string
}{
	{[]string{"swiggy", "zomato", "dominos", "mcdonald", "kfc", "restaurant", "cafe", "eatery"}, "Food"},
	{[]string{"amzn", "amazon", "flipkart", "myntra", "ajio", "mall", "store", "mart"}, "Shopping"},
	{[]string{"uber", "ola", "rapido", "irctc", "redbus", "metro", "fuel", "petrol", "hpcl", "iocl"}, "Transport"},
	{[]string{"netflix", "spotify", "hotstar", "prime video", "bookmyshow", "cinema"}, "Entertainment"},
	{[]string{"electricity", "water", "broadband", "airtel", "jio", "vodafone", "dth", "gas"}, "Bills"},
	{[]string{"pharmacy", "apollo", "hospital", "clinic", "diagnostics", "medplus"}, "Health"},
	{[]string{"grofers", "blinkit", "bigbasket", "zepto", "grocery", "supermarket"}, "Groceries"},
	{[]string{"school", "college", "udemy", "coursera", "tuition"}, "Education"},
	{[]string{"rent", "landlord"}, "Rent"},
}

// InferCategory guesses a category from merchant-name keywords. Income
// directions use the income keyword table; expenses use the merchant table;
// anything unmatched falls back to Others.
func InferCategory(merchantName string, direction domain.Direction) string {
	name := strings.ToLower(merchantName)

	if direction == domain.DirectionIncome {
		for keyword, category := range incomeKeywords {
			if strings.Contains(name, keyword) {
				return category
			}
		}
		return "Income"
	}

	if direction == domain.DirectionTransfer {
		return "Transfer"
	}

	for _, group := range expenseKeywords {
		for _, keyword := range group.keywords {
			if strings.Contains(name, keyword) {
				return group.category
			}
		}
	}
	return domain.CategoryOthers
}
