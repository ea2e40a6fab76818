// Package hdfc implements the bank-specific parser for HDFC Bank SMS
// notifications. It is the reference implementation of the pluggable
// bank-parser contract; other bank parsers follow the same shape.
package hdfc

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

const bankName = "HDFC Bank"

// Parser handles HDFC Bank sender tokens.
type Parser struct {
	titler cases.Caser
}

// New creates the HDFC parser.
func New() *Parser {
	return &Parser{titler: cases.Title(language.English)}
}

// Name returns the parser identifier.
func (p *Parser) Name() string { return "hdfc" }

// CanHandle recognizes HDFC sender tokens such as "HDFCBK", "VM-HDFCBK" or
// "AD-HDFCBK-S".
func (p *Parser) CanHandle(sender string) bool {
	return strings.Contains(strings.ToUpper(sender), "HDFC")
}

var (
	// "Rs.1,299.00 spent on HDFC Bank Card xx1234 at AMZN MKTP IN on 05-01-25. Avl bal: Rs.45,678.90"
	cardSpentPattern = regexp.MustCompile(`(?i)(?:rs\.?|inr)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)\s+spent\s+on\s+.*?card\s+(?:x+|\*+)?(\d{4})\s+at\s+(.+?)\s+on\s+`)

	// "Rs.5000.00 debited from a/c xx9876 on 02-01-25 to VPA foo@bank. Ref 12345"
	debitPattern = regexp.MustCompile(`(?i)(?:rs\.?|inr)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)\s+(?:debited|withdrawn)\s+from\s+(?:a/c|acct|account)\s*(?:no\.?\s*)?(?:x+|\*+)?(\d{4})`)

	// "Rs.50,000.00 credited to a/c xx9876 on 01-01-25 by salary from ACME CORP"
	creditPattern = regexp.MustCompile(`(?i)(?:rs\.?|inr)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)\s+(?:credited|deposited)\s+(?:to|in)\s+(?:a/c|acct|account)\s*(?:no\.?\s*)?(?:x+|\*+)?(\d{4})`)

	balancePattern  = regexp.MustCompile(`(?i)avl\.?\s*bal(?:ance)?\s*[:\-]?\s*(?:rs\.?|inr)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	limitPattern    = regexp.MustCompile(`(?i)avl\.?\s*(?:credit\s*)?limit\s*[:\-]?\s*(?:rs\.?|inr)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	toVPAPattern    = regexp.MustCompile(`(?i)\bto\s+(?:vpa\s+)?([A-Za-z0-9&' .\-@*]+?)(?:\s+on|\s+ref|\.|,|$)`)
	fromPattern     = regexp.MustCompile(`(?i)\b(?:by|from)\s+([A-Za-z0-9&' .\-@*]+?)(?:\s+on|\s+ref|\.|,|$)`)
	refPattern      = regexp.MustCompile(`(?i)\bref(?:erence)?\s*(?:no\.?|#|:)?\s*([A-Za-z0-9]+)`)
)

// Parse extracts a transaction from an HDFC message. Returns (nil, nil) for
// non-transaction notifications; the registry then consults the generic
// parser, which applies its own rejection heuristics.
func (p *Parser) Parse(body, sender string, timestampMillis int64) (tx *domain.ParsedTransaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			tx, err = nil, nil
		}
	}()

	if m := cardSpentPattern.FindStringSubmatch(body); m != nil {
		amount, perr := parseAmount(m[1])
		if perr != nil {
			return nil, nil
		}
		tx, err = domain.NewParsedTransaction(amount, domain.DirectionExpense, body, sender, timestampMillis)
		if err != nil {
			return nil, nil
		}
		tx.AccountLast4 = m[2]
		tx.Merchant = p.titler.String(strings.ToLower(strings.TrimSpace(m[3])))
		tx.FromCard = true
		p.fill(tx, body)
		return tx, nil
	}

	if m := debitPattern.FindStringSubmatch(body); m != nil {
		amount, perr := parseAmount(m[1])
		if perr != nil {
			return nil, nil
		}
		tx, err = domain.NewParsedTransaction(amount, domain.DirectionExpense, body, sender, timestampMillis)
		if err != nil {
			return nil, nil
		}
		tx.AccountLast4 = m[2]
		if mm := toVPAPattern.FindStringSubmatch(body); mm != nil {
			tx.Merchant = p.titler.String(strings.ToLower(strings.TrimSpace(mm[1])))
		}
		p.fill(tx, body)
		return tx, nil
	}

	if m := creditPattern.FindStringSubmatch(body); m != nil {
		amount, perr := parseAmount(m[1])
		if perr != nil {
			return nil, nil
		}
		tx, err = domain.NewParsedTransaction(amount, domain.DirectionIncome, body, sender, timestampMillis)
		if err != nil {
			return nil, nil
		}
		tx.AccountLast4 = m[2]
		if mm := fromPattern.FindStringSubmatch(body); mm != nil {
			tx.Merchant = p.titler.String(strings.ToLower(strings.TrimSpace(mm[1])))
		}
		p.fill(tx, body)
		return tx, nil
	}

	return nil, nil
}

func (p *Parser) fill(tx *domain.ParsedTransaction, body string) {
	tx.BankName = bankName
	tx.Currency = "INR"
	tx.Confidence = 1.0

	if m := balancePattern.FindStringSubmatch(body); m != nil {
		if bal, err := parseAmount(m[1]); err == nil {
			tx.BalanceAfter = &bal
		}
	}
	if m := limitPattern.FindStringSubmatch(body); m != nil {
		if lim, err := parseAmount(m[1]); err == nil {
			tx.CreditLimit = &lim
		}
	}
	if m := refPattern.FindStringSubmatch(body); m != nil {
		tx.Reference = m[1]
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
}
