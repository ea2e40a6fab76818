// Package generic implements the pattern-based fallback parser used when no
// bank-specific parser recognizes the sender. It must independently reject
// non-transaction messages, detect currency and derive a readable bank name.
package generic

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// Confidence marks generic results as fallback output so downstream
// consumers can distinguish them from bank-specific parses.
const Confidence = 0.6

// Parser is the generic fallback. It accepts any sender.
type Parser struct {
	homeCurrency string
	titler       cases.Caser
}

// New creates the generic parser. homeCurrency is the ISO code assumed when
// the message states no currency.
func New(homeCurrency string) *Parser {
	if homeCurrency == "" {
		homeCurrency = "INR"
	}
	return &Parser{
		homeCurrency: homeCurrency,
		titler:       cases.Title(language.English),
	}
}

// Name returns the parser identifier.
func (p *Parser) Name() string { return "generic" }

// CanHandle accepts every sender; the generic parser is the registry's
// last resort.
func (p *Parser) CanHandle(sender string) bool { return true }

// Patterns that identify messages which look financial but are not
// completed transactions. Checked before any amount extraction.
var nonTransactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\botp\b`),
	regexp.MustCompile(`(?i)one[\s-]?time\s+password`),
	regexp.MustCompile(`(?i)verification\s+code`),
	regexp.MustCompile(`(?i)\bdo\s+not\s+share\b`),
	regexp.MustCompile(`(?i)\b(offer|discount|sale|voucher|win\b|congratulations)`),
	regexp.MustCompile(`(?i)bill\s+(is\s+)?due`),
	regexp.MustCompile(`(?i)due\s+(date|on)\b`),
	regexp.MustCompile(`(?i)(payment|collect)\s+request`),
	regexp.MustCompile(`(?i)has\s+requested\s+(money|payment|rs)`),
	regexp.MustCompile(`(?i)\brecharge\s+now\b`),
	regexp.MustCompile(`(?i)\b(emi|premium)\s+.*\bdue\b`),
}

var (
	amountPattern = regexp.MustCompile(`(?i)(?:rs\.?|inr|₹|usd|\$|eur|€|gbp|£)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

	expensePattern  = regexp.MustCompile(`(?i)\b(debited|spent|withdrawn|paid|purchase(?:d)?|deducted|charged)\b`)
	incomePattern   = regexp.MustCompile(`(?i)\b(credited|received|deposited|refund(?:ed)?|salary)\b`)
	transferPattern = regexp.MustCompile(`(?i)\b(transferred|trf|transfer)\b`)

	merchantAtPattern   = regexp.MustCompile(`(?i)\bat\s+([A-Za-z0-9&' .\-*]+?)\s+(?:on|via|using|ref|\.|,|$)`)
	merchantToPattern   = regexp.MustCompile(`(?i)\bto\s+([A-Za-z0-9&' .\-@*]+?)(?:\s+on|\s+via|\s+ref|\.|,|$)`)
	merchantFromPattern = regexp.MustCompile(`(?i)\bfrom\s+([A-Za-z0-9&' .\-@*]+?)(?:\s+on|\s+via|\s+ref|\.|,|$)`)

	accountPattern = regexp.MustCompile(`(?i)(?:a/c|acct|account|card)\s*(?:no\.?\s*)?(?:x+|\*+|ending\s*(?:in\s*)?)?(\d{4})\b`)
	cardPattern    = regexp.MustCompile(`(?i)\bcard\b`)
	digitsOnly     = regexp.MustCompile(`^\d+$`)
	balancePattern = regexp.MustCompile(`(?i)(?:avl\.?\s*bal(?:ance)?|available\s+balance|bal(?:ance)?)\s*[:\-]?\s*(?:rs\.?|inr|₹|usd|\$|eur|€|gbp|£)?\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	refPattern     = regexp.MustCompile(`(?i)\bref(?:erence)?\s*(?:no\.?|#|:)?\s*([A-Za-z0-9]+)`)

	currencyCodes = []struct {
		pattern *regexp.Regexp
		code    string
	}{
		{regexp.MustCompile(`(?i)\binr\b|₹|\brs\.?`), "INR"},
		{regexp.MustCompile(`(?i)\busd\b|\$`), "USD"},
		{regexp.MustCompile(`(?i)\beur\b|€`), "EUR"},
		{regexp.MustCompile(`(?i)\bgbp\b|£`), "GBP"},
		{regexp.MustCompile(`(?i)\baed\b`), "AED"},
		{regexp.MustCompile(`(?i)\bsgd\b`), "SGD"},
	}

	// DLT route prefixes ("AD-", "VM-", ...) and suffixes ("-S") on Indian
	// sender tokens. Stripped before bank name derivation.
	routePrefixPattern = regexp.MustCompile(`^[A-Z]{2}-`)
	routeSuffixPattern = regexp.MustCompile(`-[A-Z]$`)

	knownSenders = map[string]string{
		"HDFCBK": "HDFC Bank",
		"HDFCBN": "HDFC Bank",
		"SBIINB": "State Bank of India",
		"SBIUPI": "State Bank of India",
		"ICICIB": "ICICI Bank",
		"ICICIT": "ICICI Bank",
		"AXISBK": "Axis Bank",
		"KOTAKB": "Kotak Mahindra Bank",
		"PNBSMS": "Punjab National Bank",
		"IDFCFB": "IDFC First Bank",
		"INDUSB": "IndusInd Bank",
		"YESBNK": "Yes Bank",
		"CANBNK": "Canara Bank",
		"BOIIND": "Bank of India",
		"PAYTMB": "Paytm Payments Bank",
	}
)

// Parse extracts a best-effort transaction. Returns (nil, nil) when the body
// does not look like a completed transaction notification. Never panics;
// internal errors yield (nil, nil).
func (p *Parser) Parse(body, sender string, timestampMillis int64) (tx *domain.ParsedTransaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			tx, err = nil, nil
		}
	}()

	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	for _, pat := range nonTransactionPatterns {
		if pat.MatchString(body) {
			return nil, nil
		}
	}

	amount, ok := extractAmount(body)
	if !ok {
		return nil, nil
	}

	direction, ok := detectDirection(body)
	if !ok {
		return nil, nil
	}

	tx, err = domain.NewParsedTransaction(amount, direction, body, sender, timestampMillis)
	if err != nil {
		return nil, nil
	}

	tx.Confidence = Confidence
	tx.Currency = p.DetectCurrency(body)
	tx.BankName = p.BankName(sender)
	tx.Merchant = p.extractMerchant(body, direction)
	tx.AccountLast4 = extractAccountLast4(body)
	tx.FromCard = cardPattern.MatchString(body)

	if bal, ok := extractBalance(body); ok {
		tx.BalanceAfter = &bal
	}
	if m := refPattern.FindStringSubmatch(body); m != nil {
		tx.Reference = m[1]
	}

	return tx, nil
}

// DetectCurrency returns the ISO code stated in the body, or the configured
// home currency when none is found.
func (p *Parser) DetectCurrency(body string) string {
	for _, c := range currencyCodes {
		if c.pattern.MatchString(body) {
			return c.code
		}
	}
	return p.homeCurrency
}

// BankName derives a human-readable bank name from a sender token.
// Routing prefixes are stripped, known short codes are mapped, and anything
// else is title-cased with a "Bank" suffix.
func (p *Parser) BankName(sender string) string {
	token := strings.ToUpper(strings.TrimSpace(sender))
	token = routePrefixPattern.ReplaceAllString(token, "")
	token = routeSuffixPattern.ReplaceAllString(token, "")

	if name, ok := knownSenders[token]; ok {
		return name
	}

	cleaned := strings.Trim(token, "-_ ")
	if cleaned == "" {
		return "Unknown Bank"
	}

	name := p.titler.String(strings.ToLower(cleaned))
	if strings.Contains(strings.ToLower(name), "bank") {
		return name
	}
	return name + " Bank"
}

func extractAmount(body string) (decimal.Decimal, bool) {
	// The balance figure often appears later in the message; the transaction
	// amount is the first currency-tagged number outside a balance clause.
	balLoc := balancePattern.FindStringIndex(body)
	for _, m := range amountPattern.FindAllStringSubmatchIndex(body, -1) {
		if balLoc != nil && m[0] >= balLoc[0] && m[1] <= balLoc[1] {
			continue
		}
		raw := strings.ReplaceAll(body[m[2]:m[3]], ",", "")
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			continue
		}
		return amount, true
	}
	return decimal.Zero, false
}

func detectDirection(body string) (domain.Direction, bool) {
	switch {
	case transferPattern.MatchString(body) && !expensePattern.MatchString(body) && !incomePattern.MatchString(body):
		return domain.DirectionTransfer, true
	case expensePattern.MatchString(body):
		return domain.DirectionExpense, true
	case incomePattern.MatchString(body):
		return domain.DirectionIncome, true
	default:
		return "", false
	}
}

func (p *Parser) extractMerchant(body string, direction domain.Direction) string {
	patterns := []*regexp.Regexp{merchantAtPattern}
	if direction == domain.DirectionIncome {
		patterns = append(patterns, merchantFromPattern)
	} else {
		patterns = append(patterns, merchantToPattern)
	}

	for _, pat := range patterns {
		if m := pat.FindStringSubmatch(body); m != nil {
			merchant := strings.TrimSpace(m[1])
			merchant = strings.Trim(merchant, ".,*- ")
			if merchant != "" && !digitsOnly.MatchString(merchant) {
				return p.titler.String(strings.ToLower(merchant))
			}
		}
	}
	return ""
}

func extractAccountLast4(body string) string {
	if m := accountPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func extractBalance(body string) (decimal.Decimal, bool) {
	m := balancePattern.FindStringSubmatch(body)
	if m == nil {
		return decimal.Zero, false
	}
	bal, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return bal, true
}
