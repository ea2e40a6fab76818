package generic

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

var testTimestamp = time.Date(2025, 1, 5, 10, 30, 0, 0, time.UTC).UnixMilli()

func TestParseRejectsNonTransactions(t *testing.T) {
	p := New("INR")

	tests := []struct {
		name string
		body string
	}{
		{"otp", "Your OTP for Rs.5000 transfer is 482910. Valid for 10 minutes."},
		{"one time password", "Use one-time password 123456 to complete your payment of Rs.999"},
		{"verification code", "Your verification code is 998877"},
		{"do not share", "Rs.2000 payment initiated. Do not share this code with anyone: 4455"},
		{"promo offer", "Flat 50% offer! Spend Rs.500 and get Rs.250 cashback voucher"},
		{"bill due", "Your credit card bill of Rs.12,430 is due on 15-01-25"},
		{"emi reminder", "Your EMI of Rs.3,499 is due on 10-01-25. Keep balance available."},
		{"payment request", "Ramesh has requested money Rs.500 from you on UPI"},
		{"empty body", ""},
		{"no amount", "Your account statement for December is ready"},
		{"amount without direction", "Rs.500 is your available rewards balance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := p.Parse(tt.body, "HDFCBK", testTimestamp)
			assert.NoError(t, err)
			assert.Nil(t, tx)
		})
	}
}

func TestParseExpense(t *testing.T) {
	p := New("INR")

	tx, err := p.Parse("Rs.1,299.00 spent at AMZN MKTP IN on 05-01-25 using card xx4321. Avl bal: Rs.10,000.00",
		"AX-SOMEBANK", testTimestamp)
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.True(t, tx.Amount.Equal(dec("1299.00")))
	assert.Equal(t, domain.DirectionExpense, tx.Direction)
	assert.Equal(t, "Amzn Mktp In", tx.Merchant)
	assert.Equal(t, "4321", tx.AccountLast4)
	assert.Equal(t, "INR", tx.Currency)
	assert.True(t, tx.FromCard)
	assert.Equal(t, Confidence, tx.Confidence)
	require.NotNil(t, tx.BalanceAfter)
	assert.True(t, tx.BalanceAfter.Equal(dec("10000.00")))
}

func TestParseIncome(t *testing.T) {
	p := New("INR")

	tx, err := p.Parse("INR 50,000.00 credited to a/c xx9876 from ACME CORP. Ref 887766",
		"SBIINB", testTimestamp)
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.True(t, tx.Amount.Equal(dec("50000.00")))
	assert.Equal(t, domain.DirectionIncome, tx.Direction)
	assert.Equal(t, "Acme Corp", tx.Merchant)
	assert.Equal(t, "9876", tx.AccountLast4)
	assert.Equal(t, "887766", tx.Reference)
	assert.False(t, tx.FromCard)
}

func TestParseTransfer(t *testing.T) {
	p := New("INR")

	tx, err := p.Parse("Rs.5,000.00 transferred to savings a/c xx1111", "HDFCBK", testTimestamp)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, domain.DirectionTransfer, tx.Direction)
}

func TestParseAmountSkipsBalanceClause(t *testing.T) {
	p := New("INR")

	// The first currency figure inside the balance clause must not be taken
	// as the transaction amount.
	tx, err := p.Parse("Avl bal: Rs.99,999.00 after Rs.250.00 debited from a/c xx2222",
		"HDFCBK", testTimestamp)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.True(t, tx.Amount.Equal(dec("250.00")))
	require.NotNil(t, tx.BalanceAfter)
	assert.True(t, tx.BalanceAfter.Equal(dec("99999.00")))
}

func TestDetectCurrency(t *testing.T) {
	p := New("INR")

	tests := []struct {
		body string
		want string
	}{
		{"Rs.500 debited", "INR"},
		{"₹500 debited", "INR"},
		{"$12.99 charged to your card", "USD"},
		{"USD 12.99 charged", "USD"},
		{"€40 paid", "EUR"},
		{"GBP 25.00 spent", "GBP"},
		{"AED 100 spent at DUBAI MALL", "AED"},
		{"500 debited from your account", "INR"}, // falls back to home currency
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, p.DetectCurrency(tt.body))
		})
	}
}

func TestDetectCurrencyHomeFallback(t *testing.T) {
	p := New("USD")
	assert.Equal(t, "USD", p.DetectCurrency("500 debited from your account"))
}

func TestBankName(t *testing.T) {
	p := New("INR")

	tests := []struct {
		sender string
		want   string
	}{
		{"HDFCBK", "HDFC Bank"},
		{"VM-HDFCBK", "HDFC Bank"},
		{"AD-SBIINB-S", "State Bank of India"},
		{"ICICIT", "ICICI Bank"},
		{"PAYTMB", "Paytm Payments Bank"},
		{"AXISBANK", "Axisbank"},     // already contains "bank"
		{"NEWFIN", "Newfin Bank"},    // unknown token gets a Bank suffix
		{"", "Unknown Bank"},
	}

	for _, tt := range tests {
		t.Run(tt.sender, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BankName(tt.sender))
		})
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
