package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

var testTimestamp = time.Date(2025, 1, 5, 10, 30, 0, 0, time.UTC).UnixMilli()

// stubParser is a scriptable bank parser for exercising fallback behavior.
type stubParser struct {
	name    string
	handles string
	tx      *domain.ParsedTransaction
	err     error
	panics  bool
}

func (s *stubParser) Name() string { return s.name }

func (s *stubParser) CanHandle(sender string) bool { return sender == s.handles }

func (s *stubParser) Parse(body, sender string, timestampMillis int64) (*domain.ParsedTransaction, error) {
	if s.panics {
		panic("stub parser exploded")
	}
	return s.tx, s.err
}

func stubTransaction(confidence float64) *domain.ParsedTransaction {
	tx, err := domain.NewParsedTransaction(decimal.NewFromInt(100), domain.DirectionExpense,
		"Rs.100 spent at SOMEWHERE on 05-01-25", "STUB", testTimestamp)
	if err != nil {
		panic(err)
	}
	tx.Confidence = confidence
	return tx
}

func TestResolvePrefersSpecificParser(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())

	assert.Equal(t, "hdfc", r.Resolve("HDFCBK").Name())
	assert.Equal(t, "hdfc", r.Resolve("VM-HDFCBK").Name())
	assert.Equal(t, "generic", r.Resolve("UNKNOWN").Name())
}

func TestRegisterCustomParser(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())
	r.Register(&stubParser{name: "mybank", handles: "MYBANK"})

	assert.Equal(t, "mybank", r.Resolve("MYBANK").Name())
	assert.Contains(t, r.ListParsers(), "mybank")
	assert.Contains(t, r.ListParsers(), "generic")
}

func TestParseWithFallbackUsesSpecificResult(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())

	tx := r.ParseWithFallback("HDFCBK",
		"Rs.1,299.00 spent on HDFC Bank Card xx1234 at AMZN MKTP IN on 05-01-25", testTimestamp)
	require.NotNil(t, tx)
	assert.Equal(t, 1.0, tx.Confidence, "bank-specific parse, not the generic fallback")
}

func TestParseWithFallbackRetriesGeneric(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())
	r.Register(&stubParser{name: "mute", handles: "MUTE"})

	// The specific parser finds nothing; the generic one still extracts.
	tx := r.ParseWithFallback("MUTE", "Rs.500.00 debited from a/c xx9876 at STORE on 05-01-25", testTimestamp)
	require.NotNil(t, tx)
	assert.InDelta(t, 0.6, tx.Confidence, 1e-9, "fallback output is marked lower confidence")
}

func TestParseWithFallbackSwallowsErrors(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())
	r.Register(&stubParser{name: "broken", handles: "BROKEN", err: errors.New("regex exploded")})

	tx := r.ParseWithFallback("BROKEN", "Rs.500.00 debited from a/c xx9876", testTimestamp)
	require.NotNil(t, tx, "a failing specific parser never loses the message")
}

func TestParseWithFallbackContainsPanics(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())
	r.Register(&stubParser{name: "bomb", handles: "BOMB", panics: true})

	var tx *domain.ParsedTransaction
	assert.NotPanics(t, func() {
		tx = r.ParseWithFallback("BOMB", "Rs.500.00 debited from a/c xx9876", testTimestamp)
	})
	require.NotNil(t, tx, "generic fallback still runs after a panic")
}

func TestParseWithFallbackNonTransaction(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())

	tx := r.ParseWithFallback("UNKNOWN", "Your OTP is 482910. Do not share it.", testTimestamp)
	assert.Nil(t, tx)
}

func TestStubResultPassesThrough(t *testing.T) {
	r := New("INR", nil, zerolog.Nop())
	want := stubTransaction(0.9)
	r.Register(&stubParser{name: "custom", handles: "CUSTOM", tx: want})

	got := r.ParseWithFallback("CUSTOM", "anything", testTimestamp)
	assert.Same(t, want, got)
}
