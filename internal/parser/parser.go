// Package parser defines the strategy interface implemented by all bank SMS
// parsers. The concrete parsers live under internal/parsers.
package parser

import (
	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

// Parser extracts a structured transaction from a bank SMS.
//
// Contract: Parse returns (nil, nil) when the message is not a transaction
// notification (OTP, promotion, reminder). That is a valid outcome, not an
// error. A non-nil error means the parser failed on a message it claims to
// handle; the registry falls back to the generic parser in that case.
type Parser interface {
	// Name returns the parser identifier (e.g. "hdfc", "generic").
	Name() string

	// CanHandle reports whether this parser recognizes the sender token.
	CanHandle(sender string) bool

	// Parse extracts a transaction from the message body.
	Parse(body, sender string, timestampMillis int64) (*domain.ParsedTransaction, error)
}

// Message is one raw SMS as delivered by an observing collaborator
// (broadcast receiver, background worker or bulk importer).
type Message struct {
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}
