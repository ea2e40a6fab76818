// Package identity computes the deterministic content hash used to
// deduplicate transactions across the pending table and the durable ledger.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

const millisPerMinute = 60_000

// ComputeHash fingerprints a transaction as
// SHA256("{sender}|{amount}|{minute}|{body}").
//
// The amount is rounded to 2 decimal places (half-up) and the timestamp is
// truncated to the containing minute, so two deliveries of the same bank
// notification a few seconds apart collide. The full body is included so
// genuinely distinct transactions sharing sender, amount and minute do not.
func ComputeHash(sender string, amount decimal.Decimal, timestampMillis int64, body string) string {
	minute := timestampMillis - timestampMillis%millisPerMinute
	input := fmt.Sprintf("%s|%s|%d|%s", sender, amount.Round(2).StringFixed(2), minute, body)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
